package idempotency

import (
	"context"
	"encoding/json"
	"time"

	"github.com/apexfab/planforge/scheduling_plane/store"
)

// Response is the cached outcome of a confirm-path request. Replays get the
// byte-identical answer the first attempt produced.
type Response struct {
	StatusCode int                 `json:"status_code"`
	Body       []byte              `json:"body"`
	Headers    map[string][]string `json:"headers,omitempty"`
}

// Store caches confirm responses behind the shared Coordinator (Redis in
// production, in-memory single node). Records expire after ttl.
type Store struct {
	coord store.Coordinator
	ttl   time.Duration
}

func NewStore(coord store.Coordinator, ttl time.Duration) *Store {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &Store{coord: coord, ttl: ttl}
}

func (s *Store) Get(ctx context.Context, key string) (Response, bool) {
	val, err := s.coord.GetIdempotencyRecord(ctx, key)
	if err != nil {
		return Response{}, false
	}
	var resp Response
	if err := json.Unmarshal([]byte(val), &resp); err != nil {
		return Response{}, false
	}
	return resp, true
}

// Set stores the response for replays. First writer wins; a lost race means
// a concurrent duplicate already recorded its answer, which is equivalent.
func (s *Store) Set(ctx context.Context, key string, resp Response) {
	data, err := json.Marshal(resp)
	if err != nil {
		return
	}
	_, _ = s.coord.SetIdempotencyRecordNX(ctx, key, string(data), s.ttl)
}
