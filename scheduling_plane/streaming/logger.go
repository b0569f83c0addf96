package streaming

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync/atomic"
	"time"
)

// LogPublisher writes events to the process log. Default publisher when no
// broker is configured.
type LogPublisher struct {
	logger *log.Logger
	seq    atomic.Uint64
}

func NewLogPublisher() *LogPublisher {
	return &LogPublisher{
		logger: log.Default(),
	}
}

func (p *LogPublisher) Publish(ctx context.Context, topic string, payload interface{}) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	event := Event{
		ID:        fmt.Sprintf("evt-%d-%d", time.Now().UnixNano(), p.seq.Add(1)),
		Topic:     topic,
		Payload:   data,
		Timestamp: time.Now(),
		Source:    "scheduling-plane",
	}

	eventBytes, _ := json.Marshal(event)
	p.logger.Printf("[STREAMING] PUBLISH %s: %s", topic, string(eventBytes))
	return nil
}

func (p *LogPublisher) Close() error {
	p.logger.Println("[STREAMING] Closed LogPublisher")
	return nil
}
