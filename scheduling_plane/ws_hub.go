package main

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/apexfab/planforge/scheduling_plane/observability"
)

const maxWSConnections = 200

// ScheduleHub manages websocket connections and broadcasts schedule
// snapshots. Single broadcaster pattern prevents N duplicate tickers.
type ScheduleHub struct {
	// clients maps connection to FactoryID
	clients    map[*websocket.Conn]string
	register   chan registration
	unregister chan *websocket.Conn
	mu         sync.RWMutex
	api        *API
}

type registration struct {
	conn      *websocket.Conn
	factoryID string
}

func NewScheduleHub(api *API) *ScheduleHub {
	return &ScheduleHub{
		clients:    make(map[*websocket.Conn]string),
		register:   make(chan registration),
		unregister: make(chan *websocket.Conn),
		api:        api,
	}
}

// Run starts the hub's main loop.
func (h *ScheduleHub) Run(ctx context.Context) {
	ticker := time.NewTicker(1 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			h.shutdown()
			return

		case reg := <-h.register:
			h.mu.Lock()
			if len(h.clients) >= maxWSConnections {
				h.mu.Unlock()
				reg.conn.Close()
				log.Printf("[stream] connection rejected: max connections (%d) reached", maxWSConnections)
				continue
			}
			h.clients[reg.conn] = reg.factoryID
			total := len(h.clients)
			h.mu.Unlock()
			observability.ConnectedStreamClients.Set(float64(total))
			log.Printf("[stream] client registered for %s, total %d", reg.factoryID, total)

		case conn := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[conn]; ok {
				delete(h.clients, conn)
				conn.Close()
			}
			total := len(h.clients)
			h.mu.Unlock()
			observability.ConnectedStreamClients.Set(float64(total))
			log.Printf("[stream] client unregistered, total %d", total)

		case <-ticker.C:
			h.broadcastAll(ctx)
		}
	}
}

// broadcastAll pushes one snapshot per factory to that factory's clients.
func (h *ScheduleHub) broadcastAll(ctx context.Context) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	factories := make(map[string]bool)
	for _, factoryID := range h.clients {
		factories[factoryID] = true
	}

	for factoryID := range factories {
		snapshot, err := h.api.dashboardService.GetDashboardSnapshot(ctx, factoryID)
		if err != nil {
			log.Printf("[stream] snapshot for %s failed: %v", factoryID, err)
			continue
		}

		for conn, fid := range h.clients {
			if fid != factoryID {
				continue
			}
			// Write deadline keeps a dead connection from blocking the loop.
			conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
			if err := conn.WriteJSON(snapshot); err != nil {
				log.Printf("[stream] write error: %v", err)
				go h.Unregister(conn)
			}
		}
	}
}

func (h *ScheduleHub) shutdown() {
	h.mu.Lock()
	defer h.mu.Unlock()

	log.Printf("[stream] shutting down hub with %d clients", len(h.clients))

	for conn := range h.clients {
		conn.Close()
	}
	h.clients = make(map[*websocket.Conn]string)
	observability.ConnectedStreamClients.Set(0)
}

func (h *ScheduleHub) Register(conn *websocket.Conn, factoryID string) {
	h.register <- registration{conn: conn, factoryID: factoryID}
}

func (h *ScheduleHub) Unregister(conn *websocket.Conn) {
	h.unregister <- conn
}

func (h *ScheduleHub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}
