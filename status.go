package main

import (
	"context"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/reachinbox/scheduler/queue"
	"github.com/reachinbox/scheduler/store"
)

const maxWSConnections = 200

// QueueMetrics mirrors the metrics() shape from spec.md §4.2:
// {waiting, active, completed, failed, delayed}. Only Waiting and
// Delayed are filled in, both from the queue depth; Active, Completed
// and Failed are not tracked and are always reported as zero.
type QueueMetrics struct {
	Waiting   int64 `json:"waiting"`
	Active    int   `json:"active"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
	Delayed   int64 `json:"delayed"`
}

// StatusSnapshot is the body of GET /api/status.
type StatusSnapshot struct {
	Database  string       `json:"database"`
	Queue     QueueMetrics `json:"queue"`
	Timestamp time.Time    `json:"timestamp"`
}

// handleStatus implements GET /api/status: health + queue metrics.
func (a *API) handleStatus(w http.ResponseWriter, r *http.Request) {
	dbStatus := "ok"
	if err := a.store.Ping(r.Context()); err != nil {
		dbStatus = "unreachable"
	}

	depth, err := a.queue.Depth(r.Context())
	if err != nil {
		depth = 0
	}

	writeOK(w, http.StatusOK, StatusSnapshot{
		Database: dbStatus,
		Queue: QueueMetrics{
			Waiting: depth,
			Delayed: depth,
		},
		Timestamp: time.Now().UTC(),
	})
}

// StatusHub broadcasts periodic StatusSnapshots to connected
// WebSocket clients. Register/unregister channels keep the client set
// mutation single-threaded; a ticker drives the broadcast loop.
type StatusHub struct {
	store store.Store
	queue queue.Queue

	clients    map[*websocket.Conn]bool
	register   chan *websocket.Conn
	unregister chan *websocket.Conn
	mu         sync.RWMutex
}

func NewStatusHub(st store.Store, q queue.Queue) *StatusHub {
	return &StatusHub{
		store:      st,
		queue:      q,
		clients:    make(map[*websocket.Conn]bool),
		register:   make(chan *websocket.Conn),
		unregister: make(chan *websocket.Conn),
	}
}

// Run starts the hub's main loop; call from a goroutine.
func (h *StatusHub) Run(ctx context.Context) {
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			h.shutdown()
			return

		case conn := <-h.register:
			h.mu.Lock()
			if len(h.clients) >= maxWSConnections {
				h.mu.Unlock()
				conn.Close()
				log.Printf("status stream: connection rejected, max connections (%d) reached", maxWSConnections)
				continue
			}
			h.clients[conn] = true
			h.mu.Unlock()
			log.Printf("status stream: client registered, total %d", len(h.clients))

		case conn := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[conn]; ok {
				delete(h.clients, conn)
				conn.Close()
			}
			h.mu.Unlock()

		case <-ticker.C:
			h.broadcast(ctx)
		}
	}
}

func (h *StatusHub) broadcast(ctx context.Context) {
	dbStatus := "ok"
	if err := h.store.Ping(ctx); err != nil {
		dbStatus = "unreachable"
	}
	depth, err := h.queue.Depth(ctx)
	if err != nil {
		depth = 0
	}
	snapshot := StatusSnapshot{
		Database:  dbStatus,
		Queue:     QueueMetrics{Waiting: depth, Delayed: depth},
		Timestamp: time.Now().UTC(),
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for conn := range h.clients {
		conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
		if err := conn.WriteJSON(snapshot); err != nil {
			log.Printf("status stream: write error: %v", err)
			go h.Unregister(conn)
		}
	}
}

func (h *StatusHub) shutdown() {
	h.mu.Lock()
	defer h.mu.Unlock()
	log.Printf("status stream: shutting down with %d clients", len(h.clients))
	for conn := range h.clients {
		conn.Close()
	}
	h.clients = make(map[*websocket.Conn]bool)
}

func (h *StatusHub) Register(conn *websocket.Conn) { h.register <- conn }
func (h *StatusHub) Unregister(conn *websocket.Conn) { h.unregister <- conn }

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// handleStatusStream implements GET /api/status/stream, upgrading to
// a WebSocket that receives a StatusSnapshot every 2 seconds.
func (a *API) handleStatusStream(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("status stream: upgrade failed: %v", err)
		return
	}
	a.hub.Register(conn)
}
