package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"

	"github.com/Vicedomini-Softworks/mysql-loader/cmd/jobs"
	"github.com/Vicedomini-Softworks/mysql-loader/cmd/progress"
)

const (
	hubBuffer    = 1000
	writeTimeout = 5 * time.Second
)

// WebSocket message types
const (
	MessageJob      = "job"
	MessageProgress = "progress"
	MessageLog      = "log"
)

type WSMessage struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

type LogMessage struct {
	Timestamp string `json:"timestamp"`
	Level     string `json:"level"`
	Message   string `json:"message"`
}

type ProgressMessage struct {
	JobID    string         `json:"job_id"`
	Source   string         `json:"source"`
	Progress progress.Stats `json:"progress"`
	Line     string         `json:"line"`
}

// clientWrapper wraps a websocket connection with a write mutex to ensure thread-safe writes
type clientWrapper struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (cw *clientWrapper) write(data []byte) error {
	cw.mu.Lock()
	defer cw.mu.Unlock()
	_ = cw.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return cw.conn.WriteMessage(websocket.TextMessage, data)
}

// Hub fans job, progress and log events out to websocket clients. Publishing
// never blocks: events are dropped when the buffer is full.
type Hub struct {
	upgrader  websocket.Upgrader
	clients   map[*websocket.Conn]*clientWrapper
	clientsMu sync.RWMutex
	broadcast chan WSMessage
	width     int
	logger    *slog.Logger
}

// NewHub creates a hub accepting websocket connections from origins
// ("*" allows any origin)
func NewHub(origins []string, progressWidth int, logger *slog.Logger) *Hub {
	h := &Hub{
		clients:   make(map[*websocket.Conn]*clientWrapper),
		broadcast: make(chan WSMessage, hubBuffer),
		width:     progressWidth,
		logger:    logger,
	}
	h.upgrader = websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			return origin == "" || slices.Contains(origins, "*") || slices.Contains(origins, origin)
		},
	}
	return h
}

// Publish queues msg for every connected client
func (h *Hub) Publish(msg WSMessage) {
	select {
	case h.broadcast <- msg:
	default:
		// Channel full, skip broadcast to avoid blocking
	}
}

// JobUpdated implements jobs.Observer
func (h *Hub) JobUpdated(j jobs.Job) {
	h.Publish(WSMessage{Type: MessageJob, Data: j})
}

// JobProgress implements jobs.Observer
func (h *Hub) JobProgress(j jobs.Job, s progress.Stats) {
	h.Publish(WSMessage{Type: MessageProgress, Data: ProgressMessage{
		JobID:    j.ID,
		Source:   j.SourceName,
		Progress: s,
		Line:     progress.Line(s, h.width),
	}})
}

// PublishLog forwards a log record
func (h *Hub) PublishLog(r slog.Record) {
	h.Publish(WSMessage{Type: MessageLog, Data: LogMessage{
		Timestamp: r.Time.Format("2006-01-02 15:04:05"),
		Level:     r.Level.String(),
		Message:   r.Message,
	}})
}

// ClientCount returns the number of connected clients
func (h *Hub) ClientCount() int {
	h.clientsMu.RLock()
	defer h.clientsMu.RUnlock()
	return len(h.clients)
}

// Run sends queued messages to all clients until ctx is cancelled, then
// disconnects them
func (h *Hub) Run(ctx context.Context) error {
	defer h.closeAll()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg := <-h.broadcast:
			h.send(msg)
		}
	}
}

func (h *Hub) send(msg WSMessage) {
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}

	h.clientsMu.RLock()
	// Collect failed clients while holding read lock
	var failedClients []*websocket.Conn
	for conn, wrapper := range h.clients {
		if err := wrapper.write(data); err != nil {
			failedClients = append(failedClients, conn)
		}
	}
	h.clientsMu.RUnlock()

	// Clean up failed clients with write lock
	if len(failedClients) > 0 {
		h.clientsMu.Lock()
		for _, conn := range failedClients {
			if wrapper, exists := h.clients[conn]; exists {
				wrapper.conn.Close()
				delete(h.clients, conn)
			}
		}
		h.clientsMu.Unlock()
	}
}

func (h *Hub) closeAll() {
	h.clientsMu.Lock()
	defer h.clientsMu.Unlock()
	for conn, wrapper := range h.clients {
		wrapper.mu.Lock()
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
			time.Now().Add(time.Second))
		wrapper.mu.Unlock()
		conn.Close()
		delete(h.clients, conn)
	}
}

// ServeHTTP upgrades the request and keeps the client registered until it
// disconnects
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Debug(fmt.Sprintf("WebSocket upgrade error: %v", err))
		return
	}
	defer conn.Close()

	h.clientsMu.Lock()
	h.clients[conn] = &clientWrapper{conn: conn}
	h.clientsMu.Unlock()
	h.logger.Debug(fmt.Sprintf("WebSocket client connected from %s", r.RemoteAddr))

	// Clean up on disconnect
	defer func() {
		h.clientsMu.Lock()
		delete(h.clients, conn)
		h.clientsMu.Unlock()
		h.logger.Debug("WebSocket client disconnected")
	}()

	// Keep connection alive; clients never send anything meaningful
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.logger.Debug(fmt.Sprintf("WebSocket error: %v", err))
			}
			return
		}
	}
}
