package web

import (
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"antenna-tracker/internal/tracking"
)

const (
	wsWriteWait  = 5 * time.Second
	wsPongWait   = 30 * time.Second
	wsPingPeriod = wsPongWait * 9 / 10
)

// Hub fans pointing solutions out to WebSocket clients. It keeps the most
// recent solution so a new client is painted immediately. Slow clients miss
// updates rather than stall the tracking loop.
type Hub struct {
	log      *slog.Logger
	upgrader websocket.Upgrader

	mu       sync.RWMutex
	subs     map[int]chan tracking.Solution
	nextID   int
	last     tracking.Solution
	haveLast bool
	closed   bool
}

func NewHub(log *slog.Logger) *Hub {
	if log == nil {
		log = slog.Default()
	}
	return &Hub{
		log:  log,
		subs: make(map[int]chan tracking.Solution),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			// Displays are served from other origins on the field network.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

func (h *Hub) Subscribe(buffer int) (int, <-chan tracking.Solution) {
	if buffer <= 0 {
		buffer = 4
	}
	ch := make(chan tracking.Solution, buffer)
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		close(ch)
		return -1, ch
	}
	id := h.nextID
	h.nextID++
	h.subs[id] = ch
	if h.haveLast {
		ch <- h.last
	}
	return id, ch
}

func (h *Hub) Unsubscribe(id int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if ch, ok := h.subs[id]; ok {
		delete(h.subs, id)
		close(ch)
	}
}

func (h *Hub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// PublishSolution implements tracking.Sink.
func (h *Hub) PublishSolution(s tracking.Solution) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.last = s
	h.haveLast = true
	for _, ch := range h.subs {
		select {
		case ch <- s:
		default:
		}
	}
}

// Close disconnects every client and refuses new ones.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for id, ch := range h.subs {
		delete(h.subs, id)
		close(ch)
	}
}

func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !websocket.IsWebSocketUpgrade(r) {
		http.Error(w, "websocket upgrade required", http.StatusBadRequest)
		return
	}
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Debug("websocket upgrade failed", "remote", r.RemoteAddr, "err", err)
		return
	}
	defer conn.Close()

	id, updates := h.Subscribe(0)
	defer h.Unsubscribe(id)
	h.log.Debug("websocket client connected", "remote", r.RemoteAddr, "clients", h.Clients())

	// The reader only exists to process control frames and notice a close.
	done := make(chan struct{})
	go func() {
		defer close(done)
		conn.SetReadLimit(512)
		_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(wsPongWait))
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
					h.log.Debug("websocket read failed", "remote", r.RemoteAddr, "err", err)
				}
				return
			}
		}
	}()

	ping := time.NewTicker(wsPingPeriod)
	defer ping.Stop()
	for {
		select {
		case <-done:
			return
		case sol, ok := <-updates:
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if !ok {
				_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"))
				return
			}
			if err := conn.WriteJSON(sol); err != nil {
				h.log.Debug("websocket write failed", "remote", r.RemoteAddr, "err", err)
				return
			}
		case <-ping.C:
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
