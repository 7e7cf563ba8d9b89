package tracepub

import (
	"net/http"
	"sync"
	"sync/atomic"

	"golang.org/x/net/websocket"

	"github.com/ardnew/softdap/pkg"
)

// DefaultBacklog is the number of messages queued per subscriber before
// further messages to it are dropped.
const DefaultBacklog = 64

// WebSocketHub fans trace writes out to every connected websocket
// client as binary messages. A slow client loses messages; it never
// stalls the writer or the other clients.
type WebSocketHub struct {
	backlog int

	mutex   sync.Mutex
	clients map[*websocket.Conn]chan []byte
	closed  bool

	dropped atomic.Uint64
}

// NewWebSocketHub creates a hub queueing up to backlog messages per
// client. A non-positive backlog means DefaultBacklog.
func NewWebSocketHub(backlog int) *WebSocketHub {
	if backlog <= 0 {
		backlog = DefaultBacklog
	}
	return &WebSocketHub{
		backlog: backlog,
		clients: make(map[*websocket.Conn]chan []byte),
	}
}

// Handler returns the HTTP handler accepting subscribers.
func (h *WebSocketHub) Handler() http.Handler {
	return websocket.Handler(h.serve)
}

func (h *WebSocketHub) serve(ws *websocket.Conn) {
	ch := make(chan []byte, h.backlog)
	h.mutex.Lock()
	if h.closed {
		h.mutex.Unlock()
		return
	}
	h.clients[ws] = ch
	h.mutex.Unlock()

	remote := ws.Request().RemoteAddr
	pkg.LogInfo(pkg.ComponentTrace, "websocket client connected", "remote", remote)
	defer func() {
		h.remove(ws)
		pkg.LogInfo(pkg.ComponentTrace, "websocket client disconnected", "remote", remote)
	}()

	// Clients never send; a failed receive means the peer went away.
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		var discard []byte
		for websocket.Message.Receive(ws, &discard) == nil {
		}
	}()

	for {
		select {
		case <-gone:
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			if err := websocket.Message.Send(ws, msg); err != nil {
				pkg.LogDebug(pkg.ComponentTrace, "websocket send failed", "remote", remote, "error", err)
				return
			}
		}
	}
}

func (h *WebSocketHub) remove(ws *websocket.Conn) {
	h.mutex.Lock()
	if ch, ok := h.clients[ws]; ok {
		delete(h.clients, ws)
		close(ch)
	}
	h.mutex.Unlock()
}

// Write queues a copy of p for every client.
func (h *WebSocketHub) Write(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	msg := append([]byte(nil), p...)

	h.mutex.Lock()
	defer h.mutex.Unlock()
	if h.closed {
		return 0, pkg.ErrNotRunning
	}
	for _, ch := range h.clients {
		select {
		case ch <- msg:
		default:
			h.dropped.Add(1)
		}
	}
	return len(p), nil
}

// Clients returns the number of connected clients.
func (h *WebSocketHub) Clients() int {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	return len(h.clients)
}

// Dropped returns the number of messages discarded for slow clients.
func (h *WebSocketHub) Dropped() uint64 {
	return h.dropped.Load()
}

// Close disconnects every client and refuses further writes.
func (h *WebSocketHub) Close() error {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	if h.closed {
		return nil
	}
	h.closed = true
	for ws, ch := range h.clients {
		delete(h.clients, ws)
		close(ch)
		ws.Close()
	}
	return nil
}
