// Package websocket streams download job lifecycle events to connected
// clients.
//
// Clients open a WebSocket connection to:
//
//	GET /events
//
// Every start and completion observed on the manager is fanned out to all
// connections. Slow clients drop frames rather than stall the scheduler.
//
// Server → client frame:
//
//	{"type":"job_started","key":"m|attachment|d","message_id":"m","attachment_type":"attachment","attempts":0,"at":...}
//	{"type":"job_completed","key":"...","status":"retry","error":"...","retry_after":...,"at":...}
package websocket

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	gorillaws "github.com/gorilla/websocket"

	"github.com/snehjoshi/attachq/internal/manager"
	"github.com/snehjoshi/attachq/internal/types"
)

var upgrader = gorillaws.Upgrader{
	// Same-origin only for browsers; requests without an Origin header
	// (native clients, curl) are always allowed.
	CheckOrigin: func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		host, err := parseHost(origin)
		if err != nil {
			return false
		}
		return host == r.Host
	},
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
}

// parseHost returns the host:port (or just host) portion of a URL string.
func parseHost(rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		return "", fmt.Errorf("invalid origin %q", rawURL)
	}
	return u.Host, nil
}

// Frame is the JSON structure the server sends to clients.
type Frame struct {
	Type           string `json:"type"` // "job_started" | "job_completed"
	Key            string `json:"key"`
	MessageID      string `json:"message_id"`
	AttachmentType string `json:"attachment_type"`
	Attempts       int    `json:"attempts"`
	Status         string `json:"status,omitempty"`
	Variant        string `json:"variant,omitempty"`
	Error          string `json:"error,omitempty"`
	RetryAfter     int64  `json:"retry_after,omitempty"`
	At             int64  `json:"at"`
}

// subscriberBuffer is how many frames a client may lag behind before frames
// are dropped for it.
const subscriberBuffer = 64

// Hub fans out frames to every connected client.
type Hub struct {
	mu   sync.Mutex
	subs map[chan Frame]struct{}
}

// NewHub returns an empty Hub.
func NewHub() *Hub {
	return &Hub{subs: make(map[chan Frame]struct{})}
}

// Observe publishes m's lifecycle events to the hub.
func (h *Hub) Observe(m *manager.Manager) {
	m.OnJobStarted(func(job *types.Job) {
		h.Publish(frameFor("job_started", job))
	})
	m.OnJobCompleted(func(out manager.Outcome) {
		f := frameFor("job_completed", out.Job)
		f.Status = out.Status.String()
		f.RetryAfter = out.RetryAfter
		if out.Err != nil {
			f.Error = out.Err.Error()
		}
		if out.Status == manager.StatusFinished {
			f.Variant = out.Result.Variant.String()
		}
		h.Publish(f)
	})
}

func frameFor(typ string, job *types.Job) Frame {
	return Frame{
		Type:           typ,
		Key:            job.Key().String(),
		MessageID:      job.MessageID,
		AttachmentType: string(job.AttachmentType),
		Attempts:       job.Attempts,
		At:             time.Now().UnixMilli(),
	}
}

// Publish delivers f to every subscriber without blocking.
func (h *Hub) Publish(f Frame) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for ch := range h.subs {
		select {
		case ch <- f:
		default:
		}
	}
}

// Subscribe registers a new subscriber. Call the returned func to leave.
func (h *Hub) Subscribe() (<-chan Frame, func()) {
	ch := make(chan Frame, subscriberBuffer)
	h.mu.Lock()
	h.subs[ch] = struct{}{}
	h.mu.Unlock()
	return ch, func() {
		h.mu.Lock()
		delete(h.subs, ch)
		h.mu.Unlock()
	}
}

// Len returns the number of connected subscribers.
func (h *Hub) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

// ServeHTTP upgrades the connection and streams frames until the client
// disconnects.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("websocket upgrade failed", "err", err)
		return
	}
	defer conn.Close()

	frames, leave := h.Subscribe()
	defer leave()

	// Clients never send anything meaningful; reading detects disconnects.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-closed:
			return
		case f := <-frames:
			data, _ := json.Marshal(f)
			if err := conn.WriteMessage(gorillaws.TextMessage, data); err != nil {
				return
			}
		}
	}
}
