// Package hub fans serial lines out to TCP tap clients.
package hub

import (
	"errors"
	"sync"

	"github.com/kstaniek/go-serimon/internal/logging"
	"github.com/kstaniek/go-serimon/internal/metrics"
)

type BackpressurePolicy int

const (
	PolicyDrop BackpressurePolicy = iota
	PolicyKick
)

// ParsePolicy maps "drop" and "kick" to a policy.
func ParsePolicy(s string) (BackpressurePolicy, error) {
	switch s {
	case "drop", "":
		return PolicyDrop, nil
	case "kick":
		return PolicyKick, nil
	default:
		return PolicyDrop, errors.New("hub policy must be drop or kick")
	}
}

func (p BackpressurePolicy) String() string {
	if p == PolicyKick {
		return "kick"
	}
	return "drop"
}

// ErrTooManyClients is returned by Add when MaxClients is reached.
var ErrTooManyClients = errors.New("too many clients")

type Client struct {
	Out       chan string
	Closed    chan struct{}
	closeOnce sync.Once
}

// NewClient returns a client with an outbound queue of size buf.
func NewClient(buf int) *Client {
	if buf <= 0 {
		buf = 1
	}
	return &Client{Out: make(chan string, buf), Closed: make(chan struct{})}
}

// Close signals the client is closed (idempotent).
func (c *Client) Close() {
	c.closeOnce.Do(func() {
		close(c.Closed)
	})
}

type Hub struct {
	mu         sync.RWMutex
	clients    map[*Client]struct{}
	OutBufSize int
	Policy     BackpressurePolicy
	// MaxClients limits concurrent clients; 0 means unlimited.
	MaxClients int
}

// New creates a Hub with default settings.
func New() *Hub { return &Hub{clients: make(map[*Client]struct{})} }

// Add registers a client with the hub.
func (h *Hub) Add(c *Client) error {
	h.mu.Lock()
	prev := len(h.clients)
	if h.MaxClients > 0 && prev >= h.MaxClients {
		h.mu.Unlock()
		metrics.IncHubReject()
		return ErrTooManyClients
	}
	h.clients[c] = struct{}{}
	cur := len(h.clients)
	h.mu.Unlock()
	metrics.SetHubClients(cur)
	if prev == 0 && cur == 1 {
		logging.L().Info("clients_first_connected")
	}
	return nil
}

// Remove unregisters a client and updates metrics; safe to call multiple times.
func (h *Hub) Remove(c *Client) {
	h.mu.Lock()
	_, existed := h.clients[c]
	if existed {
		delete(h.clients, c)
	}
	cur := len(h.clients)
	h.mu.Unlock()
	c.Close()
	metrics.SetHubClients(cur)
	if existed && cur == 0 {
		logging.L().Info("clients_last_disconnected")
	}
}

// Broadcast queues a line for every client honoring the backpressure policy.
// It never blocks on a slow client.
func (h *Hub) Broadcast(text string) {
	clients := h.Snapshot()
	metrics.SetBroadcastFanout(len(clients))
	if len(clients) == 0 {
		return
	}
	max, sum := 0, 0
	for _, c := range clients {
		l := len(c.Out)
		if l > max {
			max = l
		}
		sum += l
	}
	metrics.SetQueueDepth(max, sum/len(clients))
	for _, c := range clients {
		select {
		case <-c.Closed:
			continue
		default:
		}
		select {
		case c.Out <- text:
		default:
			if h.Policy == PolicyKick {
				metrics.IncHubKick()
				logging.L().Warn("client_kicked", "queue", cap(c.Out))
				c.Close() // writer exits; server removes on disconnect
			} else {
				metrics.IncHubDrop()
			}
		}
	}
}

// OnLine lets the hub act as a session consumer.
func (h *Hub) OnLine(text string) { h.Broadcast(text) }

// StatusPrefix marks lines that come from serimon rather than the serial device.
const StatusPrefix = "#! "

// OnDiagnostic forwards status messages to tap clients as StatusPrefix lines.
func (h *Hub) OnDiagnostic(text string) { h.Broadcast(StatusPrefix + text) }

// Snapshot returns a slice copy of current clients (read-only use).
func (h *Hub) Snapshot() []*Client {
	h.mu.RLock()
	clients := make([]*Client, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.RUnlock()
	return clients
}

// Count returns the number of active clients.
func (h *Hub) Count() int { h.mu.RLock(); n := len(h.clients); h.mu.RUnlock(); return n }
