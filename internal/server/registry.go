package server

import (
	"sort"
	"sync"
	"time"

	"github.com/mattjoyce/framewire/internal/dispatch"
	"github.com/mattjoyce/framewire/internal/transport"
)

// conn is one tracked connection: identity plus the live handles the
// snapshot reads counters from.
type conn struct {
	id          string
	remoteAddr  string
	connectedAt time.Time
	state       *transport.State
	dispatcher  *dispatch.Dispatcher
}

// ConnSnapshot is a point-in-time view of one connection, safe to hand
// out after the connection is gone.
type ConnSnapshot struct {
	ID          string    `json:"id"`
	RemoteAddr  string    `json:"remote_addr"`
	ConnectedAt time.Time `json:"connected_at"`
	BytesIn     uint64    `json:"bytes_in"`
	BytesOut    uint64    `json:"bytes_out"`
	Inflight    int       `json:"inflight"`
}

// Registry tracks the connections currently owned by a Server.
type Registry struct {
	mu    sync.Mutex
	conns map[string]*conn
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{conns: make(map[string]*conn)}
}

func (r *Registry) add(c *conn) {
	r.mu.Lock()
	r.conns[c.id] = c
	r.mu.Unlock()
}

func (r *Registry) remove(id string) {
	r.mu.Lock()
	delete(r.conns, id)
	r.mu.Unlock()
}

// Len returns the number of active connections.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.conns)
}

// Snapshot returns a view of every active connection, oldest first.
func (r *Registry) Snapshot() []ConnSnapshot {
	r.mu.Lock()
	out := make([]ConnSnapshot, 0, len(r.conns))
	for _, c := range r.conns {
		in, outBytes := c.state.Stats()
		out = append(out, ConnSnapshot{
			ID:          c.id,
			RemoteAddr:  c.remoteAddr,
			ConnectedAt: c.connectedAt,
			BytesIn:     in,
			BytesOut:    outBytes,
			Inflight:    c.dispatcher.Inflight(),
		})
	}
	r.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		return out[i].ConnectedAt.Before(out[j].ConnectedAt)
	})
	return out
}
