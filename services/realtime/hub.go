// Package realtime is the socket server: connections join rooms and receive the events published to them.
package realtime

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/pkg/errors"

	"github.com/masomo/campus/core"
	"github.com/masomo/campus/core/chat"
)

// Hub keeps the registry of connections and rooms.
type Hub struct {
	mu      sync.RWMutex
	conns   map[*conn]struct{}
	rooms   map[string]map[*conn]struct{}
	metrics *Metrics
	logger  core.Logger
}

var _ chat.Publisher = (*Hub)(nil)

func NewHub(logger core.Logger, metrics *Metrics) *Hub {
	if metrics == nil {
		metrics = NewMetrics(nil)
	}
	return &Hub{
		conns:   make(map[*conn]struct{}),
		rooms:   make(map[string]map[*conn]struct{}),
		metrics: metrics,
		logger:  logger,
	}
}

func (h *Hub) register(c *conn) {
	h.mu.Lock()
	h.conns[c] = struct{}{}
	h.mu.Unlock()
	h.metrics.connections.Inc()
}

// unregister removes c from every room and closes its send buffer. It is idempotent.
func (h *Hub) unregister(c *conn) {
	h.mu.Lock()
	_, ok := h.conns[c]
	if ok {
		delete(h.conns, c)
		for room := range c.rooms {
			h.leaveLocked(c, room)
		}
	}
	h.mu.Unlock()

	if ok {
		h.metrics.connections.Dec()
		c.close()
	}
}

func (h *Hub) join(c *conn, room string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.conns[c]; !ok {
		return
	}
	members, ok := h.rooms[room]
	if !ok {
		members = make(map[*conn]struct{})
		h.rooms[room] = members
	}
	members[c] = struct{}{}
	c.rooms[room] = struct{}{}
}

func (h *Hub) leave(c *conn, room string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.leaveLocked(c, room)
}

func (h *Hub) leaveLocked(c *conn, room string) {
	delete(c.rooms, room)
	if members, ok := h.rooms[room]; ok {
		delete(members, c)
		if len(members) == 0 {
			delete(h.rooms, room)
		}
	}
}

// Publish sends the event to every connection joined to any of the rooms, once per connection.
// A connection whose send buffer is full is dropped.
func (h *Hub) Publish(_ context.Context, rooms []string, event string, data interface{}) error {
	frame, err := chat.NewFrame(event, data)
	if err != nil {
		return errors.Wrap(err, "encoding frame")
	}
	msg, err := json.Marshal(frame)
	if err != nil {
		return errors.Wrap(err, "encoding frame")
	}

	h.mu.RLock()
	targets := make(map[*conn]struct{})
	for _, room := range rooms {
		for c := range h.rooms[room] {
			targets[c] = struct{}{}
		}
	}
	h.mu.RUnlock()

	h.metrics.published.WithLabelValues(event).Inc()
	for c := range targets {
		h.deliver(c, msg)
	}
	return nil
}

func (h *Hub) deliver(c *conn, msg []byte) {
	if c.enqueue(msg) {
		h.metrics.delivered.Inc()
		return
	}
	h.metrics.dropped.Inc()
	h.logger.Warn("dropping slow connection", c.user)
	h.unregister(c)
}

// Connections returns the number of registered connections.
func (h *Hub) Connections() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}

// Close disconnects every connection.
func (h *Hub) Close() {
	h.mu.RLock()
	conns := make([]*conn, 0, len(h.conns))
	for c := range h.conns {
		conns = append(conns, c)
	}
	h.mu.RUnlock()

	for _, c := range conns {
		h.unregister(c)
	}
}
