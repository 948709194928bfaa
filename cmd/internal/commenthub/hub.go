package commenthub

import (
	"log/slog"
	"sync"

	syncv1 "campus/contracts/commentsync/v1"
)

// Hub owns in-memory topic rooms and provides stable room handles.
// It is intentionally minimal: persistence lives behind CommentStore.
type Hub struct {
	log     *slog.Logger
	metrics *Metrics

	mu    sync.RWMutex
	rooms map[string]*Room
}

// NewHub constructs a Hub instance.
func NewHub(log *slog.Logger, metrics *Metrics) *Hub {
	return &Hub{
		log:     log,
		metrics: metrics,
		rooms:   make(map[string]*Room),
	}
}

// GetOrCreateRoom returns a stable in-memory room handle for a topic.
func (h *Hub) GetOrCreateRoom(topic string) *Room {
	h.mu.Lock()
	defer h.mu.Unlock()

	if r, ok := h.rooms[topic]; ok {
		return r
	}

	r := NewRoom(h.log, topic)
	h.rooms[topic] = r
	return r
}

// Broadcast fans an envelope out to the topic's room, if it exists.
// Topics without a live room are a no-op: REST writers publish unconditionally
// and most targets have no watchers at any given moment.
func (h *Hub) Broadcast(topic string, env syncv1.Envelope) {
	h.mu.RLock()
	r := h.rooms[topic]
	h.mu.RUnlock()

	if r == nil {
		return
	}

	dropped := r.Broadcast(env)
	h.metrics.Broadcast(env.Type, dropped)
}

// ReleaseIfEmpty drops the room for a topic when its membership is empty.
// Called after the last unsubscribe so long-idle topics do not accumulate.
func (h *Hub) ReleaseIfEmpty(topic string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if r, ok := h.rooms[topic]; ok && r.Empty() {
		delete(h.rooms, topic)
	}
}
