package commenthub

import (
	"log/slog"
	"sync"

	syncv1 "campus/contracts/commentsync/v1"
)

// Room is an in-memory membership + broadcast fanout primitive for one topic.
//
// Concurrency guarantees:
// - Join/Leave are safe under concurrent Broadcast.
// - Broadcast never blocks (drops under backpressure).
// - Broadcast is panic-safe because Client.Send is never closed by the server.
type Room struct {
	log   *slog.Logger
	Topic string

	mu      sync.RWMutex
	members map[string]*Client
}

// NewRoom constructs a room for one topic.
func NewRoom(log *slog.Logger, topic string) *Room {
	return &Room{
		log:     log,
		Topic:   topic,
		members: make(map[string]*Client),
	}
}

// Join adds a client to membership.
func (r *Room) Join(client *Client) {
	if r == nil || client == nil || client.SessionID == "" {
		return
	}

	r.mu.Lock()
	r.members[client.SessionID] = client
	r.mu.Unlock()

	r.log.Info("room.member.join", "topic", r.Topic, "session_id", client.SessionID)
}

// Leave removes a client from membership. Unlike a full session teardown,
// leaving one room does not close the client: it may still be subscribed to
// other topics on the same connection.
func (r *Room) Leave(sessionID string) {
	if r == nil || sessionID == "" {
		return
	}

	r.mu.Lock()
	_, present := r.members[sessionID]
	delete(r.members, sessionID)
	r.mu.Unlock()

	if present {
		r.log.Info("room.member.leave", "topic", r.Topic, "session_id", sessionID)
	}
}

// Empty reports whether the room has no members.
func (r *Room) Empty() bool {
	if r == nil {
		return true
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.members) == 0
}

// Broadcast fanouts an envelope to all members.
// Non-blocking: if a member queue is full or the client is shutting down, it is
// dropped. Returns the number of dropped deliveries.
func (r *Room) Broadcast(env syncv1.Envelope) int {
	if r == nil {
		return 0
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	dropped := 0
	for _, m := range r.members {
		if m == nil {
			continue
		}

		select {
		case <-m.Done():
			// Skip clients that are shutting down.
			continue
		default:
		}

		select {
		case m.Send <- env:
		default:
			// Drop rather than block the whole room.
			dropped++
		}
	}
	return dropped
}
