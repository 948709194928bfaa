package commenthub

import (
	"encoding/json"
	"io"
	"log/slog"
	"testing"
	"time"

	syncv1 "campus/contracts/commentsync/v1"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testEnvelope(typ string) syncv1.Envelope {
	p, _ := json.Marshal(syncv1.CommentEventPayload{CommentID: "c-1", AuthorID: "u-1", Content: "hi"})
	return syncv1.Envelope{
		V:       syncv1.Version,
		Type:    typ,
		ID:      "evt-1",
		Topic:   "topic/post/p-1/comments",
		TS:      time.Now().UTC(),
		Payload: p,
	}
}

func TestRoomBroadcastDeliversToMembers(t *testing.T) {
	room := NewRoom(testLogger(), "topic/post/p-1/comments")
	a := NewClient("sess-a", 8)
	b := NewClient("sess-b", 8)
	room.Join(a)
	room.Join(b)

	env := testEnvelope(syncv1.TypeCommentCreated)
	if dropped := room.Broadcast(env); dropped != 0 {
		t.Fatalf("dropped = %d, want 0", dropped)
	}

	for _, c := range []*Client{a, b} {
		select {
		case got := <-c.Send:
			if got.Type != syncv1.TypeCommentCreated {
				t.Fatalf("client %s got type %q", c.SessionID, got.Type)
			}
		default:
			t.Fatalf("client %s received nothing", c.SessionID)
		}
	}
}

func TestRoomBroadcastCountsDrops(t *testing.T) {
	room := NewRoom(testLogger(), "topic/post/p-1/comments")
	c := NewClient("sess-a", 1)
	room.Join(c)

	if dropped := room.Broadcast(testEnvelope(syncv1.TypeCommentCreated)); dropped != 0 {
		t.Fatalf("first broadcast dropped = %d, want 0", dropped)
	}
	// The queue is full and nobody is draining it.
	if dropped := room.Broadcast(testEnvelope(syncv1.TypeCommentUpdated)); dropped != 1 {
		t.Fatalf("second broadcast dropped = %d, want 1", dropped)
	}
}

func TestRoomBroadcastSkipsClosedClients(t *testing.T) {
	room := NewRoom(testLogger(), "topic/post/p-1/comments")
	c := NewClient("sess-a", 8)
	room.Join(c)
	c.Close()

	if dropped := room.Broadcast(testEnvelope(syncv1.TypeCommentCreated)); dropped != 0 {
		t.Fatalf("dropped = %d for a closed client, want 0", dropped)
	}
	select {
	case <-c.Send:
		t.Fatal("closed client received a broadcast")
	default:
	}
}

func TestRoomJoinLeaveEmpty(t *testing.T) {
	room := NewRoom(testLogger(), "topic/post/p-1/comments")
	if !room.Empty() {
		t.Fatal("new room not empty")
	}

	c := NewClient("sess-a", 8)
	room.Join(c)
	if room.Empty() {
		t.Fatal("room empty after join")
	}

	// Leave must not close the client: it may hold other topics.
	room.Leave(c.SessionID)
	if !room.Empty() {
		t.Fatal("room not empty after leave")
	}
	select {
	case <-c.Done():
		t.Fatal("Leave closed the client")
	default:
	}
}

func TestClientCloseIdempotent(t *testing.T) {
	c := NewClient("sess-a", 8)
	c.Close()
	c.Close()

	select {
	case <-c.Done():
	default:
		t.Fatal("Done() not closed after Close()")
	}
}

func TestNilClientDone(t *testing.T) {
	var c *Client
	select {
	case <-c.Done():
	case <-time.After(time.Second):
		t.Fatal("nil client Done() must be closed")
	}
}

func TestHubBroadcastWithoutRoomIsNoop(t *testing.T) {
	hub := NewHub(testLogger(), nil)
	// Must not panic or create a room.
	hub.Broadcast("topic/post/ghost/comments", testEnvelope(syncv1.TypeCommentCreated))
}

func TestHubRoomLifecycle(t *testing.T) {
	hub := NewHub(testLogger(), nil)

	r1 := hub.GetOrCreateRoom("topic/post/p-1/comments")
	r2 := hub.GetOrCreateRoom("topic/post/p-1/comments")
	if r1 != r2 {
		t.Fatal("GetOrCreateRoom returned different handles for one topic")
	}

	c := NewClient("sess-a", 8)
	r1.Join(c)

	// A populated room survives the release attempt.
	hub.ReleaseIfEmpty("topic/post/p-1/comments")
	if got := hub.GetOrCreateRoom("topic/post/p-1/comments"); got != r1 {
		t.Fatal("ReleaseIfEmpty dropped a populated room")
	}

	r1.Leave(c.SessionID)
	hub.ReleaseIfEmpty("topic/post/p-1/comments")
	if got := hub.GetOrCreateRoom("topic/post/p-1/comments"); got == r1 {
		t.Fatal("ReleaseIfEmpty kept an empty room")
	}
}

func TestHubBroadcastReachesRoomMembers(t *testing.T) {
	hub := NewHub(testLogger(), nil)
	room := hub.GetOrCreateRoom("topic/post/p-1/comments")
	c := NewClient("sess-a", 8)
	room.Join(c)

	hub.Broadcast("topic/post/p-1/comments", testEnvelope(syncv1.TypeCommentCreated))

	select {
	case got := <-c.Send:
		if got.Type != syncv1.TypeCommentCreated {
			t.Fatalf("got type %q", got.Type)
		}
	default:
		t.Fatal("member received nothing")
	}
}
