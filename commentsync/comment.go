package commentsync

import "time"

// State describes where a comment sits in the optimistic-write lifecycle.
type State string

const (
	// StatePending marks a locally submitted comment not yet confirmed by the broker.
	StatePending State = "pending"
	// StateConfirmed marks a comment acknowledged by the broker broadcast.
	StateConfirmed State = "confirmed"
	// StateFailed marks a comment whose confirming echo never arrived.
	StateFailed State = "failed"
)

// ContentKind enumerates the content targets that carry comment threads.
type ContentKind string

const (
	KindPost   ContentKind = "post"
	KindCourse ContentKind = "course"
)

// Comment is one comment or reply in a thread.
//
// ClientCorrelationID is present only on entries that originated from this
// client session. It is used solely to match the broker echo and is never
// rendered or transmitted as ID.
type Comment struct {
	ID                  string
	ClientCorrelationID string
	ParentID            string
	AuthorID            string
	AuthorDisplay       string
	Content             string
	CreatedAt           time.Time
	EditedAt            time.Time
	State               State

	// Replies is populated on top-level entries in ordered views only.
	// Mutating it has no effect on engine state.
	Replies []Comment
}

// IsReply reports whether the comment attaches to a parent.
func (c Comment) IsReply() bool { return c.ParentID != "" }

// Identity is the writer identity attached to locally submitted comments.
type Identity struct {
	AuthorID      string
	AuthorDisplay string
}
