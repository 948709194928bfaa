package commenthub

import (
	"encoding/json"
	"time"

	syncv1 "campus/contracts/commentsync/v1"
)

// Event builders shared by the websocket gateway and the REST handlers.
// Both surfaces must emit byte-for-byte equivalent broadcasts so clients
// cannot tell which transport carried the originating mutation.

func newBroadcastEnvelope(typ, topic string, payload json.RawMessage, ts time.Time) syncv1.Envelope {
	return syncv1.Envelope{
		V:       syncv1.Version,
		Type:    typ,
		ID:      NewSessionID(),
		Topic:   topic,
		TS:      ts,
		Payload: payload,
	}
}

// CreatedEnvelope builds the comment_created broadcast for a stored comment.
func CreatedEnvelope(stored StoredComment, now time.Time) syncv1.Envelope {
	topic := Target{Kind: stored.Kind, ContentID: stored.ContentID}.Topic()
	p, _ := json.Marshal(syncv1.CommentEventPayload{
		Topic:               topic,
		ClientCorrelationID: stored.ClientCorrelationID,
		CommentID:           stored.ID,
		ParentID:            stored.ParentID,
		AuthorID:            stored.AuthorID,
		AuthorDisplay:       stored.AuthorDisplay,
		Content:             stored.Content,
		CreatedAt:           stored.CreatedAt,
	})
	return newBroadcastEnvelope(syncv1.TypeCommentCreated, topic, p, now)
}

// UpdatedEnvelope builds the comment_updated broadcast for an edited comment.
func UpdatedEnvelope(stored StoredComment, corrID string, now time.Time) syncv1.Envelope {
	topic := Target{Kind: stored.Kind, ContentID: stored.ContentID}.Topic()
	p, _ := json.Marshal(syncv1.CommentEventPayload{
		Topic:               topic,
		ClientCorrelationID: corrID,
		CommentID:           stored.ID,
		ParentID:            stored.ParentID,
		AuthorID:            stored.AuthorID,
		AuthorDisplay:       stored.AuthorDisplay,
		Content:             stored.Content,
		CreatedAt:           stored.CreatedAt,
		EditedAt:            stored.EditedAt,
	})
	return newBroadcastEnvelope(syncv1.TypeCommentUpdated, topic, p, now)
}

// DeletedEnvelope builds the comment_deleted broadcast for a delete result.
func DeletedEnvelope(res DeleteResult, commentID, corrID string, now time.Time) syncv1.Envelope {
	topic := res.Target.Topic()
	p, _ := json.Marshal(syncv1.CommentDeletedPayload{
		Topic:               topic,
		ClientCorrelationID: corrID,
		CommentID:           commentID,
		RemovedIDs:          res.RemovedIDs,
	})
	return newBroadcastEnvelope(syncv1.TypeCommentDeleted, topic, p, now)
}
