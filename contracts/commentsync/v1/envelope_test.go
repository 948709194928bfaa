package v1

import (
	"encoding/json"
	"testing"
	"time"
)

func TestEnvelopeValidate(t *testing.T) {
	tests := []struct {
		name    string
		env     Envelope
		wantErr bool
	}{
		{name: "subscribe", env: Envelope{V: Version, Type: TypeTopicSubscribe}},
		{name: "subscribed", env: Envelope{V: Version, Type: TypeTopicSubscribed}},
		{name: "unsubscribe", env: Envelope{V: Version, Type: TypeTopicUnsubscribe}},
		{name: "comment create", env: Envelope{V: Version, Type: TypeCommentCreate}},
		{name: "comment created", env: Envelope{V: Version, Type: TypeCommentCreated}},
		{name: "comment updated", env: Envelope{V: Version, Type: TypeCommentUpdated}},
		{name: "comment deleted", env: Envelope{V: Version, Type: TypeCommentDeleted}},
		{name: "error", env: Envelope{V: Version, Type: TypeError}},
		{name: "missing version", env: Envelope{Type: TypeCommentCreated}, wantErr: true},
		{name: "blank version", env: Envelope{V: "  ", Type: TypeCommentCreated}, wantErr: true},
		{name: "wrong version", env: Envelope{V: "v2", Type: TypeCommentCreated}, wantErr: true},
		{name: "missing type", env: Envelope{V: Version}, wantErr: true},
		{name: "unknown type", env: Envelope{V: Version, Type: "comment_upserted"}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.env.Validate()
			if (err != nil) != tt.wantErr {
				t.Fatalf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestEnvelopeRoundTrip(t *testing.T) {
	p, err := json.Marshal(CommentEventPayload{
		Topic:               "topic/post/p-1/comments",
		ClientCorrelationID: "corr-1",
		CommentID:           "c-1",
		AuthorID:            "u-1",
		Content:             "hello",
		CreatedAt:           time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC),
	})
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}

	in := Envelope{
		V:       Version,
		Type:    TypeCommentCreated,
		ID:      "evt-1",
		Topic:   "topic/post/p-1/comments",
		TS:      time.Date(2026, 8, 1, 12, 0, 1, 0, time.UTC),
		Payload: p,
	}
	b, err := json.Marshal(in)
	if err != nil {
		t.Fatalf("marshal envelope: %v", err)
	}

	var out Envelope
	if err := json.Unmarshal(b, &out); err != nil {
		t.Fatalf("unmarshal envelope: %v", err)
	}
	if err := out.Validate(); err != nil {
		t.Fatalf("Validate() error = %v", err)
	}
	if out.Type != in.Type || out.Topic != in.Topic || out.ID != in.ID {
		t.Fatalf("round trip mismatch: %+v", out)
	}

	var outP CommentEventPayload
	if err := json.Unmarshal(out.Payload, &outP); err != nil {
		t.Fatalf("unmarshal payload: %v", err)
	}
	if outP.CommentID != "c-1" || outP.ClientCorrelationID != "corr-1" {
		t.Fatalf("payload mismatch: %+v", outP)
	}
	if !outP.EditedAt.IsZero() {
		t.Fatalf("EditedAt = %v, want zero for a create", outP.EditedAt)
	}
}
