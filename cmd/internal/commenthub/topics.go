package commenthub

import (
	"fmt"
	"strings"
)

// Target identifies one content item carrying a comment thread.
type Target struct {
	Kind      string
	ContentID string
}

// Key returns the storage partition key for the target.
func (t Target) Key() string { return t.Kind + ":" + t.ContentID }

// Topic returns the canonical pub/sub topic for the target.
func (t Target) Topic() string {
	return "topic/" + t.Kind + "/" + t.ContentID + "/comments"
}

var supportedKinds = map[string]struct{}{
	"post":   {},
	"course": {},
}

// ParseTarget validates a (kind, contentID) pair from a request.
func ParseTarget(kind, contentID string) (Target, error) {
	kind = strings.TrimSpace(kind)
	contentID = strings.TrimSpace(contentID)

	if _, ok := supportedKinds[kind]; !ok {
		return Target{}, fmt.Errorf("%w: unsupported kind %q", ErrInvalidInput, kind)
	}
	if contentID == "" || strings.ContainsAny(contentID, "/ ") {
		return Target{}, fmt.Errorf("%w: bad content id", ErrInvalidInput)
	}
	return Target{Kind: kind, ContentID: contentID}, nil
}

// ParseTopic validates a wire topic of the form topic/<kind>/<contentID>/comments.
func ParseTopic(topic string) (Target, error) {
	parts := strings.Split(strings.TrimSpace(topic), "/")
	if len(parts) != 4 || parts[0] != "topic" || parts[3] != "comments" {
		return Target{}, fmt.Errorf("%w: malformed topic %q", ErrInvalidInput, topic)
	}
	return ParseTarget(parts[1], parts[2])
}
