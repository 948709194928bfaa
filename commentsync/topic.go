package commentsync

import (
	"fmt"
	"strings"
)

const topicPrefix = "topic"

// ResolveTopic maps a (kind, contentID) pair to its canonical pub/sub topic.
//
// Pure and deterministic: equal inputs always yield the same topic string, so
// two independently mounted widgets for the same content item share one
// underlying subscription.
func ResolveTopic(kind ContentKind, contentID string) (string, error) {
	if err := validateTarget(kind, contentID); err != nil {
		return "", err
	}
	return topicPrefix + "/" + string(kind) + "/" + contentID + "/comments", nil
}

// ScopeKey returns the key used to partition local engine state per content item.
func ScopeKey(kind ContentKind, contentID string) string {
	return string(kind) + ":" + contentID
}

func validateTarget(kind ContentKind, contentID string) error {
	switch kind {
	case KindPost, KindCourse:
	default:
		return fmt.Errorf("%w: unsupported content kind %q", ErrInvalidTarget, kind)
	}

	id := strings.TrimSpace(contentID)
	if id == "" || id != contentID {
		return fmt.Errorf("%w: empty or padded content id", ErrInvalidTarget)
	}
	if strings.ContainsAny(contentID, "/ ") {
		return fmt.Errorf("%w: content id %q contains reserved characters", ErrInvalidTarget, contentID)
	}
	return nil
}
