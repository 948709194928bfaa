package commentsync

import (
	"crypto/rand"
	"encoding/hex"
	"time"

	"github.com/oklog/ulid/v2"
)

// newCorrelationID returns a ULID used as client correlation id.
// ULIDs are lexicographically sortable, which keeps correlation ids readable
// in logs alongside the broker's comment ids.
func newCorrelationID(now time.Time) string {
	if now.IsZero() {
		now = time.Now().UTC()
	}

	id, err := ulid.New(ulid.Timestamp(now), rand.Reader)
	if err != nil {
		return newRandomHex(16)
	}
	return id.String()
}

// newRandomHex returns a cryptographically secure random hex string of length 2*nBytes.
func newRandomHex(nBytes int) string {
	if nBytes <= 0 {
		nBytes = 16
	}

	b := make([]byte, nBytes)
	if _, err := rand.Read(b); err != nil {
		return ""
	}
	return hex.EncodeToString(b)
}
