// Package ids mints the identifiers the SDK hands out: frame ids, listener
// handles and pre-key ids. ULIDs sort by creation time, which keeps the
// pre-key listings and relay logs in order.
package ids

import (
	"crypto/rand"
	"time"

	"github.com/oklog/ulid/v2"
)

// NewULID returns a new ULID string (26 chars) stamped with now.
func NewULID(now time.Time) (string, error) {
	if now.IsZero() {
		now = time.Now().UTC()
	}
	id, err := ulid.New(ulid.Timestamp(now), rand.Reader)
	if err != nil {
		return "", err
	}
	return id.String(), nil
}

// MustULID is NewULID for callers that cannot recover from a broken
// random source.
func MustULID(now time.Time) string {
	id, err := NewULID(now)
	if err != nil {
		panic("ids: " + err.Error())
	}
	return id
}
