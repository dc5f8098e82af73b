package replay

import (
	"context"
	"errors"
	"time"
)

// Origin says whether a nonce was consumed locally or confirmed by the server.
type Origin string

const (
	OriginLocal  Origin = "local"
	OriginSynced Origin = "synced"

	// DefaultTTL is how long a consumed nonce blocks replays.
	DefaultTTL = 24 * time.Hour

	keyPrefix = "replay:nonce:"
)

var (
	// ErrReplayed is returned by Claim when the nonce is already consumed.
	ErrReplayed = errors.New("replay: nonce already used")
	// ErrEmptyCode is returned when a nonce code is empty.
	ErrEmptyCode = errors.New("replay: empty nonce code")
)

// NonceRecord is one consumed nonce.
type NonceRecord struct {
	Code        string    `json:"code"`
	FirstSeenAt time.Time `json:"firstSeenAt"`
	Origin      Origin    `json:"origin"`
	// ClaimID identifies the claim that created the record, so a rollback
	// never deletes a record written by someone else.
	ClaimID string `json:"claimId,omitempty"`
	// InFlight is set while the claim that created the record is still being
	// decided. In-flight records block replays but are not offered for sync.
	InFlight bool `json:"inFlight,omitempty"`
}

// Hold is a consumed nonce whose claim is still undecided. Exactly one of
// Commit or Release should be called.
type Hold struct {
	// Commit makes the record visible to sync.
	Commit func(context.Context) error
	// Release removes the record again.
	Release func(context.Context) error
}

// Expired reports whether the record is older than ttl at now.
func (r NonceRecord) Expired(now time.Time, ttl time.Duration) bool {
	return now.Sub(r.FirstSeenAt) > ttl
}

// Counts summarizes live nonces by origin.
type Counts struct {
	Pending int `json:"pending"`
	Synced  int `json:"synced"`
}

// CleanupResult reports what a sweep removed.
type CleanupResult struct {
	Scanned int `json:"scanned"`
	Evicted int `json:"evicted"`
}
