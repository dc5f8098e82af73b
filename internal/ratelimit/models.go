package ratelimit

import "time"

// Defaults applied when the configuration leaves a knob at zero.
const (
	DefaultMaxVisitsPerHour  = 1
	DefaultMaxVisitsPerDay   = 10
	DefaultMaxDevicesPerHour = 3
	DefaultBlockDuration     = 24 * time.Hour
	DefaultRetention         = 24 * time.Hour
	DefaultSweepInterval     = 6 * time.Hour

	hourWindow = time.Hour
	dayWindow  = 24 * time.Hour

	visitsPrefix = "ratelimit:visits:"
	blockPrefix  = "ratelimit:block:"
)

// Denial reasons.
const (
	ReasonHourlyLimit   = "hourly limit exceeded"
	ReasonDailyLimit    = "daily limit exceeded"
	ReasonDevicePattern = "suspicious device pattern"
	ReasonStorage       = "storage unavailable"
	blockedReasonPrefix = "blocked: "
)

// Rule names the check that denied a visit.
type Rule string

const (
	RuleNone          Rule = ""
	RuleBlocked       Rule = "blocked"
	RuleHourly        Rule = "hourly"
	RuleDaily         Rule = "daily"
	RuleDevicePattern Rule = "device_pattern"
	RuleStorage       Rule = "storage"
)

// VisitAttempt is one recorded visit.
type VisitAttempt struct {
	ClientID      string    `json:"clientId"`
	BranchID      string    `json:"branchId"`
	Timestamp     time.Time `json:"timestamp"`
	DeviceID      string    `json:"deviceId"`
	LocationTag   string    `json:"locationTag,omitempty"`
	ReservationID string    `json:"reservationId,omitempty"`
}

// visitLog holds every branch's attempts of one client, so hourly, daily
// and device checks all read a single document.
type visitLog struct {
	Attempts []VisitAttempt `json:"attempts"`
}

// BlockedClient is a temporary block. It is active while now < BlockedUntil.
type BlockedClient struct {
	ClientID     string    `json:"clientId"`
	BlockedUntil time.Time `json:"blockedUntil"`
	Reason       string    `json:"reason"`
	BlockedAt    time.Time `json:"blockedAt"`
}

// Active reports whether the block still applies at now.
func (b BlockedClient) Active(now time.Time) bool {
	return now.Before(b.BlockedUntil)
}

// Result is the outcome of a limit check.
type Result struct {
	Allowed         bool       `json:"allowed"`
	Reason          string     `json:"reason,omitempty"`
	Rule            Rule       `json:"rule,omitempty"`
	RemainingVisits int        `json:"remainingVisits"`
	NextAllowedAt   *time.Time `json:"nextAllowedAt,omitempty"`
}

// CleanupResult reports what a sweep removed.
type CleanupResult struct {
	VisitDocuments int `json:"visitDocuments"`
	PrunedAttempts int `json:"prunedAttempts"`
	RemovedDocs    int `json:"removedDocuments"`
	ExpiredBlocks  int `json:"expiredBlocks"`
}
