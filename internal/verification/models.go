package verification

import (
	"errors"
	"time"

	"github.com/richxcame/visitguard/internal/fraud"
)

// Outcome classifies a decision.
type Outcome string

const (
	OutcomeAccepted     Outcome = "ACCEPTED"
	OutcomePolicyDenial Outcome = "POLICY_DENIAL"
	OutcomeInvalidInput Outcome = "INVALID_INPUT"
	OutcomeStorageError Outcome = "STORAGE_ERROR"
	OutcomeSystemError  Outcome = "SYSTEM_ERROR"
)

// DenyReason says which policy rejected a claim.
type DenyReason string

const (
	DenyNone      DenyReason = ""
	DenyReplay    DenyReason = "replay"
	DenyBlocked   DenyReason = "blocked"
	DenyRateLimit DenyReason = "rate_limited"
	DenyFraudRisk DenyReason = "fraud_risk"
)

// ConnectivityMode decides where an accepted nonce is recorded.
type ConnectivityMode string

const (
	// ModeOffline records the nonce as locally consumed, pending sync.
	ModeOffline ConnectivityMode = "offline"
	// ModeOnline records the nonce as already confirmed by the server.
	ModeOnline ConnectivityMode = "online"
)

// Errors returned alongside non-policy decisions.
var (
	ErrInvalidInput = errors.New("verification: invalid input")
	ErrStorage      = errors.New("verification: storage error")
	ErrSystem       = errors.New("verification: system error")
)

// Claim is one scanned visit. NonceCode defaults to QRContent.
type Claim struct {
	ClientID        string
	BranchID        string
	QRContent       string
	NonceCode       string
	DeviceID        string
	Device          fraud.DeviceInfo
	Location        *fraud.Location
	LocationTag     string
	Mode            ConnectivityMode
	LocalTimestamp  time.Time
	ServerTimestamp time.Time
}

func (c Claim) nonce() string {
	if c.NonceCode != "" {
		return c.NonceCode
	}
	return c.QRContent
}

// ClaimDecision is the result of VerifyClaim. Risk is set whenever the
// scorer ran, including for policy denials.
type ClaimDecision struct {
	Accepted        bool                      `json:"accepted"`
	Outcome         Outcome                   `json:"outcome"`
	DenyReason      DenyReason                `json:"denyReason,omitempty"`
	Detail          string                    `json:"detail,omitempty"`
	RemainingVisits int                       `json:"remainingVisits"`
	NextAllowedAt   *time.Time                `json:"nextAllowedAt,omitempty"`
	Risk            *fraud.RiskAnalysisResult `json:"risk,omitempty"`
}

// Stats is the read-only dashboard summary.
type Stats struct {
	PendingNonces     int `json:"pendingNonces"`
	SyncedNonces      int `json:"syncedNonces"`
	ActiveBlocks      int `json:"activeBlocks"`
	RecentFraudEvents int `json:"recentFraudEvents"`
}

// ConfirmResult reports which nonces were migrated to synced.
type ConfirmResult struct {
	Migrated []string `json:"migrated"`
	Missing  []string `json:"missing"`
}
