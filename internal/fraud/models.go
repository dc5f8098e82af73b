package fraud

import (
	"errors"
	"time"
)

// PatternTag names a detected fraud pattern.
type PatternTag string

const (
	PatternImpossibleVelocity  PatternTag = "IMPOSSIBLE_VELOCITY"
	PatternBurstActivity       PatternTag = "BURST_ACTIVITY"
	PatternClockSkew           PatternTag = "CLOCK_SKEW"
	PatternLowQREntropy        PatternTag = "LOW_QR_ENTROPY"
	PatternDeviceAnomaly       PatternTag = "DEVICE_ANOMALY"
	PatternLowLocationAccuracy PatternTag = "LOW_LOCATION_ACCURACY"

	// Logged by the verification pipeline for policy denials.
	PatternReplayAttempt PatternTag = "REPLAY_ATTEMPT"
	PatternDeviceFanOut  PatternTag = "DEVICE_FAN_OUT"
)

// Recommendation is the action suggested by a risk score.
type Recommendation string

const (
	RecommendBlock   Recommendation = "BLOCK"
	RecommendReview  Recommendation = "REVIEW"
	RecommendMonitor Recommendation = "MONITOR"
	RecommendAllow   Recommendation = "ALLOW"
)

// ErrInvalidInput is returned for coordinates out of range or timestamps that
// run backwards relative to the client's history.
var ErrInvalidInput = errors.New("fraud: invalid input")

// Location is a device position fix.
type Location struct {
	Latitude       float64 `json:"latitude"`
	Longitude      float64 `json:"longitude"`
	AccuracyMeters float64 `json:"accuracyMeters"`
}

// DeviceInfo is optional device metadata reported with a claim.
type DeviceInfo struct {
	Model      string `json:"model,omitempty"`
	OSVersion  string `json:"osVersion,omitempty"`
	AppVersion string `json:"appVersion,omitempty"`
}

// Input is everything the scorer needs about one claim. A zero
// LocalTimestamp skips the clock skew check.
type Input struct {
	ClientID        string
	BranchID        string
	QRContent       string
	DeviceID        string
	Device          DeviceInfo
	Location        *Location
	LocalTimestamp  time.Time
	ServerTimestamp time.Time
}

// LocationSample is one scored claim of a client. Samples without a fix
// still count towards burst detection.
type LocationSample struct {
	ClientID       string    `json:"clientId"`
	BranchID       string    `json:"branchId"`
	Timestamp      time.Time `json:"timestamp"`
	Located        bool      `json:"located"`
	Latitude       float64   `json:"lat,omitempty"`
	Longitude      float64   `json:"lon,omitempty"`
	AccuracyMeters float64   `json:"accuracyMeters,omitempty"`
}

// DeviceFingerprint aggregates what we know about a physical device.
type DeviceFingerprint struct {
	DeviceID            string    `json:"deviceId"`
	Model               string    `json:"model,omitempty"`
	OSVersion           string    `json:"osVersion,omitempty"`
	AppVersion          string    `json:"appVersion,omitempty"`
	FirstSeen           time.Time `json:"firstSeen"`
	LastSeen            time.Time `json:"lastSeen"`
	VisitCount          int       `json:"visitCount"`
	AssociatedClientIDs []string  `json:"associatedClientIds"`
}

// FraudEvent is an audit record of a risky claim.
type FraudEvent struct {
	ID          string            `json:"id"`
	Timestamp   time.Time         `json:"timestamp"`
	ClientID    string            `json:"clientId"`
	Patterns    []PatternTag      `json:"patterns"`
	Description string            `json:"description"`
	RiskScore   float64           `json:"riskScore"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

// RiskAnalysisResult is the scorer's verdict.
type RiskAnalysisResult struct {
	IsFraudulent     bool                   `json:"isFraudulent"`
	RiskScore        float64                `json:"riskScore"`
	DetectedPatterns []PatternTag           `json:"detectedPatterns"`
	Recommendation   Recommendation         `json:"recommendation"`
	Details          map[string]interface{} `json:"details"`
}

// HasPattern reports whether tag was detected.
func (r *RiskAnalysisResult) HasPattern(tag PatternTag) bool {
	for _, p := range r.DetectedPatterns {
		if p == tag {
			return true
		}
	}
	return false
}

// CleanupResult reports what a sweep removed.
type CleanupResult struct {
	PrunedSamples       int `json:"prunedSamples"`
	EvictedFingerprints int `json:"evictedFingerprints"`
	ExpiredEventDays    int `json:"expiredEventDays"`
}

type sampleLog struct {
	Samples []LocationSample `json:"samples"`
}

type eventLog struct {
	Events []FraudEvent `json:"events"`
}
