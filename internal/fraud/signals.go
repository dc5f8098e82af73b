package fraud

import (
	"math"
	"time"
	"unicode/utf8"

	"github.com/richxcame/visitguard/internal/geo"
	"github.com/richxcame/visitguard/pkg/config"
)

// Tag thresholds and saturation points of the individual signals.
const (
	VelocityThreshold         = 0.5
	BurstThreshold            = 0.6
	ClockSkewThreshold        = 0.7
	QREntropyThreshold        = 0.5
	DeviceAnomalyThreshold    = 0.6
	LocationAccuracyThreshold = 0.5

	// MaxEntropyBits is roughly log2 of the printable ASCII set.
	MaxEntropyBits = 6.6

	clockSkewSaturation    = 30 * time.Minute
	burstSaturation        = 6
	lowEntropyCutoff       = 0.3
	deviceSharedClients    = 5
	deviceSharedPenalty    = 0.6
	deviceVisitsPerDay     = 10.0
	deviceVisitRatePenalty = 0.3
	unknownDeviceScore     = 0.1
	missingLocationScore   = 0.8
	poorAccuracyMeters     = 100.0
	worstAccuracyMeters    = 200.0
	minVelocityElapsed     = time.Second
)

// Evidence is the state a signal scores against. History and Fingerprint
// are read before the current claim is recorded.
type Evidence struct {
	Input       Input
	Now         time.Time
	History     []LocationSample
	Fingerprint *DeviceFingerprint
}

// Signal is one independent risk indicator.
type Signal interface {
	Pattern() PatternTag
	Description() string
	Weight() float64
	Threshold() float64
	// Score returns a value in [0,1] and optional detail for the result.
	Score(ev Evidence) (float64, interface{})
}

// DefaultSignals builds the six signals from cfg.
func DefaultSignals(cfg config.RiskConfig) []Signal {
	return []Signal{
		&VelocitySignal{weight: cfg.Weights.Velocity, Window: cfg.VelocityWindow, MaxSpeedKmh: cfg.MaxSpeedKmh},
		&BurstSignal{weight: cfg.Weights.Burst, Window: cfg.BurstWindow, MinSamples: cfg.BurstMinSamples},
		&ClockSkewSignal{weight: cfg.Weights.ClockSkew, MaxSkew: cfg.MaxClockSkew},
		&QREntropySignal{weight: cfg.Weights.QREntropy, MinLength: cfg.MinQRLength},
		&DeviceAnomalySignal{weight: cfg.Weights.Device},
		&LocationAccuracySignal{weight: cfg.Weights.LocationAccuracy},
	}
}

// ---------------------------------------------------------------------------

// VelocitySignal flags physically implausible travel since the client's
// most recent located sample.
type VelocitySignal struct {
	weight      float64
	Window      time.Duration
	MaxSpeedKmh float64
}

func (s *VelocitySignal) Pattern() PatternTag { return PatternImpossibleVelocity }
func (s *VelocitySignal) Description() string { return "implied travel speed from the last located visit" }
func (s *VelocitySignal) Weight() float64     { return s.weight }
func (s *VelocitySignal) Threshold() float64  { return VelocityThreshold }

func (s *VelocitySignal) Score(ev Evidence) (float64, interface{}) {
	loc := ev.Input.Location
	if loc == nil || s.MaxSpeedKmh <= 0 {
		return 0, nil
	}

	var last *LocationSample
	for i := len(ev.History) - 1; i >= 0; i-- {
		sample := ev.History[i]
		if !sample.Located {
			continue
		}
		if ev.Now.Sub(sample.Timestamp) > s.Window {
			break
		}
		last = &ev.History[i]
		break
	}
	if last == nil {
		return 0, nil
	}

	elapsed := ev.Now.Sub(last.Timestamp)
	if elapsed < minVelocityElapsed {
		elapsed = minVelocityElapsed
	}
	distance := geo.DistanceKm(last.Latitude, last.Longitude, loc.Latitude, loc.Longitude)
	speed := distance / elapsed.Hours()

	detail := map[string]float64{"distanceKm": round2(distance), "speedKmh": round2(speed)}
	if speed <= s.MaxSpeedKmh {
		return 0, detail
	}
	return math.Min(1, (speed-s.MaxSpeedKmh)/s.MaxSpeedKmh), detail
}

// ---------------------------------------------------------------------------

// BurstSignal counts the client's claims in a short window.
type BurstSignal struct {
	weight     float64
	Window     time.Duration
	MinSamples int
}

func (s *BurstSignal) Pattern() PatternTag { return PatternBurstActivity }
func (s *BurstSignal) Description() string { return "number of claims in the burst window" }
func (s *BurstSignal) Weight() float64     { return s.weight }
func (s *BurstSignal) Threshold() float64  { return BurstThreshold }

func (s *BurstSignal) Score(ev Evidence) (float64, interface{}) {
	count := 0
	for _, sample := range ev.History {
		if ev.Now.Sub(sample.Timestamp) <= s.Window {
			count++
		}
	}
	if count < s.MinSamples || count == 0 {
		return 0, count
	}
	return math.Min(1, float64(count)/burstSaturation), count
}

// ---------------------------------------------------------------------------

// ClockSkewSignal compares the device clock with trusted server time.
type ClockSkewSignal struct {
	weight  float64
	MaxSkew time.Duration
}

func (s *ClockSkewSignal) Pattern() PatternTag { return PatternClockSkew }
func (s *ClockSkewSignal) Description() string { return "difference between device and server clocks" }
func (s *ClockSkewSignal) Weight() float64     { return s.weight }
func (s *ClockSkewSignal) Threshold() float64  { return ClockSkewThreshold }

func (s *ClockSkewSignal) Score(ev Evidence) (float64, interface{}) {
	local := ev.Input.LocalTimestamp
	if local.IsZero() {
		return 0, nil
	}

	diff := ev.Input.ServerTimestamp.Sub(local)
	if diff < 0 {
		diff = -diff
	}
	if diff <= s.MaxSkew {
		return 0, diff.Seconds()
	}
	return math.Min(1, float64(diff)/float64(clockSkewSaturation)), diff.Seconds()
}

// ---------------------------------------------------------------------------

// QREntropySignal flags short or repetitive QR payloads.
type QREntropySignal struct {
	weight    float64
	MinLength int
}

func (s *QREntropySignal) Pattern() PatternTag { return PatternLowQREntropy }
func (s *QREntropySignal) Description() string { return "Shannon entropy of the QR payload" }
func (s *QREntropySignal) Weight() float64     { return s.weight }
func (s *QREntropySignal) Threshold() float64  { return QREntropyThreshold }

func (s *QREntropySignal) Score(ev Evidence) (float64, interface{}) {
	content := ev.Input.QRContent
	if utf8.RuneCountInString(content) < s.MinLength {
		return 1, 0.0
	}

	normalized := ShannonEntropy(content) / MaxEntropyBits
	if normalized < lowEntropyCutoff {
		return 1 - normalized, round2(normalized)
	}
	return 0, round2(normalized)
}

// ShannonEntropy returns the entropy of s in bits per character.
func ShannonEntropy(s string) float64 {
	if s == "" {
		return 0
	}

	freq := make(map[rune]int)
	total := 0
	for _, r := range s {
		freq[r]++
		total++
	}

	var h float64
	for _, n := range freq {
		p := float64(n) / float64(total)
		h -= p * math.Log2(p)
	}
	return h
}

// ---------------------------------------------------------------------------

// DeviceAnomalySignal flags devices shared by many clients or used at an
// unusual daily rate.
type DeviceAnomalySignal struct {
	weight float64
}

func (s *DeviceAnomalySignal) Pattern() PatternTag { return PatternDeviceAnomaly }
func (s *DeviceAnomalySignal) Description() string { return "device shared across clients or used at a high daily rate" }
func (s *DeviceAnomalySignal) Weight() float64     { return s.weight }
func (s *DeviceAnomalySignal) Threshold() float64  { return DeviceAnomalyThreshold }

func (s *DeviceAnomalySignal) Score(ev Evidence) (float64, interface{}) {
	fp := ev.Fingerprint
	if fp == nil {
		return unknownDeviceScore, map[string]interface{}{"known": false}
	}

	score := 0.0
	if len(fp.AssociatedClientIDs) > deviceSharedClients {
		score += deviceSharedPenalty
	}

	days := ev.Now.Sub(fp.FirstSeen).Hours() / 24
	if days < 1 {
		days = 1
	}
	perDay := float64(fp.VisitCount) / days
	if perDay > deviceVisitsPerDay {
		score += deviceVisitRatePenalty * math.Min(1, (perDay-deviceVisitsPerDay)/deviceVisitsPerDay)
	}

	return math.Min(1, score), map[string]interface{}{
		"known":        true,
		"clients":      len(fp.AssociatedClientIDs),
		"visitsPerDay": round2(perDay),
	}
}

// ---------------------------------------------------------------------------

// LocationAccuracySignal penalizes missing or imprecise position fixes.
type LocationAccuracySignal struct {
	weight float64
}

func (s *LocationAccuracySignal) Pattern() PatternTag { return PatternLowLocationAccuracy }
func (s *LocationAccuracySignal) Description() string { return "missing or imprecise location fix" }
func (s *LocationAccuracySignal) Weight() float64     { return s.weight }
func (s *LocationAccuracySignal) Threshold() float64  { return LocationAccuracyThreshold }

func (s *LocationAccuracySignal) Score(ev Evidence) (float64, interface{}) {
	loc := ev.Input.Location
	if loc == nil {
		return missingLocationScore, nil
	}
	if loc.AccuracyMeters > poorAccuracyMeters {
		return math.Min(1, loc.AccuracyMeters/worstAccuracyMeters), loc.AccuracyMeters
	}
	return 0, loc.AccuracyMeters
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
