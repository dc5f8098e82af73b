// Package fraud scores visit claims for fraud risk from six independent
// signals and keeps the per-client, per-device and audit state they need.
package fraud

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/richxcame/visitguard/internal/geo"
	"github.com/richxcame/visitguard/pkg/config"
	"github.com/richxcame/visitguard/pkg/kvstore"
	"github.com/richxcame/visitguard/pkg/logger"
	"go.uber.org/zap"
)

const (
	samplesPrefix      = "fraud:samples:"
	devicePrefix       = "fraud:device:"
	eventsPrefix       = "fraud:events:"
	eventDayLayout     = "20060102"
	timestampTolerance = time.Second

	// DefaultMaxSamples bounds a client's sample log when the configuration
	// leaves it unset.
	DefaultMaxSamples = 200
)

var (
	sampleCodec      = kvstore.NewCodec[sampleLog]("fraud.samples", 1)
	fingerprintCodec = kvstore.NewCodec[DeviceFingerprint]("fraud.fingerprint", 1)
	eventCodec       = kvstore.NewCodec[eventLog]("fraud.events", 1)
)

// Publisher receives every persisted fraud event.
type Publisher interface {
	Publish(ctx context.Context, event interface{}) error
}

// Scorer is the risk scorer.
type Scorer struct {
	kv        kvstore.Store
	cfg       config.RiskConfig
	signals   []Signal
	publisher Publisher
	now       func() time.Time
	log       *zap.Logger
}

// NewScorer creates a scorer with the default signal set. publisher may be
// nil.
func NewScorer(kv kvstore.Store, cfg config.RiskConfig, publisher Publisher, log *zap.Logger) *Scorer {
	if log == nil {
		log = logger.Named("fraud")
	}
	return &Scorer{
		kv:        kv,
		cfg:       cfg,
		signals:   DefaultSignals(cfg),
		publisher: publisher,
		now:       time.Now,
		log:       log,
	}
}

// WithNow overrides the clock used for retention, mainly for tests.
func (s *Scorer) WithNow(now func() time.Time) *Scorer {
	s.now = now
	return s
}

// Signals returns the configured signals.
func (s *Scorer) Signals() []Signal {
	return s.signals
}

// Analyze scores a claim. It records the claim's sample and updates the
// device fingerprint on every call. Failing to read that history is an
// error; failing to log the fraud event is not.
func (s *Scorer) Analyze(ctx context.Context, in Input) (*RiskAnalysisResult, error) {
	if in.Location != nil && !geo.ValidCoordinates(in.Location.Latitude, in.Location.Longitude) {
		return nil, fmt.Errorf("%w: coordinates %f,%f", ErrInvalidInput, in.Location.Latitude, in.Location.Longitude)
	}
	if in.Location != nil && (in.Location.AccuracyMeters < 0 || math.IsNaN(in.Location.AccuracyMeters)) {
		return nil, fmt.Errorf("%w: accuracy %f", ErrInvalidInput, in.Location.AccuracyMeters)
	}
	now := in.ServerTimestamp
	if now.IsZero() {
		now = s.now()
		in.ServerTimestamp = now
	}

	history, err := s.recordSample(ctx, in, now)
	if err != nil {
		return nil, err
	}
	fingerprint, err := s.touchFingerprint(ctx, in, now)
	if err != nil {
		return nil, err
	}

	result := s.score(Evidence{Input: in, Now: now, History: history, Fingerprint: fingerprint})

	s.log.Debug("risk analyzed",
		zap.String("client_id", in.ClientID),
		zap.String("branch_id", in.BranchID),
		zap.Int("qr_length", len(in.QRContent)),
		zap.Float64("risk_score", result.RiskScore),
		zap.String("recommendation", string(result.Recommendation)))

	if result.RiskScore > s.cfg.EventScore {
		event := FraudEvent{
			Timestamp:   now,
			ClientID:    in.ClientID,
			Patterns:    result.DetectedPatterns,
			Description: describe(result),
			RiskScore:   result.RiskScore,
			Metadata: map[string]string{
				"branchId":       in.BranchID,
				"deviceId":       in.DeviceID,
				"recommendation": string(result.Recommendation),
			},
		}
		if err := s.LogFraudEvent(ctx, event); err != nil {
			s.log.Warn("failed to log fraud event", zap.String("client_id", in.ClientID), zap.Error(err))
		}
	}

	return result, nil
}

func (s *Scorer) score(ev Evidence) *RiskAnalysisResult {
	result := &RiskAnalysisResult{
		DetectedPatterns: make([]PatternTag, 0),
		Details:          make(map[string]interface{}),
	}

	var total float64
	scores := make(map[string]float64, len(s.signals))
	for _, sig := range s.signals {
		value, detail := sig.Score(ev)
		value = clamp01(value)
		total += sig.Weight() * value
		scores[string(sig.Pattern())] = round2(value)
		if detail != nil {
			result.Details[string(sig.Pattern())] = detail
		}
		if value > sig.Threshold() {
			result.DetectedPatterns = append(result.DetectedPatterns, sig.Pattern())
		}
	}
	result.Details["signalScores"] = scores

	result.RiskScore = clamp01(total)
	result.IsFraudulent = result.RiskScore > s.cfg.FraudulentScore || len(result.DetectedPatterns) >= s.cfg.FraudulentPatterns
	result.Recommendation = s.recommend(result.RiskScore)
	return result
}

func (s *Scorer) recommend(score float64) Recommendation {
	switch {
	case score > s.cfg.BlockScore:
		return RecommendBlock
	case score > s.cfg.ReviewScore:
		return RecommendReview
	case score > s.cfg.MonitorScore:
		return RecommendMonitor
	default:
		return RecommendAllow
	}
}

// recordSample appends the claim to the client's samples and returns the
// history as it was before.
func (s *Scorer) recordSample(ctx context.Context, in Input, now time.Time) ([]LocationSample, error) {
	sample := LocationSample{
		ClientID:  in.ClientID,
		BranchID:  in.BranchID,
		Timestamp: now,
	}
	if in.Location != nil {
		sample.Located = true
		sample.Latitude = in.Location.Latitude
		sample.Longitude = in.Location.Longitude
		sample.AccuracyMeters = in.Location.AccuracyMeters
	}

	var history []LocationSample
	err := kvstore.UpdateDoc(ctx, s.kv, sampleCodec, samplesPrefix+in.ClientID,
		func(doc sampleLog, found bool) (sampleLog, kvstore.Action, error) {
			history = pruneSamples(doc.Samples, now, s.cfg.SampleRetention)
			if n := len(history); n > 0 && history[n-1].Timestamp.Sub(now) > timestampTolerance {
				return doc, kvstore.Keep, fmt.Errorf("%w: timestamp %s precedes last sample %s",
					ErrInvalidInput, now.Format(time.RFC3339), history[n-1].Timestamp.Format(time.RFC3339))
			}
			next := make([]LocationSample, 0, len(history)+1)
			next = append(next, history...)
			doc.Samples = trimSamples(append(next, sample), s.maxSamples())
			return doc, kvstore.Put, nil
		})
	if err != nil {
		if errors.Is(err, ErrInvalidInput) {
			return nil, err
		}
		return nil, fmt.Errorf("fraud: samples: %w", err)
	}
	return history, nil
}

// touchFingerprint updates the device fingerprint and returns the state
// before this claim, or nil for a new device.
func (s *Scorer) touchFingerprint(ctx context.Context, in Input, now time.Time) (*DeviceFingerprint, error) {
	if in.DeviceID == "" {
		return nil, nil
	}

	var before *DeviceFingerprint
	err := kvstore.UpdateDoc(ctx, s.kv, fingerprintCodec, devicePrefix+in.DeviceID,
		func(fp DeviceFingerprint, found bool) (DeviceFingerprint, kvstore.Action, error) {
			before = nil
			if found && s.cfg.FingerprintTTL > 0 && now.Sub(fp.LastSeen) > s.cfg.FingerprintTTL {
				found = false
			}
			if found {
				prev := fp
				prev.AssociatedClientIDs = append([]string(nil), fp.AssociatedClientIDs...)
				before = &prev
			} else {
				fp = DeviceFingerprint{DeviceID: in.DeviceID, FirstSeen: now}
			}

			fp.LastSeen = now
			fp.VisitCount++
			if in.Device.Model != "" {
				fp.Model = in.Device.Model
			}
			if in.Device.OSVersion != "" {
				fp.OSVersion = in.Device.OSVersion
			}
			if in.Device.AppVersion != "" {
				fp.AppVersion = in.Device.AppVersion
			}
			fp.AssociatedClientIDs = addClient(fp.AssociatedClientIDs, in.ClientID, s.cfg.MaxDeviceClients)
			return fp, kvstore.Put, nil
		})
	if err != nil {
		return nil, fmt.Errorf("fraud: fingerprint: %w", err)
	}
	return before, nil
}

// GetFingerprint returns the fingerprint of deviceID, or nil if unknown.
func (s *Scorer) GetFingerprint(ctx context.Context, deviceID string) (*DeviceFingerprint, error) {
	fp, found, err := kvstore.GetDoc(ctx, s.kv, fingerprintCodec, devicePrefix+deviceID)
	if err != nil {
		return nil, fmt.Errorf("fraud: fingerprint: %w", err)
	}
	if !found {
		return nil, nil
	}
	return &fp, nil
}

// LogFraudEvent appends event to its day bucket and publishes it.
func (s *Scorer) LogFraudEvent(ctx context.Context, event FraudEvent) error {
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = s.now()
	}
	event.RiskScore = clamp01(event.RiskScore)

	key := eventsPrefix + event.Timestamp.UTC().Format(eventDayLayout)
	err := kvstore.UpdateDoc(ctx, s.kv, eventCodec, key, func(doc eventLog, found bool) (eventLog, kvstore.Action, error) {
		doc.Events = append(doc.Events, event)
		return doc, kvstore.Put, nil
	})
	if err != nil {
		return fmt.Errorf("fraud: log event: %w", err)
	}

	s.log.Info("fraud event logged",
		zap.String("event_id", event.ID),
		zap.String("client_id", event.ClientID),
		zap.Float64("risk_score", event.RiskScore),
		zap.Strings("patterns", patternStrings(event.Patterns)))

	if s.publisher != nil {
		if err := s.publisher.Publish(ctx, event); err != nil {
			s.log.Warn("failed to publish fraud event", zap.String("event_id", event.ID), zap.Error(err))
		}
	}
	return nil
}

// RecentEvents returns events newer than window, newest first.
func (s *Scorer) RecentEvents(ctx context.Context, window time.Duration) ([]FraudEvent, error) {
	now := s.now()
	since := now.Add(-window)

	out := make([]FraudEvent, 0)
	for day := truncateDay(since); !day.After(now); day = day.AddDate(0, 0, 1) {
		doc, found, err := kvstore.GetDoc(ctx, s.kv, eventCodec, eventsPrefix+day.Format(eventDayLayout))
		if err != nil {
			return nil, fmt.Errorf("fraud: recent events: %w", err)
		}
		if !found {
			continue
		}
		for _, e := range doc.Events {
			if e.Timestamp.After(since) && !e.Timestamp.After(now) {
				out = append(out, e)
			}
		}
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.After(out[j].Timestamp) })
	return out, nil
}

// RecentEventCount counts events newer than window.
func (s *Scorer) RecentEventCount(ctx context.Context, window time.Duration) (int, error) {
	events, err := s.RecentEvents(ctx, window)
	if err != nil {
		return 0, err
	}
	return len(events), nil
}

// Cleanup prunes samples past retention, evicts idle fingerprints and drops
// event days past retention, one key at a time.
func (s *Scorer) Cleanup(ctx context.Context) (CleanupResult, error) {
	now := s.now()
	var result CleanupResult
	var errs []error

	sampleKeys, err := s.kv.Keys(ctx, samplesPrefix)
	if err != nil {
		errs = append(errs, err)
	}
	for _, k := range sampleKeys {
		pruned := 0
		err := kvstore.UpdateDoc(ctx, s.kv, sampleCodec, k, func(doc sampleLog, found bool) (sampleLog, kvstore.Action, error) {
			kept := trimSamples(pruneSamples(doc.Samples, now, s.cfg.SampleRetention), s.maxSamples())
			pruned = len(doc.Samples) - len(kept)
			switch {
			case !found || pruned == 0:
				return doc, kvstore.Keep, nil
			case len(kept) == 0:
				return doc, kvstore.Remove, nil
			}
			doc.Samples = kept
			return doc, kvstore.Put, nil
		})
		if err != nil {
			errs = append(errs, err)
			continue
		}
		result.PrunedSamples += pruned
	}

	if s.cfg.FingerprintTTL > 0 {
		deviceKeys, err := s.kv.Keys(ctx, devicePrefix)
		if err != nil {
			errs = append(errs, err)
		}
		for _, k := range deviceKeys {
			evicted := false
			err := kvstore.UpdateDoc(ctx, s.kv, fingerprintCodec, k, func(fp DeviceFingerprint, found bool) (DeviceFingerprint, kvstore.Action, error) {
				evicted = found && now.Sub(fp.LastSeen) > s.cfg.FingerprintTTL
				if evicted {
					return fp, kvstore.Remove, nil
				}
				return fp, kvstore.Keep, nil
			})
			if err != nil {
				errs = append(errs, err)
				continue
			}
			if evicted {
				result.EvictedFingerprints++
			}
		}
	}

	eventKeys, err := s.kv.Keys(ctx, eventsPrefix)
	if err != nil {
		errs = append(errs, err)
	}
	cutoff := now.Add(-s.cfg.EventRetention)
	for _, k := range eventKeys {
		day, err := time.Parse(eventDayLayout, strings.TrimPrefix(k, eventsPrefix))
		if err != nil {
			s.log.Warn("skipping malformed event bucket", zap.String("key", k))
			continue
		}
		if !day.AddDate(0, 0, 1).Before(cutoff) {
			continue
		}
		if err := s.kv.Delete(ctx, k); err != nil {
			errs = append(errs, err)
			continue
		}
		result.ExpiredEventDays++
	}

	if err := errors.Join(errs...); err != nil {
		return result, fmt.Errorf("fraud: cleanup: %w", err)
	}
	return result, nil
}

func pruneSamples(samples []LocationSample, now time.Time, retention time.Duration) []LocationSample {
	if retention <= 0 {
		return samples
	}
	cutoff := now.Add(-retention)
	kept := make([]LocationSample, 0, len(samples))
	for _, sample := range samples {
		if !sample.Timestamp.Before(cutoff) {
			kept = append(kept, sample)
		}
	}
	return kept
}

func (s *Scorer) maxSamples() int {
	if s.cfg.MaxSamples > 0 {
		return s.cfg.MaxSamples
	}
	return DefaultMaxSamples
}

// trimSamples keeps the newest limit samples. The latest located sample is
// kept as well so claims without a fix cannot push the velocity anchor out.
func trimSamples(samples []LocationSample, limit int) []LocationSample {
	if limit <= 0 || len(samples) <= limit {
		return samples
	}
	cut := len(samples) - limit
	kept := samples[cut:]
	for _, sample := range kept {
		if sample.Located {
			return kept
		}
	}
	for i := cut - 1; i >= 0; i-- {
		if samples[i].Located {
			return append([]LocationSample{samples[i]}, kept...)
		}
	}
	return kept
}

// addClient adds id to the set, dropping the oldest entries beyond limit.
func addClient(ids []string, id string, limit int) []string {
	for i, existing := range ids {
		if existing == id {
			// move to the back so eviction drops the least recent
			ids = append(ids[:i:i], ids[i+1:]...)
			break
		}
	}
	ids = append(ids, id)
	if limit > 0 && len(ids) > limit {
		ids = ids[len(ids)-limit:]
	}
	return ids
}

func describe(r *RiskAnalysisResult) string {
	if len(r.DetectedPatterns) == 0 {
		return fmt.Sprintf("risk score %.2f", r.RiskScore)
	}
	return fmt.Sprintf("risk score %.2f: %s", r.RiskScore, strings.Join(patternStrings(r.DetectedPatterns), ", "))
}

func patternStrings(tags []PatternTag) []string {
	out := make([]string, len(tags))
	for i, t := range tags {
		out[i] = string(t)
	}
	return out
}

func truncateDay(t time.Time) time.Time {
	u := t.UTC()
	return time.Date(u.Year(), u.Month(), u.Day(), 0, 0, 0, 0, time.UTC)
}

func clamp01(v float64) float64 {
	switch {
	case math.IsNaN(v), v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}
