// Package verification decides whether a scanned visit claim is accepted.
// It chains the replay guard, the rate limiter and the risk scorer, keeping
// each step's reservation until the final decision and releasing them again
// when a later step denies.
package verification

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/richxcame/visitguard/internal/fraud"
	"github.com/richxcame/visitguard/internal/geo"
	"github.com/richxcame/visitguard/internal/ratelimit"
	"github.com/richxcame/visitguard/internal/replay"
	"github.com/richxcame/visitguard/pkg/errortracking"
	"github.com/richxcame/visitguard/pkg/logger"
	"github.com/richxcame/visitguard/pkg/tracing"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

const (
	// DefaultPendingLimit and MaxPendingLimit bound one page of PendingNonces.
	DefaultPendingLimit = 100
	MaxPendingLimit     = 1000

	// MaxConfirmBatch bounds the codes accepted by one ConfirmNonces call.
	MaxConfirmBatch = 500

	statsEventWindow = 24 * time.Hour
	policyEventScore = 1.0
)

// Service is the verification pipeline.
type Service struct {
	nonces  NonceStore
	limiter VisitLimiter
	scorer  RiskScorer

	cellResolution int
	now            func() time.Time
	tracer         trace.Tracer
	log            *zap.Logger
}

// NewService creates the pipeline over its three stores.
func NewService(nonces NonceStore, limiter VisitLimiter, scorer RiskScorer, log *zap.Logger) *Service {
	if log == nil {
		log = logger.Named("verification")
	}
	return &Service{
		nonces:         nonces,
		limiter:        limiter,
		scorer:         scorer,
		cellResolution: geo.DefaultCellResolution,
		now:            time.Now,
		tracer:         tracing.Tracer("visitguard/verification"),
		log:            log,
	}
}

// WithNow overrides the clock used for missing server timestamps.
func (s *Service) WithNow(now func() time.Time) *Service {
	s.now = now
	return s
}

// WithTracer overrides the tracer. Useful for tests.
func (s *Service) WithTracer(tracer trace.Tracer) *Service {
	s.tracer = tracer
	return s
}

// VerifyClaim runs one claim through replay, rate limit and risk checks. It
// always returns a decision. The error is nil for accepted claims and policy
// denials, and wraps ErrInvalidInput, ErrStorage or ErrSystem otherwise.
func (s *Service) VerifyClaim(ctx context.Context, claim Claim) (decision *ClaimDecision, err error) {
	start := time.Now()
	ctx, span := s.tracer.Start(ctx, "verification.VerifyClaim", trace.WithAttributes(
		attribute.String("client.id", claim.ClientID),
		attribute.String("branch.id", claim.BranchID),
		attribute.String("claim.mode", string(claim.Mode)),
	))

	var undo []func(context.Context) error
	defer func() {
		if r := recover(); r != nil {
			s.rollback(ctx, undo)
			s.logWith(ctx).Error("verification panicked",
				zap.String("client_id", claim.ClientID),
				zap.String("branch_id", claim.BranchID),
				zap.String("device_id", claim.DeviceID),
				zap.Any("panic", r),
				zap.Stack("stack"))
			errortracking.CaptureRecovered(ctx, r, map[string]string{
				"component": "verification",
				"branch_id": claim.BranchID,
			})
			decision = &ClaimDecision{Outcome: OutcomeSystemError, Detail: "internal error"}
			err = fmt.Errorf("%w: %v", ErrSystem, r)
		}

		span.SetAttributes(
			attribute.String("decision.outcome", string(decision.Outcome)),
			attribute.String("decision.reason", string(decision.DenyReason)),
		)
		if err != nil && decision.Outcome != OutcomeInvalidInput {
			span.RecordError(err)
			span.SetStatus(codes.Error, string(decision.Outcome))
		}
		span.End()
		observeDecision(decision, time.Since(start).Seconds())
	}()

	if err := s.normalize(&claim); err != nil {
		return invalid(err)
	}

	origin := replay.OriginLocal
	if claim.Mode == ModeOnline {
		origin = replay.OriginSynced
	}

	// Step 1: consume the nonce.
	stepCtx, step := s.tracer.Start(ctx, "replay.Claim")
	hold, err := s.nonces.Claim(stepCtx, claim.nonce(), claim.ServerTimestamp, origin)
	endStep(step, err)
	switch {
	case errors.Is(err, replay.ErrReplayed):
		risk := s.analyzeForAnalytics(ctx, claim)
		s.logPolicyEvent(ctx, claim, fraud.PatternReplayAttempt, "nonce already used")
		return &ClaimDecision{
			Outcome:    OutcomePolicyDenial,
			DenyReason: DenyReplay,
			Detail:     "nonce already used",
			Risk:       risk,
		}, nil
	case errors.Is(err, replay.ErrEmptyCode):
		return invalid(err)
	case err != nil:
		return s.storageFailure(ctx, claim, "replay", err)
	}
	undo = append(undo, hold.Release)

	// Step 2: reserve the visit.
	stepCtx, step = s.tracer.Start(ctx, "ratelimit.Reserve")
	limit, reservation, err := s.limiter.Reserve(stepCtx, claim.ClientID, claim.BranchID, claim.DeviceID, claim.LocationTag)
	endStep(step, err)
	if err != nil {
		s.rollback(ctx, undo)
		return s.storageFailure(ctx, claim, "ratelimit", err)
	}
	if !limit.Allowed {
		s.rollback(ctx, undo)
		risk := s.analyzeForAnalytics(ctx, claim)
		if limit.Rule == ratelimit.RuleDevicePattern {
			s.logPolicyEvent(ctx, claim, fraud.PatternDeviceFanOut, limit.Reason)
		}
		return &ClaimDecision{
			Outcome:         OutcomePolicyDenial,
			DenyReason:      denyReasonFor(limit.Rule),
			Detail:          limit.Reason,
			RemainingVisits: limit.RemainingVisits,
			NextAllowedAt:   limit.NextAllowedAt,
			Risk:            risk,
		}, nil
	}
	undo = append(undo, reservation.Release)

	// Step 3: score the claim.
	stepCtx, step = s.tracer.Start(ctx, "fraud.Analyze")
	risk, err := s.scorer.Analyze(stepCtx, s.fraudInput(claim))
	endStep(step, err)
	if errors.Is(err, fraud.ErrInvalidInput) {
		s.rollback(ctx, undo)
		return invalid(err)
	}
	if err != nil {
		s.rollback(ctx, undo)
		return s.storageFailure(ctx, claim, "fraud", err)
	}
	span.SetAttributes(attribute.Float64("risk.score", risk.RiskScore))

	if risk.Recommendation == fraud.RecommendBlock {
		s.rollback(ctx, undo)
		s.logWith(ctx).Info("claim denied by risk score",
			zap.String("client_id", claim.ClientID),
			zap.String("branch_id", claim.BranchID),
			zap.Float64("risk_score", risk.RiskScore))
		return &ClaimDecision{
			Outcome:    OutcomePolicyDenial,
			DenyReason: DenyFraudRisk,
			Detail:     "risk score above block threshold",
			Risk:       risk,
		}, nil
	}

	// Step 4: hand the nonce over to sync.
	if err := hold.Commit(ctx); err != nil {
		s.rollback(ctx, undo)
		return s.storageFailure(ctx, claim, "replay commit", err)
	}

	s.logWith(ctx).Debug("claim accepted",
		zap.String("client_id", claim.ClientID),
		zap.String("branch_id", claim.BranchID),
		zap.Int("remaining_visits", limit.RemainingVisits),
		zap.Float64("risk_score", risk.RiskScore))

	return &ClaimDecision{
		Accepted:        true,
		Outcome:         OutcomeAccepted,
		RemainingVisits: limit.RemainingVisits,
		Risk:            risk,
	}, nil
}

// normalize validates claim and fills in the server timestamp, mode and
// location tag.
func (s *Service) normalize(claim *Claim) error {
	switch {
	case claim.ClientID == "":
		return fmt.Errorf("%w: client id is required", ErrInvalidInput)
	case claim.BranchID == "":
		return fmt.Errorf("%w: branch id is required", ErrInvalidInput)
	case claim.DeviceID == "":
		return fmt.Errorf("%w: device id is required", ErrInvalidInput)
	case claim.nonce() == "":
		return fmt.Errorf("%w: nonce code is required", ErrInvalidInput)
	}

	switch claim.Mode {
	case "":
		claim.Mode = ModeOffline
	case ModeOffline, ModeOnline:
	default:
		return fmt.Errorf("%w: unknown mode %q", ErrInvalidInput, claim.Mode)
	}

	if loc := claim.Location; loc != nil {
		if !geo.ValidCoordinates(loc.Latitude, loc.Longitude) {
			return fmt.Errorf("%w: coordinates %f,%f", ErrInvalidInput, loc.Latitude, loc.Longitude)
		}
		if !(loc.AccuracyMeters >= 0) {
			return fmt.Errorf("%w: accuracy %f", ErrInvalidInput, loc.AccuracyMeters)
		}
		if claim.LocationTag == "" {
			if tag, err := geo.CellTag(loc.Latitude, loc.Longitude, s.cellResolution); err == nil {
				claim.LocationTag = tag
			}
		}
	}

	if claim.ServerTimestamp.IsZero() {
		claim.ServerTimestamp = s.now()
	}
	return nil
}

func (s *Service) fraudInput(claim Claim) fraud.Input {
	return fraud.Input{
		ClientID:        claim.ClientID,
		BranchID:        claim.BranchID,
		QRContent:       claim.QRContent,
		DeviceID:        claim.DeviceID,
		Device:          claim.Device,
		Location:        claim.Location,
		LocalTimestamp:  claim.LocalTimestamp,
		ServerTimestamp: claim.ServerTimestamp,
	}
}

// analyzeForAnalytics scores a claim that is already denied so its sample and
// fingerprint are still tracked. Failures only cost the analytics.
func (s *Service) analyzeForAnalytics(ctx context.Context, claim Claim) *fraud.RiskAnalysisResult {
	ctx, step := s.tracer.Start(ctx, "fraud.Analyze")
	risk, err := s.scorer.Analyze(ctx, s.fraudInput(claim))
	endStep(step, err)
	if err != nil {
		s.logWith(ctx).Warn("risk analysis of denied claim failed",
			zap.String("client_id", claim.ClientID),
			zap.Error(err))
		return nil
	}
	return risk
}

func (s *Service) logPolicyEvent(ctx context.Context, claim Claim, pattern fraud.PatternTag, description string) {
	event := fraud.FraudEvent{
		Timestamp:   claim.ServerTimestamp,
		ClientID:    claim.ClientID,
		Patterns:    []fraud.PatternTag{pattern},
		Description: description,
		RiskScore:   policyEventScore,
		Metadata: map[string]string{
			"branchId": claim.BranchID,
			"deviceId": claim.DeviceID,
		},
	}
	if err := s.scorer.LogFraudEvent(ctx, event); err != nil {
		s.logWith(ctx).Warn("failed to log policy event",
			zap.String("client_id", claim.ClientID),
			zap.String("pattern", string(pattern)),
			zap.Error(err))
	}
}

// rollback releases reservations in reverse order. It ignores cancellation
// of ctx so a dropped request cannot leave a half-applied claim behind.
func (s *Service) rollback(ctx context.Context, undo []func(context.Context) error) {
	ctx = context.WithoutCancel(ctx)
	for i := len(undo) - 1; i >= 0; i-- {
		if err := undo[i](ctx); err != nil {
			rollbackFailures.Inc()
			s.logWith(ctx).Error("failed to release reservation", zap.Error(err))
		}
	}
}

func (s *Service) storageFailure(ctx context.Context, claim Claim, step string, err error) (*ClaimDecision, error) {
	s.logWith(ctx).Error("storage failure during verification",
		zap.String("step", step),
		zap.String("client_id", claim.ClientID),
		zap.String("branch_id", claim.BranchID),
		zap.Error(err))
	return &ClaimDecision{
		Outcome: OutcomeStorageError,
		Detail:  step + " storage unavailable",
	}, fmt.Errorf("%w: %s: %w", ErrStorage, step, err)
}

func (s *Service) logWith(ctx context.Context) *zap.Logger {
	if id := logger.CorrelationID(ctx); id != "" {
		return s.log.With(zap.String("correlation_id", id))
	}
	return s.log
}

func invalid(err error) (*ClaimDecision, error) {
	if !errors.Is(err, ErrInvalidInput) {
		err = fmt.Errorf("%w: %w", ErrInvalidInput, err)
	}
	return &ClaimDecision{Outcome: OutcomeInvalidInput, Detail: err.Error()}, err
}

func denyReasonFor(rule ratelimit.Rule) DenyReason {
	switch rule {
	case ratelimit.RuleBlocked, ratelimit.RuleDevicePattern:
		return DenyBlocked
	default:
		return DenyRateLimit
	}
}

func endStep(span trace.Span, err error) {
	if err != nil && !errors.Is(err, replay.ErrReplayed) {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

// UnblockClient lifts a client's block.
func (s *Service) UnblockClient(ctx context.Context, clientID string) error {
	if clientID == "" {
		return fmt.Errorf("%w: client id is required", ErrInvalidInput)
	}
	if err := s.limiter.UnblockClient(ctx, clientID); err != nil {
		return fmt.Errorf("%w: %w", ErrStorage, err)
	}
	return nil
}

// GetBlock returns the active block of a client, or nil.
func (s *Service) GetBlock(ctx context.Context, clientID string) (*ratelimit.BlockedClient, error) {
	if clientID == "" {
		return nil, fmt.Errorf("%w: client id is required", ErrInvalidInput)
	}
	block, err := s.limiter.GetBlock(ctx, clientID)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrStorage, err)
	}
	return block, nil
}

// Stats summarizes the stores for dashboards.
func (s *Service) Stats(ctx context.Context) (Stats, error) {
	counts, err := s.nonces.Counts(ctx)
	if err != nil {
		return Stats{}, fmt.Errorf("%w: %w", ErrStorage, err)
	}
	blocks, err := s.limiter.ActiveBlockCount(ctx)
	if err != nil {
		return Stats{}, fmt.Errorf("%w: %w", ErrStorage, err)
	}
	events, err := s.scorer.RecentEventCount(ctx, statsEventWindow)
	if err != nil {
		return Stats{}, fmt.Errorf("%w: %w", ErrStorage, err)
	}
	return Stats{
		PendingNonces:     counts.Pending,
		SyncedNonces:      counts.Synced,
		ActiveBlocks:      blocks,
		RecentFraudEvents: events,
	}, nil
}

// PendingNonces lists locally consumed nonces waiting for server
// confirmation, oldest first.
func (s *Service) PendingNonces(ctx context.Context, limit int) ([]replay.NonceRecord, error) {
	if limit <= 0 {
		limit = DefaultPendingLimit
	}
	if limit > MaxPendingLimit {
		limit = MaxPendingLimit
	}
	records, err := s.nonces.Pending(ctx, limit)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrStorage, err)
	}
	if records == nil {
		records = []replay.NonceRecord{}
	}
	return records, nil
}

// ConfirmNonces marks nonces the server has acknowledged as synced. Codes that
// are unknown, expired, already synced or still being decided are reported
// as missing.
func (s *Service) ConfirmNonces(ctx context.Context, codes []string) (ConfirmResult, error) {
	if len(codes) == 0 {
		return ConfirmResult{}, fmt.Errorf("%w: no codes", ErrInvalidInput)
	}
	if len(codes) > MaxConfirmBatch {
		return ConfirmResult{}, fmt.Errorf("%w: at most %d codes per call", ErrInvalidInput, MaxConfirmBatch)
	}

	result := ConfirmResult{Migrated: []string{}, Missing: []string{}}
	for _, code := range codes {
		if code == "" {
			return result, fmt.Errorf("%w: empty code", ErrInvalidInput)
		}
		migrated, err := s.nonces.MigrateToSynced(ctx, code)
		if err != nil {
			return result, fmt.Errorf("%w: %w", ErrStorage, err)
		}
		if migrated {
			result.Migrated = append(result.Migrated, code)
		} else {
			result.Missing = append(result.Missing, code)
		}
	}

	s.logWith(ctx).Info("nonces confirmed",
		zap.Int("migrated", len(result.Migrated)),
		zap.Int("missing", len(result.Missing)))
	return result, nil
}
