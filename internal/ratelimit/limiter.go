// Package ratelimit enforces per-client and per-branch visit ceilings and
// keeps the temporary block list for clients that fan out across devices.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/richxcame/visitguard/pkg/config"
	"github.com/richxcame/visitguard/pkg/kvstore"
	"github.com/richxcame/visitguard/pkg/logger"
	"go.uber.org/zap"
)

var (
	visitCodec = kvstore.NewCodec[visitLog]("ratelimit.visits", 1)
	blockCodec = kvstore.NewCodec[BlockedClient]("ratelimit.block", 1)
)

// Limiter is the visit rate limiter.
type Limiter struct {
	kv  kvstore.Store
	cfg config.RateLimitConfig
	now func() time.Time
	log *zap.Logger

	lastSweep atomic.Int64
	sweeping  atomic.Bool
	wg        sync.WaitGroup
}

// NewLimiter creates a limiter on kv.
func NewLimiter(kv kvstore.Store, cfg config.RateLimitConfig, log *zap.Logger) *Limiter {
	if cfg.MaxVisitsPerHour <= 0 {
		cfg.MaxVisitsPerHour = DefaultMaxVisitsPerHour
	}
	if cfg.MaxVisitsPerDay <= 0 {
		cfg.MaxVisitsPerDay = DefaultMaxVisitsPerDay
	}
	if cfg.MaxDevicesPerHour <= 0 {
		cfg.MaxDevicesPerHour = DefaultMaxDevicesPerHour
	}
	if cfg.BlockDuration <= 0 {
		cfg.BlockDuration = DefaultBlockDuration
	}
	if cfg.Retention < dayWindow {
		cfg.Retention = DefaultRetention
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = DefaultSweepInterval
	}
	if log == nil {
		log = logger.Named("ratelimit")
	}

	return &Limiter{kv: kv, cfg: cfg, now: time.Now, log: log}
}

// WithNow overrides the clock used by the limiter. Useful for tests.
func (l *Limiter) WithNow(now func() time.Time) *Limiter {
	l.now = now
	return l
}

// Reservation is a recorded visit that can still be undone.
type Reservation struct {
	limiter  *Limiter
	clientID string
	id       string
}

// ID returns the reservation identifier stored on the visit.
func (r *Reservation) ID() string {
	return r.id
}

// Release removes the reserved visit again.
func (r *Reservation) Release(ctx context.Context) error {
	if r == nil {
		return nil
	}
	return r.limiter.wrap("release", kvstore.UpdateDoc(ctx, r.limiter.kv, visitCodec, visitsPrefix+r.clientID,
		func(doc visitLog, found bool) (visitLog, kvstore.Action, error) {
			if !found {
				return doc, kvstore.Keep, nil
			}
			kept := doc.Attempts[:0]
			for _, a := range doc.Attempts {
				if a.ReservationID != r.id {
					kept = append(kept, a)
				}
			}
			if len(kept) == len(doc.Attempts) {
				return doc, kvstore.Keep, nil
			}
			doc.Attempts = kept
			if len(kept) == 0 {
				return doc, kvstore.Remove, nil
			}
			return doc, kvstore.Put, nil
		}))
}

// CheckLimit evaluates the visit ceilings without recording anything. A
// device fan-out still blocks the client. Storage failures deny.
func (l *Limiter) CheckLimit(ctx context.Context, clientID, branchID, deviceID, locationTag string) (Result, error) {
	res, _, err := l.evaluate(ctx, VisitAttempt{
		ClientID:    clientID,
		BranchID:    branchID,
		DeviceID:    deviceID,
		LocationTag: locationTag,
	}, false)
	return res, err
}

// Reserve evaluates the ceilings and, when allowed, records the visit in
// the same atomic update, so concurrent callers cannot both pass.
func (l *Limiter) Reserve(ctx context.Context, clientID, branchID, deviceID, locationTag string) (Result, *Reservation, error) {
	return l.evaluate(ctx, VisitAttempt{
		ClientID:    clientID,
		BranchID:    branchID,
		DeviceID:    deviceID,
		LocationTag: locationTag,
	}, true)
}

// RecordVisit appends a visit unconditionally. Callers must only use it
// after an allowed CheckLimit, and the pair is not atomic: two callers can
// both pass CheckLimit before either records. Concurrent callers must use
// Reserve instead.
func (l *Limiter) RecordVisit(ctx context.Context, clientID, branchID, deviceID, locationTag string) error {
	now := l.now()
	attempt := VisitAttempt{
		ClientID:    clientID,
		BranchID:    branchID,
		Timestamp:   now,
		DeviceID:    deviceID,
		LocationTag: locationTag,
	}
	return l.wrap("record", kvstore.UpdateDoc(ctx, l.kv, visitCodec, visitsPrefix+clientID,
		func(doc visitLog, found bool) (visitLog, kvstore.Action, error) {
			doc.Attempts, _ = prune(doc.Attempts, now, l.cfg.Retention)
			doc.Attempts = append(doc.Attempts, attempt)
			return doc, kvstore.Put, nil
		}))
}

func (l *Limiter) evaluate(ctx context.Context, attempt VisitAttempt, reserve bool) (Result, *Reservation, error) {
	now := l.now()
	l.maybeSweep(now)

	block, err := l.GetBlock(ctx, attempt.ClientID)
	if err != nil {
		return storageDenied(), nil, err
	}
	if block != nil {
		until := block.BlockedUntil
		return Result{
			Allowed:       false,
			Reason:        blockedReasonPrefix + block.Reason,
			Rule:          RuleBlocked,
			NextAllowedAt: &until,
		}, nil, nil
	}

	var res Result
	var reservation *Reservation
	err = kvstore.UpdateDoc(ctx, l.kv, visitCodec, visitsPrefix+attempt.ClientID,
		func(doc visitLog, found bool) (visitLog, kvstore.Action, error) {
			reservation = nil

			var pruned int
			doc.Attempts, pruned = prune(doc.Attempts, now, l.cfg.Retention)
			res = l.decide(doc.Attempts, attempt, now)

			if res.Allowed && reserve {
				rec := attempt
				rec.Timestamp = now
				rec.ReservationID = uuid.NewString()
				doc.Attempts = append(doc.Attempts, rec)
				reservation = &Reservation{limiter: l, clientID: attempt.ClientID, id: rec.ReservationID}
				return doc, kvstore.Put, nil
			}

			switch {
			case pruned == 0:
				return doc, kvstore.Keep, nil
			case len(doc.Attempts) == 0:
				return doc, kvstore.Remove, nil
			default:
				return doc, kvstore.Put, nil
			}
		})
	if err != nil {
		l.log.Error("rate limit check failed, denying",
			zap.String("client_id", attempt.ClientID),
			zap.String("branch_id", attempt.BranchID),
			zap.Error(err))
		return storageDenied(), nil, l.wrap("check", err)
	}

	if res.Rule == RuleDevicePattern {
		if err := l.BlockClient(ctx, attempt.ClientID, ReasonDevicePattern, now); err != nil {
			l.log.Error("failed to persist device fan-out block",
				zap.String("client_id", attempt.ClientID), zap.Error(err))
			return res, nil, err
		}
		l.log.Warn("client blocked for device fan-out",
			zap.String("client_id", attempt.ClientID),
			zap.String("device_id", attempt.DeviceID))
	}

	return res, reservation, nil
}

// decide applies the hourly, daily and device rules in that order to the
// client's pruned history.
func (l *Limiter) decide(history []VisitAttempt, attempt VisitAttempt, now time.Time) Result {
	hourStart := now.Add(-hourWindow)
	dayStart := now.Add(-dayWindow)

	var hourly, daily []time.Time
	devices := make(map[string]struct{})
	for _, a := range history {
		if a.Timestamp.After(hourStart) {
			if a.BranchID == attempt.BranchID {
				hourly = append(hourly, a.Timestamp)
			}
			if a.DeviceID != "" {
				devices[a.DeviceID] = struct{}{}
			}
		}
		if a.Timestamp.After(dayStart) {
			daily = append(daily, a.Timestamp)
		}
	}

	if len(hourly) >= l.cfg.MaxVisitsPerHour {
		next := oldest(hourly).Add(hourWindow)
		return Result{Allowed: false, Reason: ReasonHourlyLimit, Rule: RuleHourly, NextAllowedAt: &next}
	}
	if len(daily) >= l.cfg.MaxVisitsPerDay {
		next := oldest(daily).Add(dayWindow)
		return Result{Allowed: false, Reason: ReasonDailyLimit, Rule: RuleDaily, NextAllowedAt: &next}
	}

	if attempt.DeviceID != "" {
		devices[attempt.DeviceID] = struct{}{}
	}
	if len(devices) > l.cfg.MaxDevicesPerHour {
		next := now.Add(l.cfg.BlockDuration)
		return Result{Allowed: false, Reason: ReasonDevicePattern, Rule: RuleDevicePattern, NextAllowedAt: &next}
	}

	return Result{
		Allowed:         true,
		RemainingVisits: min(l.cfg.MaxVisitsPerHour-len(hourly), l.cfg.MaxVisitsPerDay-len(daily)),
	}
}

// BlockClient blocks clientID for the configured block duration from now.
func (l *Limiter) BlockClient(ctx context.Context, clientID, reason string, now time.Time) error {
	block := BlockedClient{
		ClientID:     clientID,
		BlockedUntil: now.Add(l.cfg.BlockDuration),
		Reason:       reason,
		BlockedAt:    now,
	}
	return l.wrap("block", kvstore.UpdateDoc(ctx, l.kv, blockCodec, blockPrefix+clientID,
		func(current BlockedClient, found bool) (BlockedClient, kvstore.Action, error) {
			if found && current.BlockedUntil.After(block.BlockedUntil) {
				return current, kvstore.Keep, nil
			}
			return block, kvstore.Put, nil
		}))
}

// UnblockClient lifts a block immediately.
func (l *Limiter) UnblockClient(ctx context.Context, clientID string) error {
	if err := l.kv.Delete(ctx, blockPrefix+clientID); err != nil {
		return l.wrap("unblock", err)
	}
	l.log.Info("client unblocked", zap.String("client_id", clientID))
	return nil
}

// GetBlock returns the active block of clientID, or nil.
func (l *Limiter) GetBlock(ctx context.Context, clientID string) (*BlockedClient, error) {
	block, found, err := kvstore.GetDoc(ctx, l.kv, blockCodec, blockPrefix+clientID)
	if err != nil {
		return nil, l.wrap("get block", err)
	}
	if !found || !block.Active(l.now()) {
		return nil, nil
	}
	return &block, nil
}

// IsBlocked reports whether clientID is blocked right now. Storage errors
// report blocked.
func (l *Limiter) IsBlocked(ctx context.Context, clientID string) (bool, error) {
	block, err := l.GetBlock(ctx, clientID)
	if err != nil {
		return true, err
	}
	return block != nil, nil
}

// ActiveBlockCount counts blocks that have not expired.
func (l *Limiter) ActiveBlockCount(ctx context.Context) (int, error) {
	keys, err := l.kv.Keys(ctx, blockPrefix)
	if err != nil {
		return 0, l.wrap("count blocks", err)
	}

	now := l.now()
	count := 0
	for _, k := range keys {
		block, found, err := kvstore.GetDoc(ctx, l.kv, blockCodec, k)
		if err != nil {
			return 0, l.wrap("count blocks", err)
		}
		if found && block.Active(now) {
			count++
		}
	}
	return count, nil
}

// CleanupExpiredData prunes stale visits and drops expired blocks, one key
// at a time.
func (l *Limiter) CleanupExpiredData(ctx context.Context) (CleanupResult, error) {
	now := l.now()
	l.lastSweep.Store(now.UnixNano())

	var result CleanupResult
	var errs []error

	visitKeys, err := l.kv.Keys(ctx, visitsPrefix)
	if err != nil {
		errs = append(errs, err)
	}
	for _, k := range visitKeys {
		result.VisitDocuments++
		var pruned int
		var removed bool
		err := kvstore.UpdateDoc(ctx, l.kv, visitCodec, k, func(doc visitLog, found bool) (visitLog, kvstore.Action, error) {
			removed = false
			doc.Attempts, pruned = prune(doc.Attempts, now, l.cfg.Retention)
			switch {
			case !found:
				return doc, kvstore.Keep, nil
			case len(doc.Attempts) == 0:
				removed = true
				return doc, kvstore.Remove, nil
			case pruned > 0:
				return doc, kvstore.Put, nil
			default:
				return doc, kvstore.Keep, nil
			}
		})
		if err != nil {
			errs = append(errs, err)
			continue
		}
		result.PrunedAttempts += pruned
		if removed {
			result.RemovedDocs++
		}
	}

	blockKeys, err := l.kv.Keys(ctx, blockPrefix)
	if err != nil {
		errs = append(errs, err)
	}
	for _, k := range blockKeys {
		expired := false
		err := kvstore.UpdateDoc(ctx, l.kv, blockCodec, k, func(block BlockedClient, found bool) (BlockedClient, kvstore.Action, error) {
			expired = found && !block.Active(now)
			if expired {
				return block, kvstore.Remove, nil
			}
			return block, kvstore.Keep, nil
		})
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if expired {
			result.ExpiredBlocks++
		}
	}

	l.log.Debug("rate limit sweep finished",
		zap.Int("visit_documents", result.VisitDocuments),
		zap.Int("pruned_attempts", result.PrunedAttempts),
		zap.Int("expired_blocks", result.ExpiredBlocks))

	return result, l.wrap("cleanup", errors.Join(errs...))
}

// maybeSweep starts a background sweep when the sweep interval has passed
// since the last one.
func (l *Limiter) maybeSweep(now time.Time) {
	last := l.lastSweep.Load()
	if last == 0 {
		l.lastSweep.CompareAndSwap(0, now.UnixNano())
		return
	}
	if now.Sub(time.Unix(0, last)) < l.cfg.SweepInterval {
		return
	}
	if !l.sweeping.CompareAndSwap(false, true) {
		return
	}

	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		defer l.sweeping.Store(false)

		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		if _, err := l.CleanupExpiredData(ctx); err != nil {
			l.log.Warn("opportunistic rate limit sweep failed", zap.Error(err))
		}
	}()
}

// Wait blocks until any background sweep has finished.
func (l *Limiter) Wait() {
	l.wg.Wait()
}

func (l *Limiter) wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("ratelimit: %s: %w", op, err)
}

func storageDenied() Result {
	return Result{Allowed: false, Reason: ReasonStorage, Rule: RuleStorage}
}

// prune drops attempts older than retention and keeps the rest in time order.
func prune(attempts []VisitAttempt, now time.Time, retention time.Duration) ([]VisitAttempt, int) {
	cutoff := now.Add(-retention)
	kept := make([]VisitAttempt, 0, len(attempts))
	for _, a := range attempts {
		if a.Timestamp.Before(cutoff) {
			continue
		}
		kept = append(kept, a)
	}
	sort.SliceStable(kept, func(i, j int) bool { return kept[i].Timestamp.Before(kept[j].Timestamp) })
	return kept, len(attempts) - len(kept)
}

func oldest(ts []time.Time) time.Time {
	first := ts[0]
	for _, t := range ts[1:] {
		if t.Before(first) {
			first = t
		}
	}
	return first
}
