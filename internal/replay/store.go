// Package replay tracks consumed one-time codes so a QR claim cannot be
// accepted twice. Every nonce lives in its own document, which gives each
// code its own atomic read-modify-write.
package replay

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/richxcame/visitguard/pkg/config"
	"github.com/richxcame/visitguard/pkg/kvstore"
	"github.com/richxcame/visitguard/pkg/logger"
	"go.uber.org/zap"
)

var nonceCodec = kvstore.NewCodec[NonceRecord]("replay.nonce", 1)

// Store is the replay-prevention store.
type Store struct {
	kv  kvstore.Store
	ttl time.Duration
	now func() time.Time
	log *zap.Logger
}

// NewStore creates a replay store on kv.
func NewStore(kv kvstore.Store, cfg config.ReplayConfig, log *zap.Logger) *Store {
	ttl := cfg.NonceTTL
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if log == nil {
		log = logger.Named("replay")
	}
	return &Store{kv: kv, ttl: ttl, now: time.Now, log: log}
}

// WithNow overrides the clock, mainly for tests.
func (s *Store) WithNow(now func() time.Time) *Store {
	s.now = now
	return s
}

// TTL returns the nonce lifetime.
func (s *Store) TTL() time.Duration {
	return s.ttl
}

func key(code string) string {
	return keyPrefix + code
}

// IsUsed reports whether code was consumed and has not expired. Expired
// records are evicted on the way. On storage failure it returns true with
// the error, so callers that ignore the error still reject.
func (s *Store) IsUsed(ctx context.Context, code string) (bool, error) {
	if code == "" {
		return false, ErrEmptyCode
	}

	now := s.now()
	used := false
	err := kvstore.UpdateDoc(ctx, s.kv, nonceCodec, key(code), func(rec NonceRecord, found bool) (NonceRecord, kvstore.Action, error) {
		used = false
		if !found {
			return rec, kvstore.Keep, nil
		}
		if rec.Expired(now, s.ttl) {
			return rec, kvstore.Remove, nil
		}
		used = true
		return rec, kvstore.Keep, nil
	})
	if err != nil {
		s.log.Error("nonce lookup failed, treating as used", zap.Error(err))
		return true, fmt.Errorf("replay: is used: %w", err)
	}
	return used, nil
}

// MarkUsedLocally records code as consumed while offline. An unexpired
// synced record is never downgraded. Empty codes are ignored.
func (s *Store) MarkUsedLocally(ctx context.Context, code string, ts time.Time) error {
	if code == "" {
		s.log.Warn("ignoring empty nonce code", zap.String("origin", string(OriginLocal)))
		return nil
	}

	now := s.now()
	return s.wrap("mark local", kvstore.UpdateDoc(ctx, s.kv, nonceCodec, key(code), func(rec NonceRecord, found bool) (NonceRecord, kvstore.Action, error) {
		if found && rec.Origin == OriginSynced && !rec.Expired(now, s.ttl) {
			return rec, kvstore.Keep, nil
		}
		return NonceRecord{Code: code, FirstSeenAt: ts, Origin: OriginLocal}, kvstore.Put, nil
	}))
}

// MarkUsedSynced records code as confirmed by the server, replacing any
// local record.
func (s *Store) MarkUsedSynced(ctx context.Context, code string, ts time.Time) error {
	if code == "" {
		s.log.Warn("ignoring empty nonce code", zap.String("origin", string(OriginSynced)))
		return nil
	}

	return s.wrap("mark synced", kvstore.UpdateDoc(ctx, s.kv, nonceCodec, key(code), func(rec NonceRecord, found bool) (NonceRecord, kvstore.Action, error) {
		return NonceRecord{Code: code, FirstSeenAt: ts, Origin: OriginSynced}, kvstore.Put, nil
	}))
}

// MigrateToSynced moves a live local record to the synced set keeping its
// original timestamp. It reports whether a record was moved; records of an
// undecided claim are left alone.
func (s *Store) MigrateToSynced(ctx context.Context, code string) (bool, error) {
	if code == "" {
		return false, ErrEmptyCode
	}

	now := s.now()
	migrated := false
	err := kvstore.UpdateDoc(ctx, s.kv, nonceCodec, key(code), func(rec NonceRecord, found bool) (NonceRecord, kvstore.Action, error) {
		migrated = false
		switch {
		case !found:
			return rec, kvstore.Keep, nil
		case rec.Expired(now, s.ttl):
			return rec, kvstore.Remove, nil
		case rec.Origin != OriginLocal, rec.InFlight:
			return rec, kvstore.Keep, nil
		}
		rec.Origin = OriginSynced
		rec.ClaimID = ""
		migrated = true
		return rec, kvstore.Put, nil
	})
	if err != nil {
		return false, s.wrap("migrate", err)
	}
	return migrated, nil
}

// Claim atomically checks that code is unused and consumes it. The record
// stays in flight until the returned hold is committed; Release undoes the
// claim and only removes the record this call created.
func (s *Store) Claim(ctx context.Context, code string, ts time.Time, origin Origin) (*Hold, error) {
	if code == "" {
		return nil, ErrEmptyCode
	}
	if origin != OriginSynced {
		origin = OriginLocal
	}

	now := s.now()
	claimID := uuid.NewString()
	err := kvstore.UpdateDoc(ctx, s.kv, nonceCodec, key(code), func(rec NonceRecord, found bool) (NonceRecord, kvstore.Action, error) {
		if found && !rec.Expired(now, s.ttl) {
			return rec, kvstore.Keep, ErrReplayed
		}
		return NonceRecord{Code: code, FirstSeenAt: ts, Origin: origin, ClaimID: claimID, InFlight: true}, kvstore.Put, nil
	})
	if errors.Is(err, ErrReplayed) {
		return nil, ErrReplayed
	}
	if err != nil {
		return nil, s.wrap("claim", err)
	}

	return &Hold{
		Commit: func(ctx context.Context) error {
			return s.wrap("commit", kvstore.UpdateDoc(ctx, s.kv, nonceCodec, key(code), func(rec NonceRecord, found bool) (NonceRecord, kvstore.Action, error) {
				if found && rec.ClaimID == claimID && rec.InFlight {
					rec.InFlight = false
					return rec, kvstore.Put, nil
				}
				return rec, kvstore.Keep, nil
			}))
		},
		Release: func(ctx context.Context) error {
			return s.wrap("release", kvstore.UpdateDoc(ctx, s.kv, nonceCodec, key(code), func(rec NonceRecord, found bool) (NonceRecord, kvstore.Action, error) {
				if found && rec.ClaimID == claimID {
					return rec, kvstore.Remove, nil
				}
				return rec, kvstore.Keep, nil
			}))
		},
	}, nil
}

// CleanupExpired evicts every expired record, one key at a time.
func (s *Store) CleanupExpired(ctx context.Context) (CleanupResult, error) {
	var result CleanupResult

	keys, err := s.kv.Keys(ctx, keyPrefix)
	if err != nil {
		return result, s.wrap("cleanup", err)
	}

	now := s.now()
	var errs []error
	for _, k := range keys {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		result.Scanned++

		evicted := false
		err := kvstore.UpdateDoc(ctx, s.kv, nonceCodec, k, func(rec NonceRecord, found bool) (NonceRecord, kvstore.Action, error) {
			evicted = false
			if found && rec.Expired(now, s.ttl) {
				evicted = true
				return rec, kvstore.Remove, nil
			}
			return rec, kvstore.Keep, nil
		})
		if err != nil {
			s.log.Warn("nonce cleanup failed", zap.String("key", k), zap.Error(err))
			errs = append(errs, err)
			continue
		}
		if evicted {
			result.Evicted++
		}
	}

	if result.Evicted > 0 {
		s.log.Info("evicted expired nonces", zap.Int("evicted", result.Evicted), zap.Int("scanned", result.Scanned))
	}
	return result, s.wrap("cleanup", errors.Join(errs...))
}

// PendingCount returns the number of live local nonces.
func (s *Store) PendingCount(ctx context.Context) (int, error) {
	c, err := s.Counts(ctx)
	return c.Pending, err
}

// SyncedCount returns the number of live synced nonces.
func (s *Store) SyncedCount(ctx context.Context) (int, error) {
	c, err := s.Counts(ctx)
	return c.Synced, err
}

// Counts returns pending and synced totals in one scan.
func (s *Store) Counts(ctx context.Context) (Counts, error) {
	var c Counts
	err := s.each(ctx, func(rec NonceRecord) {
		switch rec.Origin {
		case OriginSynced:
			c.Synced++
		default:
			c.Pending++
		}
	})
	return c, err
}

// Pending lists live committed local nonces, oldest first. limit <= 0
// means all.
func (s *Store) Pending(ctx context.Context, limit int) ([]NonceRecord, error) {
	out := make([]NonceRecord, 0)
	err := s.each(ctx, func(rec NonceRecord) {
		if rec.Origin == OriginLocal && !rec.InFlight {
			rec.ClaimID = ""
			out = append(out, rec)
		}
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].FirstSeenAt.Equal(out[j].FirstSeenAt) {
			return out[i].Code < out[j].Code
		}
		return out[i].FirstSeenAt.Before(out[j].FirstSeenAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// each visits every unexpired record. Reads are not locked; diagnostics
// tolerate a concurrent writer.
func (s *Store) each(ctx context.Context, fn func(NonceRecord)) error {
	keys, err := s.kv.Keys(ctx, keyPrefix)
	if err != nil {
		return s.wrap("scan", err)
	}

	now := s.now()
	for _, k := range keys {
		rec, found, err := kvstore.GetDoc(ctx, s.kv, nonceCodec, k)
		if err != nil {
			return s.wrap("scan", err)
		}
		if !found || rec.Expired(now, s.ttl) {
			continue
		}
		if rec.Code == "" {
			rec.Code = strings.TrimPrefix(k, keyPrefix)
		}
		fn(rec)
	}
	return nil
}

func (s *Store) wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("replay: %s: %w", op, err)
}
