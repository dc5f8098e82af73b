package verification

import (
	"context"
	"time"

	"github.com/richxcame/visitguard/internal/fraud"
	"github.com/richxcame/visitguard/internal/ratelimit"
	"github.com/richxcame/visitguard/internal/replay"
)

// NonceStore is the replay guard used by the service.
type NonceStore interface {
	Claim(ctx context.Context, code string, ts time.Time, origin replay.Origin) (*replay.Hold, error)
	MigrateToSynced(ctx context.Context, code string) (bool, error)
	Pending(ctx context.Context, limit int) ([]replay.NonceRecord, error)
	Counts(ctx context.Context) (replay.Counts, error)
}

// VisitLimiter is the rate limiter used by the service.
type VisitLimiter interface {
	Reserve(ctx context.Context, clientID, branchID, deviceID, locationTag string) (ratelimit.Result, *ratelimit.Reservation, error)
	UnblockClient(ctx context.Context, clientID string) error
	GetBlock(ctx context.Context, clientID string) (*ratelimit.BlockedClient, error)
	ActiveBlockCount(ctx context.Context) (int, error)
}

// RiskScorer is the fraud scorer used by the service.
type RiskScorer interface {
	Analyze(ctx context.Context, in fraud.Input) (*fraud.RiskAnalysisResult, error)
	LogFraudEvent(ctx context.Context, event fraud.FraudEvent) error
	RecentEventCount(ctx context.Context, window time.Duration) (int, error)
}
