package sweeper

import (
	"context"

	"github.com/richxcame/visitguard/internal/fraud"
	"github.com/richxcame/visitguard/internal/ratelimit"
	"github.com/richxcame/visitguard/internal/replay"
)

// NonceCleaner evicts expired nonces.
type NonceCleaner interface {
	CleanupExpired(ctx context.Context) (replay.CleanupResult, error)
}

// VisitCleaner prunes stale visits and expired blocks.
type VisitCleaner interface {
	CleanupExpiredData(ctx context.Context) (ratelimit.CleanupResult, error)
}

// RiskCleaner prunes location samples, idle fingerprints and old fraud events.
type RiskCleaner interface {
	Cleanup(ctx context.Context) (fraud.CleanupResult, error)
}
