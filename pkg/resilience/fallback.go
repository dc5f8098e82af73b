package resilience

import (
	"context"
	"fmt"

	"github.com/richxcame/visitguard/pkg/logger"
	"go.uber.org/zap"
)

// FallbackFunc is executed when the breaker is open or overloaded.
type FallbackFunc func(ctx context.Context, err error) (interface{}, error)

// NoopFallback returns the breaker open error without additional handling.
func NoopFallback(ctx context.Context, err error) (interface{}, error) {
	return nil, ErrCircuitOpen
}

// FailClosed logs the rejected call and reports it as sentinel so callers can
// treat an open breaker like any other outage of the dependency.
func FailClosed(name string, sentinel error) FallbackFunc {
	return func(ctx context.Context, err error) (interface{}, error) {
		logger.WithContext(ctx).Warn("circuit breaker rejected call",
			zap.String("breaker", name),
			zap.Error(err),
		)
		return nil, fmt.Errorf("%w: %v", sentinel, err)
	}
}
