// Package errortracking reports unexpected faults to Sentry.
package errortracking

import (
	"context"
	"fmt"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/richxcame/visitguard/pkg/config"
	"github.com/richxcame/visitguard/pkg/logger"
	"go.uber.org/zap"
)

const flushTimeout = 2 * time.Second

// Init configures the global Sentry client. The returned func flushes
// buffered events and should be deferred by main.
func Init(cfg config.SentryConfig, environment, release string) (func(), error) {
	if !cfg.Enabled || cfg.DSN == "" {
		logger.Info("error tracking disabled")
		return func() {}, nil
	}

	err := sentry.Init(sentry.ClientOptions{
		Dsn:              cfg.DSN,
		Environment:      environment,
		Release:          release,
		AttachStacktrace: true,
	})
	if err != nil {
		return nil, fmt.Errorf("errortracking: init sentry: %w", err)
	}

	logger.Info("error tracking enabled", zap.String("environment", environment))
	return func() { sentry.Flush(flushTimeout) }, nil
}

// Capture reports err with tags and extra context on the hub bound to ctx,
// falling back to a clone of the current hub.
func Capture(ctx context.Context, err error, tags map[string]string, extra map[string]interface{}) {
	if err == nil {
		return
	}
	hub := hubFrom(ctx)
	hub.WithScope(func(scope *sentry.Scope) {
		scope.SetTags(tags)
		if len(extra) > 0 {
			scope.SetContext("claim", sentry.Context(extra))
		}
		hub.CaptureException(err)
	})
}

// CaptureRecovered reports a recovered panic value.
func CaptureRecovered(ctx context.Context, recovered interface{}, tags map[string]string) {
	hub := hubFrom(ctx)
	hub.WithScope(func(scope *sentry.Scope) {
		scope.SetTags(tags)
		hub.Recover(recovered)
	})
}

func hubFrom(ctx context.Context) *sentry.Hub {
	if ctx != nil {
		if hub := sentry.GetHubFromContext(ctx); hub != nil {
			return hub
		}
	}
	return sentry.CurrentHub().Clone()
}
