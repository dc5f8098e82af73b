// Package sweeper runs the periodic retention sweeps of the verification
// stores.
package sweeper

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/richxcame/visitguard/internal/fraud"
	"github.com/richxcame/visitguard/internal/ratelimit"
	"github.com/richxcame/visitguard/internal/replay"
	"github.com/richxcame/visitguard/pkg/logger"
	"go.uber.org/zap"
)

const (
	// DefaultInterval is used when the configured interval is not positive.
	DefaultInterval = time.Hour

	sweepTimeout = 5 * time.Minute
)

var (
	sweepRuns = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "visitguard",
			Name:      "sweeper_runs_total",
			Help:      "Cleanup passes per store, by result.",
		},
		[]string{"store", "result"},
	)

	sweepRemoved = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "visitguard",
			Name:      "sweeper_removed_total",
			Help:      "Records removed by the sweeper, by kind.",
		},
		[]string{"kind"},
	)

	sweepDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "visitguard",
			Name:      "sweeper_duration_seconds",
			Help:      "Duration of a full sweep over all stores.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 4, 8),
		},
	)
)

// Report collects what one sweep removed.
type Report struct {
	Nonces replay.CleanupResult    `json:"nonces"`
	Visits ratelimit.CleanupResult `json:"visits"`
	Risk   fraud.CleanupResult     `json:"risk"`
}

// Worker sweeps the nonce, rate limit and risk stores on a ticker.
type Worker struct {
	nonces   NonceCleaner
	visits   VisitCleaner
	risk     RiskCleaner
	interval time.Duration
	logger   *zap.Logger

	done     chan struct{}
	stopOnce sync.Once
	lifeMu   sync.Mutex
	running  sync.WaitGroup
	mu       sync.Mutex
}

// NewWorker creates a sweeper. Any cleaner may be nil to skip that store.
func NewWorker(nonces NonceCleaner, visits VisitCleaner, risk RiskCleaner, interval time.Duration, log *zap.Logger) *Worker {
	if interval <= 0 {
		interval = DefaultInterval
	}
	if log == nil {
		log = logger.Named("sweeper")
	}
	return &Worker{
		nonces:   nonces,
		visits:   visits,
		risk:     risk,
		interval: interval,
		logger:   log,
		done:     make(chan struct{}),
	}
}

// Start sweeps once immediately and then on every tick until ctx is done or
// Stop is called. It blocks. Start after Stop returns at once.
func (w *Worker) Start(ctx context.Context) {
	w.lifeMu.Lock()
	select {
	case <-w.done:
		w.lifeMu.Unlock()
		return
	default:
	}
	w.running.Add(1)
	w.lifeMu.Unlock()
	defer w.running.Done()

	w.logger.Info("sweeper started", zap.Duration("interval", w.interval))

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	w.sweep(ctx)

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("sweeper stopped", zap.Error(ctx.Err()))
			return
		case <-w.done:
			w.logger.Info("sweeper stopped")
			return
		case <-ticker.C:
			w.sweep(ctx)
		}
	}
}

// Stop ends Start and waits for an in-progress sweep to finish. It is safe
// to call more than once.
func (w *Worker) Stop() {
	w.lifeMu.Lock()
	w.stopOnce.Do(func() { close(w.done) })
	w.lifeMu.Unlock()
	w.running.Wait()
}

func (w *Worker) sweep(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, sweepTimeout)
	defer cancel()

	report, err := w.RunOnce(ctx)
	if err != nil {
		w.logger.Error("sweep finished with errors", zap.Error(err))
		return
	}
	w.logger.Info("sweep finished",
		zap.Int("nonces_evicted", report.Nonces.Evicted),
		zap.Int("visits_pruned", report.Visits.PrunedAttempts),
		zap.Int("blocks_expired", report.Visits.ExpiredBlocks),
		zap.Int("samples_pruned", report.Risk.PrunedSamples),
		zap.Int("fingerprints_evicted", report.Risk.EvictedFingerprints),
		zap.Int("event_days_expired", report.Risk.ExpiredEventDays))
}

// RunOnce sweeps every store once. A failing store does not stop the
// others; their errors are joined. Concurrent calls run one at a time.
func (w *Worker) RunOnce(ctx context.Context) (Report, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	start := time.Now()
	defer func() { sweepDuration.Observe(time.Since(start).Seconds()) }()

	var report Report
	var errs []error

	if w.nonces != nil {
		res, err := w.nonces.CleanupExpired(ctx)
		report.Nonces = res
		errs = append(errs, record("replay", err))
		sweepRemoved.WithLabelValues("nonce").Add(float64(res.Evicted))
	}
	if w.visits != nil {
		res, err := w.visits.CleanupExpiredData(ctx)
		report.Visits = res
		errs = append(errs, record("ratelimit", err))
		sweepRemoved.WithLabelValues("visit").Add(float64(res.PrunedAttempts))
		sweepRemoved.WithLabelValues("block").Add(float64(res.ExpiredBlocks))
	}
	if w.risk != nil {
		res, err := w.risk.Cleanup(ctx)
		report.Risk = res
		errs = append(errs, record("fraud", err))
		sweepRemoved.WithLabelValues("sample").Add(float64(res.PrunedSamples))
		sweepRemoved.WithLabelValues("fingerprint").Add(float64(res.EvictedFingerprints))
		sweepRemoved.WithLabelValues("event_day").Add(float64(res.ExpiredEventDays))
	}

	return report, errors.Join(errs...)
}

func record(store string, err error) error {
	result := "ok"
	if err != nil {
		result = "error"
	}
	sweepRuns.WithLabelValues(store, result).Inc()
	return err
}
