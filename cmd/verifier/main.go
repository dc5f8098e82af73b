package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os/signal"
	"strings"
	"syscall"
	"time"

	sentrygin "github.com/getsentry/sentry-go/gin"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/richxcame/visitguard/internal/fraud"
	"github.com/richxcame/visitguard/internal/ratelimit"
	"github.com/richxcame/visitguard/internal/replay"
	"github.com/richxcame/visitguard/internal/sweeper"
	"github.com/richxcame/visitguard/internal/verification"
	"github.com/richxcame/visitguard/pkg/common"
	"github.com/richxcame/visitguard/pkg/config"
	"github.com/richxcame/visitguard/pkg/errortracking"
	"github.com/richxcame/visitguard/pkg/eventbus"
	"github.com/richxcame/visitguard/pkg/jwtkeys"
	"github.com/richxcame/visitguard/pkg/logger"
	"github.com/richxcame/visitguard/pkg/middleware"
	"github.com/richxcame/visitguard/pkg/secrets"
	"github.com/richxcame/visitguard/pkg/tracing"
	"go.uber.org/zap"
)

const (
	serviceName     = "verifier"
	maxBodyBytes    = 64 << 10
	shutdownTimeout = 15 * time.Second
)

func main() {
	cfg, err := config.Load(serviceName)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	if err := logger.Init(cfg.Server.Environment); err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		logger.Fatal("verifier stopped", zap.Error(err))
	}
	logger.Info("verifier stopped")
}

func run(ctx context.Context, cfg *config.Config) error {
	shutdownTracing, err := tracing.Init(ctx, cfg.Tracing, serviceName, cfg.Server.Version)
	if err != nil {
		return err
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(ctx); err != nil {
			logger.Warn("failed to flush traces", zap.Error(err))
		}
	}()

	flushSentry, err := errortracking.Init(cfg.Sentry, cfg.Server.Environment, cfg.Server.Version)
	if err != nil {
		return err
	}
	defer flushSentry()

	store, err := openBackend(ctx, cfg)
	if err != nil {
		return err
	}
	defer store.close()

	var publisher fraud.Publisher = eventbus.NoopPublisher{}
	if cfg.NATS.Enabled {
		nats, err := eventbus.Connect(cfg.NATS, nil)
		if err != nil {
			return err
		}
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := nats.Close(ctx); err != nil {
				logger.Warn("failed to drain nats", zap.Error(err))
			}
		}()
		publisher = nats
	}

	nonces := replay.NewStore(store.kv, cfg.Replay, nil)
	limiter := ratelimit.NewLimiter(store.kv, cfg.RateLimit, nil)
	defer limiter.Wait()
	scorer := fraud.NewScorer(store.kv, cfg.Risk, publisher, nil)
	service := verification.NewService(nonces, limiter, scorer, nil)

	if cfg.Sweeper.Enabled {
		worker := sweeper.NewWorker(nonces, limiter, scorer, cfg.Sweeper.Interval, nil)
		go worker.Start(ctx)
		defer worker.Stop()
	}

	jwtSecret, err := resolveJWTSecret(cfg.JWT)
	if err != nil {
		return err
	}

	router := newRouter(cfg, verification.NewHandler(service), jwtkeys.NewStaticProvider(jwtSecret), store.checks)
	srv := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout) * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("verifier listening",
			zap.String("port", cfg.Server.Port),
			zap.String("storage", cfg.Storage.Backend),
			zap.String("version", cfg.Server.Version))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func newRouter(cfg *config.Config, handler *verification.Handler, jwtProvider jwtkeys.KeyProvider, checks map[string]func() error) *gin.Engine {
	if cfg.Server.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()

	router.Use(sentrygin.New(sentrygin.Options{Repanic: true}))
	router.Use(middleware.Recovery())
	router.Use(middleware.CorrelationID())
	router.Use(middleware.Tracing(cfg.Server.ServiceName))
	router.Use(middleware.RequestLogger())
	router.Use(middleware.Metrics(cfg.Server.ServiceName))
	router.Use(middleware.SecurityHeaders())
	router.Use(middleware.MaxBodySize(maxBodyBytes))

	corsConfig := cors.DefaultConfig()
	corsConfig.AllowOrigins = splitOrigins(cfg.Server.CORSOrigins)
	corsConfig.AllowMethods = []string{"GET", "POST", "OPTIONS"}
	corsConfig.AllowHeaders = []string{"Origin", "Content-Type", "Authorization", middleware.CorrelationIDHeader}
	router.Use(cors.New(corsConfig))

	router.GET("/healthz", common.HealthCheckWithDeps(cfg.Server.ServiceName, cfg.Server.Version, checks))
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	handler.RegisterRoutes(router, jwtProvider)
	return router
}

// resolveJWTSecret prefers a mounted secret file over the plain setting.
func resolveJWTSecret(cfg config.JWTConfig) (string, error) {
	if cfg.SecretsDir == "" {
		return cfg.Secret, nil
	}
	files, err := secrets.NewFileProvider(cfg.SecretsDir)
	if err != nil {
		return "", err
	}
	return files.Get(cfg.SecretName)
}

func splitOrigins(raw string) []string {
	var origins []string
	for _, o := range strings.Split(raw, ",") {
		if o = strings.TrimSpace(o); o != "" {
			origins = append(origins, o)
		}
	}
	if len(origins) == 0 {
		return []string{"http://localhost:3000"}
	}
	return origins
}
