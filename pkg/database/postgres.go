package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
	"github.com/richxcame/visitguard/pkg/config"
	"github.com/richxcame/visitguard/pkg/database/migrations"
	"github.com/richxcame/visitguard/pkg/logger"
	"github.com/richxcame/visitguard/pkg/resilience"
	"go.uber.org/zap"
)

// seams for tests
var (
	sqlOpen        = sql.Open
	gooseUpContext = func(ctx context.Context, db *sql.DB, dir string, opts ...goose.OptionsFunc) error {
		return goose.UpContext(ctx, db, dir, opts...)
	}
)

// Open connects to PostgreSQL through the pgx stdlib driver and waits for
// the server to accept connections.
func Open(ctx context.Context, cfg *config.DatabaseConfig, retry resilience.RetryConfig) (*sql.DB, error) {
	db, err := sqlOpen("pgx", cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("unable to open database: %w", err)
	}

	db.SetMaxOpenConns(max(cfg.MaxConns, 1))
	db.SetMaxIdleConns(max(cfg.MinConns, 1))
	db.SetConnMaxIdleTime(5 * time.Minute)

	retry.IsRetryable = isPostgresRetryable
	_, err = resilience.Retry(ctx, retry, func(ctx context.Context) (interface{}, error) {
		err := db.PingContext(ctx)
		if err != nil {
			logger.Warn("database ping failed", zap.String("host", cfg.Host), zap.Error(err))
		}
		return nil, err
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("unable to ping database: %w", err)
	}

	return db, nil
}

// RunMigrations applies the embedded schema.
func RunMigrations(ctx context.Context, db *sql.DB) error {
	goose.SetBaseFS(migrations.FS)
	if err := goose.SetDialect("pgx"); err != nil {
		return fmt.Errorf("goose dialect: %w", err)
	}
	if err := gooseUpContext(ctx, db, "."); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	return nil
}

// Close closes the database handle
func Close(db *sql.DB) {
	if db != nil {
		_ = db.Close()
	}
}

var retryableMessages = []string{
	"connection refused",
	"connection reset",
	"broken pipe",
	"no such host",
	"network is unreachable",
	"timeout",
	"too many connections",
	"server closed",
	"unexpected eof",
}

// isPostgresRetryable reports whether err is transient: serialization
// conflicts, resource exhaustion, connection loss or server restarts.
func isPostgresRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "40001", "40P01", "55P03", "57P01", "57P02", "57P03", "58000", "XX000":
			return true
		case "53100", "53200":
			// disk full, out of memory
			return false
		}
		switch {
		case strings.HasPrefix(pgErr.Code, "53"), strings.HasPrefix(pgErr.Code, "08"):
			return true
		default:
			return false
		}
	}

	msg := strings.ToLower(err.Error())
	for _, fragment := range retryableMessages {
		if strings.Contains(msg, fragment) {
			return true
		}
	}
	return false
}
