// Package store builds the backing connections the guard engine
// persists through: a pgx pool for the decision log and a Redis client
// for shared rate-limit counters.
package store

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Injection points for connection tests.
var (
	pgxPoolNewWithConfig   = pgxpool.NewWithConfig
	postgresConnectRetries = 30
	postgresRetryDelay     = 2 * time.Second
	postgresPingTimeout    = 2 * time.Second
	postgresSleep          = time.Sleep
)

// NewPostgresPool connects the decision-log database from DATABASE_URL,
// falling back to the discrete DATABASE_* variables. The database may
// still be coming up when guardd starts, so connection and ping failures
// are retried.
func NewPostgresPool(ctx context.Context) (*pgxpool.Pool, error) {
	dsn := strings.TrimSpace(os.Getenv("DATABASE_URL"))
	if dsn == "" {
		dsn = defaultPostgresURL()
	}
	if requiresSecureTransport("DATABASE_REQUIRE_TLS") {
		if err := validatePostgresTLS(dsn); err != nil {
			return nil, err
		}
	}
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, err
	}
	cfg.MaxConns = 10
	cfg.MinConns = 1
	cfg.MaxConnIdleTime = 5 * time.Minute

	var lastErr error
	for attempt := 0; attempt < postgresConnectRetries; attempt++ {
		if attempt > 0 {
			postgresSleep(postgresRetryDelay)
		}
		pool, err := pgxPoolNewWithConfig(ctx, cfg)
		if err != nil {
			lastErr = err
			continue
		}
		if err := pingPool(ctx, pool); err != nil {
			lastErr = err
			pool.Close()
			continue
		}
		return pool, nil
	}
	return nil, fmt.Errorf("postgres unreachable after %d attempts: %w", postgresConnectRetries, lastErr)
}

func pingPool(ctx context.Context, pool *pgxpool.Pool) error {
	pingCtx, cancel := context.WithTimeout(ctx, postgresPingTimeout)
	defer cancel()
	return pool.Ping(pingCtx)
}

func defaultPostgresURL() string {
	host := envOr("DATABASE_HOST", "localhost")
	port := envOr("DATABASE_PORT", "5432")
	if _, err := strconv.Atoi(port); err != nil {
		port = "5432"
	}
	uri := url.URL{
		Scheme:   "postgres",
		Host:     host + ":" + port,
		Path:     "/" + envOr("DATABASE_NAME", "backr_guard"),
		RawQuery: "sslmode=" + url.QueryEscape(envOr("DATABASE_SSLMODE", "disable")),
	}
	user := envOr("DATABASE_USER", "backr")
	if password := os.Getenv("POSTGRES_PASSWORD"); password != "" {
		uri.User = url.UserPassword(user, password)
	} else {
		uri.User = url.User(user)
	}
	return uri.String()
}

func validatePostgresTLS(rawURL string) error {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid DATABASE_URL: %w", err)
	}
	switch sslmode := strings.ToLower(strings.TrimSpace(parsed.Query().Get("sslmode"))); sslmode {
	case "require", "verify-ca", "verify-full":
		return nil
	case "":
		return fmt.Errorf("DATABASE_REQUIRE_TLS=true requires an explicit sslmode of require, verify-ca or verify-full")
	default:
		return fmt.Errorf("DATABASE_REQUIRE_TLS=true but DATABASE_URL sslmode=%q is insecure", sslmode)
	}
}

func requiresSecureTransport(envKey string) bool {
	switch strings.TrimSpace(strings.ToLower(os.Getenv(envKey))) {
	case "1", "true", "yes", "on":
		return true
	}
	return false
}

func envOr(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}
