package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/lcanady/backr-sub001/pkg/audit"
	"github.com/lcanady/backr-sub001/pkg/events"
	"github.com/lcanady/backr-sub001/pkg/guard"
	"github.com/lcanady/backr-sub001/pkg/hardening"
	"github.com/lcanady/backr-sub001/pkg/httpx"
	"github.com/lcanady/backr-sub001/pkg/metrics"
	"github.com/lcanady/backr-sub001/pkg/models"
	"github.com/lcanady/backr-sub001/pkg/ratelimit"
	"github.com/lcanady/backr-sub001/pkg/store"
	"github.com/lcanady/backr-sub001/pkg/telemetry"
)

// Server serves the admission-control surface consumed by collaborator
// services (funding, projects, governance).
type Server struct {
	Engine  *guard.Engine
	Hub     *events.Hub
	Metrics *metrics.Registry
}

// Testable variables for main()
var (
	logFatalf       = log.Fatalf
	initTelemetryFn = telemetry.Init
	openAuditFn     func(context.Context) (guard.DecisionLog, func(), error)
	openLimiterFn   func(context.Context) (ratelimit.Limiter, func(), error)
	listenFn        func(*http.Server) error
)

func main() {
	if err := runGuardd(initTelemetryFn, openAuditFn, openLimiterFn, listenFn); err != nil {
		logFatalf("guardd: %v", err)
	}
}

func runGuardd(
	initTelemetry func(context.Context, string) (func(context.Context) error, error),
	openAudit func(context.Context) (guard.DecisionLog, func(), error),
	openLimiter func(context.Context) (ratelimit.Limiter, func(), error),
	listen func(*http.Server) error,
) error {
	if initTelemetry == nil {
		initTelemetry = telemetry.Init
	}
	if openAudit == nil {
		openAudit = defaultOpenAudit
	}
	if openLimiter == nil {
		openLimiter = defaultOpenLimiter
	}
	if listen == nil {
		listen = func(server *http.Server) error { return server.ListenAndServe() }
	}

	ctx := context.Background()
	shutdown, err := initTelemetry(ctx, "guardd")
	if err != nil {
		return err
	}
	defer func() { _ = shutdown(context.Background()) }()

	authMode := env("GUARD_AUTH_MODE", "hmac")
	authSecret := env("GUARD_AUTH_SECRET", "")
	runtimeEnv := env("ENVIRONMENT", env("APP_ENV", ""))
	if strings.EqualFold(authMode, "off") && env("ALLOW_INSECURE_AUTH_OFF", "false") != "true" {
		return errors.New("GUARD_AUTH_MODE=off is disabled unless ALLOW_INSECURE_AUTH_OFF=true")
	}
	if err := hardening.ValidateProduction(hardening.Options{
		Service:            "guardd",
		Environment:        runtimeEnv,
		StrictProdSecurity: env("STRICT_PROD_SECURITY", "true"),
		DatabaseRequireTLS: env("DATABASE_REQUIRE_TLS", ""),
		RedisAddr:          env("REDIS_ADDR", ""),
		RedisRequireTLS:    env("REDIS_REQUIRE_TLS", ""),
		RedisTLSInsecure:   env("REDIS_TLS_INSECURE", ""),
		CORSAllowedOrigins: env("CORS_ALLOWED_ORIGINS", ""),
		RequiredServiceSecrets: []hardening.EnvRequirement{
			{Name: "GUARD_AUTH_SECRET", Value: authSecret},
		},
	}); err != nil {
		return err
	}

	decisionLog, closeAudit, err := openAudit(ctx)
	if err != nil {
		return err
	}
	if closeAudit != nil {
		defer closeAudit()
	}

	limiter, closeLimiter, err := openLimiter(ctx)
	if err != nil {
		return err
	}
	if closeLimiter != nil {
		defer closeLimiter()
	}

	hub := events.NewHub()
	sink := events.MultiSink{hub}
	if brokers := env("KAFKA_BROKERS", ""); brokers != "" {
		publisher, err := events.NewKafkaPublisher(events.KafkaConfig{
			Brokers: strings.Split(brokers, ","),
			Topic:   env("KAFKA_TOPIC", "guard-events"),
		})
		if err != nil {
			return err
		}
		defer func() { _ = publisher.Close() }()
		sink = append(sink, publisher)
	}

	registry := metrics.NewRegistry()
	engine := guard.New(guard.Config{
		Deployer:  models.Principal(env("GUARD_DEPLOYER", "deployer")),
		Limiter:   limiter,
		Events:    sink,
		Metrics:   registry,
		Audit:     decisionLog,
		AuditSalt: []byte(env("AUDIT_HASH_SALT", "")),
	})

	s := &Server{Engine: engine, Hub: hub, Metrics: registry}

	r := chi.NewRouter()
	r.Use(httpx.CORSMiddleware(env("CORS_ALLOWED_ORIGINS", "")))
	r.Use(httpx.SecurityHeadersMiddleware)
	r.Use(telemetry.HTTPMiddleware("guardd"))
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		httpx.WriteJSON(w, 200, map[string]string{"status": "ok", "service": "guardd"})
	})
	r.Get("/metricsz", registry.Handler())

	authed := chi.NewRouter()
	authed.Use(principalMiddleware(authMode, authSecret))
	authed.Post("/v1/roles/grant", s.grantRole)
	authed.Post("/v1/roles/revoke", s.revokeRole)
	authed.Post("/v1/policies/ratelimit", s.configureRateLimit)
	authed.Post("/v1/policies/multisig", s.configureMultiSig)
	authed.Get("/v1/operations/{op}/policy", s.getPolicy)
	authed.Post("/v1/approvals", s.approve)
	authed.Get("/v1/approvals/status", s.approvalStatus)
	authed.Post("/v1/breaker/trigger", s.triggerBreaker)
	authed.Post("/v1/breaker/resolve", s.resolveBreaker)
	authed.Get("/v1/breaker", s.breakerState)
	authed.Post("/v1/guard", s.guardCheck)
	authed.Get("/v1/events", s.streamEvents)
	r.Mount("/", authed)

	addr := env("ADDR", ":8086")
	log.Printf("guardd listening on %s", addr)
	server := &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: envDurationSec("HTTP_READ_HEADER_TIMEOUT_SEC", 5),
		ReadTimeout:       envDurationSec("HTTP_READ_TIMEOUT_SEC", 15),
		WriteTimeout:      envDurationSec("HTTP_WRITE_TIMEOUT_SEC", 30),
		IdleTimeout:       envDurationSec("HTTP_IDLE_TIMEOUT_SEC", 120),
	}
	return listen(server)
}

func defaultOpenAudit(ctx context.Context) (guard.DecisionLog, func(), error) {
	if env("AUDIT_ENABLED", "true") != "true" {
		return nil, nil, nil
	}
	pool, err := store.NewPostgresPool(ctx)
	if err != nil {
		return nil, nil, err
	}
	if _, err := pool.Exec(ctx, audit.Schema); err != nil {
		pool.Close()
		return nil, nil, err
	}
	return &audit.Writer{DB: pool}, pool.Close, nil
}

func defaultOpenLimiter(ctx context.Context) (ratelimit.Limiter, func(), error) {
	if env("REDIS_ADDR", "") == "" {
		return ratelimit.NewInMemory(), nil, nil
	}
	client, err := store.NewRedis(ctx)
	if err != nil {
		return nil, nil, err
	}
	return ratelimit.NewRedis(client), func() { _ = client.Close() }, nil
}

func env(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func envDurationSec(key string, def int) time.Duration {
	return time.Second * time.Duration(envInt(key, def))
}
