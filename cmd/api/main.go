package main

import (
	"context"
	"crypto/subtle"
	"errors"
	"net/http"
	"net/http/pprof"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"

	"github.com/noah-isme/enrollpay/db/migrations"
	"github.com/noah-isme/enrollpay/internal/app"
	"github.com/noah-isme/enrollpay/internal/checkout"
	"github.com/noah-isme/enrollpay/internal/common"
	"github.com/noah-isme/enrollpay/internal/config"
	"github.com/noah-isme/enrollpay/internal/health"
	"github.com/noah-isme/enrollpay/internal/ledger"
	"github.com/noah-isme/enrollpay/internal/lock"
	"github.com/noah-isme/enrollpay/internal/obs"
	"github.com/noah-isme/enrollpay/internal/promo"
	"github.com/noah-isme/enrollpay/internal/ratelimit"
	"github.com/noah-isme/enrollpay/internal/resilience"
	"github.com/noah-isme/enrollpay/internal/security"
)

const shutdownTimeout = 15 * time.Second

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	logger := obs.NewLogger(cfg.Obs.ServiceName, cfg.Obs.LogFormat, cfg.Obs.LogLevel).With().Str("env", cfg.AppEnv).Logger()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracer, err := obs.InitTracer(ctx, obs.TracingConfig{
		ServiceName:   cfg.Obs.ServiceName,
		Endpoint:      cfg.Obs.TracingEndpoint,
		Exporter:      cfg.Obs.TracingExporter,
		SamplingRatio: cfg.Obs.TracingSampling,
		Environment:   cfg.AppEnv,
	})
	if err != nil {
		logger.Error().Err(err).Msg("initialise tracing")
		shutdownTracer = func(context.Context) error { return nil }
	}
	defer func() {
		if err := shutdownTracer(context.Background()); err != nil {
			logger.Error().Err(err).Msg("shutdown tracer")
		}
	}()

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	obs.MustRegisterDomainMetrics(cfg.Obs.MetricsNamespace, registry)
	resilience.MustRegisterMetrics(registry)
	httpMetrics := obs.NewHTTPMetrics(cfg.Obs.MetricsNamespace, obs.ParseBucketsCSV(cfg.Obs.MetricsBuckets), registry)

	if cfg.RunMigrations {
		if err := app.RunMigrations(cfg.DatabaseURL, migrations.FS, logger); err != nil {
			logger.Fatal().Err(err).Msg("apply migrations")
		}
	}

	connectCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	pool, err := app.NewPool(connectCtx, cfg.DatabaseURL, cfg.Obs.ServiceName)
	if err != nil {
		logger.Fatal().Err(err).Msg("open database")
	}
	redisClient, err := app.NewRedis(connectCtx, cfg.RedisURL, logger)
	if err != nil {
		pool.Close()
		logger.Fatal().Err(err).Msg("open redis")
	}
	gw, err := app.NewGateway(cfg.Gateway, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("initialise gateway")
	}
	deps := &app.Dependencies{DB: pool, Redis: redisClient, Gateway: gw}
	defer deps.Close(logger)

	ledgerStore := &ledger.Store{DB: pool}
	ledgerWriter := &ledger.Writer{Recorder: ledgerStore, Logger: logger}
	sessions := checkout.NewRegistry(cfg.Session.IdleTTL)
	defer sessions.Close()
	janitorCtx, stopJanitor := context.WithCancel(context.Background())
	defer stopJanitor()
	go sessions.Run(janitorCtx, time.Minute)

	checkoutSvc := &checkout.Service{
		Gateway: gw,
		Promo: &promo.Validator{
			Store:   promo.PGStore{DB: pool},
			Timeout: cfg.Promo.LookupTimeout,
			Logger:  logger,
		},
		Enrollments: ledgerStore,
		Ledger:      ledgerWriter,
		Locker:      lock.Locker{R: redisClient, Prefix: "lock:", Wait: 2 * time.Second},
		LockTTL:     cfg.LockTTL,
		Sessions:    sessions,
		Settings: checkout.SessionSettings{
			PollInterval:  cfg.Session.PollInterval,
			CheckTimeout:  cfg.Session.PollCheckTimeout,
			CancelTimeout: cfg.Session.CancelTimeout,
			AdvisoryAfter: cfg.Session.AdvisoryAfter,
			ReturnPattern: cfg.Session.ReturnPattern,
			StartTimeout:  cfg.Gateway.Timeout + 5*time.Second,
		},
		Logger: logger,
	}
	checkoutHandler := &checkout.Handler{
		Svc:      checkoutSvc,
		Validate: checkout.NewValidator(),
		PromoLimit: ratelimit.Handler{
			Limiter: ratelimit.Limiter{Client: redisClient, Prefix: "rl:promo:"},
			Config:  ratelimit.Config{Window: cfg.Promo.RateLimitWindow, Max: cfg.Promo.RateLimitMax},
			OnError: func(err error) { logger.Warn().Err(err).Msg("promo rate limiter unavailable") },
		}.Middleware,
		Idempotency: common.Idem{R: redisClient, TTL: cfg.IdempotencyTTL, Prefix: "idem:checkout:"}.Middleware,
	}

	healthHandler := health.Handler{Probes: []health.Probe{
		health.PingProbe("database", pool, 500*time.Millisecond),
		health.RedisProbe(redisClient, 300*time.Millisecond),
	}}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(security.Headers{EnableHSTS: cfg.IsProduction()}.Middleware)
	r.Use(security.BodyLimit{Max: common.MaxBodyBytes}.Middleware)
	r.Use(obs.TracingMiddleware(cfg.Obs.ServiceName))
	r.Use(obs.HTTPObs{Metrics: httpMetrics}.Middleware)
	r.Use(common.UserFromHeader)
	r.Use(obs.RequestLogger{Logger: logger}.Middleware)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   allowedOrigins(cfg),
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", common.UserIDHeader, common.IdempotencyHeader},
		ExposedHeaders:   []string{"Idempotent-Replay", "Retry-After", "X-RateLimit-Remaining"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Handle("/metrics", obs.MetricsHandler(registry))
	r.Get("/health/live", healthHandler.Live)
	r.Get("/health/ready", healthHandler.Ready)
	if cfg.Obs.EnablePprof {
		r.Mount("/debug/pprof", protectPprof(newPprofMux(), cfg.Obs.PprofUser, cfg.Obs.PprofPass))
	}
	checkoutHandler.Routes(r)

	srv := &http.Server{
		Addr:              cfg.HTTPAddr(),
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", srv.Addr).Str("gateway_mode", cfg.Gateway.Mode).Msg("server starting")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			logger.Error().Err(err).Msg("server exited unexpectedly")
		}
	case <-ctx.Done():
		shutdown(srv, logger)
	}
	drainLedger(ledgerWriter, logger)
}

func shutdown(srv *http.Server, logger zerolog.Logger) {
	health.SetReady(false)
	logger.Info().Msg("shutdown started")
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logger.Error().Err(err).Msg("graceful shutdown failed")
		return
	}
	logger.Info().Msg("shutdown complete")
}

func drainLedger(w *ledger.Writer, logger zerolog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := w.Wait(ctx); err != nil {
		logger.Error().Err(err).Msg("pending ledger writes abandoned at shutdown")
	}
}

func allowedOrigins(cfg *config.Config) []string {
	if len(cfg.CORSAllowedOrigins) == 0 {
		return []string{"*"}
	}
	return cfg.CORSAllowedOrigins
}

func newPprofMux() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/", pprof.Index)
	mux.HandleFunc("/cmdline", pprof.Cmdline)
	mux.HandleFunc("/profile", pprof.Profile)
	mux.HandleFunc("/symbol", pprof.Symbol)
	mux.HandleFunc("/trace", pprof.Trace)
	mux.Handle("/goroutine", pprof.Handler("goroutine"))
	mux.Handle("/heap", pprof.Handler("heap"))
	return mux
}

func protectPprof(handler http.Handler, user, pass string) http.Handler {
	user = strings.TrimSpace(user)
	if user == "" {
		return handler
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		u, p, ok := r.BasicAuth()
		if !ok || subtle.ConstantTimeCompare([]byte(u), []byte(user)) != 1 || subtle.ConstantTimeCompare([]byte(p), []byte(pass)) != 1 {
			w.Header().Set("WWW-Authenticate", "Basic realm=restricted")
			http.Error(w, "unauthorised", http.StatusUnauthorized)
			return
		}
		handler.ServeHTTP(w, r)
	})
}
