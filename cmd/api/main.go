// Package main is the entry point for the API server.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/onnwee/paybalance/internal/api"
	"github.com/onnwee/paybalance/internal/config"
	"github.com/onnwee/paybalance/internal/db"
	"github.com/onnwee/paybalance/internal/health"
	"github.com/onnwee/paybalance/internal/idempotency"
	"github.com/onnwee/paybalance/internal/jobs"
	"github.com/onnwee/paybalance/internal/middleware"
	"github.com/onnwee/paybalance/internal/payment"
	"github.com/onnwee/paybalance/internal/tracing"
)

const serviceName = "paybalance-api"

// Route paths.
const (
	routeInitiate = "/payments/initiate"
	routeWebhook  = "/webhooks/stripe"
	routeHealth   = "/health"
	routeReady    = "/ready"
	routeMetrics  = "/metrics"
)

const (
	shutdownTimeout          = 10 * time.Second
	redisConnectTimeout      = 5 * time.Second
	rateLimitCleanupInterval = 5 * time.Minute
)

func main() {
	help := flag.Bool("help", false, "display help message")
	configPath := flag.String("config", "", "path to a YAML config file (environment variables take precedence)")
	flag.Parse()

	if *help {
		fmt.Println("paybalance API Server")
		fmt.Println()
		fmt.Println("Usage: api [options]")
		fmt.Println()
		fmt.Println("Options:")
		flag.PrintDefaults()
		os.Exit(0)
	}

	cfg, errs := config.Load(*configPath)
	if len(errs) > 0 {
		logger := middleware.NewLogger(os.Getenv("ENV"))
		for _, err := range errs {
			logger.Error("invalid configuration", "error", err)
		}
		os.Exit(1)
	}

	logger := middleware.NewLogger(cfg.Env)
	slog.SetDefault(logger)

	summary := cfg.LogSummary()
	attrs := make([]any, 0, len(summary)*2)
	for k, v := range summary {
		attrs = append(attrs, k, v)
	}
	logger.Info("configuration loaded", attrs...)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("server exited with error", "error", err)
		stop()
		os.Exit(1)
	}

	logger.Info("server stopped")
}

// run wires dependencies, serves until ctx is cancelled and then shuts down.
func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	tp, err := tracing.NewProvider(tracing.Config{
		ServiceName:  serviceName,
		Enabled:      cfg.TracingEnabled,
		Environment:  cfg.Env,
		ExporterType: cfg.OTelExporterType,
		OTLPEndpoint: cfg.OTLPEndpoint,
		SamplingRate: cfg.TracingSampleRate,
		InsecureMode: cfg.TracingInsecure,
		Logger:       logger,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize tracing: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := tp.Shutdown(shutdownCtx); err != nil {
			logger.Error("failed to shut down tracing", "error", err)
		}
	}()

	poolCfg := db.DefaultPoolConfig()
	poolCfg.MaxOpenConns = cfg.DBMaxOpenConns
	database, err := db.Open(ctx, cfg.DatabaseURL, poolCfg)
	if err != nil {
		return err
	}
	defer database.Close()
	logger.Info("connected to database")

	var redisClient *redis.Client
	if cfg.RedisURL != "" {
		redisClient, err = openRedis(ctx, cfg.RedisURL)
		if err != nil {
			return err
		}
		defer redisClient.Close()
		logger.Info("connected to redis")
	}

	registry := prometheus.NewRegistry()
	paymentMetrics := payment.NewMetrics()
	if err := paymentMetrics.Register(registry); err != nil {
		return fmt.Errorf("failed to register payment metrics: %w", err)
	}
	httpMetrics := middleware.NewMetrics()
	if err := httpMetrics.Register(registry); err != nil {
		return fmt.Errorf("failed to register http metrics: %w", err)
	}
	jobMetrics := jobs.NewMetrics()
	if err := jobMetrics.Register(registry); err != nil {
		return fmt.Errorf("failed to register job metrics: %w", err)
	}

	store := payment.NewPostgresStore(database, logger)
	gateway := payment.NewStripeGateway(cfg.StripeAPIKey, cfg.GatewayTimeout)

	initiator := payment.NewInitiator(store, gateway, payment.InitiatorConfig{
		Currency:       cfg.PaymentCurrency,
		SuccessURL:     cfg.StripeSuccessURL,
		CancelURL:      cfg.StripeCancelURL,
		GatewayTimeout: cfg.GatewayTimeout,
	}, paymentMetrics, logger)
	verifier := payment.NewVerifier(cfg.StripeWebhookSecret, cfg.WebhookTolerance)
	reconciler := payment.NewReconciler(store, payment.NewPostgresWebhookRepository(database), paymentMetrics, logger)

	deps := serverDeps{
		Logger:        logger,
		Initiator:     initiator,
		Verifier:      verifier,
		Reconciler:    reconciler,
		Registry:      registry,
		HTTPMetrics:   httpMetrics,
		InitiateLimit: middleware.RateLimitConfig{RequestsPerWindow: cfg.InitiateRateLimit, WindowDuration: time.Minute},
		CORS:          middleware.CORSConfig{AllowedOrigins: cfg.CORSAllowedOrigins},
	}
	healthCfg := api.HealthHandlersConfig{
		DBChecker:     health.NewDBChecker(database),
		StripeChecker: gateway,
	}

	if redisClient != nil {
		deps.IdempotencyRepo = idempotency.NewRedisRepository(redisClient, idempotency.DefaultExpiry)
		deps.RateLimitStore = middleware.NewRedisRateLimitStore(redisClient).WithMetrics(httpMetrics)
		healthCfg.RedisChecker = health.NewRedisChecker(redisClient)
	} else {
		deps.IdempotencyRepo = idempotency.NewPostgresRepository(database)
		memStore := middleware.NewInMemoryRateLimitStore()
		go memStore.RunCleanup(ctx, rateLimitCleanupInterval, jobMetrics)
		deps.RateLimitStore = memStore
	}
	deps.Health = api.NewHealthHandlers(healthCfg)

	go idempotency.RunPeriodicCleanup(ctx, deps.IdempotencyRepo, idempotency.DefaultCleanupInterval, idempotency.DefaultExpiry, jobMetrics, logger)

	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           newHandler(deps),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	return serve(ctx, server, logger)
}

// serve runs server until ctx is cancelled, then drains in-flight requests.
func serve(ctx context.Context, server *http.Server, logger *slog.Logger) error {
	serverErr := make(chan error, 1)
	go func() {
		logger.Info("starting server", "addr", server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	select {
	case err, ok := <-serverErr:
		if ok {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info("shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}
	return nil
}

func openRedis(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}
	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, redisConnectTimeout)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return client, nil
}

// serverDeps are the collaborators newHandler routes to.
type serverDeps struct {
	Logger          *slog.Logger
	Initiator       api.Initiator
	Verifier        api.WebhookVerifier
	Reconciler      api.WebhookReconciler
	Health          *api.HealthHandlers
	Registry        *prometheus.Registry
	HTTPMetrics     *middleware.Metrics
	IdempotencyRepo idempotency.Repository
	RateLimitStore  middleware.RateLimitStore
	InitiateLimit   middleware.RateLimitConfig
	CORS            middleware.CORSConfig
}

// newHandler builds the routed, instrumented HTTP handler.
//
// Global chain: RequestID -> Logging -> HTTPMetrics -> Tracing -> CORS -> mux.
// Initiation additionally runs RateLimiter -> Idempotency. The webhook route
// is never limited so Stripe redeliveries are not dropped.
func newHandler(d serverDeps) http.Handler {
	paymentHandlers := api.NewPaymentHandlers(d.Initiator)
	webhookHandlers := api.NewWebhookHandlers(d.Verifier, d.Reconciler)

	initiate := http.Handler(http.HandlerFunc(paymentHandlers.InitiatePayment))
	initiate = middleware.IdempotencyMiddleware(d.IdempotencyRepo, map[string]bool{routeInitiate: true}, d.HTTPMetrics)(initiate)
	initiate = middleware.RateLimiter(d.RateLimitStore, d.InitiateLimit, middleware.RouteIPKeyFunc(routeInitiate), d.HTTPMetrics)(initiate)

	mux := http.NewServeMux()
	mux.Handle(routeInitiate, initiate)
	mux.HandleFunc(routeWebhook, webhookHandlers.HandleStripeWebhook)
	mux.HandleFunc(routeHealth, d.Health.Health)
	mux.HandleFunc(routeReady, d.Health.Ready)
	mux.Handle(routeMetrics, promhttp.HandlerFor(d.Registry, promhttp.HandlerOpts{}))
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		ctx := middleware.SetErrorCode(r.Context(), api.ErrCodeNotFound)
		api.WriteError(w, ctx, http.StatusNotFound, api.ErrCodeNotFound, "The requested resource was not found")
	})

	var handler http.Handler = mux
	handler = middleware.CORS(d.CORS)(handler)
	handler = middleware.Tracing(serviceName)(handler)
	handler = middleware.HTTPMetrics(d.HTTPMetrics)(handler)
	handler = middleware.Logging(d.Logger)(handler)
	handler = middleware.RequestID(handler)
	return handler
}
