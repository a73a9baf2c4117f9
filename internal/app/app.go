// Package app wires the payment service together.
package app

import (
	"context"
	"net/http"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/app"
	"github.com/go-faster/sdk/zctx"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.uber.org/zap"

	"github.com/xenking/kart-payments/internal/domain/payment"
	"github.com/xenking/kart-payments/internal/gateway/courier"
	"github.com/xenking/kart-payments/internal/handler"
	"github.com/xenking/kart-payments/internal/storage/postgres"
	"github.com/xenking/kart-payments/internal/storage/redis"
	"github.com/xenking/kart-payments/pkg/health"
	"github.com/xenking/kart-payments/pkg/httpmiddleware"
)

// Run creates all dependencies, starts the HTTP server, and handles graceful
// shutdown. It is the single wiring point for the application.
func Run(ctx context.Context, lg *zap.Logger, m *app.Telemetry, cfg *Config) error {
	lg.Info("Initializing",
		zap.String("addr", cfg.Addr),
		zap.String("gateway", cfg.Gateway.Label),
		zap.Bool("redis", cfg.RedisAddr != ""),
	)

	// PostgreSQL pool + migrations.
	pool, err := postgres.NewPool(ctx, cfg.DatabaseURL)
	if err != nil {
		return errors.Wrap(err, "create db pool")
	}
	defer pool.Close()

	if err := postgres.RunMigrations(ctx, pool); err != nil {
		return errors.Wrap(err, "run migrations")
	}

	healthSvc := health.New()
	healthSvc.AddReadinessCheck("postgres", 5*time.Second, health.PingCheck(pool))
	healthSvc.AddLivenessCheck("goroutines", time.Second, health.GoroutineCountCheck(10000))

	// Repositories.
	orderRepo := postgres.NewOrderRepository(pool)
	apikeyRepo := postgres.NewAPIKeyRepository(pool)
	ledger := postgres.NewLedgerRepository(pool)

	gateway := courier.New(cfg.Gateway.Label)
	opts := []payment.Option{
		payment.WithLogger(lg.Named("payment")),
		payment.WithTracerProvider(m.TracerProvider()),
		payment.WithMeterProvider(m.MeterProvider()),
	}

	// Without redis the lease is process local and reads are not cached,
	// which is only safe with a single replica.
	var orchestrator payment.Orchestrator
	if cfg.RedisAddr != "" {
		rdb, err := redis.NewClient(ctx, cfg.RedisAddr)
		if err != nil {
			return errors.Wrap(err, "create redis client")
		}
		defer func() { _ = rdb.Close() }()
		healthSvc.AddReadinessCheck("redis", 2*time.Second, health.RedisCheck(rdb))

		locker := redis.NewLocker(rdb, redis.LeaseConfig{
			TTL:           cfg.Lease.TTL,
			RetryInterval: cfg.Lease.RetryInterval,
			RetryLimit:    cfg.Lease.RetryLimit,
		}, lg.Named("lease"))
		opts = append(opts, payment.WithLocker(locker))

		processor := payment.NewProcessor(gateway, ledger, opts...)
		orchestrator = payment.NewCached(processor, redis.NewCache(rdb), cfg.Cache.TTL, lg.Named("cache"))
	} else {
		lg.Warn("Redis is not configured, using in-process order lease")
		orchestrator = payment.NewProcessor(gateway, ledger, opts...)
	}
	lg.Info("Payment gateway ready",
		zap.String("label", gateway.Label()),
		zap.Stringer("features", gateway.Features()),
	)

	healthSvc.Start(ctx, 10*time.Second)
	healthSvc.SetReady(true)

	h := handler.NewHandler(orderRepo, orchestrator)
	security := handler.NewSecurity(apikeyRepo, []byte(cfg.APIKeyPepper))

	mux := http.NewServeMux()
	mux.HandleFunc("GET /livez", healthSvc.LiveEndpoint)
	mux.HandleFunc("GET /readyz", healthSvc.ReadyEndpoint)
	h.Register(mux, security)

	server := &http.Server{
		ReadHeaderTimeout: time.Second,
		ReadTimeout:       5 * time.Second,
		// Gateway calls of one order run sequentially inside a request.
		WriteTimeout:   time.Minute,
		IdleTimeout:    120 * time.Second,
		MaxHeaderBytes: 1 << 20,
		Addr:           cfg.Addr,
		Handler: otelhttp.NewHandler(
			httpmiddleware.Wrap(mux,
				httpmiddleware.Recovery(),
				httpmiddleware.RequestID(),
				httpmiddleware.InjectLogger(zctx.From(ctx)),
				httpmiddleware.LogRequests(),
			),
			"paymentd",
			otelhttp.WithTracerProvider(m.TracerProvider()),
			otelhttp.WithMeterProvider(m.MeterProvider()),
		),
	}

	// Graceful shutdown: wait for context cancellation, drain, then stop.
	shutdownDone := make(chan struct{})
	go func() {
		<-ctx.Done()
		healthSvc.SetReady(false)
		lg.Info("Readiness set to false, draining", zap.Duration("delay", cfg.Graceful.ReadinessDelay))
		time.Sleep(cfg.Graceful.ReadinessDelay)

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Graceful.ShutdownTimeout)
		defer cancel()

		lg.Info("Shutting down server", zap.Duration("timeout", cfg.Graceful.ShutdownTimeout))
		if err := server.Shutdown(shutdownCtx); err != nil {
			lg.Error("Server shutdown error", zap.Error(err))
		}
		healthSvc.Stop()
		close(shutdownDone)
	}()

	lg.Info("Server listening", zap.String("addr", cfg.Addr))
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return errors.Wrap(err, "server")
	}
	<-shutdownDone
	return nil
}
