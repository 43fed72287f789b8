package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/safar/go-checkout-store/internal/api"
	"github.com/safar/go-checkout-store/internal/cache"
	"github.com/safar/go-checkout-store/internal/cart"
	"github.com/safar/go-checkout-store/internal/config"
	"github.com/safar/go-checkout-store/internal/database"
	"github.com/safar/go-checkout-store/internal/logging"
	"github.com/safar/go-checkout-store/internal/metrics"
	"github.com/safar/go-checkout-store/internal/orders"
	"github.com/safar/go-checkout-store/internal/payments"
	"go.uber.org/zap"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Load config: %v", err)
	}

	logger, err := logging.NewLogger(cfg.Log.Service, cfg.Log.Env, cfg.Log.File)
	if err != nil {
		log.Fatalf("Create logger: %v", err)
	}
	defer logger.Sync()
	zap.ReplaceGlobals(logger)

	if err := run(cfg, logger); err != nil {
		logger.Fatal("server stopped", zap.Error(err))
	}
}

func run(cfg *config.Config, logger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := database.NewConnection(ctx, &cfg.Database)
	if err != nil {
		return err
	}
	defer db.Close()

	logger.Info("connected to database")

	if err := database.Migrate(db, database.DirectionUp); err != nil {
		return err
	}

	cartCache, closeCache, err := newCartCache(ctx, cfg.Cache, logger)
	if err != nil {
		return err
	}
	defer closeCache()

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		collectors.NewDBStatsCollector(db, "checkout"),
	)
	m := metrics.New(registry)

	if cfg.Auth.JWTSecret == "" {
		logger.Warn("JWT_SECRET is empty, every authenticated request will be rejected")
	}
	if cfg.Payments.WebhookSecret == "" {
		logger.Warn("STRIPE_WEBHOOK_SECRET is empty, every webhook will be rejected")
	}

	cartService := cart.NewService(db, cartCache)
	orderService := orders.NewService(db, cartService, m)
	gateway := payments.NewStripeGateway(cfg.Payments, logger, m)
	paymentService := payments.NewService(db, orderService, gateway, cfg.Payments.Currency, m)

	handler := api.NewRouter(api.Deps{
		Carts:          cartService,
		Orders:         orderService,
		Payments:       paymentService,
		Catalog:        api.NewCatalog(db),
		Auth:           api.NewAuthenticator(cfg.Auth.JWTSecret, cfg.Auth.JWTIssuer),
		Logger:         logger,
		Metrics:        m,
		MetricsHandler: promhttp.HandlerFor(registry, promhttp.HandlerOpts{Registry: registry}),
		RequestTimeout: cfg.Server.WriteTimeout,
	})

	server := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      handler,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server starting", zap.String("port", cfg.Server.Port))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		return err
	}

	logger.Info("server exited")
	return nil
}

// newCartCache connects to Redis when REDIS_URL is set. Without it carts are
// always read from Postgres.
func newCartCache(ctx context.Context, cfg config.CacheConfig, logger *zap.Logger) (cache.CartCache, func(), error) {
	if cfg.RedisURL == "" {
		logger.Info("cart cache disabled")
		return cache.Nop{}, func() {}, nil
	}

	opts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, nil, err
	}

	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, nil, err
	}

	logger.Info("cart cache enabled", zap.String("addr", opts.Addr))
	return cache.NewRedisCache(client, cfg.CartTTL), func() { _ = client.Close() }, nil
}
