package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/multierr"

	"heladeria/backend/internal/cache"
	"heladeria/backend/internal/cart"
	"heladeria/backend/internal/config"
	"heladeria/backend/internal/domain"
	"heladeria/backend/internal/events"
	"heladeria/backend/internal/httpapi"
	"heladeria/backend/internal/idempotency"
	"heladeria/backend/internal/logger"
	"heladeria/backend/internal/metrics"
	"heladeria/backend/internal/payment"
	"heladeria/backend/internal/recommendation"
	"heladeria/backend/internal/service"
	"heladeria/backend/internal/store"
	"heladeria/backend/internal/store/memory"
	pgstore "heladeria/backend/internal/store/postgres"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logger.New(logger.Options{ServiceName: "heladeria-api"}).Error(context.Background(), "config.load_failed", err)
		os.Exit(1)
	}
	logg := newLogger(cfg)
	ctx := context.Background()

	if err := cfg.Validate(); err != nil {
		logg.Error(ctx, "config.invalid", err)
		os.Exit(1)
	}

	app, err := build(ctx, cfg, logg)
	if err != nil {
		logg.Error(ctx, "startup.failed", err)
		os.Exit(1)
	}

	server := &http.Server{
		Addr:              cfg.Address(),
		Handler:           app.handler,
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      cfg.CheckoutTimeout + cfg.PaymentTimeout + 5*time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		logg.Info(logg.WithField(ctx, "addr", cfg.Address()), "server.listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logg.Error(ctx, "server.failed", err)
			os.Exit(1)
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownGracePeriod)
	defer cancel()

	err = multierr.Append(server.Shutdown(shutdownCtx), app.close())
	if err != nil {
		logg.Warn(ctx, "server.shutdown_errors", err)
	}
	logg.Info(ctx, "server.stopped")
}

type application struct {
	handler http.Handler
	closers []func() error
}

func (a *application) close() error {
	var err error
	for i := len(a.closers) - 1; i >= 0; i-- {
		err = multierr.Append(err, a.closers[i]())
	}
	return err
}

func newLogger(cfg config.Config) *logger.Logger {
	return logger.New(logger.Options{
		ServiceName: "heladeria-api",
		Level:       logger.ParseLevel(cfg.LogLevel),
		Format:      cfg.LogFormat,
		WarnStack:   cfg.LogWarnStack,
	})
}

func staffSeeds(cfg config.Config) []httpapi.StaffSeed {
	return []httpapi.StaffSeed{
		{Username: "manager", Password: cfg.SeedManagerPassword, Role: domain.RoleManager, StoreID: cfg.SeedStaffStoreID},
		{Username: "cashier", Password: cfg.SeedCashierPassword, Role: domain.RoleCashier, StoreID: cfg.SeedStaffStoreID},
	}
}

// build wires every collaborator. Optional backends that are not configured
// fall back to in-process implementations; configured ones must be reachable.
func build(ctx context.Context, cfg config.Config, logg *logger.Logger) (*application, error) {
	app := &application{}
	fail := func(err error) (*application, error) {
		return nil, multierr.Append(err, app.close())
	}

	startCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()

	var repo store.Repository
	if cfg.DatabaseURL != "" {
		pg, err := pgstore.New(startCtx, cfg.DatabaseURL)
		if err != nil {
			return fail(err)
		}
		app.closers = append(app.closers, pg.Close)
		if cfg.AutoMigrate {
			if err := pg.Migrate(startCtx); err != nil {
				return fail(err)
			}
		}
		seeded, err := httpapi.SeedStaff(startCtx, pg, staffSeeds(cfg))
		if err != nil {
			return fail(err)
		}
		if seeded > 0 {
			logg.Info(logg.WithField(ctx, "accounts", seeded), "startup.staff_seeded")
		}
		repo = pg
		logg.Info(logg.WithField(ctx, "repository", "postgres"), "startup.repository")
	} else {
		repo = memory.NewSeeded()
		logg.Info(logg.WithField(ctx, "repository", "memory"), "startup.repository")
	}

	var kv cache.Store = cache.NewMemory()
	if cfg.RedisAddr != "" {
		rc := cache.NewRedis(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB, "heladeria")
		if err := rc.Ping(startCtx); err != nil {
			_ = rc.Close()
			return fail(err)
		}
		app.closers = append(app.closers, rc.Close)
		kv = rc
		logg.Info(logg.WithField(ctx, "cache", "redis"), "startup.cache")
	}

	publisher := events.NewKafkaPublisher(cfg.KafkaBrokers, cfg.KafkaTopic)
	app.closers = append(app.closers, publisher.Close)

	reg := metrics.NewRegistry()
	gateway := payment.NewMercadoPago(cfg.MercadoPago.AccessToken, payment.URLs{
		Notification: cfg.MercadoPago.NotificationURL,
		Success:      cfg.MercadoPago.SuccessURL,
		Failure:      cfg.MercadoPago.FailureURL,
		Pending:      cfg.MercadoPago.PendingURL,
	})

	svc := service.New(service.Deps{
		Repo:            repo,
		Carts:           cart.NewStore(kv, cfg.CartTTL),
		Guard:           idempotency.NewGuard(repo, kv, cfg.IdempotencyTTL),
		Alternatives:    recommendation.NewEngine(repo, kv, cfg.AlternativesTTL),
		Payments:        gateway,
		Events:          publisher,
		Metrics:         reg.CheckoutMetrics,
		Logger:          logg,
		CheckoutTimeout: cfg.CheckoutTimeout,
		PaymentTimeout:  cfg.PaymentTimeout,
	})

	auth := httpapi.NewAuthManager(cfg.AuthSecret, cfg.TokenTTL, repo)
	api := httpapi.New(svc, auth, httpapi.Options{
		AllowedOrigin: cfg.AllowedOrigin,
		Logger:        logg,
		Metrics:       reg.Handler(),
	})
	app.handler = api.Handler()
	return app, nil
}
