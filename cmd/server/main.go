package main

import (
	"context"
	"database/sql"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"keybridge/internal/api"
	"keybridge/internal/auth"
	"keybridge/internal/catalog"
	"keybridge/internal/config"
	"keybridge/internal/credentials"
	"keybridge/internal/db"
	"keybridge/internal/fulfillment"
	"keybridge/internal/ledger"
	"keybridge/internal/logger"
	"keybridge/internal/marketplace"
	"keybridge/internal/metrics"
	"keybridge/internal/middleware"
	"keybridge/internal/notify"
	"keybridge/internal/offersync"
	"keybridge/internal/recovery"
	"keybridge/internal/reservation"
	"keybridge/internal/supplier"
	"keybridge/migrations"

	"go.uber.org/zap"
)

const shutdownTimeout = 15 * time.Second

var (
	initDBFunc      = db.InitDB
	startServerFunc = func(srv *http.Server) error {
		return srv.ListenAndServe()
	}
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		log.Fatal(err)
	}
}

// server holds every long-lived component of the process.
type server struct {
	handler      http.Handler
	orchestrator *fulfillment.Orchestrator
	scanner      *recovery.Scanner
	sweeper      *reservation.Sweeper
	syncer       *offersync.Syncer
	limiter      *middleware.RateLimiter
	publisher    notify.Publisher
}

func newServer(cfg *config.Config, database *sql.DB) (*server, error) {
	cat, err := catalog.Load(cfg.ProductsFile)
	if err != nil {
		return nil, err
	}
	logger.L().Info("product mapping loaded", zap.Int("products", cat.Len()))

	httpClient := &http.Client{Timeout: 15 * time.Second}

	supplierTokens := credentials.NewSource("supplier",
		credentials.ClientCredentials(httpClient, cfg.SupplierTokenURL, cfg.SupplierClientID, cfg.SupplierClientSecret))
	supplierClient := supplier.NewClient(cfg.SupplierBaseURL, supplierTokens, cfg.SupplierRateLimit)

	marketplaceTokens := credentials.NewSource("marketplace",
		credentials.ClientCredentials(httpClient, cfg.MarketplaceTokenURL, cfg.MarketplaceAPIKey, cfg.MarketplaceAPISecret))
	marketplaceClient := marketplace.NewClient(cfg.MarketplaceBaseURL, marketplaceTokens)

	var stock reservation.StockLookup = supplierClient
	if rc := supplier.NewRedisClient(cfg.RedisAddr, cfg.RedisPassword); rc != nil {
		stock = supplier.NewCachedProducts(supplierClient, rc, cfg.StockCacheTTL)
		logger.L().Info("stock cache enabled", zap.String("addr", cfg.RedisAddr))
	}

	var publisher notify.Publisher = notify.LogPublisher{}
	if cfg.RabbitMQURL != "" {
		publisher = notify.NewAMQPPublisher(cfg.RabbitMQURL, cfg.EventsQueue)
	}

	reservationRepo := reservation.NewRepository(database)
	reservationSvc := reservation.NewService(database, reservationRepo, cat, stock, cfg.ReservationTTL)

	ledgerRepo := ledger.NewRepository(database)
	fulfillmentMetrics := &metrics.Fulfillment{}

	orchestrator := fulfillment.New(fulfillment.Deps{
		DB:           database,
		Ledger:       ledgerRepo,
		Reservations: reservationSvc,
		Supplier:     supplierClient,
		Marketplace:  marketplaceClient,
		Catalog:      cat,
		Notifier:     publisher,
		Metrics:      fulfillmentMetrics,
	}, fulfillment.Config{
		PollInterval: cfg.PollInterval,
		PollTimeout:  cfg.PollTimeout,
	})

	authn := auth.NewAuthenticator(cfg.APIClientID, cfg.APIClientSecretHash, cfg.JWTSecret, auth.DefaultTokenTTL)
	limiter := middleware.NewRateLimiter()

	handler := api.NewRouter(&api.Handler{
		Env:          cfg.AppEnv,
		Reservations: reservationSvc,
		Fulfillment:  orchestrator,
		Products:     cat,
		Clients:      authn,
	}, authn, limiter)

	s := &server{
		handler:      handler,
		orchestrator: orchestrator,
		scanner:      recovery.NewScanner(ledgerRepo, orchestrator, publisher, fulfillmentMetrics),
		sweeper:      reservation.NewSweeper(reservationSvc, cfg.SweepInterval),
		limiter:      limiter,
		publisher:    publisher,
	}

	if cfg.SyncEnabled {
		s.syncer = offersync.NewSyncer(cat, supplierClient, marketplaceClient, offersync.Config{
			Interval:      cfg.SyncInterval,
			DefaultProfit: cfg.DefaultFixedProfit,
			FeePercentage: cfg.DefaultFeePercentage,
		})
	}

	return s, nil
}

func run(ctx context.Context) error {
	cfg := config.LoadConfig()
	logger.Init(cfg.AppEnv)
	defer logger.Sync()

	log := logger.L()

	database := initDBFunc(cfg)
	defer database.Close()

	if err := db.MigrateUp(database, migrations.FS); err != nil {
		return err
	}

	s, err := newServer(cfg, database)
	if err != nil {
		return err
	}

	// resume interrupted orders before accepting new ones
	if _, err := s.scanner.Scan(ctx); err != nil {
		return err
	}

	bg, cancelBackground := context.WithCancel(ctx)
	defer cancelBackground()

	var wg sync.WaitGroup
	background := func(fn func(context.Context)) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			fn(bg)
		}()
	}

	background(s.sweeper.Run)
	background(s.limiter.Run)
	if s.syncer != nil {
		background(s.syncer.Run)
	}

	srv := &http.Server{
		Addr:              ":" + cfg.AppPort,
		Handler:           s.handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		log.Info("server listening", zap.String("addr", srv.Addr))
		serveErr <- startServerFunc(srv)
	}()

	var runErr error
	select {
	case <-ctx.Done():
		log.Info("shutdown signal received")
	case err := <-serveErr:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			runErr = err
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("http shutdown failed", zap.Error(err))
	}

	cancelBackground()
	if err := s.orchestrator.Shutdown(shutdownCtx); err != nil {
		log.Error("fulfillment tasks did not stop in time", zap.Error(err))
	}
	wg.Wait()

	if closer, ok := s.publisher.(interface{ Close() error }); ok {
		_ = closer.Close()
	}

	log.Info("server stopped")
	return runErr
}
