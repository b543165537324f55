package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/fjod/go_pos/internal/cache"
	"github.com/fjod/go_pos/internal/carts"
	"github.com/fjod/go_pos/internal/config"
	"github.com/fjod/go_pos/internal/consumer"
	h "github.com/fjod/go_pos/internal/http"
	"github.com/fjod/go_pos/internal/publisher"
	"github.com/fjod/go_pos/internal/realtime"
	"github.com/fjod/go_pos/internal/repository"
	"github.com/fjod/go_pos/internal/service"
	"github.com/fjod/go_pos/pkg/logger"
)

func main() {
	cfg, err := config.LoadService()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	log := logger.New(cfg.Log)
	if err := run(cfg, log); err != nil {
		log.Error("payment service failed", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Service, log *logger.Logger) error {
	ctx := context.Background()
	var wg sync.WaitGroup

	pricing, err := parsePricing(cfg)
	if err != nil {
		return err
	}

	// Postgres: intents, orders, outbox, terminal configs
	repo, err := repository.NewPostgres(&cfg.DB, log)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer repo.Close()

	if err := repo.RunMigrations(&cfg.DB); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	log.Info("database migrations completed")

	// MongoDB: server carts
	mongoDB, err := carts.ConnectMongoDB(ctx, cfg.MongoURI, cfg.MongoDBName)
	if err != nil {
		return err
	}
	defer mongoDB.Client().Disconnect(context.Background())
	cartRepo := carts.NewMongoRepository(mongoDB)
	if err := cartRepo.CreateIndexes(ctx); err != nil {
		return fmt.Errorf("failed to create cart indexes: %w", err)
	}
	log.Info("connected to mongodb", "db", cfg.MongoDBName)

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPass,
		DB:       0,
	})
	defer redisClient.Close()
	if err := redisClient.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis connection failed: %w", err)
	}
	log.Info("redis ping succeeded")

	cartService := carts.NewService(cartRepo, cache.NewRedisCache(redisClient), repo, pricing, log)
	terminalConfigs := cache.NewTerminalConfigs(repo, cache.NewTerminalConfigCache(redisClient, cfg.TerminalConfigTTL), log)

	hub := realtime.NewHub(log)
	defer hub.Close()

	machine := service.NewMachine(repo, cartService, service.Config{
		IntentTTL:       cfg.IntentTTL,
		SweepInterval:   cfg.SweepInterval,
		DefaultCurrency: cfg.Currency,
	}, log)
	defer machine.Close()

	poller := publisher.NewOutboxPoller(repo, machine, log, cfg.KafkaBrokers...)
	cartConsumer := consumer.NewCartConsumer(cartService, log, cfg.KafkaBrokers...)

	bgCtx, bgCancel := context.WithCancel(ctx)
	defer bgCancel()

	wg.Add(4)
	go func() {
		defer wg.Done()
		if err := realtime.NewListener(cfg.DB.DSN(), hub, log).Run(bgCtx); err != nil {
			log.Error("realtime listener stopped", "error", err)
		}
	}()
	go func() {
		defer wg.Done()
		machine.RunSweeper(bgCtx)
	}()
	go func() {
		defer wg.Done()
		poller.Run(bgCtx)
	}()
	go func() {
		defer wg.Done()
		cartConsumer.Run(bgCtx)
	}()

	router := h.NewRouter(h.RouterConfig{
		Intents:            h.NewIntentHandler(machine, cfg.RequestTimeout, log),
		Orders:             h.NewOrderHandler(repo, terminalConfigs, cfg.RequestTimeout, log),
		Carts:              h.NewCartHandler(cartService, cfg.RequestTimeout, log),
		Realtime:           realtime.NewSSEHandler(hub, log),
		RequestTimeout:     cfg.RequestTimeout,
		MaxRequestBodySize: cfg.MaxRequestBodySize,
		ServiceName:        "payment-service",
		Log:                log,
	})

	srv := &http.Server{
		Addr:        ":" + cfg.HTTPPort,
		Handler:     router,
		ReadTimeout: 10 * time.Second,
		// no WriteTimeout: the realtime stream stays open
		IdleTimeout: 60 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		log.Info("payment service listening", "port", cfg.HTTPPort)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-quit:
	case err := <-serveErr:
		return fmt.Errorf("server error: %w", err)
	}

	log.Info("shutting down payment service")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	// open realtime streams would hold Shutdown until the deadline
	hub.Close()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("server forced to shutdown", "error", err)
	}

	bgCancel()
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		log.Info("background workers stopped cleanly")
	case <-shutdownCtx.Done():
		log.Warn("background workers didn't stop in time")
	}

	if err := poller.Close(); err != nil {
		log.Error("failed to close outbox writer", "error", err)
	}
	cartConsumer.Close()
	log.Info("payment service stopped")
	return nil
}

func parsePricing(cfg *config.Service) (carts.Pricing, error) {
	rate, err := decimal.NewFromString(cfg.TaxRate)
	if err != nil {
		return carts.Pricing{}, fmt.Errorf("invalid TAX_RATE %q: %w", cfg.TaxRate, err)
	}
	codes := make(map[string]decimal.Decimal, len(cfg.DiscountCodes))
	for code, raw := range cfg.DiscountCodes {
		pct, err := decimal.NewFromString(raw)
		if err != nil {
			return carts.Pricing{}, fmt.Errorf("invalid discount %s=%q: %w", code, raw, err)
		}
		codes[code] = pct
	}
	return carts.Pricing{TaxRate: rate, DiscountCodes: codes}, nil
}
