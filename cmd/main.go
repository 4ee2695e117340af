package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/amirphl/signal-settler/internal/cache"
	"github.com/amirphl/signal-settler/internal/config"
	"github.com/amirphl/signal-settler/internal/db"
	"github.com/amirphl/signal-settler/internal/db/conf"
	"github.com/amirphl/signal-settler/internal/events"
	"github.com/amirphl/signal-settler/internal/exchange"
	"github.com/amirphl/signal-settler/internal/marketdata"
	"github.com/amirphl/signal-settler/internal/notifier"
	"github.com/amirphl/signal-settler/internal/reward"
	"github.com/amirphl/signal-settler/internal/server"
	"github.com/amirphl/signal-settler/internal/settlement"
	"github.com/amirphl/signal-settler/internal/utils"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
)

func main() {
	cfg := config.MustLoadConfig()
	utils.InitLogger(cfg.LogLevel, cfg.LogFile)
	log := utils.GetLogger()
	log.Infof("Starting signal settler in mode: %s", cfg.Mode)

	// Set up context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Set up signal handling for graceful shutdown
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Infof("Received signal %v, shutting down...", sig)
		cancel()
	}()

	storage, closeStorage := openStorage(cfg)
	defer closeStorage()

	registry, err := exchange.NewRegistryFromConfig(cfg.Venues)
	if err != nil {
		log.Fatalf("Failed to configure venues: %v", err)
	}
	log.Infof("Venues: %v", registry.Names())

	var fetcher settlement.CandleFetcher = marketdata.NewFetcher(registry, cfg.PageSize)

	var publisher events.Publisher = events.NopPublisher{}
	if cfg.RedisAddr != "" {
		client, err := cache.NewRedisClient(ctx, cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		if err != nil {
			log.Fatalf("Failed to connect to Redis: %v", err)
		}
		defer client.Close()
		log.Infof("Connected to Redis at %s", cfg.RedisAddr)

		if cfg.CandleCacheTTL > 0 {
			fetcher = cache.NewCachedFetcher(fetcher, client, cfg.RedisChannelPrefix, cfg.CandleCacheTTL)
		}
		publisher = eventsPublisher(client, cfg.RedisChannelPrefix)
	}

	var notify notifier.Notifier = notifier.NopNotifier{}
	if cfg.TelegramToken != "" {
		tn, err := notifier.NewTelegramNotifier(cfg.TelegramToken, cfg.TelegramChatID, cfg.NotificationRetries, cfg.NotificationDelay)
		if err != nil {
			log.Fatalf("Failed to set up Telegram notifier: %v", err)
		}
		notify = tn
	}

	service := settlement.NewService(fetcher, reward.Options{ScanForEntry: cfg.ScanForEntry}, cfg.DefaultExchanges, cfg.DefaultTimeframe)
	settler := settlement.NewSettler(service, storage, publisher, notify, settlement.SettlerConfig{
		PollInterval:  cfg.PollInterval,
		BatchSize:     cfg.BatchSize,
		Workers:       cfg.Workers,
		SettleTimeout: cfg.SettleTimeout,
		MaxBackoff:    cfg.RetryMaxBackoff,
	})

	switch cfg.Mode {
	case "worker":
		if err := settler.Run(ctx); err != nil {
			log.Errorf("Settler stopped with error: %v", err)
		}
	case "once":
		stats, err := settler.Tick(ctx)
		if err != nil {
			log.Fatalf("Settlement tick failed: %v", err)
		}
		log.Infof("Settled %d of %d due signals (%d deferred)", stats.Settled, stats.Due, stats.Deferred)
	case "api":
		runAPI(ctx, cfg, service, storage)
	}

	log.Info("Shutdown complete")
}

func openStorage(cfg config.Config) (db.Storage, func()) {
	log := utils.GetLogger()
	if cfg.Store == "memory" {
		log.Warn("Using in-memory store, nothing survives a restart")
		return db.NewMemory(), func() {}
	}

	dbConfig, err := conf.NewConfig(cfg.DBConnStr, cfg.DBMaxOpen, cfg.DBMaxIdle)
	if err != nil {
		log.Fatalf("Failed to create DB config: %v", err)
	}
	storage, err := db.New(*dbConfig)
	if err != nil {
		log.Fatalf("Failed to initialize database: %v", err)
	}
	log.Info("Connected to Postgres")
	return storage, func() { dbConfig.DB.Close() }
}

func eventsPublisher(client *redis.Client, prefix string) events.Publisher {
	p := events.NewRedisPublisher(client, prefix)
	utils.GetLogger().Infof("Publishing settlements on %s", p.Channel(events.TopicSignalSettled))
	return p
}

func runAPI(ctx context.Context, cfg config.Config, service *settlement.Service, storage db.Storage) {
	log := utils.GetLogger()
	if lvl := cfg.LogLevel; lvl != "debug" && lvl != "trace" {
		gin.SetMode(gin.ReleaseMode)
	}

	h := server.New(service, storage, cfg.SettleTimeout)
	srv := &http.Server{
		Addr:              cfg.APIAddr,
		Handler:           server.NewRouter(h),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.Infof("API listening on %s", cfg.APIAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("API server failed: %v", err)
		}
	}()

	<-ctx.Done()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Errorf("API server forced to shutdown: %v", err)
	}
}
