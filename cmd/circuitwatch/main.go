package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rewired-gh/circuitwatch/internal/api"
	"github.com/rewired-gh/circuitwatch/internal/calendar"
	"github.com/rewired-gh/circuitwatch/internal/collector"
	"github.com/rewired-gh/circuitwatch/internal/config"
	"github.com/rewired-gh/circuitwatch/internal/kite"
	"github.com/rewired-gh/circuitwatch/internal/logger"
	"github.com/rewired-gh/circuitwatch/internal/metrics"
	"github.com/rewired-gh/circuitwatch/internal/monitor"
	"github.com/rewired-gh/circuitwatch/internal/notify"
	"github.com/rewired-gh/circuitwatch/internal/redispub"
	"github.com/rewired-gh/circuitwatch/internal/scheduler"
	"github.com/rewired-gh/circuitwatch/internal/storage"
	"github.com/rewired-gh/circuitwatch/internal/telegram"
	"github.com/rewired-gh/circuitwatch/internal/universe"
)

var configPath = flag.String("config", "configs/config.yaml", "Path to configuration file")

func main() {
	flag.Parse()

	// A missing .env is fine; real environments set variables directly.
	_ = godotenv.Load()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	logger.InitWithOptions(logger.Options{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		File:       cfg.Logging.File,
		MaxSizeMB:  cfg.Logging.MaxSizeMB,
		MaxBackups: cfg.Logging.MaxBackups,
		MaxAgeDays: cfg.Logging.MaxAgeDays,
	})
	logger.Info("Configuration loaded from %s", *configPath)

	cal, err := calendar.New(cfg.Market.Timezone, cfg.Market.Open, cfg.Market.Close, cfg.Market.Holidays)
	if err != nil {
		logger.Fatal("Invalid market calendar: %v", err)
	}

	store, err := storage.New(cfg.Storage.DBPath)
	if err != nil {
		logger.Fatal("Failed to initialize storage: %v", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Error("Failed to close storage: %v", err)
		}
	}()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	states := monitor.NewStateStore()
	if saved, err := store.LoadCircuitStates(ctx); err != nil {
		logger.Warn("Failed to load circuit state, starting cold: %v", err)
	} else {
		logger.Info("Warm start: loaded %d circuit states", states.Load(saved))
	}

	thresholds := monitor.ThresholdsFromPercents(cfg.Severity.Medium, cfg.Severity.High, cfg.Severity.Critical)
	detector := monitor.New(states, thresholds, nil)

	session := kite.NewSession(cfg.Kite.CredentialsFile)
	kiteClient := kite.NewClient(cfg.Kite.APIURL, cfg.Kite.Timeout, session, kite.ClientConfig{
		MaxRetries:        cfg.Kite.MaxRetries,
		RetryDelayBase:    cfg.Kite.RetryDelayBase,
		RequestsPerSecond: cfg.Kite.RequestsPerSecond,
		Location:          cal.Location(),
	})

	catalog := universe.NewCachingCatalog(kiteClient, cfg.Kite.Segment, cfg.Collector.CatalogRefresh, cal.Location())
	resolver := universe.NewResolver(cfg.Universe.Underlyings, cal.Location())
	sched := scheduler.New(kiteClient, scheduler.Config{
		BatchSize:    cfg.Collector.BatchSize,
		Delay:        cfg.Collector.BatchDelay,
		FetchTimeout: cfg.Collector.FetchTimeout,
	})

	m := metrics.New()

	sinks := []notify.Sink{notify.LogSink{}}

	var telegramClient *telegram.Client
	if cfg.Telegram.Enabled {
		telegramClient, err = telegram.NewClient(cfg.Telegram.BotToken, cfg.Telegram.ChatID, cfg.Telegram.MaxRetries, cfg.Telegram.RetryDelayBase)
		if err != nil {
			logger.Fatal("Failed to initialize Telegram client: %v", err)
		}
		sinks = append(sinks, telegramClient)
		logger.Info("Telegram client initialized successfully")
	} else {
		logger.Debug("Telegram notifications disabled")
	}

	if cfg.Redis.Enabled {
		pub, err := redispub.New(ctx, cfg.Redis.URL, cfg.Redis.Stream, cfg.Redis.MaxLen, cfg.Redis.LatestTTL)
		if err != nil {
			logger.Error("Redis sink unavailable, continuing without it: %v", err)
		} else {
			defer pub.Close()
			sinks = append(sinks, pub)
			logger.Info("Publishing changes to redis stream %s", cfg.Redis.Stream)
		}
	}

	gate := notify.NewGate(cfg.Notify.Cooldown, cfg.Notify.DailyCap, cal.Location())
	dispatcher := notify.NewDispatcher(gate, sinks, cfg.Notify.DeliverTimeout, nil)

	deps := collector.Deps{
		Catalog:     catalog,
		Resolver:    resolver,
		Scheduler:   sched,
		Quotes:      kiteClient,
		Calendar:    cal,
		Credentials: session,
		Detector:    detector,
		Store:       store,
		Dispatcher:  dispatcher,
		Metrics:     m,
	}
	if telegramClient != nil {
		deps.Alerter = telegramClient
	}
	coll := collector.New(collector.Config{
		CycleInterval:       cfg.Collector.CycleInterval,
		ErrorBackoff:        cfg.Collector.ErrorBackoff,
		ClosedCheckInterval: cfg.Collector.ClosedCheckInterval,
		FetchTimeout:        cfg.Collector.FetchTimeout,
		PersistTimeout:      cfg.Collector.PersistTimeout,
		CheckpointInterval:  cfg.Collector.CheckpointInterval,
		PersistSnapshots:    cfg.Collector.PersistSnapshots,
		SnapshotRetention:   cfg.Collector.SnapshotRetention,
		UnderlyingQuotes:    cfg.UnderlyingQuoteKeys(),
	}, deps)

	var apiServer *api.Server
	if cfg.API.Enabled {
		apiServer = api.New(store, coll, states, m.Registry)
		apiServer.Start(cfg.API.ListenAddr)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-sigChan
		logger.Info("Shutdown signal received, cleaning up...")
		cancel()
	}()

	if telegramClient != nil {
		telegramClient.SetStatusFunc(coll.Status)
		telegramClient.ListenForCommands(ctx)
	}

	logger.Info("Tracking %v (batch size: %d, batch delay: %v, severity: %.0f/%.0f/%.0f%%)",
		resolver.Underlyings(),
		cfg.Collector.BatchSize,
		cfg.Collector.BatchDelay,
		cfg.Severity.Medium, cfg.Severity.High, cfg.Severity.Critical,
	)

	coll.Run(ctx)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := coll.Shutdown(shutdownCtx); err != nil {
		logger.Error("%v", err)
	} else {
		logger.Info("Saved %d circuit states", states.Len())
	}
	if apiServer != nil {
		if err := apiServer.Shutdown(shutdownCtx); err != nil {
			logger.Warn("API shutdown: %v", err)
		}
	}
	logger.Info("Service stopped")
}
