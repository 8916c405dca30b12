package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/Aidin1998/riskgate/internal/admission"
	"github.com/Aidin1998/riskgate/internal/config"
	"github.com/Aidin1998/riskgate/internal/messaging"
	"github.com/Aidin1998/riskgate/internal/redis"
	"github.com/Aidin1998/riskgate/internal/risk"
	"github.com/Aidin1998/riskgate/internal/server"
	"github.com/Aidin1998/riskgate/internal/store"
	"github.com/Aidin1998/riskgate/pkg/logger"
)

func main() {
	configPath := flag.String("config", "config/riskgate.yaml", "path to the YAML config file")
	flag.Parse()

	// Load environment variables
	if err := godotenv.Load(); err != nil {
		log.Println("Warning: .env file not found, using environment variables")
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	zapLogger, err := logger.New(cfg.Logger)
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	defer zapLogger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, zapLogger); err != nil {
		zapLogger.Error("riskgate stopped with error", zap.Error(err))
		os.Exit(1)
	}
	zapLogger.Info("riskgate stopped")
}

func run(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	// Dead letters: badger always, kafka when enabled.
	badgerStore, err := messaging.NewBadgerDeadLetterStore(cfg.DeadLetters.Badger, logger)
	if err != nil {
		return err
	}
	defer badgerStore.Close()
	sinks := []messaging.DeadLetterSink{badgerStore}
	if cfg.DeadLetters.KafkaEnabled {
		kafkaSink := messaging.NewKafkaDeadLetterSink(&cfg.DeadLetters.Kafka, logger)
		defer kafkaSink.Close()
		sinks = append(sinks, kafkaSink)
	}
	deadLetters := messaging.NewFanoutDeadLetterSink(logger, sinks...)

	healthChecks := map[string]server.HealthCheck{}
	var bus messaging.Bus
	switch cfg.Bus.Backend {
	case "redis":
		client, err := redis.NewClient(ctx, &cfg.Redis, logger)
		if err != nil {
			return err
		}
		healthChecks["redis"] = client.Health
		bus = messaging.NewRedisBus(client.GetClient(),
			messaging.WithBusLogger(logger),
			messaging.WithDeadLetters(deadLetters))
	case "memory":
		logger.Warn("Using the in-memory bus; messages do not survive a restart")
		bus = messaging.NewMemoryBus(
			messaging.WithBusLogger(logger),
			messaging.WithDeadLetters(deadLetters))
	default:
		return errors.New("unknown bus backend " + cfg.Bus.Backend)
	}
	defer bus.Close()

	db, err := store.Open(cfg.Store)
	if err != nil {
		return err
	}
	repo := store.NewGormRepository(db, logger)
	defer repo.Close()
	healthChecks["store"] = repo.Ping

	hours, err := risk.NewMarketHours(cfg.Risk.MarketHours)
	if err != nil {
		return err
	}
	book := risk.NewBook(cfg.Risk.Currency, nil)
	breakers := risk.NewBreakerBook(
		risk.WithMinTriggerDrop(decimal.NewFromFloat(cfg.Risk.MinTriggerDropPct)),
		risk.WithBreakerLogger(logger))
	engine := risk.NewEngine(book, breakers,
		risk.WithMarketHours(hours),
		risk.WithLogger(logger),
		risk.WithViolationLog(risk.NewViolationLog(cfg.Risk.ViolationLogSize)))

	svc := admission.NewService(cfg.Admission, engine, bus, admission.NewHalts(nil), repo, logger)
	if _, err := svc.Rehydrate(ctx, repo); err != nil {
		return err
	}
	if cfg.Risk.SeedFile != "" {
		seeds, err := store.LoadSeedLimits(cfg.Risk.SeedFile)
		if err != nil {
			return err
		}
		for _, l := range seeds {
			if _, err := svc.SetLimits(ctx, l); err != nil {
				return err
			}
		}
		logger.Info("Seed limits applied", zap.Int("count", len(seeds)), zap.String("file", cfg.Risk.SeedFile))
	}

	manager := messaging.NewManager(bus, deadLetters, cfg.Manager, logger)
	svc.Register(manager)

	maintenance, err := admission.NewMaintenance(svc, admission.MaintenanceConfig{
		Interval:   cfg.Risk.SweepInterval,
		DailyReset: cfg.Risk.DailyReset,
		TrimMaxLen: cfg.Bus.TrimMaxLen,
		Topics:     cfg.Manager.Topics,
	}, nil)
	if err != nil {
		return err
	}

	srv := server.New(cfg.Server, svc, bus, cfg.Manager.Group, logger)
	for name, check := range healthChecks {
		srv.AddHealthCheck(name, check)
	}
	srv.SetDeadLetters(badgerStore)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return manager.Run(gctx) })
	g.Go(func() error { return maintenance.Run(gctx) })
	g.Go(func() error { return srv.Run(gctx) })
	g.Go(func() error {
		store.ReportPoolStats(gctx, db, cfg.Store.Driver, cfg.Store.StatsInterval, logger)
		return nil
	})

	logger.Info("riskgate started",
		zap.String("bus", cfg.Bus.Backend),
		zap.String("store", cfg.Store.Driver),
		zap.Strings("topics", cfg.Manager.Topics),
		zap.String("addr", cfg.Server.Addr))
	return g.Wait()
}
