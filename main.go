package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"listing-sniper/config"
	"listing-sniper/internal/api"
	"listing-sniper/internal/bridge"
	"listing-sniper/internal/circuit"
	"listing-sniper/internal/database"
	"listing-sniper/internal/events"
	"listing-sniper/internal/exchange"
	"listing-sniper/internal/logging"
	"listing-sniper/internal/patterns"
	"listing-sniper/internal/risk"
	"listing-sniper/internal/safety"
	"listing-sniper/internal/scheduler"
	"listing-sniper/internal/vault"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logger := logging.New(logging.Config{
		Level:   cfg.LoggingConfig.Level,
		Output:  cfg.LoggingConfig.Output,
		Console: cfg.LoggingConfig.Console,
	})
	logger.Info().Msg("listing sniper starting")

	bus := events.NewBus(256)
	defer bus.Close()

	// Persistence is load-bearing: without it no claim can be made safely.
	db, err := database.NewDB(database.Config{
		Host:     cfg.DatabaseConfig.Host,
		Port:     cfg.DatabaseConfig.Port,
		User:     cfg.DatabaseConfig.User,
		Password: cfg.DatabaseConfig.Password,
		Database: cfg.DatabaseConfig.Database,
		SSLMode:  cfg.DatabaseConfig.SSLMode,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer db.Close()

	migrateCtx, cancelMigrate := context.WithTimeout(context.Background(), 30*time.Second)
	if err := db.RunMigrations(migrateCtx); err != nil {
		cancelMigrate()
		logger.Fatal().Err(err).Msg("failed to run migrations")
	}
	cancelMigrate()

	repo := database.NewRepository(db)

	// Redis is optional; the target state repository degrades to its
	// in-memory cache when it is absent.
	var redisClient *redis.Client
	if cfg.RedisConfig.Enabled {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.RedisConfig.Address,
			Password: cfg.RedisConfig.Password,
			DB:       cfg.RedisConfig.DB,
			PoolSize: cfg.RedisConfig.PoolSize,
		})
	}
	targetState := database.NewRedisTargetStateRepository(redisClient)

	exchClient, err := buildExchangeClient(cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to build exchange client")
	}

	breakers := circuit.NewRegistry(circuit.Config{
		FailureThreshold: cfg.CircuitConfig.FailureThreshold,
		FailureWindow:    cfg.CircuitConfig.FailureWindow,
		Cooldown:         cfg.CircuitConfig.Cooldown,
	}, bus)

	riskEngine := risk.NewEngine(risk.Config{
		ApprovalThreshold:   cfg.RiskConfig.ApprovalThreshold,
		MaxPositionQuote:    cfg.RiskConfig.MaxPositionQuote,
		MaxPortfolioPercent: cfg.RiskConfig.MaxPortfolioPercent,
		ConcentrationLimit:  cfg.RiskConfig.ConcentrationLimit,
		MaxPortfolioRisk:    cfg.RiskConfig.MaxPortfolioRisk,
	}, bus, logger)
	if cfg.RiskConfig.PortfolioValue > 0 {
		if err := riskEngine.UpdatePortfolioValue(cfg.RiskConfig.PortfolioValue); err != nil {
			logger.Fatal().Err(err).Msg("invalid portfolio value")
		}
	}

	// Keep a durable copy of safety alerts for dashboards that outlive the
	// coordinator's in-memory window.
	bus.Subscribe(events.EventSafetyAlert, func(e events.Event) {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		alert := &database.StoredAlert{
			ID:        str(e.Data["alert_id"]),
			AlertType: str(e.Data["type"]),
			Severity:  str(e.Data["severity"]),
			Title:     str(e.Data["title"]),
			Message:   str(e.Data["message"]),
			Source:    str(e.Data["source"]),
			CreatedAt: e.Timestamp,
		}
		if err := repo.SaveAlert(ctx, alert); err != nil {
			logger.Warn().Err(err).Msg("failed to persist safety alert")
		}
	})

	bus.Subscribe(events.EventTargetLifecycle, lifecycleJournaler(repo, logger))

	coordinator := safety.NewCoordinator(
		safety.Config{
			TickInterval:          cfg.SafetyConfig.TickInterval,
			AutoEmergencyShutdown: cfg.SafetyConfig.AutoEmergencyShutdown,
		},
		riskEngine,
		nil, // agent health feed is provided by the surrounding platform
		nil, // emergency feed likewise
		nil, // consensus feed likewise
		targetState,
		bus,
		logger,
	)
	if err := coordinator.Start(); err != nil {
		logger.Fatal().Err(err).Msg("failed to start safety coordinator")
	}
	defer coordinator.Stop()

	sched := scheduler.New(
		scheduler.Config{
			PollInterval:  cfg.SchedulerConfig.PollInterval,
			MaxConcurrent: cfg.SchedulerConfig.MaxConcurrent,
			ClaimBatch:    cfg.SchedulerConfig.ClaimBatch,
			CallTimeout:   cfg.SchedulerConfig.CallTimeout,
			Backoff: scheduler.BackoffConfig{
				InitialDelay: cfg.SchedulerConfig.BackoffBase,
				MaxDelay:     cfg.SchedulerConfig.BackoffMax,
				Multiplier:   2.0,
				JitterFactor: 0.2,
			},
		},
		repo, coordinator, riskEngine, exchClient, breakers, targetState, bus, logger,
	)
	if err := sched.Start(); err != nil {
		logger.Fatal().Err(err).Msg("failed to start scheduler")
	}
	defer sched.Stop()

	patternBridge := bridge.New(bridge.Config{
		OwnerID:        cfg.BridgeConfig.OwnerID,
		MinConfidence:  cfg.BridgeConfig.MinConfidence,
		QuoteBudget:    cfg.BridgeConfig.QuoteBudget,
		MaxRetries:     cfg.BridgeConfig.MaxRetries,
		TargetLifetime: cfg.BridgeConfig.TargetLifetime,
	}, repo, nil, bus, logger)

	var feed *patterns.Feed
	if cfg.FeedConfig.Enabled && cfg.FeedConfig.URL != "" {
		feed = patterns.NewFeed(patterns.FeedConfig{
			URL:               cfg.FeedConfig.URL,
			ReconnectInterval: cfg.FeedConfig.ReconnectInterval,
			MaxReconnectDelay: cfg.FeedConfig.MaxReconnectDelay,
			ReadTimeout:       cfg.FeedConfig.ReadTimeout,
		}, func(matches []patterns.PatternMatch) {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			patternBridge.OnPatternsDetected(ctx, matches)
		}, logger)
		if err := feed.Start(); err != nil {
			logger.Fatal().Err(err).Msg("failed to start pattern feed")
		}
		defer feed.Stop()
	} else {
		logger.Warn().Msg("pattern feed disabled, targets arrive via the operator API only")
	}

	server := api.NewServer(
		cfg.ServerConfig, cfg.AuthConfig,
		repo, coordinator, sched, patternBridge, riskEngine, breakers, bus, logger,
	)
	go func() {
		if err := server.Start(); err != nil {
			logger.Fatal().Err(err).Msg("HTTP server failed")
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigChan
	logger.Info().Str("signal", sig.String()).Msg("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(),
		time.Duration(cfg.ServerConfig.ShutdownTimeout)*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("HTTP server shutdown failed")
	}

	logger.Info().Msg("shutdown complete")
}

func str(v interface{}) string {
	s, _ := v.(string)
	return s
}

// systemEventRecorder is the journal surface used by bus subscriptions.
type systemEventRecorder interface {
	RecordSystemEvent(ctx context.Context, eventType, targetID, symbol string, detail []byte) error
}

// lifecycleJournaler persists target transitions into system_events. The
// scheduler journals completed and failed itself with fill and reason
// detail, so those are skipped here.
func lifecycleJournaler(recorder systemEventRecorder, logger zerolog.Logger) func(events.Event) {
	return func(e events.Event) {
		newStatus := str(e.Data["new_status"])
		if newStatus == database.TargetStatusCompleted || newStatus == database.TargetStatusFailed {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		detail := fmt.Sprintf(`{"old_status":%q,"new_status":%q,"reason":%q}`,
			str(e.Data["old_status"]), newStatus, str(e.Data["reason"]))
		err := recorder.RecordSystemEvent(ctx, "target_lifecycle",
			str(e.Data["target_id"]), str(e.Data["symbol"]), []byte(detail))
		if err != nil {
			logger.Warn().Err(err).Msg("failed to journal lifecycle event")
		}
	}
}

// buildExchangeClient resolves credentials (Vault first, then environment)
// and constructs the exchange client.
func buildExchangeClient(cfg *config.Config, logger zerolog.Logger) (exchange.Client, error) {
	if cfg.BinanceConfig.MockMode {
		logger.Warn().Msg("exchange mock mode enabled, no live orders will be placed")
		return exchange.NewMockClient(), nil
	}

	vaultClient, err := vault.NewClient(cfg.VaultConfig)
	if err != nil {
		return nil, err
	}
	if !cfg.VaultConfig.Enabled {
		vaultClient.SeedCredentials(vault.Credentials{
			APIKey:    cfg.BinanceConfig.APIKey,
			SecretKey: cfg.BinanceConfig.SecretKey,
			Exchange:  "binance",
			IsTestnet: cfg.BinanceConfig.TestNet,
		})
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	creds, err := vaultClient.GetCredentials(ctx)
	if err != nil {
		return nil, err
	}

	return exchange.NewBinanceClient(exchange.Config{
		APIKey:    creds.APIKey,
		SecretKey: creds.SecretKey,
		TestNet:   cfg.BinanceConfig.TestNet || creds.IsTestnet,
	}, logger), nil
}
