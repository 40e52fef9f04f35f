// Auto-trader process: order execution, fill reconciliation, session runners
// and the operational API in one binary.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/ajitpratap0/equityfunk/internal/api"
	"github.com/ajitpratap0/equityfunk/internal/autotrader"
	"github.com/ajitpratap0/equityfunk/internal/broker"
	"github.com/ajitpratap0/equityfunk/internal/config"
	"github.com/ajitpratap0/equityfunk/internal/db"
	"github.com/ajitpratap0/equityfunk/internal/events"
	"github.com/ajitpratap0/equityfunk/internal/execution"
	"github.com/ajitpratap0/equityfunk/internal/market"
	"github.com/ajitpratap0/equityfunk/internal/metrics"
	"github.com/ajitpratap0/equityfunk/internal/retry"
	sig "github.com/ajitpratap0/equityfunk/internal/signal"
)

func main() {
	configPath := flag.String("config", "", "Path to config file")
	sessionsPath := flag.String("sessions", "", "YAML file of sessions to seed (overrides autotrader.sessions_file)")
	showVersion := flag.Bool("version", false, "Print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("equityfunk autotrader %s\n", config.Version)
		return
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	config.InitLogger(cfg.App)

	if *sessionsPath != "" {
		cfg.AutoTrader.SessionsFile = *sessionsPath
	}

	if err := run(cfg); err != nil {
		log.Fatal().Err(err).Msg("Auto-trader exited with error")
	}
	log.Info().Msg("Auto-trader stopped")
}

func run(cfg *config.Config) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	log.Info().
		Str("version", config.Version).
		Str("environment", cfg.App.Environment).
		Str("broker", cfg.Broker.Kind).
		Bool("paper_trade", cfg.Execution.PaperTrade).
		Msg("Starting auto-trader")

	database, err := db.New(ctx, cfg.Database.GetDSN(), int32(cfg.Database.PoolSize))
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer database.Close()
	database.SetRetryPolicy(retry.Policy{
		MaxAttempts:    cfg.Retry.MaxAttempts,
		InitialBackoff: cfg.Retry.InitialBackoff,
		MaxBackoff:     cfg.Retry.MaxBackoff,
		Multiplier:     cfg.Retry.Multiplier,
	})

	gateway, err := newGateway(ctx, cfg.Broker)
	if err != nil {
		return err
	}
	defer func() {
		if err := gateway.Close(); err != nil {
			log.Warn().Err(err).Msg("Failed to close broker gateway")
		}
	}()

	var publisher *events.Publisher
	if cfg.NATS.Enabled {
		publisher, err = events.Connect(events.Config{URL: cfg.NATS.URL, Prefix: cfg.NATS.SubjectPrefix})
		if err != nil {
			log.Warn().Err(err).Msg("NATS unavailable, continuing without events")
		}
		defer func() {
			if err := publisher.Close(); err != nil {
				log.Warn().Err(err).Msg("Failed to close event publisher")
			}
		}()
	}

	prices := market.NewPriceCache(market.NewRedisClient(cfg.Redis), cfg.Redis.TTL)
	if prices != nil {
		if err := prices.Health(ctx); err != nil {
			log.Warn().Err(err).Msg("Redis unavailable, latest-price cache disabled")
			_ = prices.Close()
			prices = nil
		}
	}
	defer func() { _ = prices.Close() }()

	stream := api.NewHub()
	sinks := events.Fanout{stream}
	if publisher != nil {
		sinks = append(sinks, publisher)
	}

	reconciler := execution.NewReconciler(database, gateway, cfg.Execution.SettleDelay)
	executor := execution.NewExecutor(database, gateway, reconciler, execution.OptionsFromConfig(cfg))
	reconciler.SetEvents(sinks)
	executor.SetEvents(sinks)
	defer executor.Close()

	manager := autotrader.NewManager(database, executor, gateway, sig.NewIndicatorGenerator(),
		autotrader.RunnerOptionsFromConfig(cfg.AutoTrader))
	if prices != nil {
		manager.SetPriceSink(prices)
	}
	manager.SetEvents(sinks)
	defer manager.Close()

	if err := bootstrapSessions(ctx, cfg.AutoTrader, manager); err != nil {
		return err
	}

	health := map[string]metrics.HealthFunc{
		"database": database.Health,
		"broker": func(context.Context) error {
			if !gateway.IsConnected() {
				return broker.ErrNotConnected
			}
			return nil
		},
	}
	if prices != nil {
		health["redis"] = prices.Health
	}
	if publisher != nil {
		health["nats"] = func(context.Context) error {
			if !publisher.Healthy() {
				return errors.New("nats disconnected")
			}
			return nil
		}
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		stream.Run(gctx)
		return nil
	})

	if cfg.Reconciler.Enabled {
		g.Go(func() error {
			reconciler.Run(gctx, cfg.Reconciler.Interval)
			return nil
		})
	}

	var metricsServer *metrics.Server
	if cfg.Monitoring.EnableMetrics {
		metricsServer = metrics.NewServer(cfg.Monitoring.PrometheusPort, database.Health, log.Logger)
		if err := metricsServer.Start(); err != nil {
			return fmt.Errorf("failed to start metrics server: %w", err)
		}
	}

	var apiServer *api.Server
	if cfg.API.Enabled {
		apiServer = api.NewServer(api.Config{
			Host:     cfg.API.Host,
			Port:     cfg.API.Port,
			APIKey:   cfg.API.APIKey,
			Sessions: manager,
			Orders:   executor,
			Reader:   database,
			Sweeper:  reconciler,
			Prices:   priceReader(prices),
			Stream:   stream,
			Health:   health,
		})
		g.Go(apiServer.Start)
	}

	g.Go(func() error {
		<-gctx.Done()
		log.Info().Msg("Shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		var errs []error
		if apiServer != nil {
			errs = append(errs, apiServer.Stop(shutdownCtx))
		}
		if err := manager.StopAll(shutdownCtx); err != nil {
			errs = append(errs, fmt.Errorf("failed to stop sessions: %w", err))
		}
		if metricsServer != nil {
			errs = append(errs, metricsServer.Shutdown(shutdownCtx))
		}
		return errors.Join(errs...)
	})

	return g.Wait()
}

// newGateway builds the configured broker behind the guard and connects it
func newGateway(ctx context.Context, cfg config.BrokerConfig) (*broker.Guarded, error) {
	var inner broker.Gateway
	switch cfg.Kind {
	case "paper":
		paper := broker.NewPaperBroker(broker.PaperOptions{
			Exchange:       cfg.Exchange,
			Slippage:       cfg.Paper.Slippage,
			MaxFillPerStep: cfg.Paper.MaxFillPerStep,
		})
		for symbol, price := range cfg.Paper.Prices {
			for _, currency := range cfg.Currencies {
				paper.ListContract(symbol, currency)
			}
			paper.SetMarketPrice(symbol, price)
		}
		inner = paper
	case "binance":
		inner = broker.NewBinanceGateway(broker.BinanceConfig{
			APIKey:    cfg.APIKey,
			SecretKey: cfg.SecretKey,
			Testnet:   cfg.Testnet,
		})
	default:
		return nil, fmt.Errorf("unknown broker kind %q", cfg.Kind)
	}

	gateway := broker.NewGuarded(inner, broker.GuardOptionsFromConfig(cfg))
	if err := gateway.Connect(ctx); err != nil {
		// Runners reconnect on their own; the process still serves the API
		log.Warn().Err(err).Str("broker", cfg.Kind).Msg("Initial broker connection failed")
	}
	return gateway, nil
}

// bootstrapSessions seeds sessions from the sessions file and restarts the
// ones a previous process left running
func bootstrapSessions(ctx context.Context, cfg config.AutoTraderConfig, manager *autotrader.Manager) error {
	if cfg.SessionsFile != "" {
		reqs, err := autotrader.LoadSessionFile(cfg.SessionsFile)
		if err != nil {
			return err
		}
		created, err := manager.Seed(ctx, reqs)
		if err != nil {
			return err
		}
		log.Info().Int("created", created).Str("file", cfg.SessionsFile).Msg("Sessions seeded")
	}

	if cfg.RestoreOnStart {
		if _, err := manager.RestoreRunning(ctx); err != nil {
			return fmt.Errorf("failed to restore sessions: %w", err)
		}
	}
	return nil
}

// priceReader keeps a disabled cache out of the API config
func priceReader(c *market.PriceCache) api.PriceReader {
	if c == nil {
		return nil
	}
	return c
}
