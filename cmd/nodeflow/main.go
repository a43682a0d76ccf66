package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"
	"gopkg.in/yaml.v3"

	"github.com/rendis/nodeflow/internal/engine"
	"github.com/rendis/nodeflow/internal/expressions"
	"github.com/rendis/nodeflow/internal/logging"
	"github.com/rendis/nodeflow/internal/metrics"
	"github.com/rendis/nodeflow/internal/mqtt"
	"github.com/rendis/nodeflow/internal/store"
	"github.com/rendis/nodeflow/internal/streaming"
	"github.com/rendis/nodeflow/internal/timeout"
	"github.com/rendis/nodeflow/internal/validation"
	"github.com/rendis/nodeflow/pkg/schema"
)

func main() {
	cmd := "serve"
	if len(os.Args) > 1 {
		cmd = os.Args[1]
	}
	switch cmd {
	case "version":
		printVersion()
		return
	case "serve", "config":
	default:
		fmt.Fprintf(os.Stderr, "usage: nodeflow [serve|config|version]\n")
		os.Exit(2)
	}

	validator, err := validation.NewJSONSchemaValidator()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	cfg, err := loadConfig(settingsPath(), validator)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: invalid configuration: %v\n", err)
		os.Exit(2)
	}
	if cmd == "config" {
		out, _ := yaml.Marshal(cfg)
		fmt.Print(string(out))
		return
	}

	level, _ := logging.ParseLevel(cfg.LogLevel)
	logger := slog.New(logging.NewCorrelationHandler(
		slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}),
	))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := serve(ctx, cfg, validator, logger); err != nil {
		logger.Error("nodeflow stopped", slog.String("error", err.Error()))
		os.Exit(1)
	}
}

func openStore(ctx context.Context, cfg Config) (store.Store, *store.SQLStore, error) {
	switch cfg.DBDriver {
	case driverPostgres:
		pgCfg, err := store.PostgresConfigFromEnv()
		if err != nil {
			return nil, nil, err
		}
		if cfg.DatabaseURL != "" {
			pgCfg.URL = cfg.DatabaseURL
		}
		s, err := store.NewPostgresStore(ctx, pgCfg)
		if err != nil {
			return nil, nil, err
		}
		return s, s.SQLStore, nil
	default:
		if err := os.MkdirAll(nodeflowDir(), 0o700); err != nil {
			return nil, nil, err
		}
		s, err := store.NewLibSQLStore("file:" + cfg.DBPath)
		if err != nil {
			return nil, nil, err
		}
		return s, s.SQLStore, nil
	}
}

func serve(ctx context.Context, cfg Config, validator validation.Validator, logger *slog.Logger) error {
	m := metrics.New()

	st, sqlStore, err := openStore(ctx, cfg)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer func() { _ = st.Close() }()
	if err := st.Migrate(ctx); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}

	rollup, err := engine.NewRollupPolicy(expressions.NewExprEngine(), cfg.RollupRules)
	if err != nil {
		return err
	}
	events := store.NewEventLog(sqlStore)
	service := engine.NewService(st, engine.ServiceConfig{Logger: logger, Metrics: m})
	interrupts := engine.NewInterruptManager(service, st, engine.InterruptManagerConfig{
		Rollup:  rollup,
		Events:  events,
		Logger:  logger,
		Metrics: m,
		PlanObserver: engine.PlanObserverFunc(func(ctx context.Context, plan string, status schema.Status) {
			logging.LogWith(ctx, logger).Info("plan execution concluded",
				slog.String("plan_execution_id", plan),
				slog.String("status", string(status)),
			)
		}),
	})

	cel, err := expressions.NewCELEngine()
	if err != nil {
		return err
	}
	timeouts, err := timeout.NewEngine(timeout.Config{
		Schedule: cfg.TimeoutScanSchedule,
		Workers:  cfg.TimeoutWorkers,
		Logger:   logger,
		Metrics:  m,
	}, cel)
	if err != nil {
		return err
	}
	fallback, _ := cfg.defaultTimeout()
	armer := engine.NewTimeoutArmer(timeouts, service, interrupts, expressions.NewGoJQEngine(), engine.TimeoutArmerConfig{
		Query:   cfg.TimeoutQuery,
		Default: fallback,
		Logger:  logger,
	})

	hub := streaming.NewMemoryHub()
	st.AddObserver(engine.NewTimeoutListener(timeouts))
	st.AddObserver(engine.NewStreamListener(hub, logger))
	st.AddObserver(engine.NewEventLogListener(events, logger))
	st.AddObserver(armer)

	if err := timeouts.Start(ctx); err != nil {
		return err
	}
	defer func() { _ = timeouts.Close() }()

	g, ctx := errgroup.WithContext(ctx)

	if cfg.MetricsAddr != "" {
		srv := &http.Server{Addr: cfg.MetricsAddr, Handler: m.Handler(), ReadHeaderTimeout: 5 * time.Second}
		g.Go(func() error {
			logger.Info("metrics listening", slog.String("addr", cfg.MetricsAddr))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	if cfg.MQTTURL != "" {
		var bridge *mqtt.Bridge
		client := mqtt.NewClient(mqtt.ClientOptions{
			BrokerURL: cfg.MQTTURL,
			ClientID:  cfg.MQTTClientID,
			OnConnect: func() {
				if err := bridge.Listen(ctx); err != nil {
					logger.Error("mqtt resubscribe", slog.String("error", err.Error()))
				}
			},
		})
		bridge = mqtt.NewBridge(client, validator, interrupts, mqtt.BridgeConfig{
			TopicPrefix: cfg.MQTTTopicPrefix,
			Logger:      logger,
		})
		if err := client.Connect(); err != nil {
			logger.Warn("mqtt unavailable, retrying in background", slog.String("error", err.Error()))
		}
		defer client.Disconnect()
		g.Go(func() error { return bridge.Forward(ctx, hub) })
	}

	g.Go(func() error {
		reportDropped(ctx, hub, m)
		return nil
	})

	logger.Info("nodeflow started",
		slog.String("version", buildVersion()),
		slog.String("db_driver", cfg.DBDriver),
		slog.String("timeout_scan_schedule", cfg.TimeoutScanSchedule),
	)
	return g.Wait()
}

// reportDropped copies the hub's dropped-delivery counter into metrics.
func reportDropped(ctx context.Context, hub *streaming.MemoryHub, m *metrics.Metrics) {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	var last uint64
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := hub.Dropped(); n > last {
				m.AddDroppedEvents(int64(n - last))
				last = n
			}
		}
	}
}
