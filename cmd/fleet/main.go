package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/nidhogg/fleet/internal/api"
	"github.com/nidhogg/fleet/internal/config"
	"github.com/nidhogg/fleet/internal/dispatch"
	"github.com/nidhogg/fleet/internal/events"
	"github.com/nidhogg/fleet/internal/logger"
	"github.com/nidhogg/fleet/internal/notify"
	"github.com/nidhogg/fleet/internal/registry"
	"github.com/nidhogg/fleet/internal/store"
	"github.com/nidhogg/fleet/internal/taxonomy"
	"github.com/nidhogg/fleet/internal/tracker"
	"go.uber.org/zap"
)

func main() {
	_ = godotenv.Load()

	// Load configuration
	cfgPath := os.Getenv("CONFIG_PATH")
	if cfgPath == "" {
		cfgPath = "configs/fleet.json"
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.New(cfg.Server.LogLevel, cfg.Server.LogEncoding)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to build logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	log.Info("Starting fleet...", zap.String("config", cfgPath))
	ctx := context.Background()

	tax := taxonomy.Default()
	if cfg.TaxonomyPath != "" {
		if tax, err = taxonomy.LoadFile(cfg.TaxonomyPath); err != nil {
			log.Fatal("failed to load taxonomy", zap.String("path", cfg.TaxonomyPath), zap.Error(err))
		}
	}
	log.Info("Taxonomy loaded", zap.Int("labels", len(tax.Entries())))

	reg := registry.New(log)
	tr := tracker.New(tax, cfg.Dispatcher.RetryBudget, log)

	// Persistence: restore first, then attach the journal so restored
	// records are not written back.
	journal, err := openJournal(ctx, cfg.Database, reg, tr, log)
	if err != nil {
		log.Fatal("persistence unavailable", zap.String("driver", cfg.Database.Driver), zap.Error(err))
	}
	if journal != nil {
		reg.SetPersister(journal)
		tr.SetPersister(journal)
	}

	d := dispatch.New(tax, reg, tr, dispatch.Options{
		Interval:        cfg.Dispatcher.Interval(),
		MaxAttempts:     cfg.Dispatcher.MaxAttempts,
		DeliveryTimeout: cfg.Dispatcher.DeliveryTimeout(),
	}, log)

	// Event bus (optional)
	var bus *events.RedisBus
	if cfg.Database.Redis.URL != "" {
		bus, err = events.NewRedisBus(ctx, cfg.Database.Redis.URL, log)
		if err != nil {
			log.Warn("Redis unavailable, running without event bus", zap.Error(err))
		} else {
			d.SetPublisher(bus)
		}
	}

	// Operator alerts
	broadcaster := notify.NewBroadcaster(log)
	if s := cfg.Notify.Slack; s.Enabled {
		broadcaster.Register(notify.NewSlackAdapter(s.BotToken, s.Channel, log))
	}
	if dc := cfg.Notify.Discord; dc.Enabled {
		broadcaster.Register(notify.NewDiscordAdapter(dc.BotToken, dc.ChannelID, log))
	}
	if err := broadcaster.ConnectAll(ctx); err != nil {
		log.Warn("notify adapter failed to connect", zap.Error(err))
	}
	d.SetAlerter(broadcaster)

	if err := d.Reconcile(ctx); err != nil {
		log.Warn("reconcile after restore incomplete", zap.Error(err))
	}
	seedAgents(ctx, d, cfg.Agents, log)

	d.Start()

	handler := api.NewHandler(d, reg, tr, tax, broadcaster, log)
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           handler.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.Info("fleet listening", zap.Int("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != http.ErrServerClosed {
			log.Fatal("server error", zap.Error(err))
		}
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down fleet...")
	shutdownCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()
	srv.Shutdown(shutdownCtx)
	d.Stop()
	d.Close()
	if bus != nil {
		bus.Close()
	}
	broadcaster.Close()
	if journal != nil {
		if err := journal.Close(shutdownCtx); err != nil {
			log.Error("final journal flush failed", zap.Error(err))
		}
	}
}

// openJournal opens the configured backend, restores its snapshots into
// the stores and wraps it in a write-behind journal. It returns nil when no
// driver is configured.
func openJournal(ctx context.Context, cfg config.DatabaseConfig, reg *registry.Registry, tr *tracker.Tracker, log *zap.Logger) (*store.Journal, error) {
	var backend store.Backend
	switch cfg.Driver {
	case "":
		log.Info("No database configured, state is in memory only")
		return nil, nil
	case "postgres":
		pg, err := store.NewPostgres(ctx, cfg.Postgres.DSN, log)
		if err != nil {
			return nil, err
		}
		if err := pg.Migrate(ctx, cfg.MigrationsDir); err != nil {
			pg.Close()
			return nil, fmt.Errorf("migrate: %w", err)
		}
		backend = pg
	case "sqlite":
		lite, err := store.NewSQLite(cfg.SQLite.Path)
		if err != nil {
			return nil, err
		}
		backend = lite
	default:
		return nil, fmt.Errorf("unknown driver %q", cfg.Driver)
	}

	if err := store.Restore(ctx, backend, reg, tr, log); err != nil {
		backend.Close()
		return nil, err
	}
	return store.NewJournal(backend, log), nil
}

// seedAgents registers configured agents that were not restored.
func seedAgents(ctx context.Context, d *dispatch.Dispatcher, agents []config.AgentConfig, log *zap.Logger) {
	for _, a := range agents {
		_, err := d.RegisterAgent(ctx, registry.Agent{
			ID:    a.ID,
			Name:  a.Name,
			Class: taxonomy.Class(a.Class),
		})
		switch {
		case err == nil:
		case errors.Is(err, registry.ErrDuplicateAgent):
			log.Debug("seed agent already registered", zap.String("agent", a.ID))
		default:
			log.Warn("failed to seed agent", zap.String("agent", a.ID), zap.Error(err))
		}
	}
}
