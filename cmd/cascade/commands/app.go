package commands

import (
	"context"
	"database/sql"
	"time"

	"github.com/spf13/cobra"

	"github.com/teranos/cascade/am"
	"github.com/teranos/cascade/collection"
	"github.com/teranos/cascade/db"
	"github.com/teranos/cascade/errors"
	"github.com/teranos/cascade/idempotency"
	"github.com/teranos/cascade/internal/httpclient"
	"github.com/teranos/cascade/ledger"
	"github.com/teranos/cascade/logger"
	"github.com/teranos/cascade/pipeline"
	"github.com/teranos/cascade/providers"
	"github.com/teranos/cascade/providers/cdn"
	"github.com/teranos/cascade/providers/embedding"
	"github.com/teranos/cascade/providers/translation"
	"github.com/teranos/cascade/pulse/async"
)

// app is everything a command needs, wired from one config
type app struct {
	cfg      *am.Config
	conn     *sql.DB // nil for the rest driver
	store    collection.Store
	ledger   *ledger.Ledger
	registry *idempotency.Registry
	pool     *async.WorkerPool
	orch     *pipeline.Orchestrator
}

// loadConfig reads --config when given, otherwise the merged cascade, and
// validates the result
func loadConfig(cmd *cobra.Command) (*am.Config, error) {
	var (
		cfg *am.Config
		err error
	)
	if path, _ := cmd.Flags().GetString("config"); path != "" {
		cfg, err = am.LoadFromFile(path)
	} else {
		cfg, err = am.Load()
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to load configuration")
	}
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid configuration")
	}
	return cfg, nil
}

// configPath returns the file serve should watch for reloads
func configPath(cmd *cobra.Command) string {
	if path, _ := cmd.Flags().GetString("config"); path != "" {
		return path
	}
	return am.ConfigPath()
}

// openStore opens the collection store selected by database.driver. SQL
// backends are migrated on open.
func openStore(cfg *am.Config) (collection.Store, *sql.DB, error) {
	switch cfg.Database.Driver {
	case "rest":
		// The store usually lives inside the deployment network
		client := httpclient.New(providers.DefaultTimeout, httpclient.Options{AllowPrivate: true})
		return collection.NewRESTStore(cfg.Database.URL, cfg.Database.APIKey, client), nil, nil
	case string(db.Postgres):
		conn, err := db.OpenWithMigrations(db.Postgres, cfg.Database.DSN, logger.Logger)
		if err != nil {
			return nil, nil, err
		}
		return collection.NewSQLStore(conn, db.Postgres), conn, nil
	default:
		conn, err := db.OpenWithMigrations(db.SQLite, cfg.Database.Path, logger.Logger)
		if err != nil {
			return nil, nil, errors.Wrapf(err, "database at %s", cfg.Database.Path)
		}
		return collection.NewSQLStore(conn, db.SQLite), conn, nil
	}
}

// stageProviders are the clients behind the pipeline stages
type stageProviders struct {
	translator pipeline.Translator
	embedder   pipeline.Embedder
	purger     pipeline.Purger
}

// buildProviders constructs the stage providers. Embedding and CDN purge
// are left nil (and their stages out of every run) without a base_url.
func buildProviders(cfg *am.Config) stageProviders {
	p := stageProviders{
		translator: translation.NewClient(providers.FromConfig(cfg.Providers.Translation)),
	}
	if cfg.Providers.Embedding.BaseURL != "" {
		p.embedder = embedding.NewClient(providers.FromConfig(cfg.Providers.Embedding))
	}
	if cfg.Providers.CDN.BaseURL != "" {
		p.purger = cdn.NewClient(providers.FromConfig(cfg.Providers.CDN))
	}
	return p
}

// newApp opens the configured store and wires the app over it. The worker
// pool is created but not started.
func newApp(ctx context.Context, cfg *am.Config) (*app, error) {
	store, conn, err := openStore(cfg)
	if err != nil {
		return nil, errors.Wrap(err, "failed to open store")
	}
	return wire(ctx, cfg, store, conn, buildProviders(cfg)), nil
}

// wire builds ledger, registry, task queue and orchestrator over store.
// Every component shares one store bounded by pipeline.store_timeout_ms.
func wire(ctx context.Context, cfg *am.Config, store collection.Store, conn *sql.DB, p stageProviders) *app {
	bounded := collection.WithTimeout(store, cfg.Pipeline.StoreTimeout())

	a := &app{
		cfg:      cfg,
		conn:     conn,
		store:    bounded,
		ledger:   ledger.New(bounded),
		registry: idempotency.NewRegistry(bounded, cfg.Pipeline.ClaimLease()),
	}
	a.pool = async.NewWorkerPool(ctx, bounded, async.WorkerPoolConfig{
		Workers:      cfg.Pulse.Workers,
		PollInterval: time.Duration(cfg.Pulse.PollIntervalMS) * time.Millisecond,
	}, logger.ComponentLogger("pulse"))

	a.orch = pipeline.New(pipeline.ConfigFromAm(cfg), pipeline.Deps{
		Store:      bounded,
		Ledger:     a.ledger,
		Registry:   a.registry,
		Translator: p.translator,
		Embedder:   p.embedder,
		Purger:     p.purger,
		Tasks:      a.pool.Queue(),
	})
	pipeline.RegisterHandlers(a.pool.Registry(), a.orch, nil)
	return a
}

// openApp loads config and wires the app in one step
func openApp(cmd *cobra.Command) (*app, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}
	return newApp(cmd.Context(), cfg)
}

func (a *app) Close() {
	if a.conn != nil {
		a.conn.Close()
	}
}
