// Package app assembles the server from a loaded configuration.
package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"path/filepath"

	"github.com/inpertio/inpertio/internal/api"
	"github.com/inpertio/inpertio/internal/auth"
	"github.com/inpertio/inpertio/internal/checkout"
	"github.com/inpertio/inpertio/internal/config"
	"github.com/inpertio/inpertio/internal/events"
	"github.com/inpertio/inpertio/internal/gitmirror"
	"github.com/inpertio/inpertio/internal/lock"
	"github.com/inpertio/inpertio/internal/log"
	"github.com/inpertio/inpertio/internal/metrics"
	"github.com/inpertio/inpertio/internal/poller"
	"github.com/inpertio/inpertio/internal/resource"
	"github.com/inpertio/inpertio/internal/state"
	"github.com/inpertio/inpertio/internal/storage"
	"github.com/inpertio/inpertio/internal/webhook"
	"github.com/inpertio/inpertio/internal/workspace"
)

// Layout of the data root.
const (
	MirrorDir    = "mirror"
	CheckoutsDir = "checkouts"
	DatabaseFile = "inpertio.db"
)

// App owns every long-lived component of a running server.
type App struct {
	cfg    *config.Config
	logger *slog.Logger

	lock        *lock.PIDLock
	db          *sql.DB
	hub         *events.Hub
	mirror      *gitmirror.Mirror
	coordinator *checkout.Coordinator
	poller      *poller.Poller
	webhook     *webhook.Handler
	api         *api.Server
}

// Build wires the components for cfg. The caller must Close the App.
func Build(ctx context.Context, cfg *config.Config, version string) (_ *App, err error) {
	a := &App{cfg: cfg, logger: log.WithComponent("app")}
	defer func() {
		if err != nil {
			a.Close()
		}
	}()

	root, err := config.EnsureDataRoot(cfg, a.logger)
	if err != nil {
		return nil, err
	}

	a.lock, err = lock.AcquireDataRoot(root)
	if err != nil {
		return nil, fmt.Errorf("another instance may be using %s: %w", root, err)
	}
	a.logger.Info("acquired PID lock", "path", a.lock.Path())

	dbPath := filepath.Join(root, DatabaseFile)
	a.db, err = storage.OpenSQLite(ctx, dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database %s: %w", dbPath, err)
	}
	a.logger.Info("database opened", "path", dbPath)

	a.hub = events.NewHub(256)
	syncLog := state.NewSyncLog(a.db, log.WithComponent("sync_log"))

	a.mirror, err = gitmirror.New(
		gitmirror.Config{RemoteURI: cfg.RemoteURI(), Dir: filepath.Join(root, MirrorDir)},
		gitmirror.WithLogger(log.WithComponent("mirror")),
		gitmirror.WithRecorder(metrics.SyncRecorder{}),
		gitmirror.WithRecorder(syncLog),
		gitmirror.WithRecorder(events.SyncRecorder{Hub: a.hub}),
	)
	if err != nil {
		return nil, err
	}

	dirs, err := workspace.NewFSManager(filepath.Join(root, CheckoutsDir))
	if err != nil {
		return nil, fmt.Errorf("initialize checkout directory: %w", err)
	}

	a.coordinator = checkout.New(a.mirror, dirs,
		checkout.WithPolicy(checkout.FreshnessPolicy{MaxAge: cfg.Mirror.MaxStaleness}),
		checkout.WithLogger(log.WithComponent("checkout")),
		checkout.WithIndex(state.NewCheckoutStore(a.db)),
		checkout.WithEvents(a.hub),
	)
	// Restore sweeps everything the index does not reference, including
	// staging directories abandoned by a previous process.
	if err := a.coordinator.Restore(ctx); err != nil {
		return nil, fmt.Errorf("restore checkouts: %w", err)
	}

	a.poller = poller.New(a.mirror, dirs, cfg.Mirror.PollInterval, cfg.Mirror.PollJitter, log.Get())

	deps := api.Deps{
		Resources: resource.NewService(a.coordinator, log.WithComponent("resource")),
		Mirror:    a.mirror,
		Checkouts: a.coordinator,
		SyncLog:   syncLog,
		Events:    a.hub,
	}
	if cfg.Webhook != nil {
		whCfg, err := webhook.FromGlobalConfig(cfg.Webhook)
		if err != nil {
			return nil, fmt.Errorf("configure webhook: %w", err)
		}
		a.webhook = webhook.New(whCfg, a.mirror, a.coordinator, log.WithComponent("webhook"))
		deps.Webhook = a.webhook
	}

	a.api = api.New(api.Config{
		Listen:         cfg.API.Listen,
		RequestTimeout: cfg.API.RequestTimeout,
		Tokens:         tokens(cfg.API.Auth.Tokens),
		Version:        version,
	}, deps, log.WithComponent("api"))

	return a, nil
}

func tokens(in []config.APIToken) []auth.TokenConfig {
	out := make([]auth.TokenConfig, 0, len(in))
	for _, t := range in {
		out = append(out, auth.TokenConfig{Token: t.Token, Scopes: t.Scopes})
	}
	return out
}

// Handler exposes the HTTP routes without a listener.
func (a *App) Handler() http.Handler { return a.api.Handler() }

// Mirror returns the mirror store.
func (a *App) Mirror() *gitmirror.Mirror { return a.mirror }

// Coordinator returns the branch checkout coordinator.
func (a *App) Coordinator() *checkout.Coordinator { return a.coordinator }

// Initialize clones the remote. A failure is logged, not returned: requests
// retry the clone lazily, so the server can start while the remote is down.
func (a *App) Initialize(ctx context.Context) {
	if err := a.mirror.EnsureInitialized(ctx); err != nil {
		a.logger.Warn("initial clone failed; will retry on first request", "remote", a.mirror.RemoteURI(), "error", err)
		return
	}
	a.logger.Info("mirror ready", "remote", a.mirror.RemoteURI(), "dir", a.mirror.Dir())
}

// StartWorkers starts the poller and the push worker. Both stop when ctx is
// done.
func (a *App) StartWorkers(ctx context.Context) {
	a.poller.Start(ctx)
	if a.webhook != nil {
		go a.webhook.Run(ctx)
	}
}

// Run starts background work and serves HTTP until ctx is done.
func (a *App) Run(ctx context.Context) error {
	a.StartWorkers(ctx)
	defer a.poller.Stop()

	err := a.api.Start(ctx)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// Close stops the poller and releases the database and the data root lock.
func (a *App) Close() {
	if a.poller != nil {
		a.poller.Stop()
	}
	if a.db != nil {
		if err := a.db.Close(); err != nil {
			a.logger.Warn("failed to close database", "error", err)
		}
		a.db = nil
	}
	if a.lock != nil {
		_ = a.lock.Release()
		a.lock = nil
	}
}
