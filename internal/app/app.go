// Package app assembles the engine: ledger, identity pool, gateways,
// scheduler, feedback monitor and the control/metrics servers.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/mailfleet/mailfleet/internal/allocator"
	"github.com/mailfleet/mailfleet/internal/api"
	"github.com/mailfleet/mailfleet/internal/compose"
	"github.com/mailfleet/mailfleet/internal/config"
	"github.com/mailfleet/mailfleet/internal/dispatch"
	"github.com/mailfleet/mailfleet/internal/dkim"
	"github.com/mailfleet/mailfleet/internal/feedback"
	"github.com/mailfleet/mailfleet/internal/gateway"
	"github.com/mailfleet/mailfleet/internal/identity"
	"github.com/mailfleet/mailfleet/internal/ledger"
	"github.com/mailfleet/mailfleet/internal/metrics"
	"github.com/mailfleet/mailfleet/internal/recipient"
	"github.com/mailfleet/mailfleet/internal/schedule"
)

// App is the main application
type App struct {
	config     *config.Config
	configPath string
	version    string

	store    *ledger.Store
	pool     *identity.Pool
	lists    *recipient.Lists
	composer *compose.Composer
	runner   *dispatch.Runner
	monitor  *feedback.Monitor
	sched    *schedule.Scheduler

	apiServer     *api.Server
	metricsServer *metrics.Server
	collector     *metrics.Collector

	logger *slog.Logger
	rng    *rand.Rand

	// runSlot serializes run launches so concurrent Start calls get a
	// deterministic busy answer before any goroutine spins up.
	runSlot chan struct{}
	wg      sync.WaitGroup
}

// New creates a new application
func New(cfg *config.Config, configPath, version string) (*App, error) {
	logger := setupLogger(cfg.Logging)

	store, err := ledger.Open(cfg.ResolvePath(cfg.Storage.Path))
	if err != nil {
		return nil, fmt.Errorf("failed to open ledger: %w", err)
	}

	pool, err := identity.NewPool(cfg.Accounts, store, logger.With("component", "pool"))
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("failed to build identity pool: %w", err)
	}

	lists, err := recipient.NewLists(
		cfg.Lists.Blacklist,
		cfg.Lists.Whitelist,
		cfg.ResolvePath(cfg.Lists.BlacklistFile),
		cfg.ResolvePath(cfg.Lists.WhitelistFile),
	)
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("failed to load address lists: %w", err)
	}

	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	composer, err := compose.LoadComposer(cfg.ResolvePath(cfg.Templates.File), rng)
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("failed to load templates: %w", err)
	}

	var signer *dkim.Signer
	if cfg.DKIM.Enabled {
		key, err := dkim.Load(cfg.ResolvePath(cfg.DKIM.KeyFile), cfg.DKIM.Domain, cfg.DKIM.Selector)
		if err != nil {
			store.Close()
			return nil, fmt.Errorf("failed to load DKIM key: %w", err)
		}
		signer = key.Signer()
		logger.Info("DKIM signing enabled", "domain", cfg.DKIM.Domain, "selector", cfg.DKIM.Selector)
	}

	gateways := []gateway.Gateway{
		gateway.NewSubmissionGateway(cfg.SMTP, signer, &cfg.Headers, cfg.ResolvePath, logger.With("component", "smtp_gateway")),
		gateway.NewAPIGateway(cfg.APISend, cfg.ResolvePath, logger.With("component", "api_gateway")),
	}

	var monitor *feedback.Monitor
	if cfg.Feedback.Enabled {
		inbox := gateway.NewHTTPInbox(cfg.APISend, cfg.ResolvePath, logger.With("component", "inbox"))
		monitor = feedback.NewMonitor(inbox, pool, feedback.Config{
			PollInterval: cfg.Feedback.PollInterval,
			Lookback:     cfg.Feedback.Lookback,
			Cooldown:     cfg.Feedback.Cooldown,
			Keywords:     cfg.Feedback.Keywords,
		}, logger.With("component", "feedback"))
	}

	var poker dispatch.Poker
	if monitor != nil {
		poker = monitor
	}
	runner := dispatch.NewRunner(store, pool, gateways, composer, lists, poker, dispatch.Config{
		DelayMin:      cfg.Sending.DelayMin,
		DelayMax:      cfg.Sending.DelayMax,
		MaxRetries:    cfg.Sending.MaxRetries,
		RatePerMinute: cfg.Sending.RatePerMinute,
		Cooldown:      cfg.Feedback.Cooldown,
	}, logger.With("component", "dispatch"))

	a := &App{
		config:     cfg,
		configPath: configPath,
		version:    version,
		store:      store,
		pool:       pool,
		lists:      lists,
		composer:   composer,
		runner:     runner,
		monitor:    monitor,
		logger:     logger,
		rng:        rng,
		runSlot:    make(chan struct{}, 1),
	}

	if cfg.Metrics.Enabled {
		m := metrics.New()
		metrics.SetGlobal(m)
		runner.SetObserver(metrics.NewObserver(m))
		if monitor != nil {
			monitor.SetSuspendHook(func(identityID string) {
				m.ThrottleMatchesTotal.WithLabelValues(identityID).Inc()
			})
		}
		a.collector = metrics.NewCollector(m, store, pool, cfg.ResolvePath(cfg.Storage.Path), 0)
		a.metricsServer = metrics.NewServer(m, cfg.Metrics.ListenAddr, cfg.Metrics.Path, cfg.Metrics.AllowedIPs, logger.With("component", "metrics"))
	}

	if cfg.Control.Enabled {
		a.apiServer = api.NewServer(a, pool, store, &cfg.Control, version, logger.With("component", "api"))
	}

	if cfg.Auto.Enabled {
		a.sched, err = schedule.New(cfg.Auto, a.runScheduled, logger.With("component", "schedule"))
		if err != nil {
			store.Close()
			return nil, err
		}
	}

	return a, nil
}

// Start launches a manual shared-pool run in the background. Implements
// the control API's dispatcher contract.
func (a *App) Start(limit int) error {
	select {
	case a.runSlot <- struct{}{}:
	default:
		return dispatch.ErrRunActive
	}

	eligible, err := a.loadEligible()
	if err != nil {
		<-a.runSlot
		return err
	}

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		defer func() { <-a.runSlot }()
		if _, err := a.runner.RunShared(context.Background(), eligible, limit); err != nil {
			a.logger.Error("manual run failed", "error", err)
		}
	}()
	return nil
}

// Stop flags the active run.
func (a *App) Stop() bool {
	return a.runner.Stop()
}

// Active snapshots the running dispatch, if any.
func (a *App) Active() (dispatch.Summary, bool) {
	return a.runner.Active()
}

// RunOnce executes a manual run synchronously. Used by the send CLI.
func (a *App) RunOnce(ctx context.Context, csvPath string, limit int) (*dispatch.Summary, error) {
	select {
	case a.runSlot <- struct{}{}:
	default:
		return nil, dispatch.ErrRunActive
	}
	defer func() { <-a.runSlot }()

	if csvPath == "" {
		csvPath = a.config.Sending.RecipientsCSV
	}
	eligible, err := a.loadEligibleFrom(csvPath)
	if err != nil {
		return nil, err
	}
	return a.runner.RunShared(ctx, eligible, limit)
}

func (a *App) loadEligible() ([]recipient.Recipient, error) {
	return a.loadEligibleFrom(a.config.Sending.RecipientsCSV)
}

func (a *App) loadEligibleFrom(csvPath string) ([]recipient.Recipient, error) {
	if csvPath == "" {
		return nil, fmt.Errorf("no recipients CSV configured")
	}

	recs, err := recipient.LoadCSV(a.config.ResolvePath(csvPath), "csv")
	if err != nil {
		return nil, fmt.Errorf("failed to load recipients: %w", err)
	}

	eligible, stats, err := recipient.Filter(recs, a.lists, a.store)
	if err != nil {
		return nil, fmt.Errorf("failed to filter recipients: %w", err)
	}

	a.logger.Info("recipients filtered",
		"candidates", stats.Candidates,
		"eligible", stats.Eligible,
		"malformed", stats.Malformed,
		"blacklisted", stats.Blacklisted,
		"already_sent", stats.AlreadySent,
		"duplicates", stats.Duplicates,
	)
	return eligible, nil
}

// runScheduled is the daily trigger job: per-identity targets drawn
// from the configured range, sequential policy.
func (a *App) runScheduled(ctx context.Context) error {
	select {
	case a.runSlot <- struct{}{}:
	default:
		return dispatch.ErrRunActive
	}
	defer func() { <-a.runSlot }()

	eligible, err := a.loadEligible()
	if err != nil {
		return err
	}

	now := time.Now()
	day := ledger.Day(now)
	var candidates []allocator.Candidate
	for _, ident := range a.pool.Candidates(now) {
		sent, err := a.store.DailyCount(ident.ID, day)
		if err != nil {
			return fmt.Errorf("failed to read daily counter for %s: %w", ident.ID, err)
		}
		candidates = append(candidates, allocator.Candidate{ID: ident.ID, Quota: ident.Quota, Sent: sent})
	}

	targets := allocator.Targets(candidates, allocator.Range{
		Min: a.config.Auto.TargetMin,
		Max: a.config.Auto.TargetMax,
	}, a.rng)
	a.logger.Info("scheduled run targets drawn", "identities", len(targets))

	_, err = a.runner.RunSequential(ctx, eligible, targets)
	return err
}

// Run starts all components and waits for shutdown
func (a *App) Run(ctx context.Context) error {
	a.logger.Info("starting mailfleet",
		"version", a.version,
		"accounts", len(a.config.Accounts),
		"storage", a.config.ResolvePath(a.config.Storage.Path),
	)

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if a.collector != nil {
		a.collector.Start(ctx)
	}

	if a.monitor != nil {
		a.monitor.Start(ctx, a.pool.ListEnabled())
	}

	if a.sched != nil {
		a.sched.Start()
	}

	// Hot reload of account changes from the config file.
	go func() {
		err := config.Watch(ctx, a.configPath, a.logger.With("component", "config_watch"), func(next *config.Config) {
			a.pool.ApplyConfig(next.Accounts)
			a.logger.Info("account configuration reloaded", "accounts", len(next.Accounts))
		})
		if err != nil && ctx.Err() == nil {
			a.logger.Error("config watcher stopped", "error", err)
		}
	}()

	errCh := make(chan error, 2)

	if a.apiServer != nil {
		go func() {
			if err := a.apiServer.ListenAndServe(); err != nil {
				errCh <- fmt.Errorf("api server: %w", err)
			}
		}()
	}

	if a.metricsServer != nil {
		go func() {
			if err := a.metricsServer.ListenAndServe(); err != nil {
				errCh <- fmt.Errorf("metrics server: %w", err)
			}
		}()
	}

	select {
	case <-ctx.Done():
		a.logger.Info("shutdown signal received")
	case err := <-errCh:
		a.logger.Error("server error", "error", err)
		cancel()
	}

	return a.Shutdown(context.Background())
}

// Shutdown gracefully shuts down all components
func (a *App) Shutdown(ctx context.Context) error {
	a.logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	// Stop triggering new work first.
	if a.sched != nil {
		a.sched.Stop()
	}
	a.runner.Stop()
	a.wg.Wait()

	if a.monitor != nil {
		a.monitor.Wait()
	}

	if a.apiServer != nil {
		if err := a.apiServer.Shutdown(shutdownCtx); err != nil {
			a.logger.Error("api server shutdown error", "error", err)
		}
	}

	if a.metricsServer != nil {
		if err := a.metricsServer.Shutdown(shutdownCtx); err != nil {
			a.logger.Error("metrics server shutdown error", "error", err)
		}
	}

	if a.collector != nil {
		a.collector.Stop()
	}

	if err := a.store.Close(); err != nil {
		a.logger.Error("ledger close error", "error", err)
	}

	a.logger.Info("shutdown complete")
	return nil
}

// Store exposes the ledger for CLI subcommands.
func (a *App) Store() *ledger.Store {
	return a.store
}

// Pool exposes the identity pool for CLI subcommands.
func (a *App) Pool() *identity.Pool {
	return a.pool
}

// Logger exposes the configured logger.
func (a *App) Logger() *slog.Logger {
	return a.logger
}

// setupLogger creates a logger based on configuration
func setupLogger(cfg config.LoggingConfig) *slog.Logger {
	var handler slog.Handler

	level := slog.LevelInfo
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	opts := &slog.HandlerOptions{
		Level: level,
	}

	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	return slog.New(handler)
}
