// Package dispatch is the concurrency core: it assigns eligible
// recipients to sender identities, enforces daily quotas against the
// ledger, serializes dispatch decisions, and applies inter-send pacing.
// Two scheduling policies share one per-send sequence: the shared-pool
// policy runs one worker per identity against a common queue, the
// per-identity-target policy walks the eligible list sequentially with
// precomputed caps.
package dispatch

import (
	"context"
	"errors"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/mailfleet/mailfleet/internal/compose"
	"github.com/mailfleet/mailfleet/internal/gateway"
	"github.com/mailfleet/mailfleet/internal/identity"
	"github.com/mailfleet/mailfleet/internal/ledger"
	"github.com/mailfleet/mailfleet/internal/recipient"
)

// ErrRunActive is returned when a run is requested while another run
// holds scheduling intent. Manual and scheduled triggers are mutually
// exclusive at run level; the loser skips entirely.
var ErrRunActive = errors.New("a dispatch run is already active")

// queuePollTimeout bounds shared-queue pulls so workers re-check the
// stop flag and drain condition instead of blocking forever.
var queuePollTimeout = time.Second

// Ledger is the slice of the ledger store the scheduler uses.
// Satisfied by *ledger.Store.
type Ledger interface {
	IsSent(addr string) (bool, error)
	RecordSend(addr, name, identityID, day string, now time.Time) error
	DailyCount(identityID, day string) (int, error)
	TryIncrementDaily(identityID, day string, quota int) (int, bool, error)
	ReleaseDaily(identityID, day string) error
}

// Composer renders outbound message content.
type Composer interface {
	Compose(r recipient.Recipient) (compose.Message, error)
}

// Poker asks the feedback monitor to poll an identity's inbox soon.
type Poker interface {
	Poke(identityID string)
}

// Observer receives scheduling events, implemented by the metrics
// package. All methods must be cheap and non-blocking.
type Observer interface {
	RunStarted(mode string)
	RunFinished(mode string, summary *Summary)
	MessageSent(identityID string, elapsed time.Duration)
	MessageFailed(identityID, class string)
	MessageSkipped()
	MessageRequeued(identityID string)
	LedgerError()
}

type nopObserver struct{}

func (nopObserver) RunStarted(string)                 {}
func (nopObserver) RunFinished(string, *Summary)      {}
func (nopObserver) MessageSent(string, time.Duration) {}
func (nopObserver) MessageFailed(string, string)      {}
func (nopObserver) MessageSkipped()                   {}
func (nopObserver) MessageRequeued(string)            {}
func (nopObserver) LedgerError()                      {}

// Config carries the run-level sending knobs.
type Config struct {
	DelayMin      time.Duration // min randomized inter-send delay
	DelayMax      time.Duration // max randomized inter-send delay
	MaxRetries    int           // transient retries per recipient per run
	RatePerMinute int           // global smoothing across workers, 0 = off
	Cooldown      time.Duration // suspension length on synchronous throttle
}

// Runner schedules dispatch runs. One Runner owns run-level mutual
// exclusion: at most one run executes at a time regardless of trigger.
type Runner struct {
	ledger   Ledger
	pool     *identity.Pool
	gateways map[string]gateway.Gateway
	composer Composer
	lists    *recipient.Lists
	poker    Poker
	limiter  *rate.Limiter
	observer Observer
	cfg      Config
	logger   *slog.Logger

	rngMu sync.Mutex
	rng   *rand.Rand

	mu     sync.Mutex
	active *Run
}

// NewRunner wires the scheduler. poker may be nil when the feedback
// monitor is disabled.
func NewRunner(led Ledger, pool *identity.Pool, gateways []gateway.Gateway, composer Composer, lists *recipient.Lists, poker Poker, cfg Config, logger *slog.Logger) *Runner {
	byKind := make(map[string]gateway.Gateway, len(gateways))
	for _, gw := range gateways {
		byKind[gw.Kind()] = gw
	}

	var limiter *rate.Limiter
	if cfg.RatePerMinute > 0 {
		limiter = rate.NewLimiter(rate.Limit(float64(cfg.RatePerMinute)/60.0), 1)
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = 24 * time.Hour
	}

	return &Runner{
		ledger:   led,
		pool:     pool,
		gateways: byKind,
		composer: composer,
		lists:    lists,
		poker:    poker,
		limiter:  limiter,
		observer: nopObserver{},
		cfg:      cfg,
		logger:   logger,
		rng:      rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// SetObserver installs the metrics observer.
func (r *Runner) SetObserver(obs Observer) {
	if obs != nil {
		r.observer = obs
	}
}

// Active returns a snapshot of the running dispatch, if any.
func (r *Runner) Active() (Summary, bool) {
	r.mu.Lock()
	run := r.active
	r.mu.Unlock()
	if run == nil {
		return Summary{}, false
	}
	return run.Snapshot(), true
}

// Stop sets the stop flag of the active run. Returns false when no run
// is active.
func (r *Runner) Stop() bool {
	r.mu.Lock()
	run := r.active
	r.mu.Unlock()
	if run == nil {
		return false
	}
	run.Stop()
	return true
}

func (r *Runner) begin(mode Mode, eligible []recipient.Recipient) (*Run, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.active != nil {
		return nil, ErrRunActive
	}
	run := newRun(mode, eligible)
	r.active = run
	return run, nil
}

func (r *Runner) end(run *Run) {
	r.mu.Lock()
	if r.active == run {
		r.active = nil
	}
	r.mu.Unlock()
}

// RunShared executes the shared-pool policy: every candidate identity
// runs a worker pulling from one queue until the queue drains, its
// quota is exhausted, it is suspended, or the run is stopped. maxTotal
// caps the eligible list (0 = no cap).
func (r *Runner) RunShared(ctx context.Context, eligible []recipient.Recipient, maxTotal int) (*Summary, error) {
	eligible = recipient.Cap(eligible, maxTotal)

	run, err := r.begin(ModeManual, eligible)
	if err != nil {
		return nil, err
	}
	defer r.end(run)

	r.pool.ResetAuthFailures()
	now := time.Now()
	day := ledger.Day(now)
	candidates := r.schedulable(now, day)
	if len(candidates) == 0 {
		r.logger.Warn("no identities available for run")
		summary := run.finish()
		return &summary, nil
	}

	r.observer.RunStarted(string(ModeManual))
	r.logger.Info("shared-pool run started",
		"run_id", run.ID,
		"eligible", len(eligible),
		"identities", len(candidates),
	)

	for _, rec := range eligible {
		run.queue <- rec
	}

	var wg sync.WaitGroup
	for _, ident := range candidates {
		wg.Add(1)
		go func(ident identity.Identity) {
			defer wg.Done()
			r.worker(ctx, run, ident, day)
		}(ident)
	}
	wg.Wait()

	summary := run.finish()
	r.observer.RunFinished(string(ModeManual), &summary)
	r.logRunSummary(run, &summary)
	return &summary, run.err()
}

// RunSequential executes the per-identity-target policy: identities
// take turns walking the eligible list until each reaches its target,
// its quota, or the list is exhausted. Identities without a target
// entry are excluded.
func (r *Runner) RunSequential(ctx context.Context, eligible []recipient.Recipient, targets map[string]int) (*Summary, error) {
	run, err := r.begin(ModeScheduled, eligible)
	if err != nil {
		return nil, err
	}
	defer r.end(run)

	r.pool.ResetAuthFailures()
	now := time.Now()
	day := ledger.Day(now)
	candidates := r.schedulable(now, day)

	r.observer.RunStarted(string(ModeScheduled))
	r.logger.Info("per-identity-target run started",
		"run_id", run.ID,
		"eligible", len(eligible),
		"identities", len(candidates),
	)

	cursor := 0
identities:
	for _, ident := range candidates {
		target := targets[ident.ID]
		if target <= 0 {
			continue
		}

		logger := r.logger.With("identity", ident.ID, "run_id", run.ID)
		sentThis := 0

		for cursor < len(eligible) && sentThis < target {
			if run.stopped() || ctx.Err() != nil {
				break identities
			}
			if r.pool.IsSuspended(ident.ID, time.Now()) {
				run.addSuspended(ident.ID)
				logger.Warn("identity suspended mid-run, moving to next identity")
				continue identities
			}

			rec := eligible[cursor]
			cursor++

			switch r.sendOne(ctx, run, ident, rec, day, logger) {
			case outcomeSent:
				sentThis++
				r.pace(ctx, run)
			case outcomeSkipped, outcomeDropped:
				// next recipient
			case outcomeRetry:
				// retry the same recipient with the same identity
				cursor--
				r.pace(ctx, run)
			case outcomeQuotaExhausted:
				// recipient stays available for the next identity
				cursor--
				logger.Info("daily quota exhausted", "sent", sentThis)
				continue identities
			case outcomeThrottled, outcomeAuthFailed:
				// identity leg ends; recipient stays available for
				// the next identity
				cursor--
				continue identities
			case outcomeFatal:
				break identities
			}
		}

		logger.Info("identity leg finished", "sent", sentThis, "target", target)
	}

	summary := run.finish()
	r.observer.RunFinished(string(ModeScheduled), &summary)
	r.logRunSummary(run, &summary)
	return &summary, run.err()
}

// schedulable returns candidates that still have daily quota left.
func (r *Runner) schedulable(now time.Time, day string) []identity.Identity {
	var out []identity.Identity
	for _, ident := range r.pool.Candidates(now) {
		count, err := r.ledger.DailyCount(ident.ID, day)
		if err != nil {
			r.logger.Error("failed to read daily counter", "identity", ident.ID, "error", err)
			continue
		}
		if count >= ident.Quota {
			continue
		}
		if _, ok := r.gateways[ident.Transport]; !ok {
			r.logger.Error("no gateway for transport, excluding identity",
				"identity", ident.ID,
				"transport", ident.Transport,
			)
			continue
		}
		out = append(out, ident)
	}
	return out
}

// worker is the shared-pool loop for one identity.
func (r *Runner) worker(ctx context.Context, run *Run, ident identity.Identity, day string) {
	logger := r.logger.With("identity", ident.ID, "run_id", run.ID)
	logger.Debug("worker started")

	for {
		if run.stopped() || ctx.Err() != nil {
			logger.Debug("worker stopped")
			return
		}
		if r.pool.IsSuspended(ident.ID, time.Now()) {
			run.addSuspended(ident.ID)
			logger.Warn("identity suspended, worker exiting")
			return
		}
		if r.pool.AuthFailed(ident.ID) {
			logger.Debug("identity excluded after auth failure")
			return
		}

		var rec recipient.Recipient
		select {
		case rec = <-run.queue:
		case <-run.stopCh:
			logger.Debug("worker observed stop flag")
			return
		case <-ctx.Done():
			return
		case <-time.After(queuePollTimeout):
			if len(run.queue) == 0 {
				logger.Debug("queue drained, worker exiting")
				return
			}
			continue
		}

		switch r.sendOne(ctx, run, ident, rec, day, logger) {
		case outcomeSent:
			r.pace(ctx, run)
		case outcomeSkipped, outcomeDropped:
			// next pull
		case outcomeRetry:
			run.requeue(rec)
			r.observer.MessageRequeued(ident.ID)
			r.pace(ctx, run)
		case outcomeQuotaExhausted:
			run.requeue(rec)
			logger.Info("daily quota exhausted, worker exiting")
			return
		case outcomeThrottled:
			run.requeue(rec)
			r.observer.MessageRequeued(ident.ID)
			logger.Warn("identity throttled, worker exiting")
			return
		case outcomeAuthFailed:
			run.requeue(rec)
			logger.Error("auth failure, worker exiting")
			return
		case outcomeFatal:
			return
		}
	}
}

type outcome int

const (
	outcomeSent outcome = iota
	outcomeSkipped
	outcomeRetry
	outcomeDropped
	outcomeQuotaExhausted
	outcomeThrottled
	outcomeAuthFailed
	outcomeFatal
)

// sendOne is the per-send sequence shared by both policies: defensive
// ledger double-check, atomic daily-slot reservation, compose, send,
// record. The reservation happens before the send and is released on
// failure, so the daily counter can never exceed quota even transiently.
func (r *Runner) sendOne(ctx context.Context, run *Run, ident identity.Identity, rec recipient.Recipient, day string, logger *slog.Logger) outcome {
	// Defensive double-check: the same address may have been queued
	// twice or sent by a concurrent identity since filtering.
	if !r.lists.Whitelisted(rec.Address) {
		sent, err := r.ledger.IsSent(rec.Address)
		if err != nil {
			r.observer.LedgerError()
			logger.Error("ledger read failed, aborting run", "error", err)
			run.fail(err)
			return outcomeFatal
		}
		if sent {
			run.addSkipped()
			r.observer.MessageSkipped()
			logger.Debug("skipping already-sent address", "to", rec.Address)
			return outcomeSkipped
		}
	}

	count, ok, err := r.ledger.TryIncrementDaily(ident.ID, day, ident.Quota)
	if err != nil {
		r.observer.LedgerError()
		logger.Error("failed to reserve daily slot, aborting run", "error", err)
		run.fail(err)
		return outcomeFatal
	}
	if !ok {
		return outcomeQuotaExhausted
	}

	msg, err := r.composer.Compose(rec)
	if err != nil {
		r.releaseSlot(run, ident.ID, day, logger)
		run.addFailed(ident.ID)
		r.observer.MessageFailed(ident.ID, "compose")
		logger.Error("failed to compose message", "to", rec.Address, "error", err)
		return outcomeDropped
	}

	if r.limiter != nil {
		if err := r.limiter.Wait(ctx); err != nil {
			r.releaseSlot(run, ident.ID, day, logger)
			return outcomeDropped
		}
	}

	gw := r.gateways[ident.Transport]
	logger.Info("sending", "to", rec.Address, "daily_count", count, "quota", ident.Quota)

	start := time.Now()
	_, err = gw.Send(ctx, ident, gateway.Outbound{
		To:      rec.Address,
		ToName:  rec.Name,
		Subject: msg.Subject,
		Text:    msg.Text,
		HTML:    msg.HTML,
	})
	if err == nil {
		if err := r.ledger.RecordSend(rec.Address, rec.Name, ident.ID, day, time.Now()); err != nil {
			// A send happened that the ledger could not record.
			// Continuing would risk a duplicate next run, which is the
			// one thing this system must never do.
			r.observer.LedgerError()
			logger.Error("ledger write failed after send, aborting run", "error", err)
			run.fail(err)
			return outcomeFatal
		}
		run.addSent(ident.ID)
		r.observer.MessageSent(ident.ID, time.Since(start))
		if r.poker != nil {
			r.poker.Poke(ident.ID)
		}
		logger.Info("sent", "to", rec.Address, "elapsed", time.Since(start))
		return outcomeSent
	}

	r.releaseSlot(run, ident.ID, day, logger)

	class := gateway.Classify(err)
	r.observer.MessageFailed(ident.ID, string(class))

	switch class {
	case gateway.ClassThrottle:
		run.addFailed(ident.ID)
		run.addSuspended(ident.ID)
		until := time.Now().Add(r.cfg.Cooldown)
		if serr := r.pool.Suspend(ident.ID, until, "synchronous throttle: "+err.Error()); serr != nil {
			logger.Error("failed to suspend throttled identity", "error", serr)
		}
		return outcomeThrottled

	case gateway.ClassAuth:
		run.addFailed(ident.ID)
		r.pool.MarkAuthFailed(ident.ID)
		logger.Error("authentication failed", "error", err)
		return outcomeAuthFailed

	case gateway.ClassTransient:
		attempts := run.attempt(rec.Address)
		if attempts <= r.cfg.MaxRetries {
			logger.Warn("transient send failure, will retry",
				"to", rec.Address,
				"attempt", attempts,
				"error", err,
			)
			return outcomeRetry
		}
		run.addFailed(ident.ID)
		logger.Warn("dropping recipient for this run after retries",
			"to", rec.Address,
			"attempts", attempts,
			"error", err,
		)
		return outcomeDropped

	default: // permanent
		run.addFailed(ident.ID)
		logger.Warn("permanent send failure", "to", rec.Address, "error", err)
		return outcomeDropped
	}
}

func (r *Runner) releaseSlot(run *Run, identityID, day string, logger *slog.Logger) {
	if err := r.ledger.ReleaseDaily(identityID, day); err != nil {
		// The counter now over-reports by one, which only makes the
		// quota check stricter. Not fatal, but worth the log line.
		logger.Error("failed to release reserved daily slot", "error", err)
	}
}

// pace sleeps for a randomized inter-send delay, waking early on stop.
func (r *Runner) pace(ctx context.Context, run *Run) {
	delay := r.cfg.DelayMin
	if spread := r.cfg.DelayMax - r.cfg.DelayMin; spread > 0 {
		r.rngMu.Lock()
		delay += time.Duration(r.rng.Int63n(int64(spread) + 1))
		r.rngMu.Unlock()
	}
	if delay <= 0 {
		return
	}

	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-run.stopCh:
	case <-ctx.Done():
	}
}

func (r *Runner) logRunSummary(run *Run, summary *Summary) {
	r.logger.Info("run finished",
		"run_id", run.ID,
		"mode", run.Mode,
		"sent", summary.Sent,
		"skipped", summary.Skipped,
		"failed", summary.Failed,
		"requeued", summary.Requeued,
		"suspended_identities", summary.SuspendedIdentities,
		"stopped", summary.Stopped,
	)
}
