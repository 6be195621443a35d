// Package feedback detects asynchronous throttle signals that a
// synchronous send call cannot see: the provider accepts the message,
// then later drops a rejection notice into the sender's own inbox. One
// polling task runs per identity; on a confirmed signal the identity is
// suspended for a cooldown while every other identity keeps working.
package feedback

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/mailfleet/mailfleet/internal/identity"
)

// Message is one inbound message as seen by the poll contract.
type Message struct {
	From     string
	Subject  string
	Snippet  string
	Received time.Time
}

// Inbox lists recent inbound messages for an identity.
type Inbox interface {
	ListRecent(ctx context.Context, ident identity.Identity, since time.Time) ([]Message, error)
}

// Suspender is the slice of the identity pool the monitor needs.
type Suspender interface {
	Suspend(id string, until time.Time, reason string) error
}

// Config controls polling cadence and matching.
type Config struct {
	PollInterval time.Duration
	Lookback     time.Duration
	Cooldown     time.Duration
	Keywords     []string
}

// Monitor runs the per-identity polling loops.
type Monitor struct {
	inbox    Inbox
	pool     Suspender
	cfg      Config
	keywords []string
	logger   *slog.Logger

	onSuspend func(identityID string) // optional metrics hook

	mu    sync.Mutex
	pokes map[string]chan struct{}
	wg    sync.WaitGroup
}

// NewMonitor creates a monitor. Keywords are matched case-insensitively
// against subject and snippet.
func NewMonitor(inbox Inbox, pool Suspender, cfg Config, logger *slog.Logger) *Monitor {
	keywords := make([]string, 0, len(cfg.Keywords))
	for _, kw := range cfg.Keywords {
		kw = strings.ToLower(strings.TrimSpace(kw))
		if kw != "" {
			keywords = append(keywords, kw)
		}
	}
	return &Monitor{
		inbox:    inbox,
		pool:     pool,
		cfg:      cfg,
		keywords: keywords,
		logger:   logger,
		pokes:    make(map[string]chan struct{}),
	}
}

// SetSuspendHook installs a callback invoked after each suspension.
func (m *Monitor) SetSuspendHook(fn func(identityID string)) {
	m.onSuspend = fn
}

// Start launches one polling loop per identity. Returns immediately;
// loops stop when ctx is done. Wait blocks until they have exited.
func (m *Monitor) Start(ctx context.Context, identities []identity.Identity) {
	for _, ident := range identities {
		m.mu.Lock()
		poke, ok := m.pokes[ident.ID]
		if !ok {
			poke = make(chan struct{}, 1)
			m.pokes[ident.ID] = poke
		}
		m.mu.Unlock()

		m.wg.Add(1)
		go m.loop(ctx, ident, poke)
	}
	m.logger.Info("feedback monitor started", "identities", len(identities))
}

// Wait blocks until all polling loops have stopped.
func (m *Monitor) Wait() {
	m.wg.Wait()
}

// Poke asks the identity's loop to poll soon, used right after a send so
// a fresh block notice is caught before the next scheduled poll.
func (m *Monitor) Poke(identityID string) {
	m.mu.Lock()
	poke, ok := m.pokes[identityID]
	m.mu.Unlock()
	if !ok {
		return
	}
	select {
	case poke <- struct{}{}:
	default:
	}
}

// pokeDelay leaves the provider time to deliver an asynchronous notice
// after a send before the poked poll runs.
const pokeDelay = 5 * time.Second

func (m *Monitor) loop(ctx context.Context, ident identity.Identity, poke chan struct{}) {
	defer m.wg.Done()

	logger := m.logger.With("identity", ident.ID)
	ticker := time.NewTicker(m.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Debug("feedback loop stopped")
			return
		case <-ticker.C:
			m.Check(ctx, ident)
		case <-poke:
			select {
			case <-ctx.Done():
				return
			case <-time.After(pokeDelay):
			}
			m.Check(ctx, ident)
		}
	}
}

// Check polls once for ident and suspends it on a confirmed throttle
// signal. Poll failures are non-fatal: the identity merely loses
// feedback protection until the next poll succeeds.
func (m *Monitor) Check(ctx context.Context, ident identity.Identity) {
	now := time.Now()
	since := now.Add(-m.cfg.Lookback)

	messages, err := m.inbox.ListRecent(ctx, ident, since)
	if err != nil {
		m.logger.Warn("feedback poll failed, identity unprotected this cycle",
			"identity", ident.ID,
			"error", err,
		)
		return
	}

	for _, msg := range messages {
		// The provider-side time filter is advisory. A backfilled or
		// delayed notice older than the window must not suspend.
		if msg.Received.Before(since) {
			continue
		}

		if kw, ok := m.match(msg); ok {
			until := now.Add(m.cfg.Cooldown)
			m.logger.Warn("throttle signal detected",
				"identity", ident.ID,
				"keyword", kw,
				"subject", msg.Subject,
				"received", msg.Received,
			)
			if err := m.pool.Suspend(ident.ID, until, "feedback: "+kw); err != nil {
				m.logger.Error("failed to suspend identity", "identity", ident.ID, "error", err)
				return
			}
			if m.onSuspend != nil {
				m.onSuspend(ident.ID)
			}
			return
		}
	}
}

func (m *Monitor) match(msg Message) (string, bool) {
	text := strings.ToLower(msg.Subject + " " + msg.Snippet)
	for _, kw := range m.keywords {
		if strings.Contains(text, kw) {
			return kw, true
		}
	}
	return "", false
}
