// Package identity holds the pool of sender identities: per-identity
// quota, enabled flag and suspension state. Suspensions are written
// through to the ledger store so cooldowns survive restarts.
package identity

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/mailfleet/mailfleet/internal/config"
	"github.com/mailfleet/mailfleet/internal/ledger"
)

// Identity is one sender account.
type Identity struct {
	ID         string
	Email      string
	Name       string
	Transport  string // config.TransportSMTP or config.TransportAPI
	Quota      int
	Enabled    bool
	SecretFile string
	TokenFile  string
}

// SuspensionStore persists suspensions across restarts. Satisfied by
// *ledger.Store.
type SuspensionStore interface {
	Suspension(identityID string) (*ledger.Suspension, error)
	SetSuspension(identityID string, until time.Time, reason string) error
	ClearSuspension(identityID string) error
}

type state struct {
	identity       Identity
	suspendedUntil time.Time
	suspendReason  string
	authFailed     bool
}

// Pool owns identity state. The Feedback Monitor is the only writer of
// suspensions; the scheduler and control surface read. Auth failures are
// run-scoped and reset on ResetAuthFailures.
type Pool struct {
	mu     sync.RWMutex
	states map[string]*state
	order  []string
	store  SuspensionStore
	logger *slog.Logger
}

// NewPool builds a pool from account configuration, restoring any
// persisted suspensions from the store.
func NewPool(accounts []config.AccountConfig, store SuspensionStore, logger *slog.Logger) (*Pool, error) {
	p := &Pool{
		states: make(map[string]*state, len(accounts)),
		store:  store,
		logger: logger,
	}

	for _, acc := range accounts {
		st := &state{identity: fromConfig(acc)}
		if store != nil {
			susp, err := store.Suspension(acc.ID)
			if err != nil {
				return nil, fmt.Errorf("failed to restore suspension for %s: %w", acc.ID, err)
			}
			if susp != nil && susp.Until.After(time.Now()) {
				st.suspendedUntil = susp.Until
				st.suspendReason = susp.Reason
				logger.Info("restored suspension",
					"identity", acc.ID,
					"until", susp.Until,
					"reason", susp.Reason,
				)
			}
		}
		p.states[acc.ID] = st
		p.order = append(p.order, acc.ID)
	}

	return p, nil
}

func fromConfig(acc config.AccountConfig) Identity {
	return Identity{
		ID:         acc.ID,
		Email:      acc.Email,
		Name:       acc.Name,
		Transport:  acc.Transport,
		Quota:      acc.Quota,
		Enabled:    acc.Enabled,
		SecretFile: acc.SecretFile,
		TokenFile:  acc.TokenFile,
	}
}

// Get returns a copy of the identity with the given id.
func (p *Pool) Get(id string) (Identity, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	st, ok := p.states[id]
	if !ok {
		return Identity{}, false
	}
	return st.identity, true
}

// ListEnabled returns all enabled identities in configuration order.
func (p *Pool) ListEnabled() []Identity {
	p.mu.RLock()
	defer p.mu.RUnlock()

	out := make([]Identity, 0, len(p.order))
	for _, id := range p.order {
		if st := p.states[id]; st.identity.Enabled {
			out = append(out, st.identity)
		}
	}
	return out
}

// List returns all identities in configuration order.
func (p *Pool) List() []Identity {
	p.mu.RLock()
	defer p.mu.RUnlock()

	out := make([]Identity, 0, len(p.order))
	for _, id := range p.order {
		out = append(out, p.states[id].identity)
	}
	return out
}

// IsSuspended reports whether id is suspended at now. Expired
// suspensions are cleared lazily here; there is no background sweep.
func (p *Pool) IsSuspended(id string, now time.Time) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	st, ok := p.states[id]
	if !ok {
		return false
	}
	if st.suspendedUntil.IsZero() {
		return false
	}
	if now.Before(st.suspendedUntil) {
		return true
	}

	// Expired: clear in memory and in the store.
	st.suspendedUntil = time.Time{}
	st.suspendReason = ""
	if p.store != nil {
		if err := p.store.ClearSuspension(id); err != nil {
			p.logger.Warn("failed to clear expired suspension", "identity", id, "error", err)
		}
	}
	p.logger.Info("suspension expired", "identity", id)
	return false
}

// Suspend excludes id from scheduling until the given time.
func (p *Pool) Suspend(id string, until time.Time, reason string) error {
	p.mu.Lock()
	st, ok := p.states[id]
	if !ok {
		p.mu.Unlock()
		return fmt.Errorf("unknown identity: %s", id)
	}
	st.suspendedUntil = until
	st.suspendReason = reason
	p.mu.Unlock()

	p.logger.Warn("identity suspended", "identity", id, "until", until, "reason", reason)

	if p.store != nil {
		if err := p.store.SetSuspension(id, until, reason); err != nil {
			return fmt.Errorf("failed to persist suspension for %s: %w", id, err)
		}
	}
	return nil
}

// Unsuspend clears a suspension ahead of its expiry (operator action).
func (p *Pool) Unsuspend(id string) error {
	p.mu.Lock()
	st, ok := p.states[id]
	if !ok {
		p.mu.Unlock()
		return fmt.Errorf("unknown identity: %s", id)
	}
	st.suspendedUntil = time.Time{}
	st.suspendReason = ""
	p.mu.Unlock()

	if p.store != nil {
		if err := p.store.ClearSuspension(id); err != nil {
			return fmt.Errorf("failed to clear suspension for %s: %w", id, err)
		}
	}
	p.logger.Info("identity unsuspended", "identity", id)
	return nil
}

// SuspendedUntil returns the suspension deadline and reason, if any.
func (p *Pool) SuspendedUntil(id string) (time.Time, string, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	st, ok := p.states[id]
	if !ok || st.suspendedUntil.IsZero() {
		return time.Time{}, "", false
	}
	return st.suspendedUntil, st.suspendReason, true
}

// MarkAuthFailed excludes id from the rest of the current run after an
// auth/session failure. Other identities are unaffected.
func (p *Pool) MarkAuthFailed(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if st, ok := p.states[id]; ok {
		st.authFailed = true
	}
}

// AuthFailed reports whether id has been excluded for auth failures.
func (p *Pool) AuthFailed(id string) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	st, ok := p.states[id]
	return ok && st.authFailed
}

// ResetAuthFailures clears run-scoped auth exclusions at run start.
func (p *Pool) ResetAuthFailures() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, st := range p.states {
		st.authFailed = false
	}
}

// Candidates returns the identities eligible for scheduling at now:
// enabled, not suspended, not auth-failed. Quota exhaustion is checked
// by the scheduler against the ledger's daily counter.
func (p *Pool) Candidates(now time.Time) []Identity {
	var out []Identity
	for _, id := range p.enabledIDs() {
		if p.IsSuspended(id, now) {
			continue
		}
		if p.AuthFailed(id) {
			continue
		}
		ident, _ := p.Get(id)
		out = append(out, ident)
	}
	return out
}

func (p *Pool) enabledIDs() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]string, 0, len(p.order))
	for _, id := range p.order {
		if p.states[id].identity.Enabled {
			out = append(out, id)
		}
	}
	return out
}

// Update edits one identity's enabled flag and quota. Nil fields are
// left untouched. Returns false for an unknown id.
func (p *Pool) Update(id string, enabled *bool, quota *int) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	st, ok := p.states[id]
	if !ok {
		return false
	}
	if enabled != nil {
		st.identity.Enabled = *enabled
	}
	if quota != nil {
		st.identity.Quota = *quota
	}
	p.logger.Info("account settings updated",
		"identity", id,
		"quota", st.identity.Quota,
		"enabled", st.identity.Enabled,
	)
	return true
}

// ApplyConfig applies edited quota/enabled settings from a config
// reload. New accounts are added; identities are never deleted mid-run,
// so accounts removed from the file are disabled instead.
func (p *Pool) ApplyConfig(accounts []config.AccountConfig) {
	p.mu.Lock()
	defer p.mu.Unlock()

	seen := make(map[string]bool, len(accounts))
	for _, acc := range accounts {
		seen[acc.ID] = true
		if st, ok := p.states[acc.ID]; ok {
			if st.identity.Quota != acc.Quota || st.identity.Enabled != acc.Enabled {
				p.logger.Info("account settings updated",
					"identity", acc.ID,
					"quota", acc.Quota,
					"enabled", acc.Enabled,
				)
			}
			st.identity = fromConfig(acc)
		} else {
			p.states[acc.ID] = &state{identity: fromConfig(acc)}
			p.order = append(p.order, acc.ID)
			p.logger.Info("account added", "identity", acc.ID)
		}
	}

	for id, st := range p.states {
		if !seen[id] && st.identity.Enabled {
			st.identity.Enabled = false
			p.logger.Info("account removed from config, disabling", "identity", id)
		}
	}

	sort.SliceStable(p.order, func(i, j int) bool {
		return indexOf(accounts, p.order[i]) < indexOf(accounts, p.order[j])
	})
}

func indexOf(accounts []config.AccountConfig, id string) int {
	for i, acc := range accounts {
		if acc.ID == id {
			return i
		}
	}
	return len(accounts)
}
