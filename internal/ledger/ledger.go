// Package ledger is the durable record of every dispatch decision: one
// entry per address ever sent to, plus per-identity per-day counters and
// identity suspensions. It is the only state shared between runs, so every
// write goes through a bbolt transaction and a failed write is fatal to
// the run that triggered it.
package ledger

import (
	"errors"
	"time"
)

// ErrPersistence marks a failed ledger write. Callers must treat it as
// fatal: continuing after a lost write risks duplicate sends or quota
// overruns.
var ErrPersistence = errors.New("ledger persistence failure")

// Entry is the per-address dispatch record.
type Entry struct {
	Address    string    `json:"address"`
	Name       string    `json:"name,omitempty"`
	FirstSent  string    `json:"first_sent"`
	LastSent   string    `json:"last_sent"`
	SendCount  int       `json:"send_count"`
	Identities []string  `json:"identities"`
	SendDates  []string  `json:"send_dates"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// Suspension is a persisted identity cooldown.
type Suspension struct {
	IdentityID string    `json:"identity_id"`
	Until      time.Time `json:"until"`
	Reason     string    `json:"reason,omitempty"`
}

// Stats summarizes ledger contents.
type Stats struct {
	Recipients int `json:"recipients"`
	TotalSends int `json:"total_sends"`
}

// Day formats t as a ledger day key.
func Day(t time.Time) string {
	return t.Format("2006-01-02")
}
