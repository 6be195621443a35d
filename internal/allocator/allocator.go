// Package allocator computes per-identity send targets for unattended
// runs. Targets are randomized within a configured range so that daily
// per-identity totals do not form a detectable fixed pattern.
package allocator

import (
	"math/rand"
)

// Range is the configured [Min, Max] unattended target window.
type Range struct {
	Min int
	Max int
}

// Candidate is an identity eligible for an unattended run.
type Candidate struct {
	ID    string
	Quota int
	Sent  int // sends already recorded today
}

// Targets draws a target for each candidate:
//
//	remaining    = quota - sent
//	effectiveMax = min(r.Max, quota, remaining)
//	effectiveMin = min(r.Min, effectiveMax)
//	target       ~ uniform[effectiveMin, effectiveMax]
//
// Candidates with no remaining quota get no entry and are excluded from
// the run. rng may be seeded for tests; correctness only requires the
// target to stay within bounds, never that it is reproducible.
func Targets(candidates []Candidate, r Range, rng *rand.Rand) map[string]int {
	targets := make(map[string]int, len(candidates))
	for _, cand := range candidates {
		remaining := cand.Quota - cand.Sent
		if remaining <= 0 {
			continue
		}

		effectiveMax := min3(r.Max, cand.Quota, remaining)
		if effectiveMax <= 0 {
			continue
		}
		effectiveMin := r.Min
		if effectiveMin > effectiveMax {
			effectiveMin = effectiveMax
		}
		if effectiveMin < 0 {
			effectiveMin = 0
		}

		targets[cand.ID] = effectiveMin + rng.Intn(effectiveMax-effectiveMin+1)
	}
	return targets
}

func min3(a, b, c int) int {
	m := a
	if b < m {
		m = b
	}
	if c < m {
		m = c
	}
	return m
}
