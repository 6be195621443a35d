package allocator

import (
	"math/rand"
	"testing"
)

func TestTargetsWithinBounds(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	candidates := []Candidate{
		{ID: "a", Quota: 10, Sent: 0},
		{ID: "b", Quota: 10, Sent: 7},
		{ID: "c", Quota: 4, Sent: 0},
	}
	r := Range{Min: 3, Max: 8}

	// The draw is intentionally random; check the bounds hold over many
	// draws rather than pinning values.
	for i := 0; i < 500; i++ {
		targets := Targets(candidates, r, rng)

		for _, cand := range candidates {
			target, ok := targets[cand.ID]
			if !ok {
				t.Fatalf("candidate %s missing from targets", cand.ID)
			}
			remaining := cand.Quota - cand.Sent

			effectiveMax := r.Max
			if cand.Quota < effectiveMax {
				effectiveMax = cand.Quota
			}
			if remaining < effectiveMax {
				effectiveMax = remaining
			}
			effectiveMin := r.Min
			if effectiveMin > effectiveMax {
				effectiveMin = effectiveMax
			}

			if target < effectiveMin || target > effectiveMax {
				t.Fatalf("target for %s = %d, want within [%d, %d]", cand.ID, target, effectiveMin, effectiveMax)
			}
			if target > remaining || target > cand.Quota {
				t.Fatalf("target for %s = %d exceeds remaining %d or quota %d", cand.ID, target, remaining, cand.Quota)
			}
		}
	}
}

func TestTargetsExcludesExhausted(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	candidates := []Candidate{
		{ID: "full", Quota: 10, Sent: 10},
		{ID: "over", Quota: 10, Sent: 12},
		{ID: "free", Quota: 10, Sent: 0},
	}

	targets := Targets(candidates, Range{Min: 3, Max: 8}, rng)

	if _, ok := targets["full"]; ok {
		t.Error("identity at quota must be excluded")
	}
	if _, ok := targets["over"]; ok {
		t.Error("identity over quota must be excluded")
	}
	if _, ok := targets["free"]; !ok {
		t.Error("identity with remaining quota must get a target")
	}
}

func TestTargetsMinClampedToMax(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	candidates := []Candidate{{ID: "a", Quota: 10, Sent: 9}}

	// remaining = 1 < Min; the min clamps down to effectiveMax.
	for i := 0; i < 100; i++ {
		targets := Targets(candidates, Range{Min: 3, Max: 8}, rng)
		if targets["a"] != 1 {
			t.Fatalf("target = %d, want 1", targets["a"])
		}
	}
}

func TestTargetsVary(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	candidates := []Candidate{{ID: "a", Quota: 100, Sent: 0}}

	seen := make(map[int]bool)
	for i := 0; i < 200; i++ {
		targets := Targets(candidates, Range{Min: 1, Max: 50}, rng)
		seen[targets["a"]] = true
	}
	// A fixed pattern across days is exactly what the randomization is
	// there to avoid.
	if len(seen) < 10 {
		t.Errorf("only %d distinct targets over 200 draws, expected a spread", len(seen))
	}
}
