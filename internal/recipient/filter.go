package recipient

import (
	"github.com/mailfleet/mailfleet/internal/mailaddr"
)

// SentChecker answers whether an address already has a ledger entry.
type SentChecker interface {
	IsSent(addr string) (bool, error)
}

// FilterStats counts what the filter dropped and why.
type FilterStats struct {
	Candidates  int
	Malformed   int
	Blacklisted int
	AlreadySent int
	Duplicates  int
	Eligible    int
}

// Filter turns a raw candidate list into the eligible ordered send list:
// malformed addresses are dropped, blacklisted addresses are dropped
// unconditionally (blacklist wins over whitelist), addresses with a
// ledger entry are dropped unless whitelisted, and repeats within the
// batch keep only their first occurrence. Input order is preserved.
//
// Pure with respect to its inputs: the candidate slice, lists and ledger
// are only read.
func Filter(candidates []Recipient, lists *Lists, ledger SentChecker) ([]Recipient, FilterStats, error) {
	stats := FilterStats{Candidates: len(candidates)}
	seen := make(map[string]bool, len(candidates))
	eligible := make([]Recipient, 0, len(candidates))

	for _, cand := range candidates {
		if !mailaddr.Valid(cand.Address) {
			stats.Malformed++
			continue
		}

		addr := mailaddr.Normalize(cand.Address)

		if lists.Blacklisted(addr) {
			stats.Blacklisted++
			continue
		}

		if seen[addr] {
			stats.Duplicates++
			continue
		}
		seen[addr] = true

		if !lists.Whitelisted(addr) {
			sent, err := ledger.IsSent(addr)
			if err != nil {
				return nil, stats, err
			}
			if sent {
				stats.AlreadySent++
				continue
			}
		}

		eligible = append(eligible, cand)
	}

	stats.Eligible = len(eligible)
	return eligible, stats, nil
}

// Cap truncates the eligible list to its first n entries. n <= 0 means
// no cap. Applied after filtering.
func Cap(eligible []Recipient, n int) []Recipient {
	if n <= 0 || n >= len(eligible) {
		return eligible
	}
	return eligible[:n]
}
