package ledger

import (
	"bytes"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(filepath.Join(t.TempDir(), "ledger.db"))
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func TestRecordSendAndIsSent(t *testing.T) {
	store := openTestStore(t)
	now := time.Now()

	sent, err := store.IsSent("a@x.com")
	if err != nil {
		t.Fatalf("IsSent() error = %v", err)
	}
	if sent {
		t.Error("IsSent() = true for unsent address")
	}

	if err := store.RecordSend("A@X.com", "Alice", "acct1", "2026-08-29", now); err != nil {
		t.Fatalf("RecordSend() error = %v", err)
	}

	// Lookup is case-insensitive.
	sent, err = store.IsSent("a@x.com")
	if err != nil {
		t.Fatalf("IsSent() error = %v", err)
	}
	if !sent {
		t.Error("IsSent() = false after RecordSend")
	}

	entry, err := store.Entry("a@x.com")
	if err != nil {
		t.Fatalf("Entry() error = %v", err)
	}
	if entry == nil {
		t.Fatal("Entry() returned nil")
	}
	if entry.SendCount != 1 {
		t.Errorf("SendCount = %d, want 1", entry.SendCount)
	}
	if entry.FirstSent != "2026-08-29" || entry.LastSent != "2026-08-29" {
		t.Errorf("dates = %s/%s", entry.FirstSent, entry.LastSent)
	}
	if len(entry.Identities) != 1 || entry.Identities[0] != "acct1" {
		t.Errorf("Identities = %v", entry.Identities)
	}
}

func TestRecordSendMerges(t *testing.T) {
	store := openTestStore(t)
	now := time.Now()

	if err := store.RecordSend("a@x.com", "Alice", "acct1", "2026-08-28", now); err != nil {
		t.Fatalf("RecordSend() error = %v", err)
	}
	if err := store.RecordSend("a@x.com", "Alice", "acct2", "2026-08-29", now); err != nil {
		t.Fatalf("RecordSend() error = %v", err)
	}
	// Same identity again: appended to dates, not to identities.
	if err := store.RecordSend("a@x.com", "Alice", "acct2", "2026-08-29", now); err != nil {
		t.Fatalf("RecordSend() error = %v", err)
	}

	entry, err := store.Entry("a@x.com")
	if err != nil {
		t.Fatalf("Entry() error = %v", err)
	}
	if entry.SendCount != 3 {
		t.Errorf("SendCount = %d, want 3", entry.SendCount)
	}
	if entry.FirstSent != "2026-08-28" {
		t.Errorf("FirstSent = %s, want 2026-08-28", entry.FirstSent)
	}
	if entry.LastSent != "2026-08-29" {
		t.Errorf("LastSent = %s, want 2026-08-29", entry.LastSent)
	}
	if len(entry.Identities) != 2 {
		t.Errorf("Identities = %v, want two distinct ids", entry.Identities)
	}
	if len(entry.SendDates) != 3 {
		t.Errorf("SendDates = %v, want 3 entries", entry.SendDates)
	}
}

func TestIncrementDaily(t *testing.T) {
	store := openTestStore(t)

	for want := 1; want <= 3; want++ {
		got, err := store.IncrementDaily("acct1", "2026-08-29")
		if err != nil {
			t.Fatalf("IncrementDaily() error = %v", err)
		}
		if got != want {
			t.Errorf("IncrementDaily() = %d, want %d", got, want)
		}
	}

	count, err := store.DailyCount("acct1", "2026-08-29")
	if err != nil {
		t.Fatalf("DailyCount() error = %v", err)
	}
	if count != 3 {
		t.Errorf("DailyCount() = %d, want 3", count)
	}

	// Different day and identity are independent.
	other, err := store.DailyCount("acct1", "2026-08-30")
	if err != nil {
		t.Fatalf("DailyCount() error = %v", err)
	}
	if other != 0 {
		t.Errorf("DailyCount(other day) = %d, want 0", other)
	}
}

func TestTryIncrementDailyBoundary(t *testing.T) {
	store := openTestStore(t)
	const quota = 2

	// Two slots available, a third must be refused. The send that lands
	// exactly on quota is allowed; strictly-over is not.
	for i := 1; i <= quota; i++ {
		count, ok, err := store.TryIncrementDaily("acct1", "2026-08-29", quota)
		if err != nil {
			t.Fatalf("TryIncrementDaily() error = %v", err)
		}
		if !ok {
			t.Fatalf("TryIncrementDaily() refused slot %d within quota", i)
		}
		if count != i {
			t.Errorf("TryIncrementDaily() count = %d, want %d", count, i)
		}
	}

	count, ok, err := store.TryIncrementDaily("acct1", "2026-08-29", quota)
	if err != nil {
		t.Fatalf("TryIncrementDaily() error = %v", err)
	}
	if ok {
		t.Error("TryIncrementDaily() granted a slot over quota")
	}
	if count != quota {
		t.Errorf("TryIncrementDaily() count = %d, want %d", count, quota)
	}
}

func TestTryIncrementDailyConcurrent(t *testing.T) {
	store := openTestStore(t)
	const quota = 10
	const workers = 8
	const attempts = 5

	var total int
	var mu sync.Mutex
	var wg sync.WaitGroup

	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < attempts; i++ {
				_, ok, err := store.TryIncrementDaily("acct1", "2026-08-29", quota)
				if err != nil {
					t.Errorf("TryIncrementDaily() error = %v", err)
					return
				}
				if ok {
					mu.Lock()
					total++
					mu.Unlock()
				}
			}
		}()
	}
	wg.Wait()

	if total != quota {
		t.Errorf("granted %d slots, want exactly %d", total, quota)
	}

	count, err := store.DailyCount("acct1", "2026-08-29")
	if err != nil {
		t.Fatalf("DailyCount() error = %v", err)
	}
	if count != quota {
		t.Errorf("DailyCount() = %d, want %d", count, quota)
	}
}

func TestReleaseDaily(t *testing.T) {
	store := openTestStore(t)

	if _, _, err := store.TryIncrementDaily("acct1", "2026-08-29", 5); err != nil {
		t.Fatalf("TryIncrementDaily() error = %v", err)
	}
	if err := store.ReleaseDaily("acct1", "2026-08-29"); err != nil {
		t.Fatalf("ReleaseDaily() error = %v", err)
	}

	count, err := store.DailyCount("acct1", "2026-08-29")
	if err != nil {
		t.Fatalf("DailyCount() error = %v", err)
	}
	if count != 0 {
		t.Errorf("DailyCount() = %d, want 0", count)
	}

	// Releasing at zero stays at zero.
	if err := store.ReleaseDaily("acct1", "2026-08-29"); err != nil {
		t.Fatalf("ReleaseDaily() error = %v", err)
	}
	count, _ = store.DailyCount("acct1", "2026-08-29")
	if count != 0 {
		t.Errorf("DailyCount() after double release = %d, want 0", count)
	}
}

func TestDayTotals(t *testing.T) {
	store := openTestStore(t)

	store.IncrementDaily("acct1", "2026-08-29")
	store.IncrementDaily("acct1", "2026-08-29")
	store.IncrementDaily("acct2", "2026-08-29")
	store.IncrementDaily("acct1", "2026-08-30")

	totals, err := store.DayTotals("2026-08-29")
	if err != nil {
		t.Fatalf("DayTotals() error = %v", err)
	}
	if totals["acct1"] != 2 || totals["acct2"] != 1 {
		t.Errorf("DayTotals() = %v", totals)
	}
	if len(totals) != 2 {
		t.Errorf("DayTotals() has %d entries, want 2", len(totals))
	}
}

func TestSuspensionRoundTrip(t *testing.T) {
	store := openTestStore(t)
	until := time.Now().Add(24 * time.Hour).Truncate(time.Second)

	susp, err := store.Suspension("acct1")
	if err != nil {
		t.Fatalf("Suspension() error = %v", err)
	}
	if susp != nil {
		t.Error("Suspension() = non-nil for unsuspended identity")
	}

	if err := store.SetSuspension("acct1", until, "throttle signal"); err != nil {
		t.Fatalf("SetSuspension() error = %v", err)
	}

	susp, err = store.Suspension("acct1")
	if err != nil {
		t.Fatalf("Suspension() error = %v", err)
	}
	if susp == nil {
		t.Fatal("Suspension() = nil after SetSuspension")
	}
	if !susp.Until.Equal(until) {
		t.Errorf("Until = %v, want %v", susp.Until, until)
	}
	if susp.Reason != "throttle signal" {
		t.Errorf("Reason = %q", susp.Reason)
	}

	all, err := store.Suspensions()
	if err != nil {
		t.Fatalf("Suspensions() error = %v", err)
	}
	if len(all) != 1 {
		t.Errorf("Suspensions() has %d entries, want 1", len(all))
	}

	if err := store.ClearSuspension("acct1"); err != nil {
		t.Fatalf("ClearSuspension() error = %v", err)
	}
	susp, _ = store.Suspension("acct1")
	if susp != nil {
		t.Error("Suspension() = non-nil after ClearSuspension")
	}
}

func TestStatsAndExport(t *testing.T) {
	store := openTestStore(t)
	now := time.Now()

	store.RecordSend("a@x.com", "A", "acct1", "2026-08-29", now)
	store.RecordSend("b@x.com", "B", "acct1", "2026-08-29", now)
	store.RecordSend("a@x.com", "A", "acct2", "2026-08-29", now)

	stats, err := store.Stats()
	if err != nil {
		t.Fatalf("Stats() error = %v", err)
	}
	if stats.Recipients != 2 {
		t.Errorf("Recipients = %d, want 2", stats.Recipients)
	}
	if stats.TotalSends != 3 {
		t.Errorf("TotalSends = %d, want 3", stats.TotalSends)
	}

	var buf bytes.Buffer
	if err := store.Export(&buf); err != nil {
		t.Fatalf("Export() error = %v", err)
	}
	lines := strings.Count(buf.String(), "\n")
	if lines != 2 {
		t.Errorf("Export() wrote %d lines, want 2", lines)
	}
}

func TestPersistenceAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "ledger.db")

	store, err := Open(path)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	store.RecordSend("a@x.com", "A", "acct1", "2026-08-29", time.Now())
	store.IncrementDaily("acct1", "2026-08-29")
	store.Close()

	store, err = Open(path)
	if err != nil {
		t.Fatalf("reopen error = %v", err)
	}
	defer store.Close()

	sent, _ := store.IsSent("a@x.com")
	if !sent {
		t.Error("ledger entry lost across reopen")
	}
	count, _ := store.DailyCount("acct1", "2026-08-29")
	if count != 1 {
		t.Errorf("daily counter lost across reopen: %d", count)
	}
}
