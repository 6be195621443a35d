package metrics

import (
	"testing"
	"time"

	dto "github.com/prometheus/client_model/go"

	"github.com/mailfleet/mailfleet/internal/dispatch"
)

func TestNew(t *testing.T) {
	m := New()
	if m == nil {
		t.Fatal("New() returned nil")
	}

	if m.Registry() == nil {
		t.Error("Registry() returned nil")
	}

	// Check that all metrics are registered
	if m.MessagesSentTotal == nil {
		t.Error("MessagesSentTotal is nil")
	}
	if m.MessagesFailedTotal == nil {
		t.Error("MessagesFailedTotal is nil")
	}
	if m.MessagesRequeuedTotal == nil {
		t.Error("MessagesRequeuedTotal is nil")
	}
	if m.RunsTotal == nil {
		t.Error("RunsTotal is nil")
	}
	if m.RunDurationSeconds == nil {
		t.Error("RunDurationSeconds is nil")
	}
	if m.IdentityDailySent == nil {
		t.Error("IdentityDailySent is nil")
	}
	if m.LedgerRecipients == nil {
		t.Error("LedgerRecipients is nil")
	}
	if m.APIRequestsTotal == nil {
		t.Error("APIRequestsTotal is nil")
	}
	if m.APIRequestDurationSeconds == nil {
		t.Error("APIRequestDurationSeconds is nil")
	}
}

func TestGlobalMetrics(t *testing.T) {
	// Initially global should be nil
	if Global() != nil {
		t.Error("Global() should be nil before SetGlobal")
	}

	m := New()
	SetGlobal(m)
	defer SetGlobal(nil)

	if Global() != m {
		t.Error("Global() did not return the set metrics")
	}
}

func TestIncAPIErrorsNilSafe(t *testing.T) {
	SetGlobal(nil)
	// Must not panic without a global instance
	IncAPIErrors("server_error")
}

// counterValue reads a labelled counter's current value from the registry.
func counterValue(t *testing.T, m *Metrics, name string, labels map[string]string) float64 {
	t.Helper()

	families, err := m.Registry().Gather()
	if err != nil {
		t.Fatalf("Gather failed: %v", err)
	}

	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
	metric:
		for _, metric := range mf.GetMetric() {
			for _, lp := range metric.GetLabel() {
				if want, ok := labels[lp.GetName()]; ok && lp.GetValue() != want {
					continue metric
				}
			}
			switch {
			case metric.GetCounter() != nil:
				return metric.GetCounter().GetValue()
			case metric.GetGauge() != nil:
				return metric.GetGauge().GetValue()
			}
		}
	}
	return 0
}

func TestObserverRecordsDispatchEvents(t *testing.T) {
	m := New()
	obs := NewObserver(m)

	obs.RunStarted("manual")
	if v := counterValue(t, m, "mailfleet_run_active", nil); v != 1 {
		t.Errorf("run_active = %v, want 1", v)
	}

	obs.MessageSent("acct1", 200*time.Millisecond)
	obs.MessageSent("acct1", 300*time.Millisecond)
	obs.MessageFailed("acct1", "transient")
	obs.MessageSkipped()
	obs.MessageRequeued("acct1")
	obs.LedgerError()

	started := time.Now().Add(-time.Minute)
	obs.RunFinished("manual", &dispatch.Summary{Started: started, Finished: time.Now()})

	if v := counterValue(t, m, "mailfleet_messages_sent_total", map[string]string{"identity": "acct1"}); v != 2 {
		t.Errorf("messages_sent_total = %v, want 2", v)
	}
	if v := counterValue(t, m, "mailfleet_messages_failed_total", map[string]string{"identity": "acct1", "class": "transient"}); v != 1 {
		t.Errorf("messages_failed_total = %v, want 1", v)
	}
	if v := counterValue(t, m, "mailfleet_messages_skipped_total", nil); v != 1 {
		t.Errorf("messages_skipped_total = %v, want 1", v)
	}
	if v := counterValue(t, m, "mailfleet_messages_requeued_total", map[string]string{"identity": "acct1"}); v != 1 {
		t.Errorf("messages_requeued_total = %v, want 1", v)
	}
	if v := counterValue(t, m, "mailfleet_ledger_errors_total", nil); v != 1 {
		t.Errorf("ledger_errors_total = %v, want 1", v)
	}
	if v := counterValue(t, m, "mailfleet_runs_total", map[string]string{"mode": "manual"}); v != 1 {
		t.Errorf("runs_total = %v, want 1", v)
	}
	if v := counterValue(t, m, "mailfleet_run_active", nil); v != 0 {
		t.Errorf("run_active = %v, want 0 after finish", v)
	}
}

// histogramSampleCount reads a histogram's observation count.
func histogramSampleCount(t *testing.T, m *Metrics, name string) uint64 {
	t.Helper()

	families, err := m.Registry().Gather()
	if err != nil {
		t.Fatalf("Gather failed: %v", err)
	}
	for _, mf := range families {
		if mf.GetName() != name || mf.GetType() != dto.MetricType_HISTOGRAM {
			continue
		}
		var total uint64
		for _, metric := range mf.GetMetric() {
			total += metric.GetHistogram().GetSampleCount()
		}
		return total
	}
	return 0
}

func TestObserverRecordsLatencies(t *testing.T) {
	m := New()
	obs := NewObserver(m)

	obs.MessageSent("acct1", 150*time.Millisecond)
	obs.RunStarted("scheduled")
	obs.RunFinished("scheduled", &dispatch.Summary{Started: time.Now().Add(-5 * time.Second), Finished: time.Now()})

	if n := histogramSampleCount(t, m, "mailfleet_send_duration_seconds"); n != 1 {
		t.Errorf("send_duration sample count = %d, want 1", n)
	}
	if n := histogramSampleCount(t, m, "mailfleet_run_duration_seconds"); n != 1 {
		t.Errorf("run_duration sample count = %d, want 1", n)
	}
}
