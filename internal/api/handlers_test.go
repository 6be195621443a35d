package api

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/mailfleet/mailfleet/internal/config"
	"github.com/mailfleet/mailfleet/internal/dispatch"
	"github.com/mailfleet/mailfleet/internal/identity"
	"github.com/mailfleet/mailfleet/internal/ledger"
)

type fakeDispatcher struct {
	mu      sync.Mutex
	active  bool
	started []int
	startAs error
}

func (d *fakeDispatcher) Start(limit int) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.startAs != nil {
		return d.startAs
	}
	d.started = append(d.started, limit)
	return nil
}

func (d *fakeDispatcher) Stop() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	was := d.active
	d.active = false
	return was
}

func (d *fakeDispatcher) Active() (dispatch.Summary, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.active {
		return dispatch.Summary{}, false
	}
	return dispatch.Summary{RunID: "run-1", Mode: dispatch.ModeManual, Sent: 4}, true
}

func testServer(t *testing.T, d Dispatcher, authHash string) (*Server, *ledger.Store) {
	t.Helper()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	store, err := ledger.Open(filepath.Join(t.TempDir(), "ledger.db"))
	if err != nil {
		t.Fatalf("failed to open ledger: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	pool, err := identity.NewPool([]config.AccountConfig{
		{ID: "acct1", Email: "acct1@example.test", Transport: config.TransportSMTP, Quota: 10, Enabled: true},
	}, store, logger)
	if err != nil {
		t.Fatalf("failed to build pool: %v", err)
	}

	cfg := &config.ControlConfig{
		Enabled:       true,
		ListenAddr:    "127.0.0.1:0",
		AuthTokenHash: authHash,
	}
	return NewServer(d, pool, store, cfg, "test", logger), store
}

func doRequest(t *testing.T, s *Server, method, path string, body interface{}, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("failed to encode body: %v", err)
		}
	}

	req := httptest.NewRequest(method, path, &buf)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)
	return rec
}

func TestHealthNoAuth(t *testing.T) {
	s, _ := testServer(t, &fakeDispatcher{}, "")

	rec := doRequest(t, s, "GET", "/health", nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}

	var resp HealthResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("invalid response: %v", err)
	}
	if resp.Status != "ok" || resp.Version != "test" {
		t.Fatalf("unexpected health response: %+v", resp)
	}
}

func TestAuthRequired(t *testing.T) {
	hash, err := bcrypt.GenerateFromPassword([]byte("secret-token"), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("bcrypt: %v", err)
	}
	s, _ := testServer(t, &fakeDispatcher{}, string(hash))

	rec := doRequest(t, s, "GET", "/api/v1/stats", nil, nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status without token = %d, want 401", rec.Code)
	}

	rec = doRequest(t, s, "GET", "/api/v1/stats", nil, map[string]string{
		"Authorization": "Bearer wrong-token",
	})
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status with bad token = %d, want 401", rec.Code)
	}

	rec = doRequest(t, s, "GET", "/api/v1/stats", nil, map[string]string{
		"Authorization": "Bearer secret-token",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("status with good token = %d, want 200", rec.Code)
	}

	rec = doRequest(t, s, "GET", "/api/v1/stats", nil, map[string]string{
		"X-API-Key": "secret-token",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("status with X-API-Key = %d, want 200", rec.Code)
	}
}

func TestStartRun(t *testing.T) {
	d := &fakeDispatcher{}
	s, _ := testServer(t, d, "")

	rec := doRequest(t, s, "POST", "/api/v1/runs", StartRunRequest{Limit: 25}, nil)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202: %s", rec.Code, rec.Body.String())
	}
	if len(d.started) != 1 || d.started[0] != 25 {
		t.Fatalf("dispatcher started with %v, want [25]", d.started)
	}
}

func TestStartRunConflict(t *testing.T) {
	d := &fakeDispatcher{startAs: dispatch.ErrRunActive}
	s, _ := testServer(t, d, "")

	rec := doRequest(t, s, "POST", "/api/v1/runs", nil, nil)
	if rec.Code != http.StatusConflict {
		t.Fatalf("status = %d, want 409", rec.Code)
	}
}

func TestStartRunNegativeLimit(t *testing.T) {
	s, _ := testServer(t, &fakeDispatcher{}, "")

	rec := doRequest(t, s, "POST", "/api/v1/runs", StartRunRequest{Limit: -1}, nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestCurrentRun(t *testing.T) {
	d := &fakeDispatcher{}
	s, _ := testServer(t, d, "")

	rec := doRequest(t, s, "GET", "/api/v1/runs/current", nil, nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status with no run = %d, want 404", rec.Code)
	}

	d.mu.Lock()
	d.active = true
	d.mu.Unlock()

	rec = doRequest(t, s, "GET", "/api/v1/runs/current", nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status with run = %d, want 200", rec.Code)
	}
	var summary dispatch.Summary
	if err := json.Unmarshal(rec.Body.Bytes(), &summary); err != nil {
		t.Fatalf("invalid response: %v", err)
	}
	if summary.RunID != "run-1" || summary.Sent != 4 {
		t.Fatalf("unexpected summary: %+v", summary)
	}
}

func TestStopRun(t *testing.T) {
	d := &fakeDispatcher{active: true}
	s, _ := testServer(t, d, "")

	rec := doRequest(t, s, "DELETE", "/api/v1/runs/current", nil, nil)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202", rec.Code)
	}

	rec = doRequest(t, s, "DELETE", "/api/v1/runs/current", nil, nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("second stop status = %d, want 404", rec.Code)
	}
}

func TestStats(t *testing.T) {
	s, store := testServer(t, &fakeDispatcher{}, "")

	day := ledger.Day(time.Now())
	if err := store.RecordSend("r1@x.test", "R1", "acct1", day, time.Now()); err != nil {
		t.Fatalf("RecordSend: %v", err)
	}
	if _, err := store.IncrementDaily("acct1", day); err != nil {
		t.Fatalf("IncrementDaily: %v", err)
	}

	rec := doRequest(t, s, "GET", "/api/v1/stats", nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}

	var resp StatsResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("invalid response: %v", err)
	}
	if resp.Ledger.Recipients != 1 {
		t.Errorf("recipients = %d, want 1", resp.Ledger.Recipients)
	}
	if resp.Today["acct1"] != 1 {
		t.Errorf("today[acct1] = %d, want 1", resp.Today["acct1"])
	}
}

func TestAccounts(t *testing.T) {
	s, _ := testServer(t, &fakeDispatcher{}, "")

	rec := doRequest(t, s, "GET", "/api/v1/accounts", nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}

	var accounts []AccountStatus
	if err := json.Unmarshal(rec.Body.Bytes(), &accounts); err != nil {
		t.Fatalf("invalid response: %v", err)
	}
	if len(accounts) != 1 || accounts[0].ID != "acct1" || accounts[0].Quota != 10 {
		t.Fatalf("unexpected accounts: %+v", accounts)
	}
	if accounts[0].Suspended {
		t.Error("fresh account reported suspended")
	}
}

func TestSuspendAndUnsuspendAccount(t *testing.T) {
	s, _ := testServer(t, &fakeDispatcher{}, "")

	rec := doRequest(t, s, "POST", "/api/v1/accounts/acct1/suspend", SuspendRequest{Hours: 2, Reason: "manual"}, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("suspend status = %d, want 200: %s", rec.Code, rec.Body.String())
	}

	rec = doRequest(t, s, "GET", "/api/v1/accounts", nil, nil)
	var accounts []AccountStatus
	if err := json.Unmarshal(rec.Body.Bytes(), &accounts); err != nil {
		t.Fatalf("invalid response: %v", err)
	}
	if !accounts[0].Suspended || accounts[0].SuspendReason != "manual" {
		t.Fatalf("account not suspended: %+v", accounts[0])
	}

	rec = doRequest(t, s, "POST", "/api/v1/accounts/acct1/unsuspend", nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("unsuspend status = %d, want 200", rec.Code)
	}

	rec = doRequest(t, s, "POST", "/api/v1/accounts/nosuch/suspend", SuspendRequest{Hours: 1}, nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("suspend unknown status = %d, want 404", rec.Code)
	}
}

func TestSuspendValidation(t *testing.T) {
	s, _ := testServer(t, &fakeDispatcher{}, "")

	rec := doRequest(t, s, "POST", "/api/v1/accounts/acct1/suspend", SuspendRequest{Hours: 0}, nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestLedgerEntry(t *testing.T) {
	s, store := testServer(t, &fakeDispatcher{}, "")

	if err := store.RecordSend("known@x.test", "Known", "acct1", ledger.Day(time.Now()), time.Now()); err != nil {
		t.Fatalf("RecordSend: %v", err)
	}

	rec := doRequest(t, s, "GET", "/api/v1/ledger/known@x.test", nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var entry ledger.Entry
	if err := json.Unmarshal(rec.Body.Bytes(), &entry); err != nil {
		t.Fatalf("invalid response: %v", err)
	}
	if entry.Address != "known@x.test" || entry.SendCount != 1 {
		t.Fatalf("unexpected entry: %+v", entry)
	}

	// Case-insensitive lookup
	rec = doRequest(t, s, "GET", "/api/v1/ledger/KNOWN@X.TEST", nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("uppercase lookup status = %d, want 200", rec.Code)
	}

	rec = doRequest(t, s, "GET", "/api/v1/ledger/unknown@x.test", nil, nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("unknown address status = %d, want 404", rec.Code)
	}

	rec = doRequest(t, s, "GET", "/api/v1/ledger/not-an-address", nil, nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("invalid address status = %d, want 400", rec.Code)
	}
}

func TestAllowedIPsRestrictAPI(t *testing.T) {
	base, _ := testServer(t, &fakeDispatcher{}, "")

	cfg := &config.ControlConfig{
		Enabled:    true,
		ListenAddr: "127.0.0.1:0",
		AllowedIPs: []string{"10.1.0.0/16"},
	}
	s := NewServer(base.dispatcher, base.pool, base.store, cfg, "test", base.logger)

	// httptest requests originate from 192.0.2.1, outside the allowlist.
	rec := doRequest(t, s, "GET", "/api/v1/accounts", nil, nil)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("outside allowlist status = %d, want 403", rec.Code)
	}

	rec = doRequest(t, s, "GET", "/api/v1/accounts", nil, map[string]string{"X-Real-IP": "10.1.2.3"})
	if rec.Code != http.StatusOK {
		t.Fatalf("allowlisted client status = %d, want 200", rec.Code)
	}

	// Health stays reachable for probes.
	rec = doRequest(t, s, "GET", "/health", nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("health status = %d, want 200", rec.Code)
	}
}

func TestUpdateAccount(t *testing.T) {
	s, _ := testServer(t, &fakeDispatcher{}, "")

	enabled := false
	quota := 3
	rec := doRequest(t, s, "PATCH", "/api/v1/accounts/acct1", UpdateAccountRequest{Enabled: &enabled, Quota: &quota}, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", rec.Code, rec.Body.String())
	}

	ident, ok := s.pool.Get("acct1")
	if !ok {
		t.Fatal("acct1 missing from pool")
	}
	if ident.Enabled || ident.Quota != 3 {
		t.Errorf("account not updated: enabled=%v quota=%d", ident.Enabled, ident.Quota)
	}

	// Unknown account
	rec = doRequest(t, s, "PATCH", "/api/v1/accounts/ghost", UpdateAccountRequest{Quota: &quota}, nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("unknown account status = %d, want 404", rec.Code)
	}

	// Empty body rejected
	rec = doRequest(t, s, "PATCH", "/api/v1/accounts/acct1", UpdateAccountRequest{}, nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("empty update status = %d, want 400", rec.Code)
	}

	neg := -1
	rec = doRequest(t, s, "PATCH", "/api/v1/accounts/acct1", UpdateAccountRequest{Quota: &neg}, nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("negative quota status = %d, want 400", rec.Code)
	}
}
