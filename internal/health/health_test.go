package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/MrWong99/insightflow/pkg/memory"
	"github.com/MrWong99/insightflow/pkg/memory/mock"
)

func decode(t *testing.T, rec *httptest.ResponseRecorder) result {
	t.Helper()
	var body result
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode JSON: %v", err)
	}
	return body
}

func readyz(t *testing.T, h *Handler) (*httptest.ResponseRecorder, result) {
	t.Helper()
	rec := httptest.NewRecorder()
	h.Readyz(rec, httptest.NewRequest("GET", "/readyz", nil))
	return rec, decode(t, rec)
}

func ok(context.Context) error { return nil }

func failing(msg string) func(context.Context) error {
	return func(context.Context) error { return errors.New(msg) }
}

func TestHealthz_AlwaysReturns200(t *testing.T) {
	t.Parallel()
	h := New(Checker{Name: "audio", Check: failing("no device")})

	rec := httptest.NewRecorder()
	h.Healthz(rec, httptest.NewRequest("GET", "/healthz", nil))

	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json; charset=utf-8" {
		t.Errorf("Content-Type = %q", ct)
	}
	if body := decode(t, rec); body.Status != StatusOK {
		t.Errorf("status = %q, want ok", body.Status)
	}
}

func TestReadyz(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		checkers   []Checker
		wantCode   int
		wantStatus string
		wantChecks map[string]string
	}{
		{
			name:       "no checkers",
			wantCode:   http.StatusOK,
			wantStatus: StatusOK,
		},
		{
			name: "all pass",
			checkers: []Checker{
				{Name: "audio", Check: ok},
				{Name: "store", Check: ok, Optional: true},
			},
			wantCode:   http.StatusOK,
			wantStatus: StatusOK,
			wantChecks: map[string]string{"audio": "ok", "store": "ok"},
		},
		{
			name: "optional fails",
			checkers: []Checker{
				{Name: "audio", Check: ok},
				{Name: "store", Check: failing("connection refused"), Optional: true},
			},
			wantCode:   http.StatusOK,
			wantStatus: StatusDegraded,
			wantChecks: map[string]string{"audio": "ok", "store": "fail: connection refused"},
		},
		{
			name: "required fails",
			checkers: []Checker{
				{Name: "audio", Check: failing("no microphone")},
				{Name: "store", Check: failing("down"), Optional: true},
			},
			wantCode:   http.StatusServiceUnavailable,
			wantStatus: StatusFail,
			wantChecks: map[string]string{"audio": "fail: no microphone", "store": "fail: down"},
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			rec, body := readyz(t, New(tc.checkers...))
			if rec.Code != tc.wantCode {
				t.Errorf("code = %d, want %d", rec.Code, tc.wantCode)
			}
			if body.Status != tc.wantStatus {
				t.Errorf("status = %q, want %q", body.Status, tc.wantStatus)
			}
			for name, want := range tc.wantChecks {
				if got := body.Checks[name]; got != want {
					t.Errorf("checks[%s] = %q, want %q", name, got, want)
				}
			}
		})
	}
}

func TestReadyz_ChecksHaveDeadline(t *testing.T) {
	t.Parallel()
	h := New(Checker{Name: "slow", Check: func(ctx context.Context) error {
		if _, ok := ctx.Deadline(); !ok {
			return errors.New("no deadline")
		}
		return nil
	}})
	if _, body := readyz(t, h); body.Checks["slow"] != "ok" {
		t.Errorf("checks = %v", body.Checks)
	}
}

func TestReadyz_RespectsContextCancellation(t *testing.T) {
	t.Parallel()
	h := New(Checker{Name: "blocking", Check: func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	rec := httptest.NewRecorder()
	h.Readyz(rec, httptest.NewRequest("GET", "/readyz", nil).WithContext(ctx))

	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("code = %d, want 503", rec.Code)
	}
}

func TestRegister_RoutesWork(t *testing.T) {
	t.Parallel()
	mux := http.NewServeMux()
	New(Checker{Name: "audio", Check: ok}).Register(mux)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	for _, path := range []string{"/healthz", "/readyz"} {
		resp, err := http.Get(srv.URL + path)
		if err != nil {
			t.Fatalf("GET %s: %v", path, err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Errorf("GET %s = %d", path, resp.StatusCode)
		}
	}
}

type prober struct {
	err   error
	block chan struct{}
}

func (p prober) Available() error {
	if p.block != nil {
		<-p.block
	}
	return p.err
}

func TestDeviceChecker(t *testing.T) {
	t.Parallel()

	if err := DeviceChecker(prober{}).Check(context.Background()); err != nil {
		t.Errorf("healthy device: %v", err)
	}
	if err := DeviceChecker(prober{err: errors.New("no capture device")}).Check(context.Background()); err == nil {
		t.Error("expected error for missing device")
	}

	block := make(chan struct{})
	t.Cleanup(func() { close(block) })
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := DeviceChecker(prober{block: block}).Check(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("hung probe = %v, want DeadlineExceeded", err)
	}
}

func TestStoreChecker(t *testing.T) {
	t.Parallel()
	store := &mock.SessionStore{PingErr: errors.New("down")}
	c := StoreChecker(store)
	if !c.Optional || c.Name != "store" {
		t.Errorf("checker = %+v", c)
	}
	if err := c.Check(context.Background()); err == nil {
		t.Error("expected ping failure")
	}
}

func TestDegradedChecker(t *testing.T) {
	t.Parallel()
	store := &mock.SessionStore{SaveErr: errors.New("disk full")}
	g := memory.NewGuard(store)
	c := DegradedChecker("persistence", g)

	if err := c.Check(context.Background()); err != nil {
		t.Fatalf("fresh guard: %v", err)
	}
	_ = g.Save(context.Background(), memory.SessionRecord{ID: "x"})
	if err := c.Check(context.Background()); err == nil {
		t.Error("expected degraded after a failed save")
	}
}
