package app

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/insightflow/internal/health"
	"github.com/MrWong99/insightflow/internal/observe"
	"github.com/MrWong99/insightflow/internal/transcript"
	"github.com/MrWong99/insightflow/pkg/memory"
)

const (
	defaultListLimit = 50
	maxListLimit     = 500
	serverGrace      = 5 * time.Second
)

// sessionView is the JSON shape of GET /session.
type sessionView struct {
	ID         string      `json:"id"`
	PlanTitle  string      `json:"planTitle"`
	Language   string      `json:"language"`
	StartedAt  time.Time   `json:"startedAt"`
	State      string      `json:"state"`
	Speaking   bool        `json:"speaking"`
	Volume     float64     `json:"volume"`
	Transcript []entryView `json:"transcript"`
}

type entryView struct {
	Speaker   string    `json:"speaker"`
	Text      string    `json:"text"`
	CreatedAt time.Time `json:"createdAt"`
}

// Handler returns the status server routes:
//
//	GET  /healthz, /readyz   liveness and readiness
//	GET  /metrics            Prometheus scrape endpoint
//	GET  /session            live state of the running interview
//	POST /session/end        ends the running interview
//	GET  /sessions           stored interview records (?plan=, ?limit=)
//	GET  /sessions/{id}      one stored record
func (a *App) Handler() http.Handler {
	mux := http.NewServeMux()
	health.New(a.healthCheckers()...).Register(mux)
	mux.Handle("GET /metrics", promhttp.Handler())
	mux.HandleFunc("GET /session", a.handleSession)
	mux.HandleFunc("POST /session/end", a.handleSessionEnd)
	mux.HandleFunc("GET /sessions", a.handleSessionList)
	mux.HandleFunc("GET /sessions/{id}", a.handleSessionGet)
	return observe.Middleware(a.metrics)(mux)
}

func (a *App) healthCheckers() []health.Checker {
	var checkers []health.Checker
	if p, ok := a.providers.Audio.(health.DeviceProber); ok {
		checkers = append(checkers, health.DeviceChecker(p))
	}
	return append(checkers,
		health.StoreChecker(a.guard),
		health.DegradedChecker("persistence", a.guard),
	)
}

// Serve runs the status server on addr until ctx is cancelled, then shuts it
// down gracefully.
func (a *App) Serve(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return a.serve(ctx, ln)
}

func (a *App) serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           a.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		slog.Info("status server listening", "addr", ln.Addr().String())
		if err := srv.Serve(ln); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), serverGrace)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

func (a *App) handleSession(w http.ResponseWriter, _ *http.Request) {
	snap, ok := a.sessions.Snapshot()
	if !ok {
		writeError(w, http.StatusNotFound, ErrNoInterview)
		return
	}
	view := sessionView{
		ID:         snap.SessionID,
		PlanTitle:  snap.PlanTitle,
		Language:   snap.Language,
		StartedAt:  snap.StartedAt,
		State:      snap.State.String(),
		Speaking:   snap.Speaking,
		Volume:     snap.Volume,
		Transcript: entryViews(snap.Transcript),
	}
	writeJSON(w, http.StatusOK, view)
}

func (a *App) handleSessionEnd(w http.ResponseWriter, _ *http.Request) {
	if err := a.sessions.End(); err != nil {
		writeError(w, http.StatusNotFound, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "ending"})
}

func (a *App) handleSessionList(w http.ResponseWriter, r *http.Request) {
	opts := memory.ListOpts{PlanTitle: r.URL.Query().Get("plan"), Limit: defaultListLimit}
	if s := r.URL.Query().Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 1 {
			writeError(w, http.StatusBadRequest, errors.New("limit must be a positive integer"))
			return
		}
		opts.Limit = min(n, maxListLimit)
	}

	recs, err := a.guard.List(r.Context(), opts)
	if err != nil {
		observe.Logger(r.Context()).Error("list interview records", "err", err)
		writeError(w, http.StatusServiceUnavailable, err)
		return
	}
	writeJSON(w, http.StatusOK, recs)
}

func (a *App) handleSessionGet(w http.ResponseWriter, r *http.Request) {
	rec, err := a.guard.Get(r.Context(), r.PathValue("id"))
	switch {
	case errors.Is(err, memory.ErrSessionNotFound):
		writeError(w, http.StatusNotFound, err)
		return
	case err != nil:
		observe.Logger(r.Context()).Error("get interview record", "err", err)
		writeError(w, http.StatusServiceUnavailable, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func entryViews(entries []transcript.Entry) []entryView {
	out := make([]entryView, len(entries))
	for i, e := range entries {
		out[i] = entryView{Speaker: string(e.Speaker), Text: e.Text, CreatedAt: e.CreatedAt}
	}
	return out
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
