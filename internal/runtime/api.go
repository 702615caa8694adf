package runtime

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/loqalabs/loqa-dictate/internal/eventstore"
	"github.com/loqalabs/loqa-dictate/internal/hosts"
	"github.com/loqalabs/loqa-dictate/internal/protocol"
	"github.com/loqalabs/loqa-dictate/internal/session"
)

type controller interface {
	ToggleAndWait(ctx context.Context) protocol.ControlResponse
	Snapshot() protocol.StatusSnapshot
}

type hostLister interface {
	Query(filter func(hosts.HostInfo) bool) []hosts.HostInfo
}

type timeline interface {
	RecentSessions(ctx context.Context, limit int) ([]eventstore.Session, error)
	ListTransitions(ctx context.Context, sessionID string, limit int) ([]eventstore.Transition, error)
}

// api serves the controller surface over HTTP.
type api struct {
	ctrl     controller
	hosts    hostLister
	timeline timeline
	events   http.Handler
	metrics  http.Handler
	ready    func() bool
	logger   *slog.Logger
}

func (a *api) routes() http.Handler {
	r := chi.NewRouter()
	r.Get("/healthz", a.handleHealth)
	r.Get("/readyz", a.handleReady)
	if a.metrics != nil {
		r.Method(http.MethodGet, "/metrics", a.metrics)
	}
	r.Route("/v1", func(r chi.Router) {
		r.Post("/toggle", a.handleToggle)
		r.Get("/status", a.handleStatus)
		r.Get("/hosts", a.handleHosts)
		r.Get("/sessions", a.handleSessions)
		r.Get("/sessions/{sessionID}/transitions", a.handleTransitions)
		if a.events != nil {
			r.Method(http.MethodGet, "/events", a.events)
		}
	})
	return r
}

func (a *api) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (a *api) handleReady(w http.ResponseWriter, _ *http.Request) {
	if a.ready == nil || a.ready() {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = w.Write([]byte("not ready"))
}

func (a *api) handleToggle(w http.ResponseWriter, r *http.Request) {
	resp := a.ctrl.ToggleAndWait(r.Context())
	switch {
	case resp.Error == "":
		writeJSON(w, http.StatusOK, resp)
	case resp.Error == session.ErrToggleInFlight.Error():
		writeJSON(w, http.StatusConflict, resp)
	default:
		a.logger.Warn("toggle failed", slog.String("error", resp.Error))
		writeJSON(w, http.StatusBadGateway, resp)
	}
}

func (a *api) handleStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, a.ctrl.Snapshot())
}

func (a *api) handleHosts(w http.ResponseWriter, r *http.Request) {
	var filters []func(hosts.HostInfo) bool
	if r.URL.Query().Get("healthy") == "true" {
		filters = append(filters, hosts.WithHealthyFilter())
	}
	if r.URL.Query().Get("focused") == "true" {
		filters = append(filters, hosts.WithFocusedFilter())
	}
	var filter func(hosts.HostInfo) bool
	if len(filters) > 0 {
		filter = func(h hosts.HostInfo) bool {
			for _, f := range filters {
				if !f(h) {
					return false
				}
			}
			return true
		}
	}
	list := a.hosts.Query(filter)
	if list == nil {
		list = []hosts.HostInfo{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"hosts": list})
}

func (a *api) handleSessions(w http.ResponseWriter, r *http.Request) {
	sessions, err := a.timeline.RecentSessions(r.Context(), queryLimit(r, 20))
	if err != nil {
		a.logger.Error("failed to list sessions", slogError(err))
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": "failed to list sessions"})
		return
	}
	if sessions == nil {
		sessions = []eventstore.Session{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessions": sessions})
}

func (a *api) handleTransitions(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "sessionID")
	transitions, err := a.timeline.ListTransitions(r.Context(), id, queryLimit(r, 100))
	if err != nil {
		a.logger.Error("failed to list transitions", slog.String("session_id", id), slogError(err))
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": "failed to list transitions"})
		return
	}
	if transitions == nil {
		transitions = []eventstore.Transition{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"session_id": id, "transitions": transitions})
}

func queryLimit(r *http.Request, fallback int) int {
	if v, err := strconv.Atoi(r.URL.Query().Get("limit")); err == nil && v > 0 {
		return v
	}
	return fallback
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
