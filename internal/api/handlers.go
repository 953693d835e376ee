package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/castellan-dev/castellan/internal/bus"
	"github.com/castellan-dev/castellan/internal/container"
	"github.com/castellan-dev/castellan/internal/jobs"
	"github.com/castellan-dev/castellan/internal/plugins"
)

const maxIngestBody = 1 << 20

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, ErrorResponse{Error: msg})
}

// handleHealthz handles GET /healthz (no auth).
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	snaps := s.manager.Snapshots(r.Context())

	resp := HealthzResponse{
		Status:        "ok",
		UptimeSeconds: int64(time.Since(s.startedAt).Seconds()),
		Core:          string(s.coreState.State()),
		PluginsLoaded: len(snaps),
	}
	for _, snap := range snaps {
		if snap.State == container.StateRunning {
			resp.PluginsRunning++
		}
		if snap.Watchdog {
			resp.WatchdogEnabled++
		}
	}
	s.writeJSON(w, http.StatusOK, resp)
}

// handleStatus handles GET /v1/status.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	resp := StatusResponse{
		Core:    string(s.coreState.State()),
		Healthy: true,
		Version: s.config.Version,
		Plugins: s.manager.Snapshots(r.Context()),
	}
	if err := s.manager.Healthy(); err != nil {
		resp.Healthy = false
		resp.HealthReason = err.Error()
	}
	if s.net != nil {
		resp.Connectivity = s.net.State(r.Context())
	}
	if s.versions != nil {
		if latest := s.versions.SupervisorLatest(); latest != nil {
			resp.LatestVersion = latest.String()
			resp.UpdateAvailable = !s.versions.SupervisorUpToDate()
		}
		if last := s.versions.LastRefresh(); !last.IsZero() {
			resp.ChannelRefreshed = &last
		}
	}
	s.writeJSON(w, http.StatusOK, resp)
}

// handlePlugins handles GET /v1/plugins.
func (s *Server) handlePlugins(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.manager.Snapshots(r.Context()))
}

// handlePlugin handles GET /v1/plugins/{name}.
func (s *Server) handlePlugin(w http.ResponseWriter, r *http.Request) {
	sup, err := s.manager.Get(chi.URLParam(r, "name"))
	if err != nil {
		s.writeError(w, http.StatusNotFound, "plugin not found")
		return
	}
	s.writeJSON(w, http.StatusOK, snapshotFor(r.Context(), sup))
}

func snapshotFor(ctx context.Context, sup *plugins.Supervisor) plugins.Snapshot {
	snap := plugins.Snapshot{
		Name:      sup.Name(),
		Container: sup.ContainerName(),
		Watchdog:  sup.WatchdogEnabled(),
		Restarts:  sup.Restarts(),
	}
	if v := sup.Version(); v != nil {
		snap.Version = v.String()
	}
	if state, err := sup.Instance().CurrentState(ctx); err == nil {
		snap.State = state
	}
	return snap
}

// handlePluginAction handles POST /v1/plugins/{name}/{action}.
//
// The action runs synchronously under its job guard; a guard rejection
// maps onto a distinct status so callers can retry appropriately.
func (s *Server) handlePluginAction(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	action := chi.URLParam(r, "action")

	sup, err := s.manager.Get(name)
	if err != nil {
		s.writeError(w, http.StatusNotFound, "plugin not found")
		return
	}

	ctx := r.Context()
	switch action {
	case "start":
		err = sup.Start(ctx)
	case "stop":
		err = sup.Stop(ctx)
	case "restart":
		err = sup.Restart(ctx)
	case "rebuild":
		err = sup.Rebuild(ctx)
	case "update":
		err = sup.Update(ctx)
	default:
		s.writeError(w, http.StatusNotFound, "unknown action")
		return
	}
	if err != nil {
		s.writeActionError(w, err)
		return
	}

	s.writeJSON(w, http.StatusAccepted, ActionResponse{
		Status: "accepted",
		Plugin: name,
		Action: action,
	})
}

func (s *Server) writeActionError(w http.ResponseWriter, err error) {
	var condErr *jobs.ConditionError
	switch {
	case errors.Is(err, jobs.ErrAlreadyRunning):
		s.writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, jobs.ErrRateLimited):
		s.writeError(w, http.StatusTooManyRequests, err.Error())
	case errors.As(err, &condErr):
		s.writeJSON(w, http.StatusUnprocessableEntity, ErrorResponse{
			Error:     condErr.Error(),
			Condition: string(condErr.Condition),
		})
	default:
		s.writeError(w, http.StatusInternalServerError, err.Error())
	}
}

// handlePluginStats handles GET /v1/plugins/{name}/stats.
func (s *Server) handlePluginStats(w http.ResponseWriter, r *http.Request) {
	sup, err := s.manager.Get(chi.URLParam(r, "name"))
	if err != nil {
		s.writeError(w, http.StatusNotFound, "plugin not found")
		return
	}

	sample, err := sup.Instance().Stats(r.Context())
	switch {
	case errors.Is(err, container.ErrNotFound):
		s.writeError(w, http.StatusNotFound, "container not found")
		return
	case errors.Is(err, container.ErrNotRunning):
		s.writeError(w, http.StatusConflict, "container is not running")
		return
	case err != nil:
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, container.ComputeStats(sample))
}

// handleHistoryActions handles GET /v1/history/actions.
func (s *Server) handleHistoryActions(w http.ResponseWriter, r *http.Request) {
	if s.actions == nil {
		s.writeError(w, http.StatusServiceUnavailable, "history is not enabled")
		return
	}

	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			s.writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = min(n, 500)
	}

	actions, err := s.actions.RecentActions(r.Context(), limit)
	if err != nil {
		s.logger.Error("history query failed", "error", err)
		s.writeError(w, http.StatusInternalServerError, "history query failed")
		return
	}
	s.writeJSON(w, http.StatusOK, actions)
}

// handleIngestState handles POST /v1/ingest/state. This is the hook an
// external engine watcher uses to feed container state transitions into
// the bus. Requests authenticate with either an HMAC signature over the
// body or the regular bearer token.
func (s *Server) handleIngestState(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxIngestBody))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "request body too large or unreadable")
		return
	}

	if sig := r.Header.Get(signatureHeader); sig != "" {
		if err := verifySignature(body, sig, s.config.IngestSecret); err != nil {
			s.writeError(w, http.StatusUnauthorized, "signature verification failed")
			return
		}
	} else if !s.validAPIKey(extractAPIKey(r)) {
		s.writeError(w, http.StatusUnauthorized, "invalid or missing API key")
		return
	}

	var ev container.StateEvent
	if err := json.Unmarshal(body, &ev); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if ev.Name == "" || ev.State == "" {
		s.writeError(w, http.StatusBadRequest, "name and state are required")
		return
	}
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}

	s.bus.Fire(bus.EventContainerStateChange, ev)
	s.writeJSON(w, http.StatusAccepted, IngestResponse{
		Status:    "accepted",
		Container: ev.Name,
		State:     string(ev.State),
	})
}
