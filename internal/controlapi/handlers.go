package controlapi

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/vorthane/fleetvote/internal/globallimit"
	"github.com/vorthane/fleetvote/internal/observation"
	"github.com/vorthane/fleetvote/internal/sessionstore"
	"github.com/vorthane/fleetvote/internal/supervisor"
	"github.com/vorthane/fleetvote/internal/types"
	"github.com/vorthane/fleetvote/internal/userconfig"
	"github.com/vorthane/fleetvote/internal/votelog"
)

// Handler holds every collaborator the control plane reads from or writes
// to. Zero value is not usable; construct with New. Grounded on the
// teacher's handlers.Handler(pool, sessionMgr, cfg) shape, widened to the
// fleet's own set of shared components.
type Handler struct {
	Supervisor *supervisor.Supervisor
	UserCfg    *userconfig.Store
	VoteLog    *votelog.Log
	Store      *sessionstore.Store
	Global     *globallimit.Gate
	Bus        *observation.Bus

	// baseCtx is the process-lifetime context passed to Supervisor.Start.
	// It must outlive any single HTTP request, unlike r.Context(), which
	// is canceled the moment the start-monitoring response is written.
	baseCtx context.Context
}

// New constructs a Handler. baseCtx should be the process's long-lived
// context (canceled only on shutdown), not derived from any request.
func New(baseCtx context.Context, sup *supervisor.Supervisor, userCfg *userconfig.Store, vlog *votelog.Log, store *sessionstore.Store, gate *globallimit.Gate, bus *observation.Bus) *Handler {
	return &Handler{baseCtx: baseCtx, Supervisor: sup, UserCfg: userCfg, VoteLog: vlog, Store: store, Global: gate, Bus: bus}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("controlapi: failed to encode response")
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, errorResponse{Status: "error", Message: message})
}

// Health implements GET /api/health.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, HealthResponse{
		Status:           "ok",
		Timestamp:        time.Now().UnixMilli(),
		MonitoringActive: h.Supervisor.Active(),
	})
}

// GetConfig implements GET /api/config.
func (h *Handler) GetConfig(w http.ResponseWriter, r *http.Request) {
	doc := h.UserCfg.Get()
	writeJSON(w, http.StatusOK, ConfigDoc{
		VotingURL:      doc.VotingURL,
		BrightDataUser: doc.BrightDataUser,
		BrightDataPass: doc.BrightDataPass,
	})
}

// PostConfig implements POST /api/config: persists the operator-supplied
// document to user_config.json via userconfig.Store.Save (atomic
// write-then-rename).
func (h *Handler) PostConfig(w http.ResponseWriter, r *http.Request) {
	var doc ConfigDoc
	if err := json.NewDecoder(r.Body).Decode(&doc); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return
	}
	if err := h.UserCfg.Save(userconfig.Doc{
		VotingURL:      doc.VotingURL,
		BrightDataUser: doc.BrightDataUser,
		BrightDataPass: doc.BrightDataPass,
	}); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to save config: "+err.Error())
		return
	}
	writeJSON(w, http.StatusOK, doc)
}

// StartMonitoring implements POST /api/start-monitoring. Idempotent per
// Supervisor.Start's own contract, but the spec's endpoint name implies a
// verb, so a second call while already active reports ErrMonitoringRunning
// instead of silently succeeding.
func (h *Handler) StartMonitoring(w http.ResponseWriter, r *http.Request) {
	if h.Supervisor.Active() {
		writeError(w, http.StatusConflict, types.ErrMonitoringRunning.Error())
		return
	}

	var req StartMonitoringRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
			return
		}
	}
	h.Supervisor.SetOverride(userconfig.Doc{
		VotingURL:      req.VotingURL,
		BrightDataUser: req.Username,
		BrightDataPass: req.Password,
	})
	h.Supervisor.Start(h.baseCtx)
	writeJSON(w, http.StatusOK, HealthResponse{Status: "ok", Timestamp: time.Now().UnixMilli(), MonitoringActive: true})
}

// StopMonitoring implements POST /api/stop-monitoring.
func (h *Handler) StopMonitoring(w http.ResponseWriter, r *http.Request) {
	if !h.Supervisor.Active() {
		writeError(w, http.StatusConflict, types.ErrMonitoringStopped.Error())
		return
	}
	h.Supervisor.Shutdown(30 * time.Second)
	writeJSON(w, http.StatusOK, HealthResponse{Status: "ok", Timestamp: time.Now().UnixMilli(), MonitoringActive: false})
}

// Status implements GET /api/status.
func (h *Handler) Status(w http.ResponseWriter, r *http.Request) {
	snap := h.Global.Snapshot()
	resp := StatusResponse{
		MonitoringActive:  h.Supervisor.Active(),
		GlobalLimitActive: snap.Active,
	}
	if snap.Active {
		t := snap.ReactivationTime.UnixMilli()
		resp.ReactivationTime = &t
	}
	writeJSON(w, http.StatusOK, resp)
}

// Statistics implements GET /api/statistics.
func (h *Handler) Statistics(w http.ResponseWriter, r *http.Request) {
	s := h.VoteLog.SessionStats()
	writeJSON(w, http.StatusOK, StatisticsResponse{
		TotalAttempts:   s.TotalAttempts,
		Successful:      s.Successful,
		Failed:          s.Failed,
		HourlyLimitHits: s.HourlyLimitHits,
		SuccessRate:     s.SuccessRate,
	})
}

func timePtrMillis(t *time.Time) *int64 {
	if t == nil || t.IsZero() {
		return nil
	}
	ms := t.UnixMilli()
	return &ms
}

// Instances implements GET /api/instances.
func (h *Handler) Instances(w http.ResponseWriter, r *http.Request) {
	snaps := h.Supervisor.Snapshots()
	out := make([]InstanceView, 0, len(snaps))
	for _, s := range snaps {
		v := InstanceView{
			InstanceID:        int(s.InstanceID),
			IP:                s.IP,
			State:             instanceKindString(s.State.Kind),
			SecondsRemaining:  s.SecondsRemaining,
			VoteCount:         s.VoteCount,
			NextVoteTime:      timePtrMillis(s.NextVoteTime),
			LastSuccess:       timePtrMillis(s.LastSuccess),
			LastAttempt:       timePtrMillis(s.LastAttempt),
			LastFailureReason: s.LastFailureReason,
		}
		out = append(out, v)
	}
	writeJSON(w, http.StatusOK, out)
}

// Sessions implements GET /api/sessions: SessionStore entries merged with
// live WorkerInstance data, live data winning for any instance currently
// owned.
func (h *Handler) Sessions(w http.ResponseWriter, r *http.Request) {
	ids, err := h.Store.List()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list sessions: "+err.Error())
		return
	}

	live := make(map[types.InstanceID]types.InstanceSnapshot)
	for _, s := range h.Supervisor.Snapshots() {
		if s.Owned {
			live[s.InstanceID] = s
		}
	}

	out := make([]SessionView, 0, len(ids))
	for _, id := range ids {
		if s, ok := live[id]; ok {
			out = append(out, SessionView{
				InstanceID:  int(id),
				IP:          s.IP,
				VoteCount:   s.VoteCount,
				LastSuccess: timePtrMillis(s.LastSuccess),
				LastAttempt: timePtrMillis(s.LastAttempt),
				Live:        true,
				State:       instanceKindString(s.State.Kind),
			})
			continue
		}

		rec, err := h.Store.Load(id)
		if err != nil {
			log.Warn().Err(err).Int("instance_id", int(id)).Msg("controlapi: failed to load session for /api/sessions")
			continue
		}
		out = append(out, SessionView{
			InstanceID:  int(id),
			IP:          rec.LastKnownEgress,
			VoteCount:   rec.VoteCount,
			LastSuccess: timePtrMillis(rec.LastSuccessTime),
			LastAttempt: timePtrMillis(rec.LastAttemptTime),
			Live:        false,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

// Logs implements GET /api/logs?lines=N (default 1000, capped at 5000).
func (h *Handler) Logs(w http.ResponseWriter, r *http.Request) {
	n := 1000
	if raw := r.URL.Query().Get("lines"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			n = parsed
		}
	}
	if n > 5000 {
		n = 5000
	}
	writeJSON(w, http.StatusOK, h.Bus.RecentLogs(n))
}

// ResumeLogin implements POST /api/instances/{id}/resume-login: the
// explicit control-plane trigger that clears a worker parked in
// AwaitingLogin back to Idle once an operator has completed the login
// flow by hand.
func (h *Handler) ResumeLogin(w http.ResponseWriter, r *http.Request, idStr string) {
	n, err := strconv.Atoi(idStr)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid instance id: "+idStr)
		return
	}
	if err := h.Supervisor.ResumeLogin(types.InstanceID(n)); err != nil {
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, HealthResponse{Status: "ok", Timestamp: time.Now().UnixMilli()})
}
