package controlapi

import (
	"net/http"
	"strings"
)

// NewRouter builds the full control-plane mux: health, config,
// start/stop-monitoring, status, statistics, instances, sessions, logs,
// the resume-login endpoint, and the WebSocket upgrade endpoint.
// Re-expressed over net/http's own mux, since these endpoints are
// resource-oriented REST rather than a single dispatch-by-command API,
// with a "reject anything not explicitly recognized" discipline.
func NewRouter(h *Handler, hub *Hub) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/api/health", methodGuard(http.MethodGet, h.Health))
	mux.HandleFunc("/api/config", func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			h.GetConfig(w, r)
		case http.MethodPost:
			h.PostConfig(w, r)
		default:
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		}
	})
	mux.HandleFunc("/api/start-monitoring", methodGuard(http.MethodPost, h.StartMonitoring))
	mux.HandleFunc("/api/stop-monitoring", methodGuard(http.MethodPost, h.StopMonitoring))
	mux.HandleFunc("/api/status", methodGuard(http.MethodGet, h.Status))
	mux.HandleFunc("/api/statistics", methodGuard(http.MethodGet, h.Statistics))
	mux.HandleFunc("/api/instances", methodGuard(http.MethodGet, h.Instances))
	mux.HandleFunc("/api/sessions", methodGuard(http.MethodGet, h.Sessions))
	mux.HandleFunc("/api/logs", methodGuard(http.MethodGet, h.Logs))

	// /api/instances/{id}/resume-login — the one path in this API that
	// needs a path parameter, so it gets its own small dispatcher rather
	// than pulling in a routing library for one route.
	mux.HandleFunc("/api/instances/", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		rest := strings.TrimPrefix(r.URL.Path, "/api/instances/")
		id, suffix, ok := strings.Cut(rest, "/")
		if !ok || suffix != "resume-login" || id == "" {
			writeError(w, http.StatusNotFound, "unknown route: "+r.URL.Path)
			return
		}
		h.ResumeLogin(w, r, id)
	})

	mux.HandleFunc("/ws", hub.ServeWS)

	return mux
}

func methodGuard(method string, fn http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != method {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		fn(w, r)
	}
}
