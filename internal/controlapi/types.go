// Package controlapi implements the HTTP + WebSocket control surface for
// the vote fleet: health, config, start/stop-monitoring, status,
// statistics, instances, sessions, logs, and a resume-login endpoint for
// workers parked in AwaitingLogin.
package controlapi

import "github.com/vorthane/fleetvote/internal/types"

// HealthResponse answers GET /api/health.
type HealthResponse struct {
	Status           string `json:"status"`
	Timestamp        int64  `json:"timestamp"`
	MonitoringActive bool   `json:"monitoring_active"`
}

// StartMonitoringRequest is the body of POST /api/start-monitoring: a
// request-scoped override of the voting URL and Bright Data credentials,
// outranking user_config.json and the environment defaults.
type StartMonitoringRequest struct {
	VotingURL string `json:"voting_url,omitempty"`
	Username  string `json:"username,omitempty"`
	Password  string `json:"password,omitempty"`
}

// StatusResponse answers GET /api/status.
type StatusResponse struct {
	MonitoringActive  bool   `json:"monitoring_active"`
	GlobalLimitActive bool   `json:"global_limit_active"`
	ReactivationTime  *int64 `json:"reactivation_time,omitempty"`
}

// StatisticsResponse answers GET /api/statistics, a JSON rendering of
// votelog.Stats.
type StatisticsResponse struct {
	TotalAttempts   int64   `json:"total_attempts"`
	Successful      int64   `json:"successful"`
	Failed          int64   `json:"failed"`
	HourlyLimitHits int64   `json:"hourly_limit_hits"`
	SuccessRate     float64 `json:"success_rate"`
}

// InstanceView is one element of GET /api/instances, the JSON projection
// of types.InstanceSnapshot.
type InstanceView struct {
	InstanceID        int    `json:"instance_id"`
	IP                string `json:"ip,omitempty"`
	State             string `json:"state"`
	SecondsRemaining  int    `json:"seconds_remaining"`
	NextVoteTime      *int64 `json:"next_vote_time,omitempty"`
	VoteCount         int    `json:"vote_count"`
	LastSuccess       *int64 `json:"last_success,omitempty"`
	LastAttempt       *int64 `json:"last_attempt,omitempty"`
	LastFailureReason string `json:"last_failure_reason,omitempty"`
}

// SessionView is one element of GET /api/sessions: a merge of
// SessionStore data with live WorkerInstance data, live data winning for
// any instance currently owned.
type SessionView struct {
	InstanceID  int    `json:"instance_id"`
	IP          string `json:"ip,omitempty"`
	VoteCount   int    `json:"vote_count"`
	LastSuccess *int64 `json:"last_success,omitempty"`
	LastAttempt *int64 `json:"last_attempt,omitempty"`
	Live        bool   `json:"live"`
	State       string `json:"state,omitempty"`
}

// ConfigDoc mirrors userconfig.Doc for the GET/POST /api/config endpoints,
// defined separately so this package does not need to import userconfig
// just to shape a response.
type ConfigDoc struct {
	VotingURL      string `json:"voting_url"`
	BrightDataUser string `json:"bright_data_username"`
	BrightDataPass string `json:"bright_data_password"`
}

// wsEventKind names the four WebSocket event types of the control plane.
// Hub.send emits only wsLogUpdate and wsInstancesUpdate; wsStatusUpdate
// and wsStatisticsUpdate are not sent.
type wsEventKind string

const (
	wsLogUpdate         wsEventKind = "log_update"
	wsStatusUpdate      wsEventKind = "status_update"
	wsStatisticsUpdate  wsEventKind = "statistics_update"
	wsInstancesUpdate   wsEventKind = "instances_update"
)

// wsMessage is the envelope pushed to every subscribed WebSocket client.
type wsMessage struct {
	Event wsEventKind `json:"event"`
	Data  any         `json:"data"`
}

// errorResponse is the uniform error envelope for every handler.
type errorResponse struct {
	Status  string `json:"status"`
	Message string `json:"message"`
}

func instanceKindString(k types.WorkerStateKind) string { return string(k) }
