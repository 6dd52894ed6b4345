//go:build integration

// Package integration provides end-to-end integration tests for the
// fleetvoted control plane, driven entirely through its HTTP surface
// rather than its internal types. Run with:
// go test -tags=integration ./tests/integration/...
package integration

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/vorthane/fleetvote/internal/config"
	"github.com/vorthane/fleetvote/internal/controlapi"
	"github.com/vorthane/fleetvote/internal/globallimit"
	"github.com/vorthane/fleetvote/internal/launchgate"
	"github.com/vorthane/fleetvote/internal/observation"
	"github.com/vorthane/fleetvote/internal/pattern"
	"github.com/vorthane/fleetvote/internal/proxybroker"
	"github.com/vorthane/fleetvote/internal/sessionstore"
	"github.com/vorthane/fleetvote/internal/supervisor"
	"github.com/vorthane/fleetvote/internal/userconfig"
	"github.com/vorthane/fleetvote/internal/votelog"
	"github.com/vorthane/fleetvote/internal/worker"
)

var (
	testRouter http.Handler
	testHub    *controlapi.Hub
	testVlog   *votelog.Log
	testUser   *userconfig.Store
)

// stubDriver never launches a real browser; these tests exercise only the
// control-plane surface, not a live vote-fleet run.
type stubDriver struct{}

func (stubDriver) Launch(ctx context.Context, proxy proxybroker.ConnectParams, storageState []byte) (worker.Handle, error) {
	return nil, context.Canceled
}

func TestMain(m *testing.M) {
	dir, err := os.MkdirTemp("", "fleetvote-integration-*")
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create temp dir: %v\n", err)
		os.Exit(1)
	}
	defer os.RemoveAll(dir)

	store := sessionstore.New(filepath.Join(dir, "session_data"))

	testVlog, err = votelog.Open(filepath.Join(dir, "vote_log.csv"), 64)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to open vote log: %v\n", err)
		os.Exit(1)
	}
	defer testVlog.Close()

	testUser, err = userconfig.Open(filepath.Join(dir, "user_config.json"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to open user config: %v\n", err)
		os.Exit(1)
	}
	defer testUser.Close()

	matcher, err := pattern.NewMatcher("", false)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load pattern table: %v\n", err)
		os.Exit(1)
	}

	gate := globallimit.New()
	bus := observation.New()

	sup := supervisor.New(supervisor.Deps{
		Config:  &config.Config{},
		UserCfg: testUser,
		Store:   store,
		VoteLog: testVlog,
		Proxy:   proxybroker.New("proxy.example.com", "user", "pass", nil),
		Gate:    launchgate.New(1, 0),
		Global:  gate,
		Matcher: matcher,
		Driver:  stubDriver{},
		Bus:     bus,
	})

	handler := controlapi.New(context.Background(), sup, testUser, testVlog, store, gate, bus)
	testHub = controlapi.NewHub(bus)
	testRouter = controlapi.NewRouter(handler, testHub)

	code := m.Run()

	testHub.Close()
	bus.Close()
	os.Exit(code)
}

func TestHealthEndpoint(t *testing.T) {
	resp := executeRequest(mustRequest(t, http.MethodGet, "/api/health", nil))

	if resp.StatusCode != http.StatusOK {
		t.Errorf("expected status 200, got %d", resp.StatusCode)
	}

	var body controlapi.HealthResponse
	json.NewDecoder(resp.Body).Decode(&body)
	if body.Status != "ok" {
		t.Errorf("expected status ok, got %q", body.Status)
	}
}

func TestConfigRoundTrip(t *testing.T) {
	doc := controlapi.ConfigDoc{VotingURL: "https://vote.example.com/poll", BrightDataUser: "demo-user", BrightDataPass: "demo-pass"}
	b, _ := json.Marshal(doc)

	resp := executeRequest(mustRequest(t, http.MethodPost, "/api/config", bytes.NewReader(b)))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("POST /api/config: expected 200, got %d", resp.StatusCode)
	}

	resp = executeRequest(mustRequest(t, http.MethodGet, "/api/config", nil))
	var got controlapi.ConfigDoc
	json.NewDecoder(resp.Body).Decode(&got)
	if got != doc {
		t.Errorf("config round trip mismatch: got %+v, want %+v", got, doc)
	}
}

func TestStartStopMonitoringLifecycle(t *testing.T) {
	start := controlapi.StartMonitoringRequest{VotingURL: "https://vote.example.com/poll"}
	b, _ := json.Marshal(start)

	resp := executeRequest(mustRequest(t, http.MethodPost, "/api/start-monitoring", bytes.NewReader(b)))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("start-monitoring: expected 200, got %d", resp.StatusCode)
	}

	resp = executeRequest(mustRequest(t, http.MethodPost, "/api/start-monitoring", nil))
	if resp.StatusCode != http.StatusConflict {
		t.Errorf("second start-monitoring: expected 409, got %d", resp.StatusCode)
	}

	resp = executeRequest(mustRequest(t, http.MethodGet, "/api/status", nil))
	var status controlapi.StatusResponse
	json.NewDecoder(resp.Body).Decode(&status)
	if !status.MonitoringActive {
		t.Errorf("expected monitoring active after start")
	}

	resp = executeRequest(mustRequest(t, http.MethodPost, "/api/stop-monitoring", nil))
	if resp.StatusCode != http.StatusOK {
		t.Errorf("stop-monitoring: expected 200, got %d", resp.StatusCode)
	}
}

func TestInstancesSessionsAndLogsEmptyFleet(t *testing.T) {
	resp := executeRequest(mustRequest(t, http.MethodGet, "/api/instances", nil))
	var instances []controlapi.InstanceView
	json.NewDecoder(resp.Body).Decode(&instances)
	if len(instances) != 0 {
		t.Errorf("expected no live instances, got %d", len(instances))
	}

	resp = executeRequest(mustRequest(t, http.MethodGet, "/api/sessions", nil))
	var sessions []controlapi.SessionView
	json.NewDecoder(resp.Body).Decode(&sessions)
	if len(sessions) != 0 {
		t.Errorf("expected no sessions, got %d", len(sessions))
	}

	resp = executeRequest(mustRequest(t, http.MethodGet, "/api/logs?lines=10", nil))
	var lines []string
	json.NewDecoder(resp.Body).Decode(&lines)
	if len(lines) != 0 {
		t.Errorf("expected no log lines yet, got %d", len(lines))
	}
}

func TestResumeLoginUnknownInstance(t *testing.T) {
	resp := executeRequest(mustRequest(t, http.MethodPost, "/api/instances/7/resume-login", nil))
	if resp.StatusCode != http.StatusConflict {
		t.Errorf("expected 409 for unknown instance, got %d", resp.StatusCode)
	}
}

func TestStatisticsNonNegativeCounts(t *testing.T) {
	resp := executeRequest(mustRequest(t, http.MethodGet, "/api/statistics", nil))
	var stats controlapi.StatisticsResponse
	json.NewDecoder(resp.Body).Decode(&stats)
	if stats.TotalAttempts < 0 {
		t.Errorf("unexpected negative attempt count: %d", stats.TotalAttempts)
	}
}

func mustRequest(t *testing.T, method, path string, body *bytes.Reader) *http.Request {
	t.Helper()
	if body == nil {
		req, err := http.NewRequest(method, path, nil)
		if err != nil {
			t.Fatalf("build request: %v", err)
		}
		return req
	}
	req, err := http.NewRequest(method, path, body)
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	return req
}

// executeRequest drives req straight through the router without a real
// listener.
func executeRequest(req *http.Request) *http.Response {
	rr := &responseRecorder{headers: make(http.Header), body: new(bytes.Buffer), code: http.StatusOK}

	ctx, cancel := context.WithTimeout(req.Context(), 5*time.Second)
	defer cancel()

	testRouter.ServeHTTP(rr, req.WithContext(ctx))

	return &http.Response{
		StatusCode: rr.code,
		Body:       nopCloser{rr.body},
		Header:     rr.headers,
	}
}

type responseRecorder struct {
	headers http.Header
	body    *bytes.Buffer
	code    int
}

func (r *responseRecorder) Header() http.Header { return r.headers }

func (r *responseRecorder) Write(b []byte) (int, error) { return r.body.Write(b) }

func (r *responseRecorder) WriteHeader(code int) { r.code = code }

type nopCloser struct {
	*bytes.Buffer
}

func (nopCloser) Close() error { return nil }
