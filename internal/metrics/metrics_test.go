package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestHandler(t *testing.T) {
	handler := Handler()
	if handler == nil {
		t.Fatal("Handler() returned nil")
	}

	RecordAttempt("success", "", 1*time.Second)
	SetGlobalLimitActive(false)
	SetWorkerStateCounts(map[string]int{"idle": 1})

	req := httptest.NewRequest("GET", "/metrics", nil)
	w := httptest.NewRecorder()

	handler.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("Expected status 200, got %d", w.Code)
	}

	body := w.Body.String()

	expectedMetrics := []string{
		"fleetvote_launchgate_capacity",
		"fleetvote_global_limit_active",
		"fleetvote_workers_by_state",
	}

	for _, metric := range expectedMetrics {
		if !strings.Contains(body, metric) {
			t.Errorf("Expected metric %q not found in output", metric)
		}
	}
}

func TestSetBuildInfo(t *testing.T) {
	SetBuildInfo("1.0.0", "go1.22")

	req := httptest.NewRequest("GET", "/metrics", nil)
	w := httptest.NewRecorder()

	Handler().ServeHTTP(w, req)

	body := w.Body.String()
	if !strings.Contains(body, "fleetvote_build_info") {
		t.Error("Expected fleetvote_build_info metric")
	}
	if !strings.Contains(body, "version=\"1.0.0\"") {
		t.Error("Expected version label in build_info")
	}
	if !strings.Contains(body, "go_version=\"go1.22\"") {
		t.Error("Expected go_version label in build_info")
	}
}

func TestRecordAttempt(t *testing.T) {
	RecordAttempt("success", "", 1*time.Second)
	RecordAttempt("failed", "technical", 500*time.Millisecond)
	RecordAttempt("failed", "ip_cooldown", 2*time.Second)

	req := httptest.NewRequest("GET", "/metrics", nil)
	w := httptest.NewRecorder()

	Handler().ServeHTTP(w, req)

	body := w.Body.String()

	if !strings.Contains(body, "fleetvote_attempts_total") {
		t.Error("Expected fleetvote_attempts_total metric")
	}
	if !strings.Contains(body, "fleetvote_attempt_duration_seconds") {
		t.Error("Expected fleetvote_attempt_duration_seconds metric")
	}
}

func TestRecordProxyAcquisition(t *testing.T) {
	RecordProxyAcquisition("success")
	RecordProxyAcquisition("circuit_open")

	req := httptest.NewRequest("GET", "/metrics", nil)
	w := httptest.NewRecorder()

	Handler().ServeHTTP(w, req)

	body := w.Body.String()
	if !strings.Contains(body, "fleetvote_proxy_acquisitions_total") {
		t.Error("Expected fleetvote_proxy_acquisitions_total metric")
	}
}

func TestSetGlobalLimitActive(t *testing.T) {
	SetGlobalLimitActive(true)

	req := httptest.NewRequest("GET", "/metrics", nil)
	w := httptest.NewRecorder()

	Handler().ServeHTTP(w, req)

	body := w.Body.String()
	if !strings.Contains(body, "fleetvote_global_limit_active 1") {
		t.Error("Expected global_limit_active to be 1")
	}

	SetGlobalLimitActive(false)
	w2 := httptest.NewRecorder()
	Handler().ServeHTTP(w2, req)
	if !strings.Contains(w2.Body.String(), "fleetvote_global_limit_active 0") {
		t.Error("Expected global_limit_active to be 0")
	}
}

func TestSetWorkerStateCounts(t *testing.T) {
	SetWorkerStateCounts(map[string]int{"idle": 3, "voting": 1})

	req := httptest.NewRequest("GET", "/metrics", nil)
	w := httptest.NewRecorder()

	Handler().ServeHTTP(w, req)

	body := w.Body.String()
	if !strings.Contains(body, `fleetvote_workers_by_state{state="idle"} 3`) {
		t.Error("Expected workers_by_state idle=3")
	}
	if !strings.Contains(body, `fleetvote_workers_by_state{state="voting"} 1`) {
		t.Error("Expected workers_by_state voting=1")
	}
}

func TestStartMemoryCollector(t *testing.T) {
	stopCh := make(chan struct{})

	go StartMemoryCollector(50*time.Millisecond, stopCh)

	time.Sleep(150 * time.Millisecond)

	close(stopCh)

	req := httptest.NewRequest("GET", "/metrics", nil)
	w := httptest.NewRecorder()

	Handler().ServeHTTP(w, req)

	body := w.Body.String()

	if !strings.Contains(body, "fleetvote_memory_usage_bytes") {
		t.Error("Expected fleetvote_memory_usage_bytes metric")
	}
	if !strings.Contains(body, "fleetvote_memory_sys_bytes") {
		t.Error("Expected fleetvote_memory_sys_bytes metric")
	}
	if !strings.Contains(body, "fleetvote_goroutines") {
		t.Error("Expected fleetvote_goroutines metric")
	}
}
