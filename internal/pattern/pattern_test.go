package pattern

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/vorthane/fleetvote/internal/types"
)

func TestClassify(t *testing.T) {
	m, err := NewMatcher("", false)
	if err != nil {
		t.Fatalf("NewMatcher: %v", err)
	}
	defer m.Close()

	tests := []struct {
		name         string
		pageText     string
		egressIP     string
		wantClass    Class
		wantContains string
	}{
		{
			name:      "global hourly limit",
			pageText:  "Sorry, you have reached the hourly voting limit. Please try again later.",
			wantClass: ClassGlobalHourlyLimit,
		},
		{
			name:      "reactivation phrase",
			pageText:  "Voting will be reactivated at 14:00 UTC.",
			wantClass: ClassGlobalHourlyLimit,
		},
		{
			name:         "ip mismatch with captured address",
			pageText:     "Sorry, someone has already voted out of this IP: 203.0.113.5 in the last 24 hours.",
			egressIP:     "198.51.100.9",
			wantClass:    ClassInstanceCooldownMismatch,
			wantContains: "203.0.113.5",
		},
		{
			name:      "generic cooldown",
			pageText:  "Please come back at your next voting time.",
			wantClass: ClassInstanceCooldownGeneric,
		},
		{
			name:      "success",
			pageText:  "Thank you for voting! Your vote has been counted.",
			wantClass: ClassSuccess,
		},
		{
			name:      "no known signal",
			pageText:  "<html><body>Something unrelated happened.</body></html>",
			wantClass: ClassNone,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			class, msg := m.Classify(tt.pageText, tt.egressIP)
			if class != tt.wantClass {
				t.Errorf("Classify() class = %v, want %v (msg=%q)", class, tt.wantClass, msg)
			}
			if tt.wantContains != "" && !contains(msg, tt.wantContains) {
				t.Errorf("Classify() msg = %q, want substring %q", msg, tt.wantContains)
			}
		})
	}
}

func TestClassifyPriorityOrder(t *testing.T) {
	m, err := NewMatcher("", false)
	if err != nil {
		t.Fatalf("NewMatcher: %v", err)
	}
	defer m.Close()

	// A page mentioning both the hourly limit and a generic cooldown phrase
	// must classify as the higher-priority global limit.
	text := "You hit the hourly voting limit. Also, already voted today."
	class, _ := m.Classify(text, "")
	if class != ClassGlobalHourlyLimit {
		t.Errorf("Classify() class = %v, want ClassGlobalHourlyLimit (priority order violated)", class)
	}
}

func TestClassFailureKind(t *testing.T) {
	tests := []struct {
		class Class
		want  types.FailureKind
	}{
		{ClassGlobalHourlyLimit, types.FailureGlobalHourlyLimit},
		{ClassInstanceCooldownMismatch, types.FailureProxyIPMismatch},
		{ClassInstanceCooldownGeneric, types.FailureInstanceCooldown},
		{ClassSuccess, types.FailureNone},
		{ClassNone, types.FailureNone},
	}
	for _, tt := range tests {
		if got := tt.class.FailureKind(); got != tt.want {
			t.Errorf("Class(%v).FailureKind() = %q, want %q", tt.class, got, tt.want)
		}
	}
}

func TestCleanMessageStripsNameAndTruncates(t *testing.T) {
	raw := "Voted already John Q. Smith! Come back tomorrow.   Extra   whitespace."
	got := cleanMessage(raw)
	if contains(got, "Smith") {
		t.Errorf("cleanMessage() = %q, still contains personal name", got)
	}
	if contains(got, "  ") {
		t.Errorf("cleanMessage() = %q, whitespace not collapsed", got)
	}

	long := make([]byte, 400)
	for i := range long {
		long[i] = 'x'
	}
	got = cleanMessage(string(long))
	if len(got) != 200 {
		t.Errorf("cleanMessage() len = %d, want 200", len(got))
	}
}

func TestMatcherReloadFromOverrideFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "patterns.yaml")
	contents := "global_hourly_limit:\n  - \"custom limit phrase\"\n"
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatalf("write override file: %v", err)
	}

	m, err := NewMatcher(path, false)
	if err != nil {
		t.Fatalf("NewMatcher: %v", err)
	}
	defer m.Close()

	class, _ := m.Classify("this page has a custom limit phrase in it", "")
	if class != ClassGlobalHourlyLimit {
		t.Errorf("Classify() class = %v, want ClassGlobalHourlyLimit after override load", class)
	}
}

func contains(s, substr string) bool {
	return len(s) >= len(substr) && (substr == "" || indexOf(s, substr) >= 0)
}

func indexOf(s, substr string) int {
	for i := 0; i+len(substr) <= len(s); i++ {
		if s[i:i+len(substr)] == substr {
			return i
		}
	}
	return -1
}
