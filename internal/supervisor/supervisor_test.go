package supervisor

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/vorthane/fleetvote/internal/config"
	"github.com/vorthane/fleetvote/internal/globallimit"
	"github.com/vorthane/fleetvote/internal/launchgate"
	"github.com/vorthane/fleetvote/internal/observation"
	"github.com/vorthane/fleetvote/internal/pattern"
	"github.com/vorthane/fleetvote/internal/proxybroker"
	"github.com/vorthane/fleetvote/internal/sessionstore"
	"github.com/vorthane/fleetvote/internal/types"
	"github.com/vorthane/fleetvote/internal/userconfig"
	"github.com/vorthane/fleetvote/internal/votelog"
	"github.com/vorthane/fleetvote/internal/worker"
)

// noopDriver never actually launches a browser; these tests exercise the
// registry/bookkeeping logic directly rather than a full Run() pipeline.
type noopDriver struct{}

func (noopDriver) Launch(ctx context.Context, proxy proxybroker.ConnectParams, storageState []byte) (worker.Handle, error) {
	return nil, context.Canceled
}

func newTestSupervisor(t *testing.T) *Supervisor {
	t.Helper()
	dir := t.TempDir()

	store := sessionstore.New(filepath.Join(dir, "session_data"))
	vlog, err := votelog.Open(filepath.Join(dir, "vote_log.csv"), 16)
	if err != nil {
		t.Fatalf("votelog.Open: %v", err)
	}
	t.Cleanup(func() { _ = vlog.Close() })

	userCfg, err := userconfig.Open(filepath.Join(dir, "user_config.json"))
	if err != nil {
		t.Fatalf("userconfig.Open: %v", err)
	}
	t.Cleanup(func() { _ = userCfg.Close() })

	matcher, err := pattern.NewMatcher("", false)
	if err != nil {
		t.Fatalf("pattern.NewMatcher: %v", err)
	}

	return New(Deps{
		Config: &config.Config{
			SessionScanInterval: time.Minute,
			VoteButtonSelector:  "#vote",
			VoteCountSelector:   "#count",
			LoginButtonSelector: "#login",
			LoginPhrase:         "log in",
		},
		UserCfg: userCfg,
		Store:   store,
		VoteLog: vlog,
		Proxy:   proxybroker.New("proxy.example.com", "user", "pass", nil),
		Gate:    launchgate.New(1, 0),
		Global:  globallimit.New(),
		Matcher: matcher,
		Driver:  noopDriver{},
		Bus:     observation.New(),
	})
}

func TestStartIsIdempotentAndShutdownStops(t *testing.T) {
	s := newTestSupervisor(t)

	if s.Active() {
		t.Fatal("Active() true before Start")
	}

	s.Start(context.Background())
	if !s.Active() {
		t.Fatal("Active() false after Start")
	}

	// A second Start while already active must be a no-op, not restart
	// the background jobs or reset the context.
	firstCtx := s.ctx
	s.Start(context.Background())
	if s.ctx != firstCtx {
		t.Error("second Start replaced the running context; Start is not idempotent")
	}

	s.Shutdown(time.Second)
	if s.Active() {
		t.Fatal("Active() true after Shutdown")
	}

	// Shutdown is also idempotent: a second call must not panic or block.
	s.Shutdown(time.Second)
}

func TestResumeLoginUnknownInstance(t *testing.T) {
	s := newTestSupervisor(t)

	err := s.ResumeLogin(types.InstanceID(999))
	if err == nil {
		t.Fatal("ResumeLogin on an unknown instance returned nil error")
	}
}

func TestResumeLoginRejectsNonAwaitingLoginInstance(t *testing.T) {
	s := newTestSupervisor(t)

	inst, _ := s.getOrCreate(types.InstanceID(1))
	if inst.State().Kind != types.StateIdle {
		t.Fatalf("freshly created instance state = %v, want idle", inst.State().Kind)
	}

	if err := s.ResumeLogin(types.InstanceID(1)); err == nil {
		t.Fatal("ResumeLogin succeeded on an instance that is not AwaitingLogin")
	}
}

func TestOnActiveTracksIPOwnership(t *testing.T) {
	s := newTestSupervisor(t)

	release1 := s.onActive(types.InstanceID(1), "203.0.113.1")
	if owner := s.activeIPs["203.0.113.1"]; owner != types.InstanceID(1) {
		t.Fatalf("activeIPs[ip] = %v, want instance 1", owner)
	}

	// A second instance claiming the same IP does not evict the first
	// (onActive only logs the conflict); the map still reflects whichever
	// claim won the race, which here is the second writer.
	release2 := s.onActive(types.InstanceID(2), "203.0.113.1")
	if owner := s.activeIPs["203.0.113.1"]; owner != types.InstanceID(2) {
		t.Fatalf("activeIPs[ip] after second onActive = %v, want instance 2", owner)
	}

	// release1 must not clear an entry it no longer owns.
	release1()
	if owner, ok := s.activeIPs["203.0.113.1"]; !ok || owner != types.InstanceID(2) {
		t.Fatalf("release1() cleared an IP owned by a different instance: ok=%v owner=%v", ok, owner)
	}

	release2()
	if _, ok := s.activeIPs["203.0.113.1"]; ok {
		t.Fatal("activeIPs entry still present after its owner released it")
	}
}

func TestOwnedReflectsActiveStatesOnly(t *testing.T) {
	s := newTestSupervisor(t)

	s.getOrCreate(types.InstanceID(1)) // idle, not active
	owned := s.owned()
	if owned[types.InstanceID(1)] {
		t.Error("idle instance reported as owned")
	}
}
