package autoresume

import (
	"testing"
	"time"

	"github.com/vorthane/fleetvote/internal/cooldown"
	"github.com/vorthane/fleetvote/internal/globallimit"
	"github.com/vorthane/fleetvote/internal/types"
)

// fakeWorker is the minimal Worker implementation the Monitor needs.
type fakeWorker struct {
	id      types.InstanceID
	state   types.WorkerState
	cooldwn cooldown.WorkerCooldownState
	cleared bool
}

func (f *fakeWorker) ID() types.InstanceID                        { return f.id }
func (f *fakeWorker) State() types.WorkerState                     { return f.state }
func (f *fakeWorker) CooldownState() cooldown.WorkerCooldownState { return f.cooldwn }
func (f *fakeWorker) MarkEligible() {
	f.cleared = true
	f.state = types.WorkerState{Kind: types.StateIdle}
}

func newPausedWorker(lastSuccess time.Time) *fakeWorker {
	return &fakeWorker{
		id:      1,
		state:   types.WorkerState{Kind: types.StatePaused},
		cooldwn: cooldown.WorkerCooldownState{LastSuccessTime: &lastSuccess},
	}
}

func TestTickDoesNotClearWorkersWhileGateActive(t *testing.T) {
	gate := globallimit.New()
	gate.Activate(time.Now().Add(-time.Hour)) // reactivation already passed

	// The worker's own per-worker cooldown cleared long ago, but the gate
	// is still Active (CompleteResume has not run yet): MarkEligible must
	// not be called.
	w := newPausedWorker(time.Now().Add(-2 * time.Hour))

	m := New(func() []Worker { return []Worker{w} }, gate, time.Hour)
	m.tick()

	if w.cleared {
		t.Fatal("tick() cleared a paused worker while the gate was still Active")
	}
}

func TestTickDoesNotClearWorkersDuringStaggeredResume(t *testing.T) {
	gate := globallimit.New()
	gate.Activate(time.Now().Add(-time.Hour))
	gate.BeginStaggeredResume()

	w := newPausedWorker(time.Now().Add(-2 * time.Hour))

	m := New(func() []Worker { return []Worker{w} }, gate, time.Hour)
	m.tick()

	if w.cleared {
		t.Fatal("tick() cleared a paused worker during a staggered resume")
	}
}

func TestTickClearsEligibleWorkersOnceGateInactive(t *testing.T) {
	gate := globallimit.New() // never activated: inactive from the start

	w := newPausedWorker(time.Now().Add(-2 * time.Hour))

	m := New(func() []Worker { return []Worker{w} }, gate, time.Hour)
	m.tick()

	if !w.cleared {
		t.Fatal("tick() did not clear a worker whose cooldown expired and gate is inactive")
	}
	if w.State().Kind != types.StateIdle {
		t.Errorf("worker state = %v, want idle", w.State().Kind)
	}
}

func TestTickLeavesWorkersStillInCooldown(t *testing.T) {
	gate := globallimit.New()

	w := newPausedWorker(time.Now()) // cooldown window has not elapsed

	m := New(func() []Worker { return []Worker{w} }, gate, time.Hour)
	m.tick()

	if w.cleared {
		t.Fatal("tick() cleared a worker still within its per-worker cooldown")
	}
}

func TestTickIgnoresWorkersNotInAnEligibleKind(t *testing.T) {
	gate := globallimit.New()

	w := &fakeWorker{id: 1, state: types.WorkerState{Kind: types.StateVoting}}
	m := New(func() []Worker { return []Worker{w} }, gate, time.Hour)
	m.tick()

	if w.cleared {
		t.Fatal("tick() called MarkEligible on a worker in an active (non-waiting) state")
	}
}
