// Package autoresume implements the AutoResumeMonitor: a periodic ticker
// that catches workers whose individual cooldown expired while a global
// pause was active and marks them eligible again. It never launches
// anything itself — that stays exclusively the ReadyScanner's
// one-per-tick job — it only clears a worker's own Cooldown/Paused/RetryScheduled state
// so the scanner can see it as a candidate on its next pass.
package autoresume

import (
	"sync"
	"time"

	"github.com/vorthane/fleetvote/internal/cooldown"
	"github.com/vorthane/fleetvote/internal/globallimit"
	"github.com/vorthane/fleetvote/internal/types"
)

// DefaultInterval is 30s, the same cadence as the ReadyScanner but an
// independent ticker.
const DefaultInterval = 30 * time.Second

// Worker is the minimal surface AutoResumeMonitor needs from a
// worker.Instance, kept narrow so this package has no import-cycle with
// internal/worker.
type Worker interface {
	ID() types.InstanceID
	State() types.WorkerState
	CooldownState() cooldown.WorkerCooldownState
	// MarkEligible clears a Cooldown/Paused/RetryScheduled state back to Idle. It is a
	// no-op if the worker is not currently in one of those states.
	MarkEligible()
}

// Workers returns the current roster to sweep each tick. Supplied by the
// Supervisor, which owns the authoritative set of live worker.Instance
// values.
type Workers func() []Worker

// Monitor is the AutoResumeMonitor.
type Monitor struct {
	workers  Workers
	global   *globallimit.Gate
	clock    cooldown.Clock
	interval time.Duration

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New constructs a Monitor. interval<=0 uses DefaultInterval.
func New(workers Workers, global *globallimit.Gate, interval time.Duration) *Monitor {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Monitor{workers: workers, global: global, interval: interval, stopCh: make(chan struct{})}
}

// Start begins the periodic sweep in a background goroutine.
func (m *Monitor) Start() {
	m.wg.Add(1)
	go m.loop()
}

// Stop signals the loop to exit and waits for it.
func (m *Monitor) Stop() {
	close(m.stopCh)
	m.wg.Wait()
}

func (m *Monitor) loop() {
	defer m.wg.Done()
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.tick()
		}
	}
}

func (m *Monitor) tick() {
	snap := m.global.Snapshot()
	if snap.Active {
		// The gate itself is still active: a worker's own per-worker
		// cooldown clearing does not mean it may resume. Only the
		// gate's own staggered resume loop (through its releaseOne
		// callback) may move a worker out of Paused while Active is true.
		return
	}
	if snap.StaggeredResumeInProgress {
		// While the global gate is releasing paused workers one at a
		// time, this monitor must not also unpause anyone, or the
		// effective launch rate doubles.
		return
	}

	now := time.Now()
	for _, w := range m.workers() {
		st := w.State()
		if !eligibleKind(st.Kind) {
			continue
		}
		if m.clock.SecondsUntilEligible(w.CooldownState(), snap, now) != 0 {
			continue
		}
		w.MarkEligible()
	}
}

func eligibleKind(k types.WorkerStateKind) bool {
	switch k {
	case types.StateCooldown, types.StatePaused, types.StateRetryScheduled:
		return true
	default:
		return false
	}
}
