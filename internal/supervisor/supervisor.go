// Package supervisor owns the vote fleet's lifecycle: the registry of
// worker.Instance values, the activeByIP/activeByInstanceID bookkeeping,
// and the background jobs (ReadyScanner, AutoResumeMonitor,
// GlobalLimitGate's resume loop, ObservationBus publishing), with a
// wg+stopCh+bounded-grace shutdown discipline.
package supervisor

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/vorthane/fleetvote/internal/autoresume"
	"github.com/vorthane/fleetvote/internal/config"
	"github.com/vorthane/fleetvote/internal/cooldown"
	"github.com/vorthane/fleetvote/internal/globallimit"
	"github.com/vorthane/fleetvote/internal/launchgate"
	"github.com/vorthane/fleetvote/internal/metrics"
	"github.com/vorthane/fleetvote/internal/observation"
	"github.com/vorthane/fleetvote/internal/pattern"
	"github.com/vorthane/fleetvote/internal/proxybroker"
	"github.com/vorthane/fleetvote/internal/scanner"
	"github.com/vorthane/fleetvote/internal/sessionstore"
	"github.com/vorthane/fleetvote/internal/types"
	"github.com/vorthane/fleetvote/internal/userconfig"
	"github.com/vorthane/fleetvote/internal/votelog"
	"github.com/vorthane/fleetvote/internal/worker"
)

// Deps bundles every collaborator the Supervisor wires into each
// worker.Instance it creates.
type Deps struct {
	Config   *config.Config
	UserCfg  *userconfig.Store
	Store    *sessionstore.Store
	VoteLog  *votelog.Log
	Proxy    *proxybroker.Broker
	Gate     *launchgate.Gate
	Global   *globallimit.Gate
	Matcher  *pattern.Matcher
	Driver   worker.Driver
	Bus      *observation.Bus
	Names    map[types.InstanceID]string // display names, optional
}

// Supervisor is the top-level orchestrator. Zero value is not usable;
// construct with New.
type Supervisor struct {
	deps Deps

	mu        sync.Mutex
	instances map[types.InstanceID]*worker.Instance
	activeIPs map[string]types.InstanceID

	scan   *scanner.Scanner
	resume *autoresume.Monitor

	active      atomic.Bool
	overrideCfg atomic.Value // userconfig.Doc, the start-monitoring request override

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New constructs a Supervisor wired to deps but does not yet start any
// background job; call Start for that.
func New(deps Deps) *Supervisor {
	s := &Supervisor{
		deps:      deps,
		instances: make(map[types.InstanceID]*worker.Instance),
		activeIPs: make(map[string]types.InstanceID),
	}
	s.scan = scanner.New(deps.Store, deps.VoteLog, deps.Global, s.owned, s.TrySpawn, deps.Config.SessionScanInterval)
	s.resume = autoresume.New(s.autoresumeWorkers, deps.Global, 0)
	s.overrideCfg.Store(userconfig.Doc{})
	return s
}

// Start brings up every background job: the ReadyScanner, the
// AutoResumeMonitor, and the GlobalLimitGate's staggered-resume loop.
// Idempotent: a second call while already active is a no-op, so the
// control plane's start-monitoring handler can call it freely.
func (s *Supervisor) Start(ctx context.Context) {
	if !s.active.CompareAndSwap(false, true) {
		return
	}
	s.ctx, s.cancel = context.WithCancel(ctx)

	s.scan.Start()
	s.resume.Start()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.deps.Global.RunResumeLoop(s.ctx, s.releaseOneForResume)
	}()
}

// Active reports whether the fleet's background jobs are currently
// running, for the control plane's /api/health and /api/status.
func (s *Supervisor) Active() bool {
	return s.active.Load()
}

// SetOverride installs a request-scoped config override (from a
// start-monitoring call body), taking priority over user_config.json and
// the environment defaults. Passing the zero Doc clears it.
func (s *Supervisor) SetOverride(doc userconfig.Doc) {
	s.overrideCfg.Store(doc)
}

// Shutdown stops accepting new launches, cancels every running worker,
// and waits up to grace for in-flight browser operations to unwind
// before returning.
func (s *Supervisor) Shutdown(grace time.Duration) {
	if !s.active.CompareAndSwap(true, false) {
		return
	}
	s.scan.Stop()
	s.resume.Stop()
	if s.cancel != nil {
		s.cancel()
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(grace):
		log.Warn().Dur("grace", grace).Msg("supervisor: shutdown grace period elapsed with workers still active")
	}
}

// owned reports, for the ReadyScanner, which instance ids currently hold
// an active (Launching/Navigating/Voting) WorkerInstance.
func (s *Supervisor) owned() map[types.InstanceID]bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[types.InstanceID]bool, len(s.instances))
	for id, inst := range s.instances {
		if inst.State().IsActive() {
			out[id] = true
		}
	}
	return out
}

// autoresumeWorkers adapts the instance registry into the narrow
// autoresume.Worker surface.
func (s *Supervisor) autoresumeWorkers() []autoresume.Worker {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]autoresume.Worker, 0, len(s.instances))
	for _, inst := range s.instances {
		out = append(out, inst)
	}
	return out
}

// releaseOneForResume is GlobalLimitGate's ReleaseOneFunc: it picks one
// currently-paused worker and starts its next Run, reporting how many
// paused workers remain afterward. Called serially by RunResumeLoop with
// BrowserLaunchDelay spacing between calls.
func (s *Supervisor) releaseOneForResume(ctx context.Context) int {
	s.mu.Lock()
	var chosen *worker.Instance
	remaining := 0
	for _, inst := range s.instances {
		if inst.State().Kind != types.StatePaused {
			continue
		}
		if chosen == nil {
			chosen = inst
			continue
		}
		remaining++
	}
	s.mu.Unlock()

	if chosen == nil {
		return 0
	}
	chosen.MarkEligible()
	s.launch(chosen)
	return remaining
}

// TrySpawn is the ReadyScanner's hook: get-or-create the persistent
// worker.Instance for id and, if it is not already active, start its next
// Run in the background.
func (s *Supervisor) TrySpawn(id types.InstanceID) {
	inst, isNew := s.getOrCreate(id)
	if !isNew && inst.State().IsActive() {
		return
	}
	s.launch(inst)
}

func (s *Supervisor) getOrCreate(id types.InstanceID) (inst *worker.Instance, created bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.instances[id]; ok {
		return existing, false
	}

	session, err := s.deps.Store.Load(id)
	if err != nil {
		session = types.SessionRecord{InstanceID: id}
	}

	name := s.deps.Names[id]
	if name == "" {
		name = fmt.Sprintf("instance-%d", id)
	}

	inst = worker.New(id, name, session, worker.Deps{
		Driver:        s.deps.Driver,
		Gate:          s.deps.Gate,
		Proxy:         s.deps.Proxy,
		Matcher:       s.deps.Matcher,
		Store:         s.deps.Store,
		Log:           s.deps.VoteLog,
		Global:        s.deps.Global,
		Clock:         cooldown.Clock{},
		Config:        s.votingConfig,
		OnActive:      s.onActive,
		OnStateChange: s.onStateChange,
	})
	s.instances[id] = inst
	return inst, true
}

func (s *Supervisor) launch(inst *worker.Instance) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		start := time.Now()
		inst.Run(s.ctx)
		metrics.RecordAttempt(string(inst.State().Kind), string(inst.State().RetryKind), time.Since(start))
	}()
}

// votingConfig is worker.Deps.Config: the current voting URL and
// selectors. The URL is resolved SetOverride doc > user_config.json >
// Config.VotingURL; the selectors come from Config.
func (s *Supervisor) votingConfig() (string, worker.Selectors) {
	override, _ := s.overrideCfg.Load().(userconfig.Doc)
	resolved := userconfig.Resolve(override, s.deps.UserCfg.Get(), userconfig.Doc{VotingURL: s.deps.Config.VotingURL})
	return resolved.VotingURL, worker.Selectors{
		VoteButton:  s.deps.Config.VoteButtonSelector,
		VoteCount:   s.deps.Config.VoteCountSelector,
		LoginButton: s.deps.Config.LoginButtonSelector,
		LoginPhrase: s.deps.Config.LoginPhrase,
	}
}

// onActive records egress-IP ownership in activeIPs, kept in sync with
// instances under the same mutex, so ownership can never be keyed by one
// identity and looked up by another. A claim on an IP already owned by
// another instance is logged as an error and takes over the entry; it is
// not refused, so two live instances can share an egress IP.
func (s *Supervisor) onActive(id types.InstanceID, ip string) func() {
	s.mu.Lock()
	if owner, ok := s.activeIPs[ip]; ok && owner != id {
		log.Error().Str("ip", ip).Int("instance_id", int(id)).Int("existing_owner", int(owner)).Msg("supervisor: egress IP already owned by another active instance")
	}
	s.activeIPs[ip] = id
	s.mu.Unlock()

	return func() {
		s.mu.Lock()
		if s.activeIPs[ip] == id {
			delete(s.activeIPs, ip)
		}
		s.mu.Unlock()
	}
}

// onStateChange forwards every transition to the ObservationBus and
// updates the Prometheus worker-state gauge.
func (s *Supervisor) onStateChange(id types.InstanceID, st types.WorkerState) {
	snap := s.snapshotFor(id, st)
	s.deps.Bus.PublishTransition(snap)
	s.refreshStateMetrics()
}

func (s *Supervisor) snapshotFor(id types.InstanceID, st types.WorkerState) types.InstanceSnapshot {
	s.mu.Lock()
	inst, ok := s.instances[id]
	s.mu.Unlock()

	snap := types.InstanceSnapshot{InstanceID: id, State: st, Owned: ok}
	if !ok {
		return snap
	}
	session := inst.Session()
	snap.VoteCount = session.VoteCount
	snap.LastSuccess = session.LastSuccessTime
	snap.LastAttempt = session.LastAttemptTime
	snap.IP = session.LastKnownEgress

	clock := cooldown.Clock{}
	snap.NextVoteTime = clock.EligibleAt(inst.CooldownState())
	snap.SecondsRemaining = clock.SecondsUntilEligible(inst.CooldownState(), s.deps.Global.Snapshot(), time.Now())
	return snap
}

func (s *Supervisor) refreshStateMetrics() {
	s.mu.Lock()
	counts := make(map[string]int)
	for _, inst := range s.instances {
		counts[string(inst.State().Kind)]++
	}
	s.mu.Unlock()
	metrics.SetWorkerStateCounts(counts)
	metrics.SetGlobalLimitActive(s.deps.Global.Snapshot().Active)
}

// Snapshots returns the current view of every known instance, sorted by
// nothing in particular — callers (the control plane) sort as needed.
func (s *Supervisor) Snapshots() []types.InstanceSnapshot {
	s.mu.Lock()
	ids := make([]types.InstanceID, 0, len(s.instances))
	for id := range s.instances {
		ids = append(ids, id)
	}
	s.mu.Unlock()

	out := make([]types.InstanceSnapshot, 0, len(ids))
	for _, id := range ids {
		s.mu.Lock()
		inst := s.instances[id]
		s.mu.Unlock()
		out = append(out, s.snapshotFor(id, inst.State()))
	}
	return out
}

// ResumeLogin is the control-plane's explicit re-entry trigger for a
// worker stuck in AwaitingLogin: there is no timer exit from that state,
// only an operator confirming the login flow has been completed by hand.
func (s *Supervisor) ResumeLogin(id types.InstanceID) error {
	s.mu.Lock()
	inst, ok := s.instances[id]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("supervisor: unknown instance %d", id)
	}
	if inst.State().Kind != types.StateAwaitingLogin {
		return fmt.Errorf("supervisor: instance %d is not awaiting login", id)
	}
	inst.ResumeFromLogin()
	s.launch(inst)
	return nil
}
