// Package worker implements the per-instance vote-attempt state machine:
// one Instance owns at most one browser at a time, and Run drives it
// through exactly one pass of Idle→Launching→Navigating→Voting→(a
// terminal state), classifying every possible exit explicitly. Every
// failure is caught and converted to a state transition here — nothing
// escapes a worker's active phase as a propagated error; local recovery
// is always the default.
package worker

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/vorthane/fleetvote/internal/cooldown"
	"github.com/vorthane/fleetvote/internal/globallimit"
	"github.com/vorthane/fleetvote/internal/launchgate"
	"github.com/vorthane/fleetvote/internal/pattern"
	"github.com/vorthane/fleetvote/internal/proxybroker"
	"github.com/vorthane/fleetvote/internal/security"
	"github.com/vorthane/fleetvote/internal/sessionstore"
	"github.com/vorthane/fleetvote/internal/types"
	"github.com/vorthane/fleetvote/internal/votelog"
)

// RetryDelayTechnical is the wait applied to every technical failure kind
// (click failed, count unchanged, navigation failure, init timeout, proxy
// unavailable).
const RetryDelayTechnical = 5 * time.Minute

// PageReadDeadline bounds every blocking browser read. Non-negotiable: a
// hung page must not leak a browser indefinitely.
const PageReadDeadline = 10 * time.Second

// maxClickRetries bounds in-page click retries before a ClickFailed
// terminal state is reached.
const maxClickRetries = 3

var digitsPattern = regexp.MustCompile(`[0-9][0-9,]*`)

// Deps bundles the collaborators an Instance needs. All are shared across
// every Instance in the fleet except Selectors/VotingURL, which come from
// user configuration and may differ per call.
type Deps struct {
	Driver  Driver
	Gate    *launchgate.Gate
	Proxy   *proxybroker.Broker
	Matcher *pattern.Matcher
	Store   *sessionstore.Store
	Log     *votelog.Log
	Global  *globallimit.Gate
	Clock   cooldown.Clock

	// Config supplies the current voting URL and page selectors. It is
	// called exactly once per Run, at Launching entry: a change to the
	// Supervisor's shared configuration is frozen for the duration of one
	// attempt and only takes effect the next time this worker enters
	// Launching.
	Config func() (votingURL string, selectors Selectors)

	// OnActive is called once, right after an egress IP is acquired and
	// before the browser is launched, and its returned release func is
	// called unconditionally when the browser handle closes. The
	// Supervisor wires this to its activeByIP registry, which tracks IP
	// ownership across siblings that Instance cannot see; a conflicting
	// claim is logged there, not refused. Optional; nil is a no-op.
	OnActive func(id types.InstanceID, ip string) (release func())

	// OnStateChange is called synchronously on every state transition, for
	// the ObservationBus: transition events must be emitted immediately,
	// never coalesced. Optional; nil is a no-op.
	OnStateChange func(id types.InstanceID, s types.WorkerState)
}

// Instance is one persistent vote-fleet identity and its live state
// machine. Zero value is not usable; construct with New.
type Instance struct {
	id   types.InstanceID
	name string
	deps Deps

	mu      sync.Mutex
	state   types.WorkerState
	session types.SessionRecord

	clickAttemptCeiling int

	// frozenVotingURL/frozenSelectors are snapshotted from deps.Config at
	// the start of Run and held for the duration of that one attempt.
	frozenVotingURL   string
	frozenSelectors   Selectors
}

// New constructs an Instance for id, seeded with its persisted session
// record (zero value if this is a brand-new instance with no prior
// SessionStore entry).
func New(id types.InstanceID, name string, session types.SessionRecord, deps Deps) *Instance {
	return &Instance{
		id:                  id,
		name:                name,
		deps:                deps,
		state:               types.WorkerState{Kind: types.StateIdle},
		session:             session,
		clickAttemptCeiling: maxClickRetries,
	}
}

// ID returns the instance id this worker owns.
func (w *Instance) ID() types.InstanceID { return w.id }

// State returns a copy of the current state, safe for concurrent readers
// (the ReadyScanner, AutoResumeMonitor, and control plane all poll this).
func (w *Instance) State() types.WorkerState {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

func (w *Instance) setState(s types.WorkerState) {
	w.mu.Lock()
	w.state = s
	w.mu.Unlock()
	if w.deps.OnStateChange != nil {
		w.deps.OnStateChange(w.id, s)
	}
}

// Session returns a copy of the worker's last-known persisted session
// record, used by CooldownClock and the control plane.
func (w *Instance) Session() types.SessionRecord {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.session
}

// CooldownState adapts the worker's session/state into CooldownClock's
// input shape.
func (w *Instance) CooldownState() cooldown.WorkerCooldownState {
	w.mu.Lock()
	defer w.mu.Unlock()
	st := cooldown.WorkerCooldownState{LastSuccessTime: w.session.LastSuccessTime}
	if w.state.Kind == types.StateRetryScheduled {
		until := w.state.Until
		st.RetryUntil = &until
	}
	return st
}

// MarkEligible clears a Cooldown/Paused/RetryScheduled wait back to Idle.
// Called by the AutoResumeMonitor once CooldownClock reports zero seconds
// remaining; it does not itself launch anything — the ReadyScanner's
// one-per-tick rule is what actually starts the next Run.
func (w *Instance) MarkEligible() {
	w.mu.Lock()
	switch w.state.Kind {
	case types.StateCooldown, types.StatePaused, types.StateRetryScheduled:
		w.state = types.WorkerState{Kind: types.StateIdle}
	default:
		w.mu.Unlock()
		return
	}
	w.mu.Unlock()
	if w.deps.OnStateChange != nil {
		w.deps.OnStateChange(w.id, types.WorkerState{Kind: types.StateIdle})
	}
}

// ResumeFromLogin clears an AwaitingLogin state back to Idle. This is the
// only exit from AwaitingLogin — there is no timer, only this explicit
// control-plane-triggered call.
func (w *Instance) ResumeFromLogin() {
	w.mu.Lock()
	if w.state.Kind != types.StateAwaitingLogin {
		w.mu.Unlock()
		return
	}
	w.state = types.WorkerState{Kind: types.StateIdle}
	w.mu.Unlock()
	if w.deps.OnStateChange != nil {
		w.deps.OnStateChange(w.id, types.WorkerState{Kind: types.StateIdle})
	}
}

// Run drives exactly one attempt: Idle (assumed caller-verified) through
// Launching, Navigating, Voting, to a terminal state. It must only be
// called when the caller (ReadyScanner or AutoResumeMonitor via the
// Supervisor) has already verified the global gate is inactive and no
// staggered resume is in progress — Run re-checks this once more as the
// authoritative latch immediately before entering Launching.
func (w *Instance) Run(ctx context.Context) {
	snap := w.deps.Global.Snapshot()
	if snap.Active {
		w.setState(types.WorkerState{Kind: types.StatePaused, Until: snap.ReactivationTime, PauseReason: types.PauseGlobalHourlyLimit})
		return
	}

	w.setState(types.WorkerState{Kind: types.StateLaunching})

	if w.deps.Config != nil {
		url, sel := w.deps.Config()
		w.mu.Lock()
		w.frozenVotingURL = url
		w.frozenSelectors = sel
		w.mu.Unlock()
	}

	initCtx, cancel, release, err := w.deps.Gate.AcquireForInit(ctx)
	if err != nil {
		w.retryTechnical(types.FailureBrowserInitTimeout, fmt.Sprintf("launch gate: %v", err))
		return
	}
	defer cancel()

	sessionToken, err := w.nextSessionToken()
	if err != nil {
		release()
		w.retryTechnical(types.FailureProxyUnavailable, fmt.Sprintf("session token: %v", err))
		return
	}

	egressIP, connParams, err := w.deps.Proxy.AcquireEgress(initCtx, sessionToken)
	if err != nil {
		release()
		w.retryTechnical(types.FailureProxyUnavailable, fmt.Sprintf("proxy: %v", err))
		return
	}

	var releaseActive func()
	if w.deps.OnActive != nil {
		releaseActive = w.deps.OnActive(w.id, egressIP)
	}

	handle, err := w.deps.Driver.Launch(initCtx, connParams, w.session.StorageState)
	release()
	if err != nil {
		if releaseActive != nil {
			releaseActive()
		}
		w.retryTechnical(types.FailureBrowserInitTimeout, fmt.Sprintf("browser launch: %v", err))
		return
	}

	w.runActive(ctx, handle, egressIP, sessionToken, releaseActive)
}

// runActive is Navigating through whatever terminal state the attempt
// reaches. handle is guaranteed closed on every return path, and
// releaseActive (the Supervisor's activeByIP release, if any) is always
// called alongside it so IP ownership never outlives the browser.
func (w *Instance) runActive(ctx context.Context, handle Handle, egressIP, sessionToken string, releaseActive func()) {
	closed := false
	closeHandle := func() {
		if !closed {
			_ = handle.Close()
			if releaseActive != nil {
				releaseActive()
			}
			closed = true
		}
	}
	defer closeHandle()

	w.setState(types.WorkerState{Kind: types.StateNavigating})

	readCtx, cancel := context.WithTimeout(ctx, PageReadDeadline)
	defer cancel()

	votingURL := w.votingURL()
	if err := handle.Goto(readCtx, votingURL); err != nil {
		w.retryTechnical(types.FailureNavigation, fmt.Sprintf("goto: %v", err))
		return
	}

	pageText, err := handle.Content(readCtx)
	if err != nil {
		w.retryTechnical(types.FailureNavigation, fmt.Sprintf("content: %v", err))
		return
	}

	if exists, visible, text, err := handle.ElementState(readCtx, w.selectors().LoginButton); err == nil && exists && visible {
		if strings.Contains(strings.ToLower(text), strings.ToLower(w.selectors().LoginPhrase)) {
			w.setState(types.WorkerState{Kind: types.StateAwaitingLogin})
			return
		}
	}

	if class, _ := w.deps.Matcher.Classify(pageText, egressIP); class == pattern.ClassGlobalHourlyLimit {
		w.deps.Global.Activate(time.Now())
		snap := w.deps.Global.Snapshot()
		w.setState(types.WorkerState{Kind: types.StatePaused, Until: snap.ReactivationTime, PauseReason: types.PauseGlobalHourlyLimit})
		return
	}

	w.setState(types.WorkerState{Kind: types.StateVoting})

	initialCount, err := w.readVoteCount(readCtx, handle)
	if err != nil {
		w.appendFailure(types.VoteAttempt{FailureType: types.FailureNavigation, ErrorMessage: err.Error()}, votingURL, egressIP, sessionToken)
		w.retryTechnical(types.FailureNavigation, "could not read vote count before click")
		return
	}

	clickErr := w.clickVoteButtonWithRetries(readCtx, handle)
	if clickErr != nil {
		w.appendFailure(types.VoteAttempt{
			FailureType:   types.FailureClickFailed,
			FailureReason: "Click failed - Button still visible (popup may have reappeared)",
			InitialCount:  intPtr(initialCount),
			ClickAttempts: w.clickAttemptCeiling,
		}, votingURL, egressIP, sessionToken)
		w.retryTechnical(types.FailureClickFailed, "Click failed - Button still visible (popup may have reappeared)")
		return
	}

	handle.WaitForSettle(ctx)

	finalPageText, err := handle.Content(readCtx)
	if err != nil {
		w.appendFailure(types.VoteAttempt{FailureType: types.FailureNavigation, InitialCount: intPtr(initialCount), ErrorMessage: err.Error()}, votingURL, egressIP, sessionToken)
		w.retryTechnical(types.FailureNavigation, "could not read page after click")
		return
	}
	finalCount, err := w.readVoteCount(readCtx, handle)
	if err != nil {
		w.appendFailure(types.VoteAttempt{FailureType: types.FailureNavigation, InitialCount: intPtr(initialCount), ErrorMessage: err.Error()}, votingURL, egressIP, sessionToken)
		w.retryTechnical(types.FailureNavigation, "could not read vote count after click")
		return
	}

	class, msg := w.deps.Matcher.Classify(finalPageText, egressIP)
	delta := finalCount - initialCount

	switch {
	case delta == 1:
		w.onSuccess(handle, initialCount, finalCount, votingURL, egressIP, sessionToken)
	case delta == 0 && class == pattern.ClassGlobalHourlyLimit:
		w.onGlobalLimit(initialCount, finalCount, votingURL, egressIP, sessionToken, msg)
	case delta == 0 && class == pattern.ClassInstanceCooldownMismatch:
		w.onMismatch(initialCount, finalCount, votingURL, egressIP, sessionToken, msg)
	case delta == 0 && class == pattern.ClassInstanceCooldownGeneric:
		w.onGenericCooldown(initialCount, finalCount, votingURL, egressIP, sessionToken, msg)
	default:
		// Includes NoKnownSignal and any "suspicious" non-+1 delta: per
		// the data-model invariant, any delta other than exactly +1 is
		// logged but never treated as success.
		w.onCountUnchanged(initialCount, finalCount, votingURL, egressIP, sessionToken)
	}
}

func (w *Instance) onSuccess(handle Handle, initialCount, finalCount int, votingURL, egressIP, sessionToken string) {
	now := time.Now()
	storageState, _ := handle.StorageState(context.Background())

	w.mu.Lock()
	w.session.LastSuccessTime = &now
	w.session.LastAttemptTime = &now
	w.session.VoteCount++
	w.session.LastKnownEgress = egressIP
	w.session.SessionID = sessionToken
	if storageState != nil {
		w.session.StorageState = storageState
	}
	sessionCopy := w.session
	w.mu.Unlock()

	if w.deps.Store != nil {
		if err := w.deps.Store.Save(sessionCopy); err != nil {
			log.Warn().Err(err).Int("instance_id", int(w.id)).Msg("failed to persist session after successful vote")
		}
	}

	w.appendAttempt(types.VoteAttempt{
		Status:       types.StatusSuccess,
		InitialCount: intPtr(initialCount),
		FinalCount:   intPtr(finalCount),
	}, votingURL, egressIP, sessionToken)

	w.setState(types.WorkerState{Kind: types.StateCooldown, Until: now.Add(cooldown.PerWorkerCooldown)})
}

func (w *Instance) onGlobalLimit(initialCount, finalCount int, votingURL, egressIP, sessionToken, msg string) {
	w.deps.Global.Activate(time.Now())
	snap := w.deps.Global.Snapshot()
	w.appendFailure(types.VoteAttempt{
		FailureType:  types.FailureGlobalHourlyLimit,
		CooldownMsg:  msg,
		InitialCount: intPtr(initialCount),
		FinalCount:   intPtr(finalCount),
	}, votingURL, egressIP, sessionToken)
	w.setState(types.WorkerState{Kind: types.StatePaused, Until: snap.ReactivationTime, PauseReason: types.PauseGlobalHourlyLimit})
}

func (w *Instance) onMismatch(initialCount, finalCount int, votingURL, egressIP, sessionToken, msg string) {
	w.appendFailure(types.VoteAttempt{
		FailureType:  types.FailureProxyIPMismatch,
		CooldownMsg:  msg,
		InitialCount: intPtr(initialCount),
		FinalCount:   intPtr(finalCount),
	}, votingURL, egressIP, sessionToken)
	// Force a new session token on retry: this worker's egress was not
	// what it expected, so reusing the same token would likely repeat it.
	w.mu.Lock()
	w.session.SessionID = ""
	w.mu.Unlock()
	until := time.Now().Add(RetryDelayTechnical)
	w.setState(types.WorkerState{Kind: types.StateRetryScheduled, Until: until, RetryKind: types.FailureProxyIPMismatch})
}

func (w *Instance) onGenericCooldown(initialCount, finalCount int, votingURL, egressIP, sessionToken, msg string) {
	w.appendFailure(types.VoteAttempt{
		FailureType:  types.FailureInstanceCooldown,
		CooldownMsg:  msg,
		InitialCount: intPtr(initialCount),
		FinalCount:   intPtr(finalCount),
	}, votingURL, egressIP, sessionToken)

	w.mu.Lock()
	var until time.Time
	if w.session.LastSuccessTime != nil {
		until = w.session.LastSuccessTime.Add(cooldown.PerWorkerCooldown)
	} else {
		until = cooldown.FreshSessionCooldown(time.Now())
	}
	w.mu.Unlock()

	w.setState(types.WorkerState{Kind: types.StateCooldown, Until: until})
}

func (w *Instance) onCountUnchanged(initialCount, finalCount int, votingURL, egressIP, sessionToken string) {
	w.appendFailure(types.VoteAttempt{
		FailureType:   types.FailureCountUnchanged,
		FailureReason: "Vote count did not increase",
		InitialCount:  intPtr(initialCount),
		FinalCount:    intPtr(finalCount),
	}, votingURL, egressIP, sessionToken)
	w.retryTechnical(types.FailureCountUnchanged, "Vote count did not increase")
}

func (w *Instance) clickVoteButtonWithRetries(ctx context.Context, handle Handle) error {
	for attempt := 1; attempt <= w.clickAttemptCeiling; attempt++ {
		exists, visible, _, err := handle.ElementState(ctx, w.selectors().VoteButton)
		if err != nil || !exists || !visible {
			return fmt.Errorf("could not find vote button")
		}
		if err := handle.Click(ctx, w.selectors().VoteButton); err != nil {
			return fmt.Errorf("click: %w", err)
		}
		handle.WaitForSettle(ctx)

		stillExists, stillVisible, _, err := handle.ElementState(ctx, w.selectors().VoteButton)
		if err != nil {
			return fmt.Errorf("post-click check: %w", err)
		}
		if !stillExists || !stillVisible {
			return nil
		}
		log.Debug().Int("instance_id", int(w.id)).Int("attempt", attempt).Msg("vote button still visible after click, retrying")
	}
	return fmt.Errorf("button still visible after %d attempts", w.clickAttemptCeiling)
}

func (w *Instance) readVoteCount(ctx context.Context, handle Handle) (int, error) {
	exists, _, text, err := handle.ElementState(ctx, w.selectors().VoteCount)
	if err != nil {
		return 0, err
	}
	if !exists {
		return 0, fmt.Errorf("vote count element not found")
	}
	match := digitsPattern.FindString(text)
	if match == "" {
		return 0, fmt.Errorf("no digits found in vote count text %q", text)
	}
	n, err := strconv.Atoi(strings.ReplaceAll(match, ",", ""))
	if err != nil {
		return 0, fmt.Errorf("parse vote count %q: %w", match, err)
	}
	return n, nil
}

func (w *Instance) retryTechnical(kind types.FailureKind, reason string) {
	until := time.Now().Add(RetryDelayTechnical)
	log.Info().Int("instance_id", int(w.id)).Str("kind", string(kind)).Str("reason", reason).Time("retry_at", until).Msg("worker scheduled for technical retry")
	w.setState(types.WorkerState{Kind: types.StateRetryScheduled, Until: until, RetryKind: kind})
}

func (w *Instance) appendAttempt(a types.VoteAttempt, votingURL, egressIP, sessionToken string) {
	now := time.Now()
	a.Timestamp = now
	a.TimeOfClick = now
	a.InstanceID = w.id
	a.InstanceName = w.name
	a.VotingURL = votingURL
	a.ProxyIP = egressIP
	a.SessionID = sessionToken
	a.BrowserClosed = true
	if a.Status == "" {
		a.Status = types.StatusFailed
	}
	if w.deps.Log == nil {
		return
	}
	if err := w.deps.Log.Append(a); err != nil {
		log.Error().Err(err).Int("instance_id", int(w.id)).Msg("failed to append vote log row")
	}
}

func (w *Instance) appendFailure(a types.VoteAttempt, votingURL, egressIP, sessionToken string) {
	a.Status = types.StatusFailed
	w.appendAttempt(a, votingURL, egressIP, sessionToken)
}

func (w *Instance) nextSessionToken() (string, error) {
	w.mu.Lock()
	existing := w.session.SessionID
	w.mu.Unlock()
	if existing != "" {
		return existing, nil
	}
	token, err := security.GenerateSessionID()
	if err != nil {
		return "", err
	}
	w.mu.Lock()
	w.session.SessionID = token
	w.mu.Unlock()
	return token, nil
}

func (w *Instance) votingURL() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.frozenVotingURL
}

func (w *Instance) selectors() Selectors {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.frozenSelectors
}

func intPtr(n int) *int { return &n }
