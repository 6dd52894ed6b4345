package types

import "time"

// InstanceID identifies a persisted session folder. Stable, never reused
// concurrently by two live workers.
type InstanceID int

// FailureKind enumerates the reasons a vote attempt did not succeed.
type FailureKind string

const (
	FailureGlobalHourlyLimit  FailureKind = "global_hourly_limit"
	FailureInstanceCooldown   FailureKind = "ip_cooldown"
	FailureProxyIPMismatch    FailureKind = "proxy_ip_mismatch"
	FailureClickFailed        FailureKind = "technical"
	FailureCountUnchanged     FailureKind = "technical"
	FailureNavigation         FailureKind = "technical"
	FailureBrowserInitTimeout FailureKind = "technical"
	FailureProxyUnavailable   FailureKind = "technical"
	FailureLoginRequired      FailureKind = "login_required"
	FailureNone               FailureKind = ""
)

// VoteStatus is the outcome of an attempt as recorded in the vote log.
type VoteStatus string

const (
	StatusSuccess VoteStatus = "success"
	StatusFailed  VoteStatus = "failed"
)

// VoteAttempt is an append-only record of one click attempt against the
// target page, successful or not.
type VoteAttempt struct {
	Timestamp    time.Time
	InstanceID   InstanceID
	InstanceName string
	TimeOfClick  time.Time
	Status       VoteStatus
	VotingURL    string
	CooldownMsg  string
	FailureType  FailureKind
	FailureReason string
	InitialCount *int
	FinalCount   *int
	ProxyIP      string
	SessionID    string
	ClickAttempts int
	ErrorMessage string
	BrowserClosed bool
}

// FinalVoteCount returns the count that should be treated as authoritative
// for display/logging: FinalCount if known, else InitialCount, else zero.
// This is the only legitimate source of "vote count" — any in-memory
// per-worker counter is a derived view only and must never substitute
// for it.
func (a VoteAttempt) FinalVoteCount() int {
	if a.FinalCount != nil {
		return *a.FinalCount
	}
	if a.InitialCount != nil {
		return *a.InitialCount
	}
	return 0
}

// SessionRecord is the persisted, filesystem-backed identity of one
// instance: cookies/local-storage blob, last known egress IP, and vote
// bookkeeping. Created at first successful login, updated after every
// successful vote, never deleted by the core.
type SessionRecord struct {
	InstanceID      InstanceID
	StorageState    []byte // opaque driver-format blob
	LastKnownEgress string
	SessionID       string
	LastSuccessTime *time.Time
	LastAttemptTime *time.Time
	VoteCount       int
}

// GlobalLimitSnapshot is an immutable point-in-time view of the
// GlobalLimitGate, safe to share across goroutines without locking.
type GlobalLimitSnapshot struct {
	Active                   bool
	ReactivationTime         time.Time
	StaggeredResumeInProgress bool
}

// WorkerStateKind enumerates the states of the WorkerInstance state
// machine. Represented as a tagged union: a WorkerStateKind discriminator
// plus a WorkerState payload struct carrying the fields relevant to that
// state (Until, Reason, Kind...).
type WorkerStateKind string

const (
	StateIdle            WorkerStateKind = "idle"
	StateLaunching       WorkerStateKind = "launching"
	StateNavigating      WorkerStateKind = "navigating"
	StateVoting          WorkerStateKind = "voting"
	StateCooldown        WorkerStateKind = "cooldown"
	StatePaused          WorkerStateKind = "paused"
	StateAwaitingLogin   WorkerStateKind = "awaiting_login"
	StateExcluded        WorkerStateKind = "excluded"
	StateRetryScheduled  WorkerStateKind = "retry_scheduled"
)

// PauseReason enumerates why a worker entered Paused.
type PauseReason string

const (
	PauseGlobalHourlyLimit PauseReason = "global_hourly_limit"
)

// WorkerState is the current state of a WorkerInstance plus whatever
// payload that state carries. The zero value has an empty Kind, not
// StateIdle.
type WorkerState struct {
	Kind WorkerStateKind

	// Valid when Kind == StateCooldown, StatePaused, or StateRetryScheduled.
	Until time.Time

	// Valid when Kind == StatePaused.
	PauseReason PauseReason

	// Valid when Kind == StateRetryScheduled.
	RetryKind FailureKind

	// Valid when Kind == StateExcluded.
	ExcludedReason string
}

// IsActive reports whether the worker owns browser resources in this
// state (Launching, Navigating, Voting).
func (s WorkerState) IsActive() bool {
	switch s.Kind {
	case StateLaunching, StateNavigating, StateVoting:
		return true
	default:
		return false
	}
}

// InstanceSnapshot is what ReadyScanner/AutoResumeMonitor/control-plane
// consumers read about one instance: a merge of persisted session data and
// (if owned) live worker state.
type InstanceSnapshot struct {
	InstanceID        InstanceID
	IP                string
	State             WorkerState
	SecondsRemaining  int
	NextVoteTime      *time.Time
	VoteCount         int
	LastSuccess       *time.Time
	LastAttempt       *time.Time
	LastFailureReason string
	Owned             bool
}
