// Package cooldown computes per-worker and fleet-wide wait times. It holds
// no state of its own and performs no I/O — callers supply the worker's
// last-success time and the current GlobalLimitGate snapshot, and get back
// a number of seconds.
package cooldown

import (
	"math"
	"time"

	"github.com/vorthane/fleetvote/internal/types"
)

// PerWorkerCooldown is the minimum interval between successful votes from
// the same instance. Set slightly above the 30-minute window the target
// site enforces, as a safety margin.
const PerWorkerCooldown = 31 * time.Minute

// WorkerCooldownState is the minimal input CooldownClock needs about one
// worker: the last time it voted successfully, if ever, and any pending
// retry deadline from a previous technical failure.
type WorkerCooldownState struct {
	LastSuccessTime *time.Time
	RetryUntil      *time.Time
}

// Clock is a stateless calculator. The zero value is ready to use.
type Clock struct{}

// individualFloor is the per-worker-cooldown-only remaining wait, ignoring
// any retry schedule or global gate.
func individualFloor(st WorkerCooldownState, now time.Time) time.Duration {
	if st.LastSuccessTime == nil {
		return 0
	}
	remaining := PerWorkerCooldown - now.Sub(*st.LastSuccessTime)
	if remaining < 0 {
		return 0
	}
	return remaining
}

// SecondsUntilEligible returns how many whole seconds remain before st is
// eligible to vote again. If the global gate is active, the individual and
// global constraints compose as a maximum: the worker waits for whichever
// clears last. Otherwise a pending retry schedule takes priority over the
// plain per-worker cooldown, and a worker that has never voted is eligible
// immediately.
func (Clock) SecondsUntilEligible(st WorkerCooldownState, gate types.GlobalLimitSnapshot, now time.Time) int {
	var remaining time.Duration

	switch {
	case gate.Active:
		globalRemaining := gate.ReactivationTime.Sub(now)
		if globalRemaining < 0 {
			globalRemaining = 0
		}
		remaining = globalRemaining
		if floor := individualFloor(st, now); floor > remaining {
			remaining = floor
		}
	case st.RetryUntil != nil:
		remaining = st.RetryUntil.Sub(now)
	case st.LastSuccessTime != nil:
		remaining = individualFloor(st, now)
	default:
		remaining = 0
	}

	if remaining <= 0 {
		return 0
	}
	return int(math.Ceil(remaining.Seconds()))
}

// EligibleAt returns the instant at which st becomes eligible with respect
// to its own per-worker cooldown alone, ignoring the global gate. Used to
// populate the next_vote_time field the control plane exposes even while a
// global pause is in effect.
func (Clock) EligibleAt(st WorkerCooldownState) *time.Time {
	if st.LastSuccessTime == nil {
		return nil
	}
	t := st.LastSuccessTime.Add(PerWorkerCooldown)
	return &t
}

// FreshSessionCooldown is the window applied to a session that reports an
// InstanceCooldownGeneric message but has no recorded LastSuccessTime (a
// session whose cookies predate this process's VoteLog). Treated the same
// as a just-succeeded vote: Cooldown(until=now+31min).
func FreshSessionCooldown(now time.Time) time.Time {
	return now.Add(PerWorkerCooldown)
}
