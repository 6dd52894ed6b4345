package cooldown

import (
	"testing"
	"time"

	"github.com/vorthane/fleetvote/internal/types"
)

func TestSecondsUntilEligibleNoPriorSuccess(t *testing.T) {
	var c Clock
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	got := c.SecondsUntilEligible(WorkerCooldownState{}, types.GlobalLimitSnapshot{}, now)
	if got != 0 {
		t.Errorf("SecondsUntilEligible() = %d, want 0 for a worker with no recorded success", got)
	}
}

func TestSecondsUntilEligiblePerWorkerCooldown(t *testing.T) {
	var c Clock
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	last := now.Add(-10 * time.Minute)
	st := WorkerCooldownState{LastSuccessTime: &last}

	got := c.SecondsUntilEligible(st, types.GlobalLimitSnapshot{}, now)
	want := int((PerWorkerCooldown - 10*time.Minute).Seconds())
	if got != want {
		t.Errorf("SecondsUntilEligible() = %d, want %d", got, want)
	}
}

func TestSecondsUntilEligibleElapsed(t *testing.T) {
	var c Clock
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	last := now.Add(-40 * time.Minute)
	st := WorkerCooldownState{LastSuccessTime: &last}

	if got := c.SecondsUntilEligible(st, types.GlobalLimitSnapshot{}, now); got != 0 {
		t.Errorf("SecondsUntilEligible() = %d, want 0 once cooldown has elapsed", got)
	}
}

func TestSecondsUntilEligibleGlobalGateDominates(t *testing.T) {
	var c Clock
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	last := now.Add(-40 * time.Minute) // own cooldown already elapsed
	st := WorkerCooldownState{LastSuccessTime: &last}
	gate := types.GlobalLimitSnapshot{Active: true, ReactivationTime: now.Add(5 * time.Minute)}

	got := c.SecondsUntilEligible(st, gate, now)
	if got != 300 {
		t.Errorf("SecondsUntilEligible() = %d, want 300 (global gate should dominate)", got)
	}
}

func TestSecondsUntilEligibleWorkerCooldownDominates(t *testing.T) {
	var c Clock
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	last := now.Add(-1 * time.Minute) // 30 minutes remaining on own cooldown
	st := WorkerCooldownState{LastSuccessTime: &last}
	gate := types.GlobalLimitSnapshot{Active: true, ReactivationTime: now.Add(5 * time.Minute)}

	got := c.SecondsUntilEligible(st, gate, now)
	want := int((PerWorkerCooldown - time.Minute).Seconds())
	if got != want {
		t.Errorf("SecondsUntilEligible() = %d, want %d (per-worker cooldown should dominate)", got, want)
	}
}

func TestSecondsUntilEligibleRetryScheduled(t *testing.T) {
	var c Clock
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	retryUntil := now.Add(3 * time.Minute)
	st := WorkerCooldownState{RetryUntil: &retryUntil}

	got := c.SecondsUntilEligible(st, types.GlobalLimitSnapshot{}, now)
	if got != 180 {
		t.Errorf("SecondsUntilEligible() = %d, want 180 for a pending retry schedule", got)
	}
}

func TestEligibleAt(t *testing.T) {
	var c Clock
	if got := c.EligibleAt(WorkerCooldownState{}); got != nil {
		t.Errorf("EligibleAt() = %v, want nil for no recorded success", got)
	}

	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	got := c.EligibleAt(WorkerCooldownState{LastSuccessTime: &now})
	if got == nil || !got.Equal(now.Add(PerWorkerCooldown)) {
		t.Errorf("EligibleAt() = %v, want %v", got, now.Add(PerWorkerCooldown))
	}
}

func TestFreshSessionCooldown(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	got := FreshSessionCooldown(now)
	if !got.Equal(now.Add(PerWorkerCooldown)) {
		t.Errorf("FreshSessionCooldown() = %v, want %v", got, now.Add(PerWorkerCooldown))
	}
}
