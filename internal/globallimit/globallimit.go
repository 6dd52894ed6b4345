// Package globallimit is the process-wide coordinator for the observed
// hourly-limit signal: one worker's page read can force every other
// worker to pause. Reads are lock-free (atomic.Value swap over an
// immutable snapshot), writes serialize through a mutex.
package globallimit

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/vorthane/fleetvote/internal/types"
)

// checkInterval is how often RunResumeLoop checks whether the reactivation
// boundary has passed.
const checkInterval = 60 * time.Second

// BrowserLaunchDelay is the spacing between releases during a staggered
// resume.
const BrowserLaunchDelay = 5 * time.Second

// Gate holds the fleet-wide pause state. The zero value is not usable;
// construct with New.
type Gate struct {
	current atomic.Value // types.GlobalLimitSnapshot

	mu    sync.Mutex // serializes all transitions
	epoch int64      // bumped on every Activate so a stale resume never double-fires
}

// New returns a Gate in the inactive state.
func New() *Gate {
	g := &Gate{}
	g.current.Store(types.GlobalLimitSnapshot{})
	return g
}

// Snapshot returns the current state without blocking on writers.
func (g *Gate) Snapshot() types.GlobalLimitSnapshot {
	return g.current.Load().(types.GlobalLimitSnapshot)
}

// Activate transitions the gate to active with reactivationTime set to
// the next top-of-hour boundary. Idempotent: if the gate is already
// active, this is a no-op, so concurrent workers racing to report the
// same hourly-limit page collapse into one activation.
func (g *Gate) Activate(now time.Time) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.Snapshot().Active {
		return
	}

	reactivation := nextTopOfHour(now)
	g.epoch++
	g.current.Store(types.GlobalLimitSnapshot{
		Active:           true,
		ReactivationTime: reactivation,
	})
	log.Warn().Time("reactivation_time", reactivation).Msg("global hourly limit activated, pausing fleet")
}

// nextTopOfHour returns the next whole-hour boundary strictly after now,
// in now's own location.
func nextTopOfHour(now time.Time) time.Time {
	next := now.Truncate(time.Hour)
	if !next.After(now) {
		next = next.Add(time.Hour)
	}
	return next
}

// BeginStaggeredResume flips staggeredResumeInProgress on. Called once the
// reactivation boundary has passed; AutoResumeMonitor must observe this
// flag and refrain from unpausing anyone while it is set.
func (g *Gate) BeginStaggeredResume() {
	g.mu.Lock()
	defer g.mu.Unlock()
	snap := g.Snapshot()
	if !snap.Active || snap.StaggeredResumeInProgress {
		return
	}
	snap.StaggeredResumeInProgress = true
	g.current.Store(snap)
}

// CompleteResume clears the gate entirely: active, reactivationTime, and
// staggeredResumeInProgress all reset, only after the final staged release
// has completed.
func (g *Gate) CompleteResume() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.current.Store(types.GlobalLimitSnapshot{})
	log.Info().Msg("global hourly limit resume complete, fleet resumed")
}

// Epoch returns the current activation epoch, for callers (the
// staggered-resume driver) that need to detect a fresh Activate() racing
// against an in-progress resume and abandon their own stale resume loop.
func (g *Gate) Epoch() int64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.epoch
}

// ReleaseOneFunc releases exactly one paused worker (the Supervisor owns
// the set of paused workers, so it supplies this) and reports how many
// remain paused afterward.
type ReleaseOneFunc func(ctx context.Context) (remaining int)

// RunResumeLoop polls every checkInterval for a passed reactivation
// boundary, then performs the staggered resume: it sets
// StaggeredResumeInProgress, calls releaseOne repeatedly with
// BrowserLaunchDelay between calls until no workers remain paused, then
// calls CompleteResume. AutoResumeMonitor must check
// StaggeredResumeInProgress on every tick and release no one while it is
// set, which is why release happens here rather than there: one driver,
// one writer.
//
// RunResumeLoop blocks until ctx is done and is meant to run in its own
// goroutine, following the same ticker+stopCh+wg shape as the fleet's
// other background routines.
func (g *Gate) RunResumeLoop(ctx context.Context, releaseOne ReleaseOneFunc) {
	ticker := time.NewTicker(checkInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			g.maybeResume(ctx, releaseOne)
		}
	}
}

func (g *Gate) maybeResume(ctx context.Context, releaseOne ReleaseOneFunc) {
	snap := g.Snapshot()
	if !snap.Active || snap.StaggeredResumeInProgress {
		return
	}
	if time.Now().Before(snap.ReactivationTime) {
		return
	}

	epochAtStart := g.Epoch()
	g.BeginStaggeredResume()
	log.Info().Msg("reactivation time reached, beginning staggered resume")

	for {
		if g.Epoch() != epochAtStart {
			// A fresh activation superseded this resume; abandon it and
			// let the new activation's own resume loop take over.
			return
		}
		remaining := releaseOne(ctx)
		if remaining <= 0 {
			break
		}
		select {
		case <-time.After(BrowserLaunchDelay):
		case <-ctx.Done():
			return
		}
	}
	g.CompleteResume()
}
