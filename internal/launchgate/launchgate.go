// Package launchgate bounds how many browser-initialization operations may
// run concurrently and enforces a minimum spacing between grants: a
// counting semaphore backed by a buffered channel of permits (FIFO for
// blocked receivers because Go channels are), sized to
// MAX_CONCURRENT_INITS.
package launchgate

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/vorthane/fleetvote/internal/types"
)

// BrowserInitTimeout bounds how long a held permit may take before the
// caller is expected to have either succeeded or force-closed its browser.
const BrowserInitTimeout = 30 * time.Second

// Gate is a counting semaphore with minimum inter-grant spacing.
type Gate struct {
	sem        chan struct{}
	minSpacing time.Duration

	mu          sync.Mutex // serializes spacing enforcement across Acquire calls
	lastGranted time.Time

	closed  bool
	closeMu sync.Mutex
}

// New returns a Gate allowing maxConcurrent simultaneous permits, with at
// least minSpacing between any two grants.
func New(maxConcurrent int, minSpacing time.Duration) *Gate {
	g := &Gate{
		sem:        make(chan struct{}, maxConcurrent),
		minSpacing: minSpacing,
	}
	for i := 0; i < maxConcurrent; i++ {
		g.sem <- struct{}{}
	}
	return g
}

// Acquire blocks until a permit is available, the minimum spacing since
// the last grant has elapsed, or ctx is done. It returns a release
// function the caller MUST call exactly once, regardless of whether
// initialization succeeded, or the permit is lost for the process
// lifetime.
func (g *Gate) Acquire(ctx context.Context) (release func(), err error) {
	g.closeMu.Lock()
	closed := g.closed
	g.closeMu.Unlock()
	if closed {
		return nil, types.ErrGateClosed
	}

	select {
	case <-g.sem:
	case <-ctx.Done():
		return nil, classifyCtxErr(ctx)
	}

	if err := g.waitForSpacing(ctx); err != nil {
		g.sem <- struct{}{}
		return nil, err
	}

	var once sync.Once
	return func() {
		once.Do(func() { g.sem <- struct{}{} })
	}, nil
}

// waitForSpacing serializes grants so that no two permits are handed out
// closer together than minSpacing, without holding the permit slot itself
// hostage to an unrelated caller's wait.
func (g *Gate) waitForSpacing(ctx context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if !g.lastGranted.IsZero() {
		wait := g.minSpacing - time.Since(g.lastGranted)
		if wait > 0 {
			timer := time.NewTimer(wait)
			defer timer.Stop()
			select {
			case <-timer.C:
			case <-ctx.Done():
				return classifyCtxErr(ctx)
			}
		}
	}
	g.lastGranted = time.Now()
	return nil
}

func classifyCtxErr(ctx context.Context) error {
	if ctx.Err() == context.DeadlineExceeded {
		return types.ErrGateTimeout
	}
	return types.ErrContextCanceled
}

// AcquireForInit is a convenience wrapper: it acquires a permit and
// returns a derived context bounded by BrowserInitTimeout, so the caller's
// browser-launch code gets a force-close deadline for free in the same
// call that reserves concurrency.
func (g *Gate) AcquireForInit(ctx context.Context) (initCtx context.Context, cancel context.CancelFunc, release func(), err error) {
	release, err = g.Acquire(ctx)
	if err != nil {
		return nil, nil, nil, err
	}
	initCtx, cancel = context.WithTimeout(ctx, BrowserInitTimeout)
	return initCtx, cancel, release, nil
}

// Close permanently closes the gate; subsequent Acquire calls fail fast
// with types.ErrGateClosed instead of blocking forever during shutdown.
func (g *Gate) Close() {
	g.closeMu.Lock()
	defer g.closeMu.Unlock()
	if g.closed {
		return
	}
	g.closed = true
	log.Debug().Msg("launch gate closed")
}
