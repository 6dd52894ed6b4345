package worker

import (
	"context"

	"github.com/vorthane/fleetvote/internal/proxybroker"
)

// Driver launches a proxied, storage-state-restored browser session. It is
// the sole seam between the orchestration core and the actual browser
// automation surface (go-rod/stealth in internal/browserdrv): the
// accept-an-interface boundary that keeps WorkerInstance testable without
// a real browser.
type Driver interface {
	Launch(ctx context.Context, proxy proxybroker.ConnectParams, storageState []byte) (Handle, error)
}

// Handle is one live browser+context+page, exclusive to the WorkerInstance
// that launched it for the duration of its active phase.
type Handle interface {
	// Goto navigates to url, subject to ctx's deadline.
	Goto(ctx context.Context, url string) error

	// Content returns the full page text, for PatternMatcher classification.
	Content(ctx context.Context) (string, error)

	// ElementState reports whether selector exists/is visible in the DOM,
	// and its inner text if so. Used for the vote button, the login
	// button, and the vote-count element — every DOM query WorkerInstance
	// needs collapses to this one operation.
	ElementState(ctx context.Context, selector string) (exists, visible bool, text string, err error)

	// Click clicks the element matched by selector.
	Click(ctx context.Context, selector string) error

	// WaitForSettle gives the page a moment to react to a click before the
	// next ElementState call (humanized, jittered delay).
	WaitForSettle(ctx context.Context)

	// StorageState returns the driver-format blob (cookies, local storage)
	// to persist for the next launch of this instance.
	StorageState(ctx context.Context) ([]byte, error)

	// Close releases the browser, context, and page. Safe to call more
	// than once.
	Close() error
}

// Selectors names the CSS selectors and text markers WorkerInstance needs
// to read the page. These are operator configuration, not compiled-in
// constants, because the target page's markup is outside this system's
// control.
type Selectors struct {
	VoteButton  string
	VoteCount   string
	LoginButton string
	LoginPhrase string
}
