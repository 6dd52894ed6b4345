// Package browserdrv is the concrete implementation of worker.Driver/
// Handle: a proxied, stealth-patched go-rod browser session. This is the
// one place worker.Driver's interface is actually backed by a real
// headless browser (launcher flags, proxy CDP-auth handling, and
// go-rod/stealth's anti-detection page creation).
package browserdrv

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"
	"github.com/go-rod/stealth"
	"github.com/rs/zerolog/log"

	"github.com/vorthane/fleetvote/internal/humanize"
	"github.com/vorthane/fleetvote/internal/proxybroker"
	"github.com/vorthane/fleetvote/internal/security"
	"github.com/vorthane/fleetvote/internal/worker"
)

// Driver launches one proxied, stealth-patched browser per worker attempt.
// No pooling: each WorkerInstance's browser must be exclusive to that
// instance for the duration of its active phase and fully released on
// every exit, so a fresh process per launch is the correct shape here,
// not a reusable pool.
type Driver struct {
	headless    bool
	browserPath string
}

// New returns a Driver. headless controls the HEADLESS flag; browserPath
// overrides the binary the launcher resolves, via BROWSER_PATH.
func New(headless bool, browserPath string) *Driver {
	return &Driver{headless: headless, browserPath: browserPath}
}

// Launch starts a browser proxied through proxy, restores storageState if
// present, and returns a Handle exclusive to the caller until Close.
func (d *Driver) Launch(ctx context.Context, proxy proxybroker.ConnectParams, storageState []byte) (worker.Handle, error) {
	l := launcher.New()
	if d.browserPath != "" {
		l = l.Bin(d.browserPath)
	}
	if d.headless {
		l = l.Set("headless", "new")
	} else {
		l = l.Headless(false)
	}
	l = l.Set("no-sandbox").
		Set("disable-setuid-sandbox").
		Set("disable-dev-shm-usage").
		Set("disable-blink-features", "AutomationControlled").
		Set("force-webrtc-ip-handling-policy", "disable_non_proxied_udp").
		Delete("enable-automation")

	if proxy.ProxyURL != "" {
		l = l.Set("proxy-server", proxy.ProxyURL)
		log.Debug().Str("proxy", security.RedactProxyURL(proxy.ProxyURL)).Msg("browserdrv: launching with proxy")
	}

	controlURL, err := l.Launch()
	if err != nil {
		return nil, fmt.Errorf("browserdrv: launch: %w", err)
	}

	browser := rod.New().ControlURL(controlURL).Context(ctx)
	if err := browser.Connect(); err != nil {
		l.Cleanup()
		return nil, fmt.Errorf("browserdrv: connect: %w", err)
	}

	page, err := stealth.Page(browser)
	if err != nil {
		_ = browser.Close()
		l.Cleanup()
		return nil, fmt.Errorf("browserdrv: stealth page: %w", err)
	}

	cleanupAuth, err := setPageProxyAuth(ctx, page, proxy)
	if err != nil {
		_ = page.Close()
		_ = browser.Close()
		l.Cleanup()
		return nil, fmt.Errorf("browserdrv: proxy auth: %w", err)
	}

	if len(storageState) > 0 {
		if err := restoreStorageState(page, storageState); err != nil {
			log.Warn().Err(err).Msg("browserdrv: failed to restore storage state, continuing with a clean session")
		}
	}

	return &handle{
		browser:     browser,
		page:        page,
		cleanupAuth: cleanupAuth,
		launcher:    l,
		mouse:       humanize.NewMouse(page),
		scroller:    humanize.NewScroller(page),
		timing:      humanize.NewTiming(),
	}, nil
}

// handle is one live browser+context+page. Every method is bounded by the
// ctx passed in; worker.Instance supplies the 10s page-read deadline and
// 30s init deadline.
type handle struct {
	mu          sync.Mutex
	browser     *rod.Browser
	page        *rod.Page
	cleanupAuth func()
	launcher    *launcher.Launcher
	mouse       *humanize.Mouse
	scroller    *humanize.Scroller
	timing      *humanize.Timing
	closed      bool
}

func (h *handle) Goto(ctx context.Context, url string) error {
	p := h.page.Context(ctx)
	if err := p.Navigate(url); err != nil {
		return fmt.Errorf("browserdrv: navigate: %w", err)
	}
	if err := p.WaitLoad(); err != nil {
		return fmt.Errorf("browserdrv: wait load: %w", err)
	}
	return nil
}

func (h *handle) Content(ctx context.Context) (string, error) {
	html, err := h.page.Context(ctx).HTML()
	if err != nil {
		return "", fmt.Errorf("browserdrv: content: %w", err)
	}
	return html, nil
}

func (h *handle) ElementState(ctx context.Context, selector string) (exists, visible bool, text string, err error) {
	p := h.page.Context(ctx)
	el, err := p.Timeout(5 * time.Second).Element(selector)
	if err != nil {
		if strings.Contains(err.Error(), "context deadline exceeded") {
			return false, false, "", nil
		}
		return false, false, "", nil
	}
	vis, verr := el.Visible()
	if verr != nil {
		return true, false, "", verr
	}
	txt, terr := el.Text()
	if terr != nil {
		return true, vis, "", terr
	}
	return true, vis, txt, nil
}

func (h *handle) Click(ctx context.Context, selector string) error {
	p := h.page.Context(ctx)
	el, err := p.Element(selector)
	if err != nil {
		return fmt.Errorf("browserdrv: click: element not found: %w", err)
	}
	humanize.SleepWithContext(ctx, h.timing.PreActionDelay())
	if err := h.mouse.ClickElement(ctx, el); err != nil {
		return fmt.Errorf("browserdrv: click: %w", err)
	}
	return nil
}

func (h *handle) WaitForSettle(ctx context.Context) {
	humanize.SleepWithContext(ctx, h.timing.PostActionDelay())
}

func (h *handle) StorageState(ctx context.Context) ([]byte, error) {
	return captureStorageState(h.page.Context(ctx))
}

func (h *handle) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil
	}
	h.closed = true

	if h.cleanupAuth != nil {
		h.cleanupAuth()
	}
	var firstErr error
	if err := h.page.Close(); err != nil {
		firstErr = err
	}
	if err := h.browser.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	h.launcher.Cleanup()
	return firstErr
}
