// Package proxybroker obtains a fresh egress IP for a session token through
// a CONNECT-style HTTP proxy provider. The provider itself is an external
// collaborator (a residential-proxy vendor such as Bright Data); this
// package only implements the retry, backoff, and circuit-breaking policy
// around it, plus the session-token-to-credential composition.
package proxybroker

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/vorthane/fleetvote/internal/types"
)

// ConnectParams is what the browser driver needs to route traffic through
// the acquired egress: a proxy URL and per-session credentials, carried
// through to the CDP Fetch.authRequired handler.
type ConnectParams struct {
	ProxyURL string
	Username string
	Password string
}

// EgressChecker performs one round trip through the given proxy and
// reports the provider's response: the egress IP it handed back (if any)
// and the HTTP status code, so the broker can classify success/failure
// without knowing anything about the provider's wire format.
type EgressChecker interface {
	CheckEgress(ctx context.Context, params ConnectParams) (egressIP string, statusCode int, err error)
}

const (
	maxRetries       = 3
	baseBackoff      = 2 * time.Second
	failureThreshold = 3
	pauseDuration    = 60 * time.Second
)

// Broker composes session credentials, retries transient failures with
// exponential backoff, and trips a circuit breaker after consecutive
// provider 503s so a struggling provider does not get hammered by every
// worker in the fleet simultaneously.
type Broker struct {
	baseUsername string
	password     string
	proxyHost    string
	checker      EgressChecker

	consecutive503  atomic.Int32
	circuitUntilUTC atomic.Int64 // unix nanos; 0 means closed
	probeInProgress atomic.Bool
}

// New builds a Broker. baseUsername/password are the provider account
// credentials; proxyHost is the CONNECT endpoint (host:port). checker
// performs the actual network round trip and is swappable in tests.
func New(proxyHost, baseUsername, password string, checker EgressChecker) *Broker {
	return &Broker{
		proxyHost:    proxyHost,
		baseUsername: baseUsername,
		password:     password,
		checker:      checker,
	}
}

// AcquireEgress composes a session-scoped credential from sessionToken and
// attempts to obtain a fresh egress IP, retrying transient failures with
// exponential backoff. Returns types.ErrProxyUnavailable if the circuit is
// open or retries are exhausted.
func (b *Broker) AcquireEgress(ctx context.Context, sessionToken string) (string, ConnectParams, error) {
	if !b.admitRequest() {
		return "", ConnectParams{}, types.ErrProxyUnavailable
	}

	params := ConnectParams{
		ProxyURL: b.proxyHost,
		Username: fmt.Sprintf("%s-session-%s", b.baseUsername, sessionToken),
		Password: b.password,
	}

	var lastErr error
	for attempt := 1; attempt <= maxRetries; attempt++ {
		ip, status, err := b.checker.CheckEgress(ctx, params)
		if err == nil && status < http.StatusInternalServerError {
			b.recordSuccess()
			return ip, params, nil
		}

		lastErr = err
		if status == http.StatusServiceUnavailable {
			b.recordFailure()
		}

		if attempt == maxRetries {
			break
		}
		backoff := baseBackoff * time.Duration(1<<(attempt-1))
		log.Warn().Int("attempt", attempt).Dur("backoff", backoff).Err(err).Msg("proxy acquire failed, retrying")
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return "", ConnectParams{}, ctx.Err()
		}
	}

	log.Warn().Err(lastErr).Msg("proxy acquire exhausted retries")
	return "", ConnectParams{}, types.ErrProxyUnavailable
}

// admitRequest enforces the circuit breaker: rejects outright while open,
// and allows exactly one probing attempt through once the sleep window has
// elapsed, guarded so concurrent callers do not all probe at once.
func (b *Broker) admitRequest() bool {
	until := b.circuitUntilUTC.Load()
	if until == 0 {
		return true
	}
	if time.Now().UnixNano() < until {
		return false
	}
	// Sleep window elapsed: let exactly one caller probe.
	return b.probeInProgress.CompareAndSwap(false, true)
}

func (b *Broker) recordSuccess() {
	b.consecutive503.Store(0)
	b.circuitUntilUTC.Store(0)
	b.probeInProgress.Store(false)
}

func (b *Broker) recordFailure() {
	b.probeInProgress.Store(false)
	n := b.consecutive503.Add(1)
	if n >= failureThreshold {
		b.circuitUntilUTC.Store(time.Now().Add(pauseDuration).UnixNano())
		log.Warn().Int32("consecutive_503", n).Dur("pause", pauseDuration).Msg("proxy circuit breaker opened")
	}
}

// CircuitOpen reports whether the breaker is currently rejecting requests.
func (b *Broker) CircuitOpen() bool {
	until := b.circuitUntilUTC.Load()
	return until != 0 && time.Now().UnixNano() < until
}

// HTTPEgressChecker is the default EgressChecker: it routes one HTTP GET to
// checkURL through the given proxy and treats the response body as the
// plain-text egress IP.
type HTTPEgressChecker struct {
	CheckURL string
	Timeout  time.Duration
}

// NewHTTPEgressChecker returns a checker hitting a public IP-echo service
// through the proxy. checkURL defaults to "https://api.ipify.org" if empty.
func NewHTTPEgressChecker(checkURL string, timeout time.Duration) *HTTPEgressChecker {
	if checkURL == "" {
		checkURL = "https://api.ipify.org"
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTPEgressChecker{CheckURL: checkURL, Timeout: timeout}
}

func (c *HTTPEgressChecker) CheckEgress(ctx context.Context, params ConnectParams) (string, int, error) {
	proxyURL := &url.URL{
		Scheme: "http",
		User:   url.UserPassword(params.Username, params.Password),
		Host:   params.ProxyURL,
	}
	client := &http.Client{
		Timeout: c.Timeout,
		Transport: &http.Transport{
			Proxy:           http.ProxyURL(proxyURL),
			TLSClientConfig: &tls.Config{MinVersion: tls.VersionTLS12},
		},
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.CheckURL, nil)
	if err != nil {
		return "", 0, err
	}
	resp, err := client.Do(req)
	if err != nil {
		return "", 0, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 256))
	if err != nil {
		return "", resp.StatusCode, err
	}
	return string(body), resp.StatusCode, nil
}
