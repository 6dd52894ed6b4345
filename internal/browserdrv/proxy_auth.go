package browserdrv

import (
	"context"
	"sync"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/proto"
	"github.com/rs/zerolog/log"

	"github.com/vorthane/fleetvote/internal/proxybroker"
)

// setPageProxyAuth wires the CDP Fetch.authRequired handler that answers
// the residential proxy's CONNECT credential challenge. The proxy server
// itself is set at launch time via the --proxy-server flag; this only
// answers the auth popup. Returns a cleanup func that MUST be called on
// Close to stop the listener goroutine.
func setPageProxyAuth(ctx context.Context, page *rod.Page, proxy proxybroker.ConnectParams) (cleanup func(), err error) {
	if proxy.ProxyURL == "" || proxy.Username == "" {
		return func() {}, nil
	}

	if err := (proto.FetchEnable{HandleAuthRequests: true}).Call(page); err != nil {
		return nil, err
	}

	listenerCtx, cancel := context.WithCancel(ctx)
	pageWithCtx := page.Context(listenerCtx)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		pageWithCtx.EachEvent(func(e *proto.FetchAuthRequired) {
			_ = proto.FetchContinueWithAuth{
				RequestID: e.RequestID,
				AuthChallengeResponse: &proto.FetchAuthChallengeResponse{
					Response: proto.FetchAuthChallengeResponseResponseProvideCredentials,
					Username: proxy.Username,
					Password: proxy.Password,
				},
			}.Call(page)
		})()
	}()

	var once sync.Once
	cleanup = func() {
		once.Do(func() {
			cancel()
			done := make(chan struct{})
			go func() {
				wg.Wait()
				close(done)
			}()
			select {
			case <-done:
			case <-time.After(5 * time.Second):
				log.Warn().Msg("browserdrv: timeout waiting for proxy auth listener to stop")
			}
		})
	}
	return cleanup, nil
}
