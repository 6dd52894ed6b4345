// Package main provides the entry point for fleetvoted, the vote-fleet
// orchestration daemon: flag parsing, env-based config, middleware chain
// construction, graceful shutdown on SIGINT/SIGTERM.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/vorthane/fleetvote/internal/browserdrv"
	"github.com/vorthane/fleetvote/internal/config"
	"github.com/vorthane/fleetvote/internal/controlapi"
	"github.com/vorthane/fleetvote/internal/globallimit"
	"github.com/vorthane/fleetvote/internal/launchgate"
	"github.com/vorthane/fleetvote/internal/metrics"
	"github.com/vorthane/fleetvote/internal/middleware"
	"github.com/vorthane/fleetvote/internal/observation"
	"github.com/vorthane/fleetvote/internal/pattern"
	"github.com/vorthane/fleetvote/internal/proxybroker"
	"github.com/vorthane/fleetvote/internal/sessionstore"
	"github.com/vorthane/fleetvote/internal/supervisor"
	"github.com/vorthane/fleetvote/internal/userconfig"
	"github.com/vorthane/fleetvote/internal/votelog"
	"github.com/vorthane/fleetvote/pkg/version"
)

func main() {
	showVersion := flag.Bool("version", false, "Print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("fleetvoted %s\n", version.Full())
		return
	}

	cfg := config.Load()
	setupLogging(cfg.LogLevel)
	cfg.Validate()
	printBanner(cfg)

	store := sessionstore.New(cfg.StorageRoot)

	vlog, err := votelog.Open(cfg.VoteLogPath, 256)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open vote log")
	}
	defer vlog.Close()

	userCfg, err := userconfig.Open(cfg.UserConfigPath)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open user config")
	}
	defer userCfg.Close()

	matcher, err := pattern.NewMatcher(cfg.PatternsPath, true)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load pattern table")
	}

	checker := proxybroker.NewHTTPEgressChecker("https://geo.brdtest.com/mygeo.json", 10*time.Second)
	broker := proxybroker.New(cfg.ProxyHost, cfg.ProxyUsername, cfg.ProxyPassword, checker)
	gate := launchgate.New(cfg.MaxConcurrentInits, cfg.BrowserLaunchDelay)
	global := globallimit.New()
	bus := observation.New()
	driver := browserdrv.New(cfg.Headless, cfg.BrowserPath)

	sup := supervisor.New(supervisor.Deps{
		Config:  cfg,
		UserCfg: userCfg,
		Store:   store,
		VoteLog: vlog,
		Proxy:   broker,
		Gate:    gate,
		Global:  global,
		Matcher: matcher,
		Driver:  driver,
		Bus:     bus,
	})

	rootCtx, rootCancel := context.WithCancel(context.Background())
	defer rootCancel()

	handler := controlapi.New(rootCtx, sup, userCfg, vlog, store, global, bus)
	hub := controlapi.NewHub(bus)
	router := controlapi.NewRouter(handler, hub)

	topMux := http.NewServeMux()
	topMux.Handle("/metrics", metrics.Handler())
	topMux.Handle("/", router)
	metrics.SetBuildInfo(version.Full(), version.GoVersion())
	stopMemCollector := make(chan struct{})
	go metrics.StartMemoryCollector(15*time.Second, stopMemCollector)
	defer close(stopMemCollector)

	var finalHandler http.Handler = topMux
	finalHandler = middleware.CORS(middleware.CORSConfig{AllowedOrigins: cfg.CORSAllowedOrigins})(finalHandler)
	finalHandler = middleware.SecurityHeaders(finalHandler)
	if cfg.APIKeyEnabled {
		log.Info().Msg("API key authentication enabled")
		finalHandler = middleware.APIKey(cfg)(finalHandler)
	}
	var rateLimiter *middleware.RateLimiterMiddleware
	if cfg.RateLimitEnabled {
		log.Info().Int("requests_per_minute", cfg.RateLimitRPM).Msg("rate limiting enabled")
		rateLimiter = middleware.NewRateLimitMiddleware(cfg.RateLimitRPM, cfg.TrustProxy)
		finalHandler = rateLimiter.Handler()(finalHandler)
	}
	finalHandler = middleware.Logging(finalHandler)
	finalHandler = middleware.Recovery(finalHandler)

	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	server := &http.Server{
		Addr:              addr,
		Handler:           finalHandler,
		ReadTimeout:       60 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.Info().Str("address", addr).Msg("fleetvoted control plane ready")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("control-plane server failed")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	signal.Stop(quit)

	log.Info().Msg("shutting down...")
	rootCancel()
	sup.Shutdown(cfg.ShutdownGrace)
	hub.Close()
	bus.Close()

	ctx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownGrace)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("control-plane server shutdown error")
	}
	if rateLimiter != nil {
		rateLimiter.Close()
	}

	log.Info().Msg("shutdown complete")
}

func setupLogging(level string) {
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339})
	switch level {
	case "debug":
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	case "info":
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	case "warn":
		zerolog.SetGlobalLevel(zerolog.WarnLevel)
	case "error":
		zerolog.SetGlobalLevel(zerolog.ErrorLevel)
	default:
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}
}

func printBanner(cfg *config.Config) {
	banner := `
 __ _            _             _
/ _| | ___  ___ | |_ __   _____| |_ ___
| |_| |/ _ \/ _ \| __\ \ / / _ \ __/ _ \
|  _| |  __/  __/| |_ \ V / (_) | ||  __/
|_| |_|\___|\___(_)__| \_/ \___/ \__\___|
                             vote-fleet orchestrator
`
	fmt.Println(banner)
	log.Info().Str("version", version.Full()).Str("go_version", version.GoVersion()).Str("voting_url", cfg.VotingURL).Msg("starting fleetvoted")
}
