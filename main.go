package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"runtime/debug"
	"strings"
	"time"

	"github.com/odatabridge/odata-bridge/internal/audit"
	"github.com/odatabridge/odata-bridge/internal/cache"
	"github.com/odatabridge/odata-bridge/internal/config"
	"github.com/odatabridge/odata-bridge/internal/observe"
	"github.com/odatabridge/odata-bridge/internal/odata"
	"github.com/odatabridge/odata-bridge/internal/secret"
	"github.com/odatabridge/odata-bridge/internal/server"
	"github.com/odatabridge/odata-bridge/internal/token"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/justinas/alice"
)

// Tokens are never held past their own expiry by the provider; this is only
// an upper bound on how long an entry can sit in memory.
const tokenCacheTTL = 24 * time.Hour

func configureServerRoutes(cfg config.Config, tokens TokenSource, upstream Upstream) http.Handler {
	// wrap a mux such that HTTP telemetry is configured by default
	muxWithoutTelemetry := http.NewServeMux()
	mux := observe.NewMux(muxWithoutTelemetry)

	// The request body size is fairly limited to prevent accidental or
	// deliberate abuse. Upstream requests never carry a body, so this is not
	// configurable.
	requestLimitBytes := int64(20 << 10) // 20 KB
	requestLimiter := maxRequestSize(requestLimitBytes)

	proxyRouteMiddleware := alice.New(requestLimiter, audit.Middleware())
	standardRouteMiddleware := alice.New(requestLimiter)

	mux.Handle(proxyRoutePrefix+"{path...}", proxyRouteMiddleware.Then(handleProxy(tokens, upstream)))

	// healthchecks are not included in telemetry or CORS handling
	muxWithoutTelemetry.Handle("GET /healthcheck", standardRouteMiddleware.Then(handleHealthCheck()))

	// CORS sits in front of routing: redirects issued by the mux for unclean
	// paths must carry the headers, and preflights must not be redirected.
	return corsForPrefix(proxyRoutePrefix, cfg.CORS)(mux)
}

// configureProxy creates the token provider and upstream client. The returned
// cache must be closed on shutdown.
func configureProxy(ctx context.Context, cfg config.Config, newKMSClient secret.KMSClientFactory) (*token.Provider, *odata.Client, cache.TokenCache[token.CachedToken], error) {
	clientSecret, err := secret.ClientSecret(ctx, cfg.OAuth, newKMSClient)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("client secret resolution failed: %w", err)
	}

	tokenCache, err := cache.NewInstrumentedMemory[token.CachedToken](tokenCacheTTL, 10)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("token cache configuration failed: %w", err)
	}

	provider := token.New(cfg.OAuth, clientSecret, tokenCache)
	upstream := odata.NewClient(cfg.OData.BaseURL, http.DefaultClient)

	return provider, upstream, tokenCache, nil
}

func main() {
	configureLogging()

	logBuildInfo()

	err := launchServer()
	if err != nil {
		log.Fatal().Err(err).Msg("server failed to start")
	}
}

func launchServer() error {
	ctx := context.Background()

	cfg, err := config.Load(ctx)
	if err != nil {
		return fmt.Errorf("configuration load failed: %w", err)
	}

	// configure telemetry, including wrapping default HTTP client
	shutdownTelemetry, err := observe.Configure(ctx, cfg.Observe)
	if err != nil {
		return fmt.Errorf("telemetry bootstrap failed: %w", err)
	}

	http.DefaultTransport = observe.HTTPTransport(
		configureHTTPTransport(cfg.Server),
		cfg.Observe,
	)
	http.DefaultClient = &http.Client{
		Transport: http.DefaultTransport,
	}

	// setup routing and dependencies
	provider, upstream, tokenCache, err := configureProxy(ctx, cfg, secret.DefaultKMSClient)
	if err != nil {
		return fmt.Errorf("proxy configuration failed: %w", err)
	}

	handler := configureServerRoutes(cfg, provider, upstream)

	hooks := &server.ShutdownHooks{}
	hooks.AddContext("telemetry", shutdownTelemetry)
	hooks.Add("token-cache", tokenCache.Close)

	// start the server
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           handler,
		MaxHeaderBytes:    20 << 10,         // 20 KB
		ReadHeaderTimeout: 20 * time.Second, // Prevent Slowloris attacks
	}

	shutdownTimeout := time.Duration(cfg.Server.ShutdownTimeoutSeconds) * time.Second

	err = server.ListenAndServe(ctx, srv, shutdownTimeout, hooks)
	if err != nil {
		return fmt.Errorf("server failed: %w", err)
	}

	return nil
}

func configureLogging() {
	// Set global level to the minimum: allows the Open Telemetry logging to be
	// configured separately. However, it means that any logger that sets its
	// level will log as this effectively disables the global level.
	zerolog.SetGlobalLevel(zerolog.Level(-128))

	// default level is Info
	log.Logger = log.Level(zerolog.InfoLevel)

	if os.Getenv("ENV") == "development" {
		log.Logger = log.
			Output(zerolog.ConsoleWriter{Out: os.Stdout}).
			Level(zerolog.DebugLevel)
	}

	zerolog.DefaultContextLogger = &log.Logger
}

func logBuildInfo() {
	buildInfo, ok := debug.ReadBuildInfo()
	if !ok {
		return
	}
	ev := log.Info()
	for _, v := range buildInfo.Settings {
		if strings.HasPrefix(v.Key, "vcs.") ||
			strings.HasPrefix(v.Key, "GO") ||
			v.Key == "CGO_ENABLED" {
			ev = ev.Str(v.Key, v.Value)
		}
	}

	ev.Msg("build information")
}

func configureHTTPTransport(cfg config.ServerConfig) *http.Transport {
	transport := http.DefaultTransport.(*http.Transport).Clone()

	transport.MaxIdleConns = cfg.OutgoingHTTPMaxIdleConns
	transport.MaxConnsPerHost = cfg.OutgoingHTTPMaxConnsPerHost

	return transport
}
