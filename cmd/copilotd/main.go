package main

import (
	"context"
	"net"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/copilotlabs/interview-gateway/internal/backend"
	"github.com/copilotlabs/interview-gateway/internal/capture"
	"github.com/copilotlabs/interview-gateway/internal/config"
	"github.com/copilotlabs/interview-gateway/internal/gateway"
	"github.com/copilotlabs/interview-gateway/internal/observability"
	"github.com/copilotlabs/interview-gateway/internal/resilience"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		observability.InitLogger("info", false)
		fallbackLogger := observability.WithComponent("main")
		fallbackLogger.Fatal().Err(err).Msg("Failed to load configuration")
	}

	observability.InitLogger(cfg.LogLevel, cfg.LogPretty)
	logger := observability.WithComponent("main")

	if cfg.SentryDSN != "" {
		if err := sentry.Init(sentry.ClientOptions{
			Dsn:              cfg.SentryDSN,
			TracesSampleRate: 0.1,
		}); err != nil {
			logger.Warn().Err(err).Msg("Sentry initialization failed, continuing without it")
		} else {
			defer sentry.Flush(2 * time.Second)
		}
	}

	logger.Info().
		Str("port", cfg.Port).
		Str("backend_url", cfg.BackendURL).
		Bool("packaged", cfg.Packaged).
		Msg("Starting interview gateway")

	factory := capture.NewFactory(
		capture.Paths{
			Packaged:     cfg.Packaged,
			ResourcesDir: cfg.ResourcesDir,
			AssetsDir:    cfg.AssetsDir,
		},
		capture.Options{
			KillWait:        time.Duration(cfg.CaptureKillWait) * time.Millisecond,
			SettleDelay:     time.Duration(cfg.CaptureSettleDelay) * time.Millisecond,
			ProcessName:     cfg.CaptureProcessName,
			FaultSignatures: platformFaultSignatures(cfg),
		},
		observability.WithComponent("capture"),
	)
	defer factory.Dispose()

	retryCfg := resilience.DefaultRetryConfig()
	retryCfg.MaxAttempts = cfg.RetryMaxAttempts
	retryCfg.InitialBackoff = time.Duration(cfg.RetryInitialBackoff) * time.Millisecond

	dialTimeout := time.Duration(cfg.BackendDialTimeout) * time.Second
	newBackend := func() gateway.BackendClient {
		return backend.NewClient(cfg.BackendURL, dialTimeout, retryCfg, observability.WithComponent("backend"))
	}

	gw := gateway.New(cfg, factory, newBackend, observability.WithComponent("gateway"))

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", gw.Handler())
	mux.HandleFunc("/health", observability.HealthCheckHandler())
	mux.HandleFunc("/ready", observability.ReadinessHandler(map[string]observability.HealthCheckFunc{
		"capture": func(ctx context.Context) (bool, error) {
			provider, err := factory.Create()
			if err != nil {
				return false, err
			}
			return provider.IsAvailable(), nil
		},
		"backend": func(ctx context.Context) (bool, error) {
			if err := probeBackend(ctx, cfg.BackendURL); err != nil {
				return false, err
			}
			return true, nil
		},
	}))
	if cfg.MetricsEnabled {
		mux.Handle("/metrics", promhttp.Handler())
	}

	server := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info().Str("addr", server.Addr).Msg("HTTP server listening")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("HTTP server failed")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("Shutting down")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		logger.Error().Err(err).Msg("Graceful shutdown failed")
	}

	logger.Info().Msg("Shutdown complete")
}

// probeBackend checks TCP reachability of the AI backend without opening
// a session.
func probeBackend(ctx context.Context, backendURL string) error {
	u, err := url.Parse(backendURL)
	if err != nil {
		return err
	}
	host := u.Host
	if u.Port() == "" {
		if u.Scheme == "wss" || u.Scheme == "https" {
			host += ":443"
		} else {
			host += ":80"
		}
	}
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", host)
	if err != nil {
		return err
	}
	return conn.Close()
}

// platformFaultSignatures picks the stderr signatures for the host OS.
// Other platforms fall back to the provider defaults.
func platformFaultSignatures(cfg *config.Config) []string {
	switch runtime.GOOS {
	case "darwin":
		return cfg.DarwinFaultSignatures
	case "windows":
		return cfg.WindowsFaultSignatures
	}
	return nil
}
