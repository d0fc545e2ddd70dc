// Command simgate runs the simulation backend gateway.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Sternrassler/simgate/pkg/config"
	"github.com/Sternrassler/simgate/pkg/fetch"
	"github.com/Sternrassler/simgate/pkg/gateway"
	"github.com/Sternrassler/simgate/pkg/logging"
	"github.com/Sternrassler/simgate/pkg/metrics"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/spf13/pflag"
)

const shutdownTimeout = 10 * time.Second

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "simgate: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string) error {
	cfg, err := loadConfig(args)
	if err != nil {
		return err
	}

	logger := logging.Setup(cfg.Logging())

	// Redis is only pinged for readiness; the gateway does not cache.
	var redisClient *redis.Client
	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return fmt.Errorf("invalid redis url: %w", err)
		}
		redisClient = redis.NewClient(opts)
		defer redisClient.Close()
	}

	mux, err := newMux(cfg, redisClient, logger)
	if err != nil {
		return err
	}

	srv := &http.Server{
		Addr:              cfg.ListenAddress,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info().
			Str("addr", cfg.ListenAddress).
			Str("backend", cfg.BackendBaseURL).
			Str("prefix", cfg.RoutePrefix).
			Bool("redis", redisClient != nil).
			Msg("Starting gateway")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info().Dur("drain", shutdownTimeout).Msg("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}

// loadConfig layers command-line flags over config.Load. A flag only
// overrides the file and environment when it was given explicitly.
func loadConfig(args []string) (config.Config, error) {
	fs := pflag.NewFlagSet("simgate", pflag.ContinueOnError)
	configPath := fs.String("config", "", "path to a YAML config file")
	listen := fs.String("listen", "", "listen address (default :8080)")
	backend := fs.String("backend", "", "simulation backend base URL")
	logLevel := fs.String("log-level", "", "log level: debug, info, warn, error")
	logPretty := fs.Bool("log-pretty", false, "human-readable console logs")

	if err := fs.Parse(args); err != nil {
		return config.Config{}, err
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		return config.Config{}, err
	}

	if fs.Changed("listen") {
		cfg.ListenAddress = *listen
	}
	if fs.Changed("backend") {
		cfg.BackendBaseURL = *backend
	}
	if fs.Changed("log-level") {
		cfg.Log.Level = *logLevel
	}
	if fs.Changed("log-pretty") {
		cfg.Log.Pretty = *logPretty
	}

	if !logging.ValidLevel(logging.LogLevel(cfg.Log.Level)) {
		return config.Config{}, fmt.Errorf("unknown log level %q", cfg.Log.Level)
	}
	if err := cfg.Validate(); err != nil {
		return config.Config{}, err
	}
	return cfg, nil
}

func newMux(cfg config.Config, redisClient *redis.Client, logger zerolog.Logger) (*http.ServeMux, error) {
	resolver, err := cfg.Resolver()
	if err != nil {
		return nil, err
	}

	engine := fetch.New(fetch.Config{})
	gw, err := gateway.NewHandler(gateway.Config{
		Resolver:         resolver,
		Engine:           engine,
		Policy:           cfg.Policy(),
		MaxRequestBytes:  cfg.MaxRequestBodyBytes,
		MaxResponseBytes: cfg.MaxResponseBodyBytes,
	})
	if err != nil {
		return nil, err
	}

	var pinger func(context.Context) error
	if redisClient != nil {
		pinger = func(ctx context.Context) error {
			return redisClient.Ping(ctx).Err()
		}
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/health", healthHandler)
	mux.HandleFunc("/ready", readyHandler(resolver, pinger, logger))
	mux.Handle("/metrics", metrics.Handler())
	mux.Handle(cfg.RoutePrefix, gw)
	return mux, nil
}

func healthHandler(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, "OK")
}

// readyHandler reports ready once a backend is configured and, when the
// clients' shared Redis tier is configured, it answers PING.
func readyHandler(resolver *gateway.Resolver, ping func(context.Context) error, logger zerolog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if resolver == nil || resolver.BackendBase == nil {
			http.Error(w, "backend not configured", http.StatusServiceUnavailable)
			return
		}

		if ping != nil {
			ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
			defer cancel()
			if err := ping(ctx); err != nil {
				logger.Warn().Err(err).Msg("Readiness check failed: redis")
				http.Error(w, "redis unavailable", http.StatusServiceUnavailable)
				return
			}
		}

		w.WriteHeader(http.StatusOK)
		fmt.Fprintf(w, "OK")
	}
}
