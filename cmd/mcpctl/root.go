package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/ajitpratap0/mcp-engine/pkg/client"
	"github.com/ajitpratap0/mcp-engine/pkg/config"
	"github.com/ajitpratap0/mcp-engine/pkg/hub"
	"github.com/ajitpratap0/mcp-engine/pkg/logging"
	"github.com/ajitpratap0/mcp-engine/pkg/observability"
	"github.com/ajitpratap0/mcp-engine/pkg/resources"
)

// Version is set at build time with -ldflags "-X main.Version=..."
var Version = "dev"

var (
	configPath string
	logLevel   string
	timeout    time.Duration

	cfg    *config.Config
	logger logging.Logger
)

func init() {
	// windows only
	cobra.MousetrapHelpText = ""

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file (json, yaml or toml)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level, overrides the config file")
	rootCmd.PersistentFlags().DurationVar(&timeout, "timeout", 0, "request timeout, overrides the config file")
}

var rootCmd = &cobra.Command{
	Use:          "mcpctl",
	Short:        "Inspect and call Model Context Protocol servers",
	SilenceUsage: true,
	CompletionOptions: cobra.CompletionOptions{
		HiddenDefaultCmd: true,
	},
	PersistentPreRunE: setup,
}

// Execute runs the command line
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// setup loads configuration and installs the global logger. Logs always go
// to stderr since stdout may carry protocol traffic.
func setup(cmd *cobra.Command, _ []string) error {
	var err error
	if configPath != "" {
		if cfg, err = config.Load(configPath); err != nil {
			return err
		}
	} else {
		cfg = config.Default()
	}

	env, err := config.LoadEnv()
	if err != nil {
		return err
	}
	cfg.ApplyEnv(env)
	if logLevel != "" {
		cfg.Logging.Level = logLevel
	}
	if timeout > 0 {
		cfg.Client.RequestTimeout = timeout
	}

	if logger, err = cfg.Logging.Logger(os.Stderr); err != nil {
		return err
	}
	logging.SetGlobalLogger(logger)
	return nil
}

// telemetry starts the metrics listener and tracing provider the config
// asks for. The returned function stops both.
func telemetry(service string) (*observability.Metrics, func(), error) {
	var (
		metrics *observability.Metrics
		srv     *http.Server
	)
	if cfg.Metrics.Enabled {
		m, err := observability.NewMetrics(observability.MetricsConfig{})
		if err != nil {
			return nil, nil, err
		}
		metrics = m
		mux := http.NewServeMux()
		mux.Handle("/metrics", m.Handler())
		srv = &http.Server{Addr: cfg.Metrics.Address, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("metrics listener failed", logging.ErrorField(err))
			}
		}()
		logger.Info("serving metrics", logging.String("addr", cfg.Metrics.Address))
	}

	tracing, err := cfg.Tracing.Provider(service, Version)
	if err != nil {
		if srv != nil {
			_ = srv.Close()
		}
		return nil, nil, err
	}

	stop := func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tracing.Shutdown(ctx); err != nil {
			logger.Warn("tracing shutdown", logging.ErrorField(err))
		}
		if srv != nil {
			_ = srv.Shutdown(ctx)
		}
	}
	return metrics, stop, nil
}

// cacheOptions configures the resource cache, backed by Redis when an
// address is configured
func cacheOptions() ([]resources.Option, func(), error) {
	opts := []resources.Option{resources.WithTTL(cfg.Cache.TTL), resources.WithCapacity(cfg.Cache.Capacity)}
	if cfg.Cache.RedisAddr == "" {
		return opts, func() {}, nil
	}
	rdb := redis.NewClient(&redis.Options{Addr: cfg.Cache.RedisAddr})
	store, err := resources.NewRedisStore(resources.RedisConfig{
		Client:    rdb,
		KeyPrefix: cfg.Cache.RedisKeyPrefix,
		Capacity:  cfg.Cache.Capacity,
	})
	if err != nil {
		_ = rdb.Close()
		return nil, nil, err
	}
	logger.Debug("resource cache in redis", logging.String("addr", cfg.Cache.RedisAddr))
	return append(opts, resources.WithStore(store)), func() { _ = rdb.Close() }, nil
}

// openHub connects every enabled server. Servers that fail are logged; it
// is an error only when none connects.
func openHub(ctx context.Context) (*hub.Hub, func(), error) {
	servers := cfg.Enabled()
	if len(servers) == 0 {
		return nil, nil, errors.New("no servers configured, pass --config")
	}
	metrics, stopTelemetry, err := telemetry("mcpctl")
	if err != nil {
		return nil, nil, err
	}
	cache, closeCache, err := cacheOptions()
	if err != nil {
		stopTelemetry()
		return nil, nil, err
	}

	h := hub.New(
		hub.WithLogger(logger),
		hub.WithMetrics(metrics),
		hub.WithReconnect(cfg.Reconnect),
		hub.WithCacheOptions(cache...),
		hub.WithClientOptions(
			client.WithClientInfo(cfg.Client.Name, cfg.Client.Version),
			client.WithRequestTimeout(cfg.Client.RequestTimeout),
		),
	)
	closeAll := func() {
		_ = h.Close()
		closeCache()
		stopTelemetry()
	}
	if err := h.ConnectAll(ctx, servers); err != nil {
		if len(h.Servers()) == 0 {
			closeAll()
			return nil, nil, err
		}
		logger.Warn("some servers are unavailable", logging.ErrorField(err))
	}
	return h, closeAll, nil
}
