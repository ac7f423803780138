// Package config loads engine configuration from a file and the process
// environment.
package config

import (
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"time"

	"github.com/joeshaw/envdecode"
	"github.com/spf13/viper"

	mcperrors "github.com/ajitpratap0/mcp-engine/pkg/errors"
	"github.com/ajitpratap0/mcp-engine/pkg/logging"
	"github.com/ajitpratap0/mcp-engine/pkg/observability"
	"github.com/ajitpratap0/mcp-engine/pkg/registry"
	"github.com/ajitpratap0/mcp-engine/pkg/transport"
)

// EnvPrefix prefixes environment overrides of file settings, so that
// client.request_timeout is read from MCP_CLIENT_REQUEST_TIMEOUT
const EnvPrefix = "MCP"

// Config is the engine configuration
type Config struct {
	Servers   []ServerConfig            `mapstructure:"servers"`
	Client    ClientConfig              `mapstructure:"client"`
	Cache     CacheConfig               `mapstructure:"cache"`
	Reconnect transport.ReconnectConfig `mapstructure:"reconnect"`
	Logging   LoggingConfig             `mapstructure:"logging"`
	Metrics   MetricsConfig             `mapstructure:"metrics"`
	Tracing   TracingConfig             `mapstructure:"tracing"`
}

// ServerConfig describes one server to connect to. Env entries are
// KEY=VALUE strings; a list keeps the keys' case, which viper would fold in
// a map.
type ServerConfig struct {
	Name        string            `mapstructure:"name"`
	Transport   transport.Kind    `mapstructure:"transport"`
	Command     string            `mapstructure:"command"`
	Args        []string          `mapstructure:"args"`
	Env         []string          `mapstructure:"env"`
	Dir         string            `mapstructure:"dir"`
	URL         string            `mapstructure:"url"`
	Headers     map[string]string `mapstructure:"headers"`
	BearerToken string            `mapstructure:"bearer_token"`
	Disabled    bool              `mapstructure:"disabled"`
}

// ClientConfig identifies the engine to servers
type ClientConfig struct {
	Name           string        `mapstructure:"name"`
	Version        string        `mapstructure:"version"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
}

// CacheConfig configures the resource cache. A RedisAddr selects the
// shared Redis store instead of the in-process one.
type CacheConfig struct {
	TTL            time.Duration `mapstructure:"ttl"`
	Capacity       int           `mapstructure:"capacity"`
	RedisAddr      string        `mapstructure:"redis_addr"`
	RedisKeyPrefix string        `mapstructure:"redis_key_prefix"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Address string `mapstructure:"address"`
}

type TracingConfig struct {
	Exporter   string  `mapstructure:"exporter"`
	Endpoint   string  `mapstructure:"endpoint"`
	Insecure   bool    `mapstructure:"insecure"`
	SampleRate float64 `mapstructure:"sample_rate"`
}

// Env holds process-level overrides. Set values win over the file.
type Env struct {
	LogLevel     string `env:"MCP_LOG_LEVEL"`
	LogFormat    string `env:"MCP_LOG_FORMAT"`
	MetricsAddr  string `env:"MCP_METRICS_ADDR"`
	OTLPEndpoint string `env:"MCP_OTLP_ENDPOINT"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("client.name", "mcp-engine")
	v.SetDefault("client.version", "1.0.0")
	v.SetDefault("client.request_timeout", 30*time.Second)
	v.SetDefault("cache.ttl", 5*time.Minute)
	v.SetDefault("cache.capacity", 1000)
	v.SetDefault("cache.redis_key_prefix", "mcp:resources:")
	v.SetDefault("reconnect.initial_delay", time.Second)
	v.SetDefault("reconnect.factor", 2.0)
	v.SetDefault("reconnect.max_delay", 30*time.Second)
	v.SetDefault("reconnect.max_attempts", 5)
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", string(logging.FormatText))
	v.SetDefault("metrics.address", ":9090")
	v.SetDefault("tracing.exporter", string(observability.ExporterTypeNoop))
	v.SetDefault("tracing.sample_rate", 1.0)
}

// Default returns the configuration used when no file is given
func Default() *Config {
	v := viper.New()
	setDefaults(v)
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		panic(fmt.Sprintf("config defaults do not decode: %v", err))
	}
	return &cfg
}

// Load reads path, whose format follows its extension, applies defaults
// and MCP_ environment overrides, and validates the result
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetConfigFile(path)
	if ext := strings.TrimPrefix(filepath.Ext(path), "."); ext == "yml" {
		v.SetConfigType("yaml")
	}
	if err := v.ReadInConfig(); err != nil {
		return nil, mcperrors.InvalidParameter("config", path, "readable json, yaml or toml file").WithDetail(err.Error())
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, mcperrors.ValidationErrorf("decode config %s: %v", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks server names and transport settings
func (c *Config) Validate() error {
	var issues []mcperrors.ValidationIssue
	seen := make(map[string]bool, len(c.Servers))
	for i, s := range c.Servers {
		path := fmt.Sprintf("servers[%d]", i)
		if err := registry.ValidateServerName(s.Name); err != nil {
			issues = append(issues, mcperrors.ValidationIssue{Path: path + ".name", Message: err.Error(), Actual: s.Name})
		} else if seen[s.Name] {
			issues = append(issues, mcperrors.ValidationIssue{Path: path + ".name", Message: "duplicate server name", Actual: s.Name})
		}
		seen[s.Name] = true

		for _, kv := range s.Env {
			if k, _, ok := strings.Cut(kv, "="); !ok || k == "" {
				issues = append(issues, mcperrors.ValidationIssue{Path: path + ".env", Message: "entries must be KEY=VALUE", Actual: kv})
			}
		}

		switch s.Transport {
		case transport.KindStdio:
			if s.Command == "" {
				issues = append(issues, mcperrors.ValidationIssue{Path: path + ".command", Message: "stdio servers need a command"})
			}
		case transport.KindSSE, transport.KindStreamableHTTP:
			if s.URL == "" {
				issues = append(issues, mcperrors.ValidationIssue{Path: path + ".url", Message: "HTTP servers need a url"})
			}
		default:
			issues = append(issues, mcperrors.ValidationIssue{
				Path:     path + ".transport",
				Message:  "unknown transport",
				Expected: "stdio, sse or streamable_http",
				Actual:   string(s.Transport),
			})
		}
	}
	if _, err := logging.ParseLevel(c.Logging.Level); err != nil {
		issues = append(issues, mcperrors.ValidationIssue{Path: "logging.level", Message: err.Error()})
	}
	if f := logging.Format(c.Logging.Format); f != logging.FormatText && f != logging.FormatJSON {
		issues = append(issues, mcperrors.ValidationIssue{Path: "logging.format", Message: "unknown format", Expected: "text or json", Actual: c.Logging.Format})
	}
	if len(issues) > 0 {
		return mcperrors.ValidationFailed("config", issues)
	}
	return nil
}

// Enabled returns the servers that are not disabled
func (c *Config) Enabled() []ServerConfig {
	out := make([]ServerConfig, 0, len(c.Servers))
	for _, s := range c.Servers {
		if !s.Disabled {
			out = append(out, s)
		}
	}
	return out
}

// Server returns the server named name
func (c *Config) Server(name string) (ServerConfig, bool) {
	for _, s := range c.Servers {
		if s.Name == name {
			return s, true
		}
	}
	return ServerConfig{}, false
}

// LoadEnv decodes the MCP_ process overrides. Unset variables are not an
// error.
func LoadEnv() (Env, error) {
	var env Env
	if err := envdecode.Decode(&env); err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return env, err
	}
	return env, nil
}

// ApplyEnv overrides file settings with the set fields of env
func (c *Config) ApplyEnv(env Env) {
	if env.LogLevel != "" {
		c.Logging.Level = env.LogLevel
	}
	if env.LogFormat != "" {
		c.Logging.Format = env.LogFormat
	}
	if env.MetricsAddr != "" {
		c.Metrics.Enabled = true
		c.Metrics.Address = env.MetricsAddr
	}
	if env.OTLPEndpoint != "" {
		c.Tracing.Endpoint = env.OTLPEndpoint
		if c.Tracing.Exporter == "" || c.Tracing.Exporter == string(observability.ExporterTypeNoop) {
			c.Tracing.Exporter = string(observability.ExporterTypeOTLPGRPC)
		}
	}
}

// TransportConfig builds the transport settings for s
func (s ServerConfig) TransportConfig(reconnect transport.ReconnectConfig) transport.Config {
	cfg := transport.Config{
		Kind:        s.Transport,
		Command:     s.Command,
		Args:        s.Args,
		Dir:         s.Dir,
		Endpoint:    s.URL,
		Headers:     s.Headers,
		BearerToken: s.BearerToken,
		Env:         s.Env,
		Reconnect:   reconnect,
	}
	return cfg
}

// Logger builds a logger writing to w per the logging settings
func (l LoggingConfig) Logger(w io.Writer) (logging.Logger, error) {
	level, err := logging.ParseLevel(l.Level)
	if err != nil {
		return nil, err
	}
	logger := logging.New(w, logging.Format(l.Format))
	logger.SetLevel(level)
	return logger, nil
}

// Provider builds the tracing provider described by t
func (t TracingConfig) Provider(service, version string) (*observability.TracingProvider, error) {
	return observability.NewTracingProvider(observability.TracingConfig{
		ServiceName:    service,
		ServiceVersion: version,
		ExporterType:   observability.ExporterType(t.Exporter),
		Endpoint:       t.Endpoint,
		Insecure:       t.Insecure,
		SampleRate:     t.SampleRate,
	})
}
