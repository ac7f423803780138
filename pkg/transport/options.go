package transport

import (
	"io"
	"net/http"

	"github.com/ajitpratap0/mcp-engine/pkg/logging"
	"github.com/ajitpratap0/mcp-engine/pkg/observability"
)

const (
	// DefaultBufferSize is the capacity of the inbound message channel
	DefaultBufferSize = 64

	// DefaultMaxMessageSize bounds a single framed message or event
	DefaultMaxMessageSize = 4 << 20
)

// Options holds the settings shared by the transport constructors. Each
// transport reads the fields that apply to it.
type Options struct {
	Logger         logging.Logger
	Metrics        *observability.Metrics
	BufferSize     int
	MaxMessageSize int

	// HTTP transports
	HTTPClient      *http.Client
	Headers         http.Header
	Backoff         *ExponentialBackoff
	DisableListener bool

	// Subprocess transport
	Env    []string
	Dir    string
	Stderr io.Writer
}

// Option configures Options
type Option func(*Options)

// NewOptions applies opts over the defaults
func NewOptions(opts ...Option) *Options {
	o := &Options{
		BufferSize:     DefaultBufferSize,
		MaxMessageSize: DefaultMaxMessageSize,
		Headers:        make(http.Header),
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.HTTPClient == nil {
		o.HTTPClient = &http.Client{}
	}
	if o.Backoff == nil {
		o.Backoff = NewExponentialBackoff(ReconnectConfig{})
	}
	return o
}

// WithLogger sets the logger. Nil keeps the global logger.
func WithLogger(logger logging.Logger) Option {
	return func(o *Options) {
		o.Logger = logger
	}
}

// WithMetrics records stream reconnects on m
func WithMetrics(m *observability.Metrics) Option {
	return func(o *Options) {
		o.Metrics = m
	}
}

// WithBufferSize sets the inbound message channel capacity
func WithBufferSize(n int) Option {
	return func(o *Options) {
		if n > 0 {
			o.BufferSize = n
		}
	}
}

// WithMaxMessageSize sets the largest accepted message in bytes
func WithMaxMessageSize(n int) Option {
	return func(o *Options) {
		if n > 0 {
			o.MaxMessageSize = n
		}
	}
}

// WithHTTPClient sets the HTTP client used by HTTP transports
func WithHTTPClient(c *http.Client) Option {
	return func(o *Options) {
		o.HTTPClient = c
	}
}

// WithHeader adds a header to every HTTP request
func WithHeader(key, value string) Option {
	return func(o *Options) {
		o.Headers.Set(key, value)
	}
}

// WithHeaders adds headers to every HTTP request
func WithHeaders(headers map[string]string) Option {
	return func(o *Options) {
		for k, v := range headers {
			o.Headers.Set(k, v)
		}
	}
}

// WithBearerToken sends an Authorization bearer token on every HTTP request
func WithBearerToken(token string) Option {
	return WithHeader("Authorization", "Bearer "+token)
}

// WithBackoff sets the reconnect policy of the streaming HTTP listener
func WithBackoff(b *ExponentialBackoff) Option {
	return func(o *Options) {
		o.Backoff = b
	}
}

// WithoutListener disables the standalone GET event stream of the streaming HTTP transport
func WithoutListener() Option {
	return func(o *Options) {
		o.DisableListener = true
	}
}

// WithEnv appends KEY=value pairs to the subprocess environment
func WithEnv(env ...string) Option {
	return func(o *Options) {
		o.Env = append(o.Env, env...)
	}
}

// WithDir sets the subprocess working directory
func WithDir(dir string) Option {
	return func(o *Options) {
		o.Dir = dir
	}
}

// WithStderr copies subprocess diagnostic output to w in addition to the log
func WithStderr(w io.Writer) Option {
	return func(o *Options) {
		o.Stderr = w
	}
}
