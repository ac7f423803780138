package transport

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"time"

	mcperrors "github.com/ajitpratap0/mcp-engine/pkg/errors"
	"github.com/ajitpratap0/mcp-engine/pkg/logging"
	"github.com/ajitpratap0/mcp-engine/pkg/observability"
	"github.com/ajitpratap0/mcp-engine/pkg/protocol"
)

// Kind identifies a transport binding
type Kind string

const (
	// KindStdio exchanges newline-delimited JSON over a byte stream pair,
	// either a spawned subprocess or the current process's stdin/stdout.
	KindStdio Kind = "stdio"
	// KindSSE reads a server event stream and posts messages to the
	// endpoint announced on it.
	KindSSE Kind = "sse"
	// KindStreamableHTTP posts every message and reads JSON or event-stream replies.
	KindStreamableHTTP Kind = "streamable_http"
	// KindInMemory connects two transports in the same process.
	KindInMemory Kind = "inmemory"
)

// State is the connection state of a transport
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateError
	StateClosed
)

// String returns the state name
func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateError:
		return "error"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Transport carries protocol messages over one connection.
//
// Inbound messages arrive on Receive in the order the connection yields
// them. Consumers must keep draining Receive while the transport runs, and
// should select on Done as well since Receive is never closed. Errors that
// are not tied to a request, such as a malformed line or a dropped stream,
// are reported on Errors.
type Transport interface {
	// Start establishes connectivity. ctx bounds the start-up only; the
	// connection lives until Close.
	Start(ctx context.Context) error
	// Send transmits one message. HTTP-based transports complete the HTTP
	// exchange before returning.
	Send(ctx context.Context, msg protocol.Message) error
	// Close releases the connection. It is idempotent.
	Close() error

	Receive() <-chan protocol.Message
	Errors() <-chan error
	Done() <-chan struct{}

	State() State
	Kind() Kind
}

// ProtocolVersionSetter is implemented by transports that echo the
// negotiated protocol version on every request.
type ProtocolVersionSetter interface {
	SetProtocolVersion(version string)
}

// SessionHolder is implemented by transports that carry a server-issued session id
type SessionHolder interface {
	SessionID() string
}

// ReconnectConfig configures the read-stream reconnect policy of HTTP transports
type ReconnectConfig struct {
	InitialDelay time.Duration `json:"initial_delay" mapstructure:"initial_delay"`
	Factor       float64       `json:"factor" mapstructure:"factor"`
	MaxDelay     time.Duration `json:"max_delay" mapstructure:"max_delay"`
	MaxAttempts  int           `json:"max_attempts" mapstructure:"max_attempts"`
}

// Config selects and configures a transport for New
type Config struct {
	Kind Kind

	// Subprocess settings (KindStdio). An empty Command uses the current
	// process's stdin and stdout.
	Command string
	Args    []string
	Env     []string
	Dir     string

	// HTTP settings (KindSSE, KindStreamableHTTP)
	Endpoint        string
	Headers         map[string]string
	BearerToken     string
	HTTPClient      *http.Client
	Reconnect       ReconnectConfig
	DisableListener bool

	BufferSize     int
	MaxMessageSize int

	Logger  logging.Logger
	Metrics *observability.Metrics
}

// Validate checks that the settings required by Kind are present
func (c Config) Validate() error {
	switch c.Kind {
	case KindStdio:
		return nil
	case KindSSE, KindStreamableHTTP:
		if c.Endpoint == "" {
			return mcperrors.InvalidTransportConfiguration(string(c.Kind), "endpoint", "endpoint is required")
		}
		u, err := url.Parse(c.Endpoint)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return mcperrors.InvalidTransportConfiguration(string(c.Kind), "endpoint", "endpoint must be an absolute http(s) URL")
		}
		return nil
	case KindInMemory:
		return mcperrors.InvalidTransportConfiguration(string(c.Kind), "kind", "in-memory transports are created in pairs with NewInMemoryPair")
	default:
		return mcperrors.InvalidTransportConfiguration(string(c.Kind), "kind", "unsupported transport kind")
	}
}

func (c Config) options() []Option {
	opts := []Option{
		WithLogger(c.Logger),
		WithMetrics(c.Metrics),
		WithHeaders(c.Headers),
	}
	if c.BearerToken != "" {
		opts = append(opts, WithBearerToken(c.BearerToken))
	}
	if c.HTTPClient != nil {
		opts = append(opts, WithHTTPClient(c.HTTPClient))
	}
	if c.BufferSize > 0 {
		opts = append(opts, WithBufferSize(c.BufferSize))
	}
	if c.MaxMessageSize > 0 {
		opts = append(opts, WithMaxMessageSize(c.MaxMessageSize))
	}
	if c.Reconnect != (ReconnectConfig{}) {
		opts = append(opts, WithBackoff(NewExponentialBackoff(c.Reconnect)))
	}
	if c.DisableListener {
		opts = append(opts, WithoutListener())
	}
	if len(c.Env) > 0 {
		opts = append(opts, WithEnv(c.Env...))
	}
	if c.Dir != "" {
		opts = append(opts, WithDir(c.Dir))
	}
	return opts
}

// New creates the transport selected by cfg.Kind. When cfg.Metrics is set the
// transport is wrapped with WithObservability.
func New(cfg Config) (Transport, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	var t Transport
	switch cfg.Kind {
	case KindStdio:
		if cfg.Command != "" {
			t = NewSubprocessTransport(cfg.Command, cfg.Args, cfg.options()...)
		} else {
			t = NewStdioTransport(nil, nil, cfg.options()...)
		}
	case KindSSE:
		t = NewSSETransport(cfg.Endpoint, cfg.options()...)
	case KindStreamableHTTP:
		t = NewStreamableHTTPTransport(cfg.Endpoint, cfg.options()...)
	}

	if cfg.Metrics != nil {
		t = Chain(t, WithObservability(cfg.Metrics))
	}
	return t, nil
}
