// Package observability provides Prometheus metrics and OpenTelemetry
// tracing for clients, servers, transports and the resource cache.
package observability

import (
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Status label values
const (
	StatusOK    = "ok"
	StatusError = "error"
)

// Direction label values
const (
	DirectionInbound  = "inbound"
	DirectionOutbound = "outbound"
)

// MetricsConfig configures the metrics provider
type MetricsConfig struct {
	// Namespace prefixes every metric name (default: mcp)
	Namespace string
	Subsystem string

	// Registerer receives the collectors. Nil creates a private registry,
	// which is then also used as the Gatherer.
	Registerer prometheus.Registerer
	Gatherer   prometheus.Gatherer

	// HistogramBuckets are latency buckets in milliseconds
	HistogramBuckets []float64

	// Labels to add to all metrics
	ConstLabels prometheus.Labels
}

// Metrics holds the engine's collectors. A nil *Metrics is valid and
// records nothing, so components can take one unconditionally.
type Metrics struct {
	gatherer prometheus.Gatherer

	requestDuration         *prometheus.HistogramVec
	requestTotal            *prometheus.CounterVec
	incomingRequestDuration *prometheus.HistogramVec
	incomingRequestTotal    *prometheus.CounterVec
	notificationTotal       *prometheus.CounterVec
	toolCallDuration        *prometheus.HistogramVec
	toolCallTotal           *prometheus.CounterVec
	cacheLookups            *prometheus.CounterVec
	transportState          *prometheus.GaugeVec
	transportMessages       *prometheus.CounterVec
	streamReconnects        *prometheus.CounterVec
	pendingRequests         prometheus.Gauge
}

// NewMetrics creates and registers the collectors. Collectors already
// registered on the same Registerer are reused.
func NewMetrics(config MetricsConfig) (*Metrics, error) {
	if config.Namespace == "" {
		config.Namespace = "mcp"
	}
	if config.HistogramBuckets == nil {
		config.HistogramBuckets = []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000, 10000}
	}
	if config.Registerer == nil {
		reg := prometheus.NewRegistry()
		config.Registerer = reg
		if config.Gatherer == nil {
			config.Gatherer = reg
		}
	}
	if config.Gatherer == nil {
		if g, ok := config.Registerer.(prometheus.Gatherer); ok {
			config.Gatherer = g
		} else {
			config.Gatherer = prometheus.DefaultGatherer
		}
	}

	histogram := func(name, help string, labels ...string) *prometheus.HistogramVec {
		return prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:   config.Namespace,
			Subsystem:   config.Subsystem,
			Name:        name,
			Help:        help,
			Buckets:     config.HistogramBuckets,
			ConstLabels: config.ConstLabels,
		}, labels)
	}
	counter := func(name, help string, labels ...string) *prometheus.CounterVec {
		return prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   config.Namespace,
			Subsystem:   config.Subsystem,
			Name:        name,
			Help:        help,
			ConstLabels: config.ConstLabels,
		}, labels)
	}

	m := &Metrics{
		gatherer:                config.Gatherer,
		requestDuration:         histogram("request_duration_milliseconds", "Duration of outgoing MCP requests in milliseconds", "method", "status"),
		requestTotal:            counter("request_total", "Total number of outgoing MCP requests", "method", "status"),
		incomingRequestDuration: histogram("incoming_request_duration_milliseconds", "Duration of handled MCP requests in milliseconds", "method", "status"),
		incomingRequestTotal:    counter("incoming_request_total", "Total number of handled MCP requests", "method", "status"),
		notificationTotal:       counter("notification_total", "Total number of MCP notifications", "direction", "method"),
		toolCallDuration:        histogram("tool_call_duration_milliseconds", "Duration of tool calls in milliseconds", "tool", "status"),
		toolCallTotal:           counter("tool_call_total", "Total number of tool calls", "tool", "status"),
		cacheLookups:            counter("resource_cache_lookups_total", "Resource cache lookups by result", "result"),
		transportState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace:   config.Namespace,
			Subsystem:   config.Subsystem,
			Name:        "transport_state",
			Help:        "Current transport state (1 for the active state of each kind)",
			ConstLabels: config.ConstLabels,
		}, []string{"kind", "state"}),
		transportMessages: counter("transport_messages_total", "Messages carried by transports", "kind", "direction"),
		streamReconnects:  counter("stream_reconnects_total", "Event stream reconnect attempts", "kind"),
		pendingRequests: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   config.Namespace,
			Subsystem:   config.Subsystem,
			Name:        "pending_requests",
			Help:        "Requests awaiting a response",
			ConstLabels: config.ConstLabels,
		}),
	}

	if err := m.register(config.Registerer); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *Metrics) register(reg prometheus.Registerer) error {
	var err error
	if m.requestDuration, err = registerOrReuse(reg, m.requestDuration); err != nil {
		return err
	}
	if m.requestTotal, err = registerOrReuse(reg, m.requestTotal); err != nil {
		return err
	}
	if m.incomingRequestDuration, err = registerOrReuse(reg, m.incomingRequestDuration); err != nil {
		return err
	}
	if m.incomingRequestTotal, err = registerOrReuse(reg, m.incomingRequestTotal); err != nil {
		return err
	}
	if m.notificationTotal, err = registerOrReuse(reg, m.notificationTotal); err != nil {
		return err
	}
	if m.toolCallDuration, err = registerOrReuse(reg, m.toolCallDuration); err != nil {
		return err
	}
	if m.toolCallTotal, err = registerOrReuse(reg, m.toolCallTotal); err != nil {
		return err
	}
	if m.cacheLookups, err = registerOrReuse(reg, m.cacheLookups); err != nil {
		return err
	}
	if m.transportState, err = registerOrReuse(reg, m.transportState); err != nil {
		return err
	}
	if m.transportMessages, err = registerOrReuse(reg, m.transportMessages); err != nil {
		return err
	}
	if m.streamReconnects, err = registerOrReuse(reg, m.streamReconnects); err != nil {
		return err
	}
	m.pendingRequests, err = registerOrReuse(reg, m.pendingRequests)
	return err
}

func registerOrReuse[C prometheus.Collector](reg prometheus.Registerer, c C) (C, error) {
	if err := reg.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(C); ok {
				return existing, nil
			}
		}
		return c, err
	}
	return c, nil
}

// Handler serves the gathered metrics in the Prometheus exposition format
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.HandlerFor(prometheus.NewRegistry(), promhttp.HandlerOpts{})
	}
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}

// Gatherer returns the gatherer the metrics are exposed from
func (m *Metrics) Gatherer() prometheus.Gatherer {
	if m == nil {
		return nil
	}
	return m.gatherer
}

func status(err error) string {
	if err != nil {
		return StatusError
	}
	return StatusOK
}

func ms(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}

// RecordRequest records an outgoing request and its outcome
func (m *Metrics) RecordRequest(method string, err error, duration time.Duration) {
	if m == nil {
		return
	}
	s := status(err)
	m.requestDuration.WithLabelValues(method, s).Observe(ms(duration))
	m.requestTotal.WithLabelValues(method, s).Inc()
}

// RecordIncomingRequest records a request handled by a server
func (m *Metrics) RecordIncomingRequest(method string, err error, duration time.Duration) {
	if m == nil {
		return
	}
	s := status(err)
	m.incomingRequestDuration.WithLabelValues(method, s).Observe(ms(duration))
	m.incomingRequestTotal.WithLabelValues(method, s).Inc()
}

// RecordNotification counts a notification in the given direction
func (m *Metrics) RecordNotification(direction, method string) {
	if m == nil {
		return
	}
	m.notificationTotal.WithLabelValues(direction, method).Inc()
}

// RecordToolCall records a tool invocation. isError marks a tool-level failure.
func (m *Metrics) RecordToolCall(tool string, isError bool, duration time.Duration) {
	if m == nil {
		return
	}
	s := StatusOK
	if isError {
		s = StatusError
	}
	m.toolCallDuration.WithLabelValues(tool, s).Observe(ms(duration))
	m.toolCallTotal.WithLabelValues(tool, s).Inc()
}

// RecordCacheLookup counts a resource cache hit or miss
func (m *Metrics) RecordCacheLookup(hit bool) {
	if m == nil {
		return
	}
	if hit {
		m.cacheLookups.WithLabelValues("hit").Inc()
		return
	}
	m.cacheLookups.WithLabelValues("miss").Inc()
}

// TransportStates lists the values RecordTransportState resets
var TransportStates = []string{"disconnected", "connecting", "connected", "error", "closed"}

// RecordTransportState marks state as the current one for a transport kind
func (m *Metrics) RecordTransportState(kind, state string) {
	if m == nil {
		return
	}
	for _, s := range TransportStates {
		m.transportState.WithLabelValues(kind, s).Set(0)
	}
	m.transportState.WithLabelValues(kind, state).Set(1)
}

// RecordTransportMessage counts one message through a transport
func (m *Metrics) RecordTransportMessage(kind, direction string) {
	if m == nil {
		return
	}
	m.transportMessages.WithLabelValues(kind, direction).Inc()
}

// RecordStreamReconnect counts a reconnect attempt of an event stream
func (m *Metrics) RecordStreamReconnect(kind string) {
	if m == nil {
		return
	}
	m.streamReconnects.WithLabelValues(kind).Inc()
}

// AddPendingRequests adjusts the pending request gauge by delta
func (m *Metrics) AddPendingRequests(delta int) {
	if m == nil {
		return
	}
	m.pendingRequests.Add(float64(delta))
}
