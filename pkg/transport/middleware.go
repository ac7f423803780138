package transport

import (
	"context"
	"sync"

	"github.com/ajitpratap0/mcp-engine/pkg/observability"
	"github.com/ajitpratap0/mcp-engine/pkg/protocol"
)

// Middleware wraps a transport with extra behaviour
type Middleware func(Transport) Transport

// Chain applies mw to t. The first middleware ends up outermost.
func Chain(t Transport, mw ...Middleware) Transport {
	for i := len(mw) - 1; i >= 0; i-- {
		t = mw[i](t)
	}
	return t
}

// WithObservability counts messages in each direction and tracks the
// connection state gauge of the wrapped transport.
func WithObservability(metrics *observability.Metrics) Middleware {
	return func(next Transport) Transport {
		return &observedTransport{
			Transport: next,
			metrics:   metrics,
			messages:  make(chan protocol.Message),
		}
	}
}

type observedTransport struct {
	Transport
	metrics  *observability.Metrics
	messages chan protocol.Message
	once     sync.Once
}

func (o *observedTransport) kind() string { return string(o.Transport.Kind()) }

func (o *observedTransport) Start(ctx context.Context) error {
	o.metrics.RecordTransportState(o.kind(), StateConnecting.String())
	err := o.Transport.Start(ctx)
	o.metrics.RecordTransportState(o.kind(), o.Transport.State().String())
	if err == nil {
		o.once.Do(func() { go o.forward() })
	}
	return err
}

func (o *observedTransport) Send(ctx context.Context, msg protocol.Message) error {
	err := o.Transport.Send(ctx, msg)
	if err == nil {
		o.metrics.RecordTransportMessage(o.kind(), observability.DirectionOutbound)
	}
	return err
}

func (o *observedTransport) Receive() <-chan protocol.Message {
	return o.messages
}

func (o *observedTransport) Close() error {
	err := o.Transport.Close()
	o.metrics.RecordTransportState(o.kind(), StateClosed.String())
	return err
}

// forward relays inbound messages, counting each one
func (o *observedTransport) forward() {
	in := o.Transport.Receive()
	done := o.Transport.Done()
	for {
		select {
		case msg := <-in:
			o.metrics.RecordTransportMessage(o.kind(), observability.DirectionInbound)
			select {
			case o.messages <- msg:
			case <-done:
				return
			}
		case <-done:
			o.metrics.RecordTransportState(o.kind(), StateClosed.String())
			return
		}
	}
}

func (o *observedTransport) SetProtocolVersion(version string) {
	if s, ok := o.Transport.(ProtocolVersionSetter); ok {
		s.SetProtocolVersion(version)
	}
}

func (o *observedTransport) SessionID() string {
	if s, ok := o.Transport.(SessionHolder); ok {
		return s.SessionID()
	}
	return ""
}
