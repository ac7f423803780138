package transport

import (
	"sync"
	"sync/atomic"

	mcperrors "github.com/ajitpratap0/mcp-engine/pkg/errors"
	"github.com/ajitpratap0/mcp-engine/pkg/logging"
	"github.com/ajitpratap0/mcp-engine/pkg/protocol"
)

// base holds the channels and state machine shared by every binding
type base struct {
	kind   Kind
	logger logging.Logger

	state    atomic.Int32
	messages chan protocol.Message
	errs     chan error
	done     chan struct{}

	closeOnce sync.Once
}

func newBase(kind Kind, opts *Options, component string) *base {
	return &base{
		kind:     kind,
		logger:   logging.ForComponent(opts.Logger, component),
		messages: make(chan protocol.Message, opts.BufferSize),
		errs:     make(chan error, 16),
		done:     make(chan struct{}),
	}
}

// Kind returns the transport binding
func (b *base) Kind() Kind { return b.kind }

// State returns the current connection state
func (b *base) State() State { return State(b.state.Load()) }

// Receive returns the inbound message channel
func (b *base) Receive() <-chan protocol.Message { return b.messages }

// Errors returns the channel of asynchronous transport errors
func (b *base) Errors() <-chan error { return b.errs }

// Done is closed once the transport has closed
func (b *base) Done() <-chan struct{} { return b.done }

func (b *base) closed() bool {
	select {
	case <-b.done:
		return true
	default:
		return false
	}
}

// setState moves to s unless the transport already closed
func (b *base) setState(s State) {
	for {
		cur := b.state.Load()
		if State(cur) == StateClosed {
			return
		}
		if b.state.CompareAndSwap(cur, int32(s)) {
			return
		}
	}
}

// beginStart moves a fresh transport to connecting
func (b *base) beginStart() error {
	if b.state.CompareAndSwap(int32(StateDisconnected), int32(StateConnecting)) {
		return nil
	}
	if b.State() == StateClosed {
		return mcperrors.ConnectionClosed(string(b.kind))
	}
	return mcperrors.TransportAlreadyRunning(string(b.kind))
}

// checkSend reports whether a message may be sent now
func (b *base) checkSend() error {
	switch b.State() {
	case StateConnected:
		return nil
	case StateClosed, StateError:
		return mcperrors.ConnectionClosed(string(b.kind))
	default:
		return mcperrors.TransportNotRunning(string(b.kind))
	}
}

// deliver hands msg to the consumer, waiting for room in the channel. It
// returns false when the transport closed first.
func (b *base) deliver(msg protocol.Message) bool {
	select {
	case b.messages <- msg:
		return true
	case <-b.done:
		return false
	}
}

// deliverPayload decodes one message or a batch and delivers each. Malformed
// payloads are logged, reported and dropped.
func (b *base) deliverPayload(data []byte) {
	msgs, err := protocol.DecodeBatchOrMessage(data)
	if err != nil {
		b.logger.Warn("dropping malformed message", logging.ErrorField(err), logging.Int("size", len(data)))
		b.reportError(mcperrors.ParseError(err.Error()))
		return
	}
	for _, msg := range msgs {
		if !b.deliver(msg) {
			return
		}
	}
}

// reportError publishes err without blocking. Errors are dropped when
// nobody drains the channel.
func (b *base) reportError(err error) {
	select {
	case b.errs <- err:
	default:
		b.logger.Debug("transport error dropped", logging.ErrorField(err))
	}
}

// fail moves to the error state and reports err
func (b *base) fail(err error) {
	b.setState(StateError)
	b.logger.WithError(err).Warn("transport failed")
	b.reportError(err)
}

// finish closes the transport once and reports whether this call did it
func (b *base) finish() bool {
	first := false
	b.closeOnce.Do(func() {
		b.state.Store(int32(StateClosed))
		close(b.done)
		first = true
	})
	return first
}
