package server

import (
	"context"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	mcperrors "github.com/ajitpratap0/mcp-engine/pkg/errors"
	"github.com/ajitpratap0/mcp-engine/pkg/logging"
	"github.com/ajitpratap0/mcp-engine/pkg/protocol"
	"github.com/ajitpratap0/mcp-engine/pkg/transport"
)

// sessionStreamBuffer is how many outbound messages wait for a stream reader
const sessionStreamBuffer = 256

// streamEvent is one outbound message queued for a session's event stream
type streamEvent struct {
	id  string
	msg protocol.Message
}

// sessionTransport is the server end of one HTTP session. The HTTP handler
// pushes inbound messages into it. Responses to requests a POST is waiting
// on go back to that POST; everything else is queued for the session's
// event stream.
type sessionTransport struct {
	id     string
	kind   transport.Kind
	logger logging.Logger

	state     atomic.Int32
	messages  chan protocol.Message
	errs      chan error
	done      chan struct{}
	closeOnce sync.Once

	mu       sync.Mutex
	waiters  map[protocol.RequestID]chan *protocol.Response
	stream   chan streamEvent
	attached bool
	eventSeq int64
	lastUsed time.Time
}

func newSessionTransport(id string, kind transport.Kind, logger logging.Logger) *sessionTransport {
	return &sessionTransport{
		id:       id,
		kind:     kind,
		logger:   logger.WithFields(logging.String("session_id", id)),
		messages: make(chan protocol.Message, transport.DefaultBufferSize),
		errs:     make(chan error, 1),
		done:     make(chan struct{}),
		waiters:  make(map[protocol.RequestID]chan *protocol.Response),
		stream:   make(chan streamEvent, sessionStreamBuffer),
		lastUsed: time.Now(),
	}
}

func (t *sessionTransport) Start(context.Context) error {
	if !t.state.CompareAndSwap(int32(transport.StateDisconnected), int32(transport.StateConnected)) {
		return mcperrors.TransportAlreadyRunning(string(t.kind))
	}
	return nil
}

// Send routes msg to a waiting POST or to the event stream. When the
// stream buffer is full the message is dropped.
func (t *sessionTransport) Send(ctx context.Context, msg protocol.Message) error {
	if t.State() != transport.StateConnected {
		return mcperrors.ConnectionClosed(string(t.kind))
	}
	if resp, ok := msg.(*protocol.Response); ok {
		t.mu.Lock()
		w, waiting := t.waiters[resp.ID]
		delete(t.waiters, resp.ID)
		t.mu.Unlock()
		if waiting {
			w <- resp
			return nil
		}
	}

	t.mu.Lock()
	t.eventSeq++
	ev := streamEvent{id: strconv.FormatInt(t.eventSeq, 10), msg: msg}
	t.mu.Unlock()

	select {
	case t.stream <- ev:
		return nil
	case <-t.done:
		return mcperrors.ConnectionClosed(string(t.kind))
	case <-ctx.Done():
		return mcperrors.ConvertStandardError(ctx.Err())
	default:
		t.logger.Warn("session stream full, dropping message")
		return nil
	}
}

func (t *sessionTransport) Close() error {
	t.closeOnce.Do(func() {
		t.state.Store(int32(transport.StateClosed))
		close(t.done)
	})
	return nil
}

func (t *sessionTransport) Receive() <-chan protocol.Message { return t.messages }
func (t *sessionTransport) Errors() <-chan error             { return t.errs }
func (t *sessionTransport) Done() <-chan struct{}            { return t.done }
func (t *sessionTransport) Kind() transport.Kind             { return t.kind }

func (t *sessionTransport) State() transport.State {
	return transport.State(t.state.Load())
}

// SessionID returns the session id
func (t *sessionTransport) SessionID() string { return t.id }

// await registers interest in the response to id. It must be called before
// the request is delivered.
func (t *sessionTransport) await(id protocol.RequestID) <-chan *protocol.Response {
	ch := make(chan *protocol.Response, 1)
	t.mu.Lock()
	t.waiters[id] = ch
	t.mu.Unlock()
	return ch
}

// abandon drops a waiter whose POST gave up; a late response then goes to
// the event stream
func (t *sessionTransport) abandon(id protocol.RequestID) {
	t.mu.Lock()
	delete(t.waiters, id)
	t.mu.Unlock()
}

// deliver hands an inbound message to the server
func (t *sessionTransport) deliver(ctx context.Context, msg protocol.Message) error {
	t.touch()
	select {
	case t.messages <- msg:
		return nil
	case <-t.done:
		return mcperrors.ConnectionClosed(string(t.kind))
	case <-ctx.Done():
		return mcperrors.ConvertStandardError(ctx.Err())
	}
}

// attach claims the event stream. Only one reader may hold it.
func (t *sessionTransport) attach() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.attached {
		return false
	}
	t.attached = true
	return true
}

func (t *sessionTransport) detach() {
	t.mu.Lock()
	t.attached = false
	t.mu.Unlock()
}

func (t *sessionTransport) touch() {
	t.mu.Lock()
	t.lastUsed = time.Now()
	t.mu.Unlock()
}

func (t *sessionTransport) idleSince() time.Time {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.lastUsed
}
