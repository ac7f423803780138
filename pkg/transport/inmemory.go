package transport

import (
	"context"
	"sync"

	mcperrors "github.com/ajitpratap0/mcp-engine/pkg/errors"
	"github.com/ajitpratap0/mcp-engine/pkg/protocol"
)

// InMemoryTransport is one end of a connected pair. Messages are encoded and
// decoded on the way across so neither side shares memory with the other.
type InMemoryTransport struct {
	*base
	peer *InMemoryTransport
	mu   sync.Mutex
}

// NewInMemoryPair returns two connected transports
func NewInMemoryPair(opts ...Option) (client, server *InMemoryTransport) {
	o := NewOptions(opts...)
	client = &InMemoryTransport{base: newBase(KindInMemory, o, "InMemoryTransport")}
	server = &InMemoryTransport{base: newBase(KindInMemory, o, "InMemoryTransport")}
	client.peer = server
	server.peer = client
	return client, server
}

// Start marks this end connected
func (t *InMemoryTransport) Start(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return mcperrors.ConvertStandardError(err)
	}
	if err := t.beginStart(); err != nil {
		return err
	}
	t.setState(StateConnected)
	return nil
}

// Send delivers msg to the peer, waiting while the peer's buffer is full
func (t *InMemoryTransport) Send(ctx context.Context, msg protocol.Message) error {
	if err := t.checkSend(); err != nil {
		return err
	}
	data, err := protocol.EncodeMessage(msg)
	if err != nil {
		return mcperrors.InternalError("encode message", err)
	}
	copied, err := protocol.DecodeMessage(data)
	if err != nil {
		return mcperrors.InternalError("decode message", err)
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	select {
	case t.peer.messages <- copied:
		return nil
	case <-t.peer.done:
		return mcperrors.ConnectionClosed(string(t.kind))
	case <-t.done:
		return mcperrors.ConnectionClosed(string(t.kind))
	case <-ctx.Done():
		return mcperrors.ConvertStandardError(ctx.Err())
	}
}

// Close closes both ends
func (t *InMemoryTransport) Close() error {
	if t.finish() {
		_ = t.peer.Close()
	}
	return nil
}
