package client

import (
	"context"
	"io"

	"github.com/ajitpratap0/mcp-engine/pkg/transport"
)

// Dial creates the transport described by cfg and connects a client over it
func Dial(ctx context.Context, cfg transport.Config, opts ...Option) (*Client, error) {
	t, err := transport.New(cfg)
	if err != nil {
		return nil, err
	}
	c := New(t, opts...)
	if err := c.Connect(ctx); err != nil {
		return nil, err
	}
	return c, nil
}

// NewSubprocessClient creates a client that launches command and talks to
// it over its stdin and stdout. Call Connect to start it.
func NewSubprocessClient(command string, args []string, transportOpts []transport.Option, opts ...Option) *Client {
	return New(transport.NewSubprocessTransport(command, args, transportOpts...), opts...)
}

// NewStreamClient creates a client over an existing byte stream pair
func NewStreamClient(r io.Reader, w io.Writer, opts ...Option) *Client {
	return New(transport.NewStdioTransport(r, w), opts...)
}
