// Package transport moves JSON-RPC messages between an MCP client and a
// server. Every binding implements Transport: Start connects, Send writes one
// message, Receive yields inbound messages in arrival order and Close tears
// the connection down. Asynchronous failures are published on Errors and
// Done is closed once the transport is finished.
//
// Bindings:
//
//   - StdioTransport exchanges newline-delimited JSON over a reader and a
//     writer, by default the process's own stdin and stdout.
//   - SubprocessTransport launches a server process and speaks stdio over
//     its pipes. Stderr output is logged, never parsed.
//   - SSETransport opens an event stream, waits for the endpoint event and
//     posts outbound messages there. Endpoints on another origin are refused.
//   - StreamableHTTPTransport posts each message to a single endpoint and
//     accepts JSON or event-stream replies. It carries the session id and
//     protocol version headers and keeps a standalone event stream open,
//     reconnecting with exponential backoff.
//   - InMemoryTransport pairs two ends inside one process, mainly for tests.
//
// New builds a transport from a Config:
//
//	t, err := transport.New(transport.Config{
//		Kind:     transport.KindStreamableHTTP,
//		Endpoint: "https://tools.example.com/mcp",
//		Metrics:  metrics,
//	})
//	if err != nil {
//		return err
//	}
//	if err := t.Start(ctx); err != nil {
//		return err
//	}
//	defer t.Close()
//
// Middleware such as WithObservability can be layered with Chain.
package transport
