// Package server implements the server side of the Model Context Protocol.
//
// A Server speaks JSON-RPC with one client over a transport.Transport. It
// answers initialize, dispatches tools, resources, prompts and completion
// requests to registered handlers, and can itself call the client for
// roots and sampling.
//
// # Creating a Server
//
//	srv := server.New(transport.NewStdioTransport(os.Stdin, os.Stdout),
//	    server.WithServerInfo("notes", "1.0.0"),
//	    server.WithToolsCapability(true),
//	    server.WithLogging(),
//	)
//
//	tool, handler, err := server.NewTypedTool("add_note", "Stores a note",
//	    func(ctx context.Context, args struct {
//	        Text string `json:"text"`
//	    }) (*protocol.CallToolResult, error) {
//	        return protocol.NewToolResultText("stored"), nil
//	    })
//	if err != nil {
//	    log.Fatal(err)
//	}
//	if err := srv.RegisterTool(tool, handler); err != nil {
//	    log.Fatal(err)
//	}
//
//	// Serve blocks until the client disconnects or ctx ends
//	if err := srv.Serve(ctx); err != nil {
//	    log.Fatal(err)
//	}
//
// Registrations may change while the server runs. Once the client has
// initialized, a change is announced with a list_changed notification when
// the matching capability was advertised with listChanged.
//
// # Handlers
//
// Tool arguments are validated against the tool's input schema before the
// handler runs. Invalid arguments and handler errors are reported to the
// client as tool results with isError set, not as protocol errors. Each
// request runs on its own goroutine with a context that is cancelled when
// the client sends notifications/cancelled, and a panicking handler is
// answered with an internal error.
//
// # HTTP
//
// NewHTTPHandler serves the streaming HTTP binding and NewSSEHandler the
// older event-stream binding. Both create one Server per session through a
// Factory:
//
//	h := server.NewHTTPHandler(func(t transport.Transport) *server.Server {
//	    srv := server.New(t, server.WithServerInfo("notes", "1.0.0"))
//	    registerTools(srv)
//	    return srv
//	})
//	http.Handle("/mcp", h)
package server
