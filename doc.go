// Package mcp implements the Model Context Protocol: JSON-RPC 2.0 between
// clients that host models and servers that offer tools, resources and
// prompts.
//
// The engine is split into packages:
//
//   - pkg/protocol: wire types, method names and JSON-RPC framing
//   - pkg/transport: stdio, subprocess, event-stream, streaming HTTP and
//     in-memory transports behind one Transport interface
//   - pkg/client: the client side, with request correlation and events
//   - pkg/server: the server side and its HTTP handlers
//   - pkg/registry: tools of many servers under qualified names
//   - pkg/resources: resources of many servers with a read cache
//   - pkg/hub: one client per configured server, kept in sync with the
//     registry and resource manager
//   - pkg/config, pkg/logging, pkg/observability, pkg/errors: shared plumbing
//
// # Connecting to a server
//
//	c, err := mcp.Dial(ctx, transport.Config{
//	    Kind:    transport.KindStdio,
//	    Command: "my-server",
//	}, mcp.WithClientInfo("my-app", "1.0.0"))
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer c.Close()
//
//	tools, err := c.ListAllTools(ctx)
//	res, err := c.CallTool(ctx, "search", map[string]interface{}{"query": "mcp"})
//
// # Many servers
//
//	cfg, err := mcp.LoadConfig("engine.yaml")
//	h := mcp.NewHub()
//	if err := h.ConnectAll(ctx, cfg.Enabled()); err != nil {
//	    log.Print(err) // servers that did connect stay usable
//	}
//	res, err := h.CallTool(ctx, "mcp__files__search", args)
//	contents, err := h.ReadResource(ctx, "mcp://files/file:///srv/notes.txt")
//
// # Serving
//
// See pkg/server for registering tools, resources and prompts, and
// cmd/mcpctl for a complete program.
package mcp
