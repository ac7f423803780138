// Package client connects to one MCP server.
//
// A Client owns a single transport. Connect starts it and performs the
// initialize handshake; every other operation fails with a not-initialized
// error until the handshake completes. Requests are correlated by id, each
// with its own deadline, so a timeout or cancellation only affects the
// request concerned. Closing the client fails every pending request with a
// connection-closed error.
//
//	t := transport.NewSubprocessTransport("weather-server", nil)
//	c := client.New(t,
//	    client.WithClientInfo("agent", "1.0.0"),
//	    client.WithRequestTimeout(30*time.Second),
//	)
//	if err := c.Connect(ctx); err != nil {
//	    return err
//	}
//	defer c.Close()
//
//	tools, err := c.ListAllTools(ctx)
//	...
//	res, err := c.CallTool(ctx, "forecast", map[string]interface{}{"location": "Tokyo"},
//	    client.WithProgress(func(p protocol.ProgressParams) {
//	        log.Printf("%.0f/%.0f", p.Progress, p.Total)
//	    }))
//	if res.IsError {
//	    // the tool failed; res.Text() explains why
//	}
//
// # Events
//
// Notifications from the server are delivered to subscribers registered with
// Subscribe: log messages, list changes, resource updates and progress, plus
// transport errors and a final closed event.
//
//	unsubscribe := c.Subscribe(func(ev client.Event) {
//	    log.Printf("resource %s changed", ev.URI)
//	}, client.EventResourceUpdated)
//
// # Server-initiated requests
//
// WithRoots and WithSampling register handlers for roots/list and
// sampling/createMessage and advertise the matching capabilities. Requests
// for methods without a handler are answered with a method-not-found error.
package client
