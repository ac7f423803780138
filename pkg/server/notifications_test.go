package server

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ajitpratap0/mcp-engine/pkg/client"
	mcperrors "github.com/ajitpratap0/mcp-engine/pkg/errors"
	"github.com/ajitpratap0/mcp-engine/pkg/protocol"
	"github.com/ajitpratap0/mcp-engine/pkg/transport"
	"github.com/ajitpratap0/mcp-engine/pkg/utils"
)

func collect(c *client.Client, types ...client.EventType) <-chan client.Event {
	ch := make(chan client.Event, 32)
	c.Subscribe(func(ev client.Event) {
		select {
		case ch <- ev:
		default:
		}
	}, types...)
	return ch
}

func nextEvent(t *testing.T, ch <-chan client.Event) client.Event {
	t.Helper()
	select {
	case ev := <-ch:
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("no event")
		return client.Event{}
	}
}

func noEvent(t *testing.T, ch <-chan client.Event) {
	t.Helper()
	select {
	case ev := <-ch:
		t.Fatalf("unexpected event %s", ev.Type)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestLogRespectsClientLevel(t *testing.T) {
	srv, c := connected(t, []Option{WithLogging()}, nil)
	logs := collect(c, client.EventLog)
	ctx := context.Background()

	require.NoError(t, srv.Log(ctx, protocol.LogLevelDebug, "db", "below default level"))
	require.NoError(t, srv.Log(ctx, protocol.LogLevelInfo, "db", "connected"))
	ev := nextEvent(t, logs)
	assert.Equal(t, protocol.LogLevelInfo, ev.Log.Level)
	assert.Equal(t, "connected", ev.Log.Data)

	require.NoError(t, c.SetLogLevel(ctx, protocol.LogLevelError))
	require.NoError(t, srv.Log(ctx, protocol.LogLevelWarning, "db", "slow"))
	require.NoError(t, srv.Log(ctx, protocol.LogLevelCritical, "db", "down"))
	ev = nextEvent(t, logs)
	assert.Equal(t, protocol.LogLevelCritical, ev.Log.Level)
	noEvent(t, logs)

	assert.Error(t, srv.Log(ctx, protocol.LoggingLevel("loud"), "db", "x"))
}

func TestLogRequiresCapabilityAndInitialize(t *testing.T) {
	srv, c := newPair(t, nil)
	err := srv.Log(context.Background(), protocol.LogLevelInfo, "", "early")
	assert.True(t, mcperrors.IsCode(err, mcperrors.CodeServerNotReady))

	require.NoError(t, srv.Start(context.Background()))
	require.NoError(t, c.Connect(context.Background()))
	err = srv.Log(context.Background(), protocol.LogLevelInfo, "", "no capability")
	assert.True(t, mcperrors.IsCode(err, mcperrors.CodeCapabilityRequired))
}

func TestProgressReachesCaller(t *testing.T) {
	var srv *Server
	srv, c := connected(t, nil, func(s *Server) {
		require.NoError(t, s.RegisterTool(protocol.Tool{Name: "work"}, func(ctx context.Context, _ map[string]interface{}) (*protocol.CallToolResult, error) {
			for i := 1; i <= 3; i++ {
				if err := srv.Progress(ctx, float64(i), 3, "step"); err != nil {
					return nil, err
				}
			}
			return protocol.NewToolResultText("ok"), nil
		}))
	})

	var mu sync.Mutex
	var got []float64
	res, err := c.CallTool(context.Background(), "work", nil, client.WithProgress(func(p protocol.ProgressParams) {
		mu.Lock()
		got = append(got, p.Progress)
		mu.Unlock()
	}))
	require.NoError(t, err)
	assert.Equal(t, "ok", res.Text())
	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 3
	}, time.Second, 10*time.Millisecond)

	// without a token progress is silently skipped
	res, err = c.CallTool(context.Background(), "work", nil)
	require.NoError(t, err)
	assert.False(t, res.IsError)
}

func TestListChangedNotifications(t *testing.T) {
	srv, c := connected(t, []Option{
		WithToolsCapability(true),
		WithPromptsCapability(false),
	}, nil)
	events := collect(c, client.EventToolsChanged, client.EventPromptsChanged)

	require.NoError(t, srv.RegisterTool(echoTool(), echoHandler))
	assert.Equal(t, client.EventToolsChanged, nextEvent(t, events).Type)

	assert.True(t, srv.UnregisterTool("echo"))
	assert.Equal(t, client.EventToolsChanged, nextEvent(t, events).Type)

	require.NoError(t, srv.RegisterPrompt(protocol.Prompt{Name: "p"}, func(context.Context, map[string]string) (*protocol.GetPromptResult, error) {
		return &protocol.GetPromptResult{}, nil
	}))
	noEvent(t, events)
}

func TestNoListChangedBeforeInitialize(t *testing.T) {
	ct, st := transport.NewInMemoryPair(transport.WithLogger(quiet))
	srv := New(st, WithLogger(quiet), WithToolsCapability(true))
	require.NoError(t, srv.Start(context.Background()))
	defer srv.Stop()
	require.NoError(t, ct.Start(context.Background()))
	defer ct.Close()

	require.NoError(t, srv.RegisterTool(echoTool(), echoHandler))
	select {
	case msg := <-ct.Receive():
		t.Fatalf("unexpected message %#v", msg)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestResourceSubscriptions(t *testing.T) {
	readme := protocol.Resource{URI: "mem://readme"}
	read := func(_ context.Context, uri string) (*protocol.ReadResourceResult, error) {
		return &protocol.ReadResourceResult{Contents: []protocol.ResourceContents{{URI: uri, Text: "v1"}}}, nil
	}
	srv, c := connected(t, []Option{WithResourcesCapability(true, false)}, func(s *Server) {
		require.NoError(t, s.RegisterResource(readme, read))
	})
	updates := collect(c, client.EventResourceUpdated)
	ctx := context.Background()

	require.NoError(t, srv.NotifyResourceUpdated(ctx, readme.URI))
	noEvent(t, updates)

	require.NoError(t, c.SubscribeResource(ctx, readme.URI))
	assert.Equal(t, []string{readme.URI}, srv.Subscriptions())
	require.NoError(t, srv.NotifyResourceUpdated(ctx, readme.URI))
	ev := nextEvent(t, updates)
	assert.Equal(t, readme.URI, ev.URI)

	require.NoError(t, c.UnsubscribeResource(ctx, readme.URI))
	require.NoError(t, srv.NotifyResourceUpdated(ctx, readme.URI))
	noEvent(t, updates)

	require.NoError(t, c.SubscribeResource(ctx, readme.URI))
	assert.True(t, srv.UnregisterResource(readme.URI))
	assert.Empty(t, srv.Subscriptions(), "unregistering drops the subscription")
}

func TestSubscribeWithoutCapability(t *testing.T) {
	_, c := connected(t, nil, func(s *Server) {
		require.NoError(t, s.RegisterResource(protocol.Resource{URI: "mem://x"}, func(context.Context, string) (*protocol.ReadResourceResult, error) {
			return &protocol.ReadResourceResult{}, nil
		}))
	})
	assert.Error(t, c.SubscribeResource(context.Background(), "mem://x"))
}

func TestServerToClientRequests(t *testing.T) {
	roots := []protocol.Root{{URI: "file:///src", Name: "src"}}
	srv, _ := connected(t, nil, nil,
		client.WithRoots(func(context.Context) ([]protocol.Root, error) { return roots, nil }),
		client.WithSampling(func(_ context.Context, p *protocol.CreateMessageParams) (*protocol.CreateMessageResult, error) {
			return &protocol.CreateMessageResult{
				Role:    protocol.RoleAssistant,
				Content: protocol.TextContent("echo: " + p.Messages[0].Content.Text),
				Model:   "test-model",
			}, nil
		}))
	ctx := context.Background()

	got, err := srv.ListRoots(ctx)
	require.NoError(t, err)
	assert.Equal(t, roots, got)

	res, err := srv.CreateMessage(ctx, &protocol.CreateMessageParams{
		Messages:  []protocol.SamplingMessage{{Role: protocol.RoleUser, Content: protocol.TextContent("hi")}},
		MaxTokens: 10,
	})
	require.NoError(t, err)
	assert.Equal(t, "echo: hi", res.Content.Text)
	assert.Equal(t, "test-model", res.Model)
}

func TestServerRequestsNeedClientCapabilities(t *testing.T) {
	srv, _ := connected(t, nil, nil)

	_, err := srv.ListRoots(context.Background())
	assert.True(t, mcperrors.IsCode(err, mcperrors.CodeCapabilityRequired))
	_, err = srv.CreateMessage(context.Background(), &protocol.CreateMessageParams{MaxTokens: 1})
	assert.True(t, mcperrors.IsCode(err, mcperrors.CodeCapabilityRequired))
}

func TestHandlerCanCallBackIntoClient(t *testing.T) {
	var srv *Server
	srv, c := connected(t, nil, func(s *Server) {
		require.NoError(t, s.RegisterTool(protocol.Tool{Name: "roots"}, func(ctx context.Context, _ map[string]interface{}) (*protocol.CallToolResult, error) {
			roots, err := srv.ListRoots(ctx)
			if err != nil {
				return nil, err
			}
			return protocol.NewToolResultText(roots[0].URI), nil
		}))
	}, client.WithRoots(func(context.Context) ([]protocol.Root, error) {
		return []protocol.Root{{URI: "file:///home"}}, nil
	}))

	res, err := c.CallTool(context.Background(), "roots", nil)
	require.NoError(t, err)
	assert.Equal(t, "file:///home", res.Text())
}

func TestServerRequestTimeoutCancelsOnClient(t *testing.T) {
	block := make(chan struct{})
	defer close(block)
	srv, _ := connected(t, []Option{WithRequestTimeout(100 * time.Millisecond)}, nil,
		client.WithRoots(func(ctx context.Context) ([]protocol.Root, error) {
			select {
			case <-block:
			case <-ctx.Done():
			}
			return nil, ctx.Err()
		}))

	_, err := srv.ListRoots(context.Background())
	require.Error(t, err)
	assert.True(t, mcperrors.IsCode(err, mcperrors.CodeOperationTimeout))
}

func TestRootsChangedHook(t *testing.T) {
	changed := make(chan struct{}, 1)
	_, c := connected(t, []Option{WithRootsChangedHandler(func(context.Context) { changed <- struct{}{} })}, nil,
		client.WithRoots(func(context.Context) ([]protocol.Root, error) { return nil, nil }))

	require.NoError(t, c.NotifyRootsChanged(context.Background()))
	select {
	case <-changed:
	case <-time.After(2 * time.Second):
		t.Fatal("roots changed hook not called")
	}
}

type searchArgs struct {
	Query string `json:"query" jsonschema:"required"`
	Limit int    `json:"limit,omitempty"`
}

func TestTypedTool(t *testing.T) {
	tool, handler, err := NewTypedTool("search", "Searches", func(_ context.Context, args searchArgs) (*protocol.CallToolResult, error) {
		return protocol.NewToolResultText(args.Query), nil
	})
	require.NoError(t, err)
	assert.Contains(t, string(tool.InputSchema), `"query"`)

	_, c := connected(t, nil, func(s *Server) {
		require.NoError(t, s.RegisterTool(tool, handler))
	})

	res, err := c.CallTool(context.Background(), "search", map[string]interface{}{"query": "gophers", "limit": 3})
	require.NoError(t, err)
	assert.Equal(t, "gophers", res.Text())

	res, err = c.CallTool(context.Background(), "search", map[string]interface{}{"limit": 3})
	require.NoError(t, err)
	assert.True(t, res.IsError)
}

func TestServerDoesNotLeakGoroutines(t *testing.T) {
	detector := utils.NewGoroutineLeakDetector(t).SetStabilizeDelay(100 * time.Millisecond)
	detector.Start()

	for i := 0; i < 5; i++ {
		ct, st := transport.NewInMemoryPair(transport.WithLogger(quiet))
		srv := New(st, WithLogger(quiet))
		withEcho(srv)
		require.NoError(t, srv.Start(context.Background()))
		c := client.New(ct, client.WithLogger(quiet))
		require.NoError(t, c.Connect(context.Background()))
		_, err := c.CallTool(context.Background(), "echo", map[string]interface{}{"text": "x"})
		require.NoError(t, err)
		require.NoError(t, c.Close())
		c.Wait()
		<-srv.Done()
		require.NoError(t, srv.Stop())
	}

	detector.Check()
}
