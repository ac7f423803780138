package hub

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ajitpratap0/mcp-engine/pkg/client"
	"github.com/ajitpratap0/mcp-engine/pkg/config"
	mcperrors "github.com/ajitpratap0/mcp-engine/pkg/errors"
	"github.com/ajitpratap0/mcp-engine/pkg/logging"
	"github.com/ajitpratap0/mcp-engine/pkg/protocol"
	"github.com/ajitpratap0/mcp-engine/pkg/resources"
	"github.com/ajitpratap0/mcp-engine/pkg/server"
	"github.com/ajitpratap0/mcp-engine/pkg/transport"
)

var quiet = logging.NewNop()

// fleet serves in-memory backends by name. A backend is selected by the
// command of its server config.
type fleet struct {
	mu      sync.Mutex
	setups  map[string]func(*server.Server)
	servers map[string]*server.Server
}

func newFleet() *fleet {
	return &fleet{setups: make(map[string]func(*server.Server)), servers: make(map[string]*server.Server)}
}

func (f *fleet) add(name string, setup func(*server.Server)) config.ServerConfig {
	f.setups[name] = setup
	return config.ServerConfig{Name: name, Transport: transport.KindInMemory, Command: name}
}

func (f *fleet) server(name string) *server.Server {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.servers[name]
}

func (f *fleet) dial(ctx context.Context, cfg transport.Config, opts ...client.Option) (*client.Client, error) {
	setup, ok := f.setups[cfg.Command]
	if !ok {
		return nil, errors.New("no backend " + cfg.Command)
	}
	ct, st := transport.NewInMemoryPair()
	srv := server.New(st,
		server.WithServerInfo(cfg.Command, "1.0.0"),
		server.WithLogger(quiet),
		server.WithToolsCapability(true),
		server.WithResourcesCapability(true, true),
		server.WithPromptsCapability(false),
	)
	setup(srv)
	if err := srv.Start(context.Background()); err != nil {
		return nil, err
	}
	f.mu.Lock()
	f.servers[cfg.Command] = srv
	f.mu.Unlock()

	c := client.New(ct, opts...)
	if err := c.Connect(ctx); err != nil {
		_ = srv.Stop()
		return nil, err
	}
	return c, nil
}

func echoTool(name string) protocol.Tool {
	return protocol.Tool{
		Name:        name,
		InputSchema: []byte(`{"type":"object","properties":{"text":{"type":"string"}},"required":["text"]}`),
	}
}

func echo(_ context.Context, args map[string]interface{}) (*protocol.CallToolResult, error) {
	text, _ := args["text"].(string)
	return protocol.NewToolResultText(text), nil
}

func textResource(uri string, text func() string, reads *atomic.Int32) func(*server.Server) {
	return func(s *server.Server) {
		err := s.RegisterResource(protocol.Resource{URI: uri, Name: uri, MimeType: "text/plain"},
			func(_ context.Context, uri string) (*protocol.ReadResourceResult, error) {
				if reads != nil {
					reads.Add(1)
				}
				return &protocol.ReadResourceResult{Contents: []protocol.ResourceContents{{URI: uri, Text: text()}}}, nil
			})
		if err != nil {
			panic(err)
		}
	}
}

func newHub(t *testing.T, f *fleet, opts ...Option) *Hub {
	t.Helper()
	h := New(append([]Option{WithLogger(quiet), WithDialer(f.dial)}, opts...)...)
	t.Cleanup(func() { _ = h.Close() })
	return h
}

func TestConnectImportsToolsAndResources(t *testing.T) {
	f := newFleet()
	var reads atomic.Int32
	files := f.add("files", func(s *server.Server) {
		require.NoError(t, s.RegisterTool(echoTool("echo"), echo))
		textResource("file:///notes.txt", func() string { return "hello" }, &reads)(s)
	})
	search := f.add("search", func(s *server.Server) {
		require.NoError(t, s.RegisterTool(echoTool("echo"), echo))
		require.NoError(t, s.RegisterTool(echoTool("query"), echo))
	})

	h := newHub(t, f)
	ctx := context.Background()
	require.NoError(t, h.Connect(ctx, files))
	require.NoError(t, h.Connect(ctx, search))
	assert.Equal(t, []string{"files", "search"}, h.Servers())

	var names []string
	for _, tool := range h.Tools() {
		names = append(names, tool.QualifiedName)
	}
	assert.Equal(t, []string{"mcp__files__echo", "mcp__search__echo", "mcp__search__query"}, names)

	res, err := h.CallTool(ctx, "mcp__search__query", map[string]interface{}{"text": "routed"})
	require.NoError(t, err)
	assert.Equal(t, "routed", res.Text())

	_, err = h.CallTool(ctx, "mcp__search__query", map[string]interface{}{"text": 7})
	require.Error(t, err)
	assert.True(t, mcperrors.IsCategory(err, mcperrors.CategoryValidation))

	_, err = h.CallTool(ctx, "mcp__search__missing", nil)
	assert.True(t, mcperrors.IsCode(err, mcperrors.CodeResourceNotFound))

	require.Len(t, h.Resources().ServerResources("files"), 1)
	for i := 0; i < 3; i++ {
		read, err := h.ReadResource(ctx, "mcp://files/file:///notes.txt")
		require.NoError(t, err)
		assert.Equal(t, "hello", read.Contents[0].Text)
	}
	assert.Equal(t, int32(1), reads.Load(), "repeat reads come from the cache")

	_, err = h.ReadResource(ctx, "file:///notes.txt")
	assert.Error(t, err)
}

func TestConnectRejectsBadNames(t *testing.T) {
	f := newFleet()
	h := newHub(t, f)
	ctx := context.Background()

	assert.Error(t, h.Connect(ctx, f.add("a__b", func(*server.Server) {})))
	require.NoError(t, h.Connect(ctx, f.add("one", func(*server.Server) {})))
	assert.Error(t, h.Connect(ctx, config.ServerConfig{Name: "one", Command: "one"}), "duplicate name")
	assert.Equal(t, []string{"one"}, h.Servers())
}

func TestListChangedRefreshesRegistry(t *testing.T) {
	f := newFleet()
	h := newHub(t, f)
	require.NoError(t, h.Connect(context.Background(), f.add("files", func(s *server.Server) {
		require.NoError(t, s.RegisterTool(echoTool("echo"), echo))
	})))

	srv := f.server("files")
	require.NoError(t, srv.RegisterTool(echoTool("second"), echo))
	require.Eventually(t, func() bool {
		_, ok := h.Registry().Get("mcp__files__second")
		return ok
	}, 2*time.Second, 10*time.Millisecond)

	srv.UnregisterTool("echo")
	require.Eventually(t, func() bool {
		_, ok := h.Registry().Get("mcp__files__echo")
		return !ok
	}, 2*time.Second, 10*time.Millisecond)

	textResource("file:///late.txt", func() string { return "late" }, nil)(srv)
	require.Eventually(t, func() bool {
		_, ok := h.Resources().Resource("files", "file:///late.txt")
		return ok
	}, 2*time.Second, 10*time.Millisecond)
}

func TestResourceUpdatesReachSubscribers(t *testing.T) {
	f := newFleet()
	h := newHub(t, f)

	var mu sync.Mutex
	current := "v1"
	content := func() string {
		mu.Lock()
		defer mu.Unlock()
		return current
	}
	require.NoError(t, h.Connect(context.Background(), f.add("files", textResource("file:///state", content, nil))))

	updates := make(chan resources.Update, 4)
	unsubscribe, err := h.SubscribeResource(context.Background(), "mcp://files/file:///state", func(u resources.Update) {
		updates <- u
	})
	require.NoError(t, err)
	defer unsubscribe()
	assert.Equal(t, []string{"file:///state"}, f.server("files").Subscriptions())

	mu.Lock()
	current = "v2"
	mu.Unlock()
	require.NoError(t, f.server("files").NotifyResourceUpdated(context.Background(), "file:///state"))

	select {
	case u := <-updates:
		assert.Equal(t, "mcp://files/file:///state", u.QualifiedURI)
		require.NotNil(t, u.Contents)
		assert.Equal(t, "v2", u.Contents.Contents[0].Text)
	case <-time.After(2 * time.Second):
		t.Fatal("no update delivered")
	}

	read, err := h.ReadResource(context.Background(), "mcp://files/file:///state")
	require.NoError(t, err)
	assert.Equal(t, "v2", read.Contents[0].Text)
}

func TestServerDisconnectForgetsItsTools(t *testing.T) {
	f := newFleet()
	h := newHub(t, f)
	require.NoError(t, h.Connect(context.Background(), f.add("files", func(s *server.Server) {
		require.NoError(t, s.RegisterTool(echoTool("echo"), echo))
		textResource("file:///a", func() string { return "a" }, nil)(s)
	})))
	require.Equal(t, 1, h.Registry().Len())

	require.NoError(t, f.server("files").Stop())
	require.Eventually(t, func() bool { return len(h.Servers()) == 0 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 0, h.Registry().Len())
	assert.Empty(t, h.Resources().ServerResources("files"))

	_, err := h.CallTool(context.Background(), "mcp__files__echo", map[string]interface{}{"text": "x"})
	assert.Error(t, err)
}

func TestConnectAllReportsFailures(t *testing.T) {
	f := newFleet()
	good := f.add("good", func(s *server.Server) {
		require.NoError(t, s.RegisterTool(echoTool("echo"), echo))
	})
	off := f.add("off", func(*server.Server) {})
	off.Disabled = true
	broken := config.ServerConfig{Name: "broken", Transport: transport.KindInMemory, Command: "broken"}

	h := newHub(t, f)
	err := h.ConnectAll(context.Background(), []config.ServerConfig{good, off, broken})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "broken")
	assert.Equal(t, []string{"good"}, h.Servers())

	_, ok := h.Client("good")
	assert.True(t, ok)
	_, ok = h.Client("off")
	assert.False(t, ok)
}

func TestPrompts(t *testing.T) {
	f := newFleet()
	h := newHub(t, f)
	require.NoError(t, h.Connect(context.Background(), f.add("writer", func(s *server.Server) {
		require.NoError(t, s.RegisterPrompt(protocol.Prompt{Name: "summarize"},
			func(context.Context, map[string]string) (*protocol.GetPromptResult, error) {
				return &protocol.GetPromptResult{}, nil
			}))
	})))

	prompts, err := h.Prompts(context.Background())
	require.NoError(t, err)
	require.Len(t, prompts, 1)
	assert.Equal(t, "writer", prompts[0].Server)
	assert.Equal(t, "summarize", prompts[0].Prompt.Name)
}

func TestCloseDisconnectsEverything(t *testing.T) {
	f := newFleet()
	h := New(WithLogger(quiet), WithDialer(f.dial))
	require.NoError(t, h.Connect(context.Background(), f.add("files", func(s *server.Server) {
		require.NoError(t, s.RegisterTool(echoTool("echo"), echo))
	})))
	c, _ := h.Client("files")

	require.NoError(t, h.Close())
	assert.Empty(t, h.Servers())
	assert.Equal(t, 0, h.Registry().Len())
	assert.Equal(t, client.StateClosed, c.State())
	assert.Error(t, h.Connect(context.Background(), f.add("again", func(*server.Server) {})))
	assert.NoError(t, h.Close())
}
