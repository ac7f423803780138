package client

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	mcperrors "github.com/ajitpratap0/mcp-engine/pkg/errors"
	"github.com/ajitpratap0/mcp-engine/pkg/logging"
	"github.com/ajitpratap0/mcp-engine/pkg/pagination"
	"github.com/ajitpratap0/mcp-engine/pkg/protocol"
	"github.com/ajitpratap0/mcp-engine/pkg/transport"
	"github.com/ajitpratap0/mcp-engine/pkg/utils"
)

// noReply makes a fake handler leave the request unanswered
type noReply struct{}

type handlerFunc func(req *protocol.Request) interface{}

// fakeServer answers client requests from scripted handlers over an
// in-memory transport
type fakeServer struct {
	t  *testing.T
	tr *transport.InMemoryTransport

	mu       sync.Mutex
	handlers map[string]handlerFunc

	requests      chan *protocol.Request
	notifications chan *protocol.Notification
	responses     chan *protocol.Response
	done          chan struct{}
}

func fullCapabilities() protocol.ServerCapabilities {
	return protocol.ServerCapabilities{
		Tools:       &protocol.ToolsCapability{ListChanged: true},
		Resources:   &protocol.ResourcesCapability{Subscribe: true, ListChanged: true},
		Prompts:     &protocol.PromptsCapability{},
		Logging:     &protocol.LoggingCapability{},
		Completions: &protocol.CompletionsCapability{},
	}
}

func newFakeServer(t *testing.T, tr *transport.InMemoryTransport) *fakeServer {
	s := &fakeServer{
		t:             t,
		tr:            tr,
		handlers:      make(map[string]handlerFunc),
		requests:      make(chan *protocol.Request, 64),
		notifications: make(chan *protocol.Notification, 64),
		responses:     make(chan *protocol.Response, 64),
		done:          make(chan struct{}),
	}
	s.handle(protocol.MethodInitialize, func(req *protocol.Request) interface{} {
		var p protocol.InitializeParams
		require.NoError(t, json.Unmarshal(req.Params, &p))
		return &protocol.InitializeResult{
			ProtocolVersion: p.ProtocolVersion,
			Capabilities:    fullCapabilities(),
			ServerInfo:      protocol.Implementation{Name: "fake", Version: "0.1"},
			Instructions:    "be nice",
		}
	})
	require.NoError(t, tr.Start(context.Background()))
	go s.loop()
	return s
}

func (s *fakeServer) handle(method string, h handlerFunc) {
	s.mu.Lock()
	s.handlers[method] = h
	s.mu.Unlock()
}

func (s *fakeServer) loop() {
	defer close(s.done)
	for {
		select {
		case msg := <-s.tr.Receive():
			switch m := msg.(type) {
			case *protocol.Request:
				s.requests <- m
				s.mu.Lock()
				h := s.handlers[m.Method]
				s.mu.Unlock()
				if h == nil {
					s.send(mcperrors.ToJSONRPCResponse(mcperrors.MethodNotFound(m.Method), m.ID))
					continue
				}
				s.reply(m.ID, h(m))
			case *protocol.Notification:
				s.notifications <- m
			case *protocol.Response:
				s.responses <- m
			}
		case <-s.tr.Done():
			return
		}
	}
}

func (s *fakeServer) reply(id protocol.RequestID, result interface{}) {
	switch r := result.(type) {
	case noReply:
	case *protocol.Error:
		s.send(&protocol.Response{ID: id, Error: r})
	default:
		resp, err := protocol.NewResponse(id, r)
		require.NoError(s.t, err)
		s.send(resp)
	}
}

func (s *fakeServer) send(msg protocol.Message) {
	if err := s.tr.Send(context.Background(), msg); err != nil {
		s.t.Logf("fake server send: %v", err)
	}
}

func (s *fakeServer) notify(method string, params interface{}) {
	n, err := protocol.NewNotification(method, params)
	require.NoError(s.t, err)
	s.send(n)
}

func (s *fakeServer) expectNotification(method string) *protocol.Notification {
	s.t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case n := <-s.notifications:
			if n.Method == method {
				return n
			}
		case <-deadline:
			s.t.Fatalf("notification %s not received", method)
			return nil
		}
	}
}

func newPair(t *testing.T, opts ...Option) (*Client, *fakeServer) {
	t.Helper()
	ct, st := transport.NewInMemoryPair(transport.WithLogger(logging.NewNop()))
	srv := newFakeServer(t, st)
	c := New(ct, append([]Option{WithLogger(logging.NewNop())}, opts...)...)
	t.Cleanup(func() { _ = c.Close() })
	return c, srv
}

func connected(t *testing.T, opts ...Option) (*Client, *fakeServer) {
	t.Helper()
	c, srv := newPair(t, opts...)
	require.NoError(t, c.Connect(context.Background()))
	return c, srv
}

func TestConnectHandshake(t *testing.T) {
	c, srv := newPair(t, WithClientInfo("tester", "2.0"))
	assert.Equal(t, StateUninitialized, c.State())

	require.NoError(t, c.Connect(context.Background()))
	assert.Equal(t, StateReady, c.State())
	assert.Equal(t, "fake", c.ServerInfo().Name)
	assert.Equal(t, protocol.LatestProtocolVersion, c.ProtocolVersion())
	assert.Equal(t, "be nice", c.Instructions())
	assert.True(t, c.ServerCapabilities().Resources.Subscribe)

	init := <-srv.requests
	var params protocol.InitializeParams
	require.NoError(t, json.Unmarshal(init.Params, &params))
	assert.Equal(t, "tester", params.ClientInfo.Name)
	assert.Nil(t, params.Capabilities.Roots)

	srv.expectNotification(protocol.MethodInitialized)

	err := c.Connect(context.Background())
	assert.Error(t, err, "a second connect is rejected")
}

func TestOperationsBeforeConnectFail(t *testing.T) {
	c, _ := newPair(t)

	_, err := c.ListTools(context.Background(), "")
	require.Error(t, err)
	assert.True(t, mcperrors.IsCode(err, mcperrors.CodeNotInitialized))

	err = c.Ping(context.Background())
	assert.True(t, mcperrors.IsCode(err, mcperrors.CodeNotInitialized))
}

func TestConnectRejectsUnsupportedVersion(t *testing.T) {
	c, srv := newPair(t)
	srv.handle(protocol.MethodInitialize, func(*protocol.Request) interface{} {
		return &protocol.InitializeResult{ProtocolVersion: "1999-01-01"}
	})

	err := c.Connect(context.Background())
	require.Error(t, err)
	assert.True(t, mcperrors.IsCode(err, mcperrors.CodeVersionMismatch))
	assert.Equal(t, StateClosed, c.State())
}

func TestConnectAcceptsOlderVersion(t *testing.T) {
	c, _ := newPair(t, WithProtocolVersion(protocol.ProtocolVersion20241105))
	require.NoError(t, c.Connect(context.Background()))
	assert.Equal(t, protocol.ProtocolVersion20241105, c.ProtocolVersion())
}

func TestConnectSurfacesInitializeError(t *testing.T) {
	c, srv := newPair(t)
	srv.handle(protocol.MethodInitialize, func(*protocol.Request) interface{} {
		return &protocol.Error{Code: protocol.InvalidParams, Message: "no"}
	})

	err := c.Connect(context.Background())
	require.Error(t, err)
	assert.True(t, mcperrors.IsCode(err, mcperrors.CodeInvalidParams))
	assert.Equal(t, StateClosed, c.State())
}

func TestResponsesAreCorrelatedById(t *testing.T) {
	c, srv := connected(t)

	const n = 10
	var mu sync.Mutex
	var held []*protocol.Request
	release := make(chan struct{})
	srv.handle(protocol.MethodCallTool, func(req *protocol.Request) interface{} {
		mu.Lock()
		held = append(held, req)
		if len(held) == n {
			close(release)
		}
		mu.Unlock()
		return noReply{}
	})

	var wg sync.WaitGroup
	results := make([]string, n)
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := c.CallTool(context.Background(), "echo", map[string]interface{}{"n": i})
			errs[i] = err
			if err == nil {
				results[i] = res.Text()
			}
		}(i)
	}

	select {
	case <-release:
	case <-time.After(2 * time.Second):
		t.Fatal("requests not received")
	}

	// answer in reverse arrival order
	mu.Lock()
	for i := len(held) - 1; i >= 0; i-- {
		var p protocol.CallToolParams
		require.NoError(t, json.Unmarshal(held[i].Params, &p))
		srv.reply(held[i].ID, protocol.NewToolResultText(fmt.Sprint(p.Arguments["n"])))
	}
	mu.Unlock()
	wg.Wait()

	for i := 0; i < n; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, fmt.Sprint(i), results[i])
	}
	assert.Zero(t, c.PendingRequests())
}

func TestTimeoutOnlyAffectsItsRequest(t *testing.T) {
	c, srv := connected(t, WithRequestTimeout(500*time.Millisecond))

	late := make(chan protocol.RequestID, 1)
	never := make(chan protocol.RequestID, 1)
	srv.handle(protocol.MethodCallTool, func(req *protocol.Request) interface{} {
		var p protocol.CallToolParams
		require.NoError(t, json.Unmarshal(req.Params, &p))
		if p.Name == "late" {
			late <- req.ID
		} else {
			never <- req.ID
		}
		return noReply{}
	})

	slowErr := make(chan error, 1)
	go func() {
		_, err := c.CallTool(context.Background(), "never", nil)
		slowErr <- err
	}()
	time.Sleep(250 * time.Millisecond)

	lateResult := make(chan *protocol.CallToolResult, 1)
	go func() {
		res, err := c.CallTool(context.Background(), "late", nil)
		assert.NoError(t, err)
		lateResult <- res
	}()

	err := <-slowErr
	require.Error(t, err)
	assert.True(t, mcperrors.IsCode(err, mcperrors.CodeOperationTimeout))

	cancelled := srv.expectNotification(protocol.MethodNotifyCancelled)
	var cp protocol.CancelledParams
	require.NoError(t, json.Unmarshal(cancelled.Params, &cp))
	assert.Equal(t, <-never, cp.RequestID)

	// the second request is still pending and resolves normally
	id := <-late
	assert.Equal(t, 1, c.PendingRequests())
	srv.reply(id, protocol.NewToolResultText("made it"))
	select {
	case res := <-lateResult:
		require.NotNil(t, res)
		assert.Equal(t, "made it", res.Text())
	case <-time.After(time.Second):
		t.Fatal("late response not delivered")
	}
	assert.Equal(t, StateReady, c.State())
}

func TestContextCancelSendsCancelled(t *testing.T) {
	c, srv := connected(t)
	srv.handle(protocol.MethodCallTool, func(*protocol.Request) interface{} { return noReply{} })

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() {
		_, err := c.CallTool(ctx, "slow", nil)
		errc <- err
	}()
	req := <-srv.requests // initialize
	for req.Method != protocol.MethodCallTool {
		req = <-srv.requests
	}
	cancel()

	err := <-errc
	assert.True(t, mcperrors.IsCode(err, mcperrors.CodeOperationCancelled))

	n := srv.expectNotification(protocol.MethodNotifyCancelled)
	var p protocol.CancelledParams
	require.NoError(t, json.Unmarshal(n.Params, &p))
	assert.Equal(t, req.ID, p.RequestID)
	assert.Zero(t, c.PendingRequests())
}

func TestCloseFailsAllPending(t *testing.T) {
	c, srv := connected(t)
	srv.handle(protocol.MethodCallTool, func(*protocol.Request) interface{} { return noReply{} })

	const k = 3
	errs := make(chan error, k)
	for i := 0; i < k; i++ {
		go func() {
			_, err := c.CallTool(context.Background(), "hang", nil)
			errs <- err
		}()
	}
	require.Eventually(t, func() bool { return c.PendingRequests() == k }, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, c.Close())
	for i := 0; i < k; i++ {
		err := <-errs
		assert.True(t, mcperrors.IsCode(err, mcperrors.CodeConnectionClosed), "got %v", err)
	}
	assert.Zero(t, c.PendingRequests())

	_, err := c.ListTools(context.Background(), "")
	assert.True(t, mcperrors.IsCode(err, mcperrors.CodeConnectionClosed))
}

func TestCloseIsIdempotent(t *testing.T) {
	c, _ := connected(t)

	var closed atomic.Int32
	c.Subscribe(func(Event) { closed.Add(1) }, EventClosed)

	require.NoError(t, c.Close())
	assert.NoError(t, c.Close())
	c.Wait()

	assert.Equal(t, int32(1), closed.Load())
	assert.Equal(t, StateClosed, c.State())
	select {
	case <-c.Done():
	default:
		t.Fatal("Done not closed")
	}
}

func TestPeerCloseClosesClient(t *testing.T) {
	c, srv := connected(t)

	evs := make(chan Event, 4)
	c.Subscribe(func(ev Event) { evs <- ev }, EventClosed)

	require.NoError(t, srv.tr.Close())
	select {
	case ev := <-evs:
		assert.True(t, mcperrors.IsCode(ev.Err, mcperrors.CodeConnectionLost))
	case <-time.After(2 * time.Second):
		t.Fatal("closed event not emitted")
	}
	assert.Equal(t, StateClosed, c.State())
}

func TestUnknownResponseIsIgnored(t *testing.T) {
	c, srv := connected(t)

	resp, err := protocol.NewResponse(protocol.NewIntID(9999), protocol.EmptyResult{})
	require.NoError(t, err)
	srv.send(resp)

	require.NoError(t, c.Ping(context.Background()))
	assert.Equal(t, StateReady, c.State())
}

func TestErrorResponseIsSurfaced(t *testing.T) {
	c, srv := connected(t)
	srv.handle(protocol.MethodReadResource, func(*protocol.Request) interface{} {
		return mcperrors.ToJSONRPCError(mcperrors.ResourceNotFound("resource", "file:///x"))
	})

	_, err := c.ReadResource(context.Background(), "file:///x")
	require.Error(t, err)
	assert.True(t, mcperrors.IsCode(err, mcperrors.CodeResourceNotFound))
}

func TestCapabilityGating(t *testing.T) {
	c, srv := newPair(t)
	srv.handle(protocol.MethodInitialize, func(*protocol.Request) interface{} {
		return &protocol.InitializeResult{
			ProtocolVersion: protocol.LatestProtocolVersion,
			Capabilities:    protocol.ServerCapabilities{Tools: &protocol.ToolsCapability{}, Resources: &protocol.ResourcesCapability{}},
		}
	})
	require.NoError(t, c.Connect(context.Background()))

	_, err := c.ListPrompts(context.Background(), "")
	assert.True(t, mcperrors.IsCode(err, mcperrors.CodeCapabilityRequired))
	err = c.SubscribeResource(context.Background(), "x")
	assert.True(t, mcperrors.IsCode(err, mcperrors.CodeCapabilityRequired))
	err = c.SetLogLevel(context.Background(), protocol.LogLevelInfo)
	assert.True(t, mcperrors.IsCode(err, mcperrors.CodeCapabilityRequired))
	err = c.NotifyRootsChanged(context.Background())
	assert.True(t, mcperrors.IsCode(err, mcperrors.CodeCapabilityRequired))
}

func TestListAllToolsFollowsCursors(t *testing.T) {
	c, srv := connected(t)

	all := make([]protocol.Tool, 7)
	for i := range all {
		all[i] = protocol.Tool{Name: fmt.Sprintf("t%d", i), InputSchema: json.RawMessage(`{"type":"object"}`)}
	}
	srv.handle(protocol.MethodListTools, func(req *protocol.Request) interface{} {
		var p protocol.ListToolsParams
		require.NoError(t, protocol.UnmarshalParams(req.Params, &p))
		page, next, err := pagination.Page(all, p.Cursor, 3)
		require.NoError(t, err)
		return &protocol.ListToolsResult{Tools: page, PaginatedResult: protocol.PaginatedResult{NextCursor: next}}
	})

	tools, err := c.ListAllTools(context.Background())
	require.NoError(t, err)
	require.Len(t, tools, 7)
	for i, tool := range tools {
		assert.Equal(t, fmt.Sprintf("t%d", i), tool.Name)
	}
}

func TestTypedOperations(t *testing.T) {
	c, srv := connected(t)
	srv.handle(protocol.MethodGetPrompt, func(req *protocol.Request) interface{} {
		var p protocol.GetPromptParams
		require.NoError(t, json.Unmarshal(req.Params, &p))
		return &protocol.GetPromptResult{Messages: []protocol.PromptMessage{{
			Role:    protocol.RoleUser,
			Content: protocol.TextContent("hello " + p.Arguments["who"]),
		}}}
	})
	srv.handle(protocol.MethodSubscribeResource, func(*protocol.Request) interface{} { return protocol.EmptyResult{} })
	srv.handle(protocol.MethodSetLogLevel, func(req *protocol.Request) interface{} {
		var p protocol.SetLevelParams
		require.NoError(t, json.Unmarshal(req.Params, &p))
		assert.Equal(t, protocol.LogLevelWarning, p.Level)
		return protocol.EmptyResult{}
	})
	srv.handle(protocol.MethodComplete, func(*protocol.Request) interface{} {
		return &protocol.CompleteResult{Completion: protocol.Completion{Values: []string{"Tokyo", "Toronto"}}}
	})
	srv.handle(protocol.MethodPing, func(*protocol.Request) interface{} { return protocol.EmptyResult{} })

	ctx := context.Background()
	prompt, err := c.GetPrompt(ctx, "greet", map[string]string{"who": "bob"})
	require.NoError(t, err)
	assert.Equal(t, "hello bob", prompt.Messages[0].Content.Text)

	require.NoError(t, c.SubscribeResource(ctx, "file:///a"))
	require.NoError(t, c.SetLogLevel(ctx, protocol.LogLevelWarning))
	assert.Error(t, c.SetLogLevel(ctx, "loud"))
	require.NoError(t, c.Ping(ctx))

	done, err := c.Complete(ctx, &protocol.CompleteParams{
		Ref:      protocol.CompleteReference{Type: protocol.RefTypePrompt, Name: "weather"},
		Argument: protocol.CompleteArgument{Name: "city", Value: "T"},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"Tokyo", "Toronto"}, done.Completion.Values)
}

func TestClientDoesNotLeakGoroutines(t *testing.T) {
	detector := utils.NewGoroutineLeakDetector(t).SetStabilizeDelay(100 * time.Millisecond)
	detector.Start()

	for i := 0; i < 5; i++ {
		ct, st := transport.NewInMemoryPair(transport.WithLogger(logging.NewNop()))
		srv := newFakeServer(t, st)
		c := New(ct, WithLogger(logging.NewNop()))
		require.NoError(t, c.Connect(context.Background()))
		require.NoError(t, c.Ping(context.Background()))
		require.NoError(t, c.Close())
		c.Wait()
		<-srv.done
	}

	detector.Check()
}
