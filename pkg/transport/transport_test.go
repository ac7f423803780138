package transport

import (
	"context"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	mcperrors "github.com/ajitpratap0/mcp-engine/pkg/errors"
	"github.com/ajitpratap0/mcp-engine/pkg/observability"
	"github.com/ajitpratap0/mcp-engine/pkg/protocol"
	"github.com/ajitpratap0/mcp-engine/pkg/utils"
)

func recv(t *testing.T, tr Transport) protocol.Message {
	t.Helper()
	select {
	case msg := <-tr.Receive():
		return msg
	case <-tr.Done():
		t.Fatal("transport closed while waiting for a message")
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for a message")
	}
	return nil
}

func recvErr(t *testing.T, tr Transport) error {
	t.Helper()
	select {
	case err := <-tr.Errors():
		return err
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for a transport error")
	}
	return nil
}

func mustRequest(t *testing.T, id int64, method string, params interface{}) *protocol.Request {
	t.Helper()
	req, err := protocol.NewRequest(protocol.NewIntID(id), method, params)
	require.NoError(t, err)
	return req
}

func mustNotification(t *testing.T, method string, params interface{}) *protocol.Notification {
	t.Helper()
	n, err := protocol.NewNotification(method, params)
	require.NoError(t, err)
	return n
}

func TestLineFramerSplitChunks(t *testing.T) {
	f := &lineFramer{max: 1024, kind: KindStdio}

	lines, err := f.feed([]byte(`{"a":1}` + "\n" + `{"b"`))
	require.NoError(t, err)
	require.Len(t, lines, 1)
	assert.Equal(t, `{"a":1}`, string(lines[0]))

	lines, err = f.feed([]byte(`:2`))
	require.NoError(t, err)
	assert.Empty(t, lines)

	lines, err = f.feed([]byte("}\n"))
	require.NoError(t, err)
	require.Len(t, lines, 1)
	assert.Equal(t, `{"b":2}`, string(lines[0]))
	assert.Empty(t, f.flush())
}

func TestLineFramerOversize(t *testing.T) {
	f := &lineFramer{max: 8, kind: KindStdio}

	lines, err := f.feed([]byte(strings.Repeat("x", 20) + "\n{}\n"))
	assert.True(t, mcperrors.IsCode(err, mcperrors.CodeTransportError))
	require.Len(t, lines, 1)
	assert.Equal(t, "{}", string(lines[0]))

	_, err = f.feed([]byte(strings.Repeat("y", 9)))
	assert.Error(t, err)
	assert.Empty(t, f.flush())
}

func TestEventReader(t *testing.T) {
	body := ": comment\n" +
		"id: 7\n" +
		"retry: 250\n" +
		"data: {\"a\":\n" +
		"data: 1}\n" +
		"\n" +
		"event: ping\r\n" +
		"data: x\r\n" +
		"\r\n" +
		"data: unterminated"

	er := newEventReader(strings.NewReader(body), 0, KindStreamableHTTP)

	ev, err := er.next()
	require.NoError(t, err)
	assert.Equal(t, "7", ev.ID)
	assert.True(t, ev.HasID)
	assert.Equal(t, 250*time.Millisecond, ev.Retry)
	assert.Equal(t, "{\"a\":\n1}", ev.Data)

	ev, err = er.next()
	require.NoError(t, err)
	assert.Equal(t, "ping", ev.Type)
	assert.Equal(t, "x", ev.Data)
	assert.False(t, ev.HasID)

	_, err = er.next()
	assert.ErrorIs(t, err, io.EOF)
}

func TestBackoff(t *testing.T) {
	b := NewExponentialBackoff(ReconnectConfig{InitialDelay: 100 * time.Millisecond, MaxDelay: time.Second, MaxAttempts: 3})

	assert.Equal(t, time.Duration(0), b.NextDelay(0))
	assert.Equal(t, 100*time.Millisecond, b.NextDelay(1))
	assert.Equal(t, 200*time.Millisecond, b.NextDelay(2))
	assert.Equal(t, 400*time.Millisecond, b.NextDelay(3))
	assert.Equal(t, time.Second, b.NextDelay(10))
	assert.False(t, b.Exhausted(3))
	assert.True(t, b.Exhausted(4))

	b.WithJitter(0.5)
	for i := 0; i < 20; i++ {
		d := b.NextDelay(2)
		assert.GreaterOrEqual(t, d, 150*time.Millisecond)
		assert.LessOrEqual(t, d, 250*time.Millisecond)
	}

	defaults := NewExponentialBackoff(ReconnectConfig{})
	assert.Equal(t, DefaultInitialDelay, defaults.InitialDelay)
	assert.Equal(t, DefaultMaxReconnectTries, defaults.MaxAttempts)
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		wantErr bool
	}{
		{"stdio", Config{Kind: KindStdio}, false},
		{"http", Config{Kind: KindStreamableHTTP, Endpoint: "https://example.com/mcp"}, false},
		{"sse missing endpoint", Config{Kind: KindSSE}, true},
		{"relative endpoint", Config{Kind: KindStreamableHTTP, Endpoint: "/mcp"}, true},
		{"in-memory", Config{Kind: KindInMemory}, true},
		{"unknown", Config{Kind: "carrier-pigeon"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if tt.wantErr {
				assert.True(t, mcperrors.IsMCPError(err))
				_, nErr := New(tt.cfg)
				assert.Error(t, nErr)
				return
			}
			assert.NoError(t, err)
		})
	}
}

func TestNewSelectsBinding(t *testing.T) {
	tr, err := New(Config{Kind: KindStreamableHTTP, Endpoint: "http://127.0.0.1:1/mcp"})
	require.NoError(t, err)
	assert.IsType(t, &StreamableHTTPTransport{}, tr)

	tr, err = New(Config{Kind: KindSSE, Endpoint: "http://127.0.0.1:1/sse"})
	require.NoError(t, err)
	assert.IsType(t, &SSETransport{}, tr)

	tr, err = New(Config{Kind: KindStdio, Command: "cat"})
	require.NoError(t, err)
	assert.IsType(t, &SubprocessTransport{}, tr)

	m, err := observability.NewMetrics(observability.MetricsConfig{})
	require.NoError(t, err)
	tr, err = New(Config{Kind: KindStreamableHTTP, Endpoint: "http://127.0.0.1:1/mcp", Metrics: m})
	require.NoError(t, err)
	assert.Equal(t, KindStreamableHTTP, tr.Kind())
	_, isRaw := tr.(*StreamableHTTPTransport)
	assert.False(t, isRaw)
}

func TestInMemoryPair(t *testing.T) {
	detector := utils.NewGoroutineLeakDetector(t).SetStabilizeDelay(20 * time.Millisecond)
	detector.Start()
	defer detector.Check()

	client, server := NewInMemoryPair(WithBufferSize(1))
	ctx := context.Background()

	err := client.Send(ctx, mustNotification(t, "x", nil))
	assert.True(t, mcperrors.IsCode(err, mcperrors.CodeTransportError))

	require.NoError(t, client.Start(ctx))
	require.NoError(t, server.Start(ctx))
	assert.Error(t, server.Start(ctx))

	req := mustRequest(t, 1, protocol.MethodPing, nil)
	require.NoError(t, client.Send(ctx, req))
	got := recv(t, server)
	gotReq, ok := got.(*protocol.Request)
	require.True(t, ok)
	assert.Equal(t, protocol.MethodPing, gotReq.Method)
	assert.NotSame(t, req, gotReq)

	// The peer buffer holds one message; the next send waits on ctx.
	require.NoError(t, client.Send(ctx, mustNotification(t, "a", nil)))
	short, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	err = client.Send(short, mustNotification(t, "b", nil))
	assert.True(t, mcperrors.IsCode(err, mcperrors.CodeOperationTimeout))

	require.NoError(t, server.Close())
	<-client.Done()
	assert.Equal(t, StateClosed, client.State())
	assert.True(t, mcperrors.IsCode(client.Send(ctx, req), mcperrors.CodeConnectionClosed))
	assert.NoError(t, client.Close())
}

func TestObservabilityMiddleware(t *testing.T) {
	m, err := observability.NewMetrics(observability.MetricsConfig{Namespace: "mwtest"})
	require.NoError(t, err)

	client, server := NewInMemoryPair()
	var order []string
	tag := func(name string) Middleware {
		return func(next Transport) Transport {
			order = append(order, name)
			return next
		}
	}
	wrapped := Chain(client, WithObservability(m), tag("inner"))
	assert.Equal(t, []string{"inner"}, order)

	ctx := context.Background()
	require.NoError(t, wrapped.Start(ctx))
	require.NoError(t, server.Start(ctx))

	require.NoError(t, wrapped.Send(ctx, mustNotification(t, "hello", nil)))
	recv(t, server)

	require.NoError(t, server.Send(ctx, mustNotification(t, "back", nil)))
	msg := recv(t, wrapped)
	assert.Equal(t, "back", msg.(*protocol.Notification).Method)

	expected := `
# HELP mwtest_transport_messages_total Messages carried by transports
# TYPE mwtest_transport_messages_total counter
mwtest_transport_messages_total{direction="inbound",kind="inmemory"} 1
mwtest_transport_messages_total{direction="outbound",kind="inmemory"} 1
`
	assert.NoError(t, testutil.GatherAndCompare(m.Gatherer(), strings.NewReader(expected), "mwtest_transport_messages_total"))

	require.NoError(t, wrapped.Close())
	assert.Equal(t, StateClosed, wrapped.State())
}
