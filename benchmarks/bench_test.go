// Package benchmarks measures request round trips, argument validation and
// the resource cache.
package benchmarks

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"

	"github.com/ajitpratap0/mcp-engine/pkg/client"
	"github.com/ajitpratap0/mcp-engine/pkg/logging"
	"github.com/ajitpratap0/mcp-engine/pkg/protocol"
	"github.com/ajitpratap0/mcp-engine/pkg/registry"
	"github.com/ajitpratap0/mcp-engine/pkg/resources"
	"github.com/ajitpratap0/mcp-engine/pkg/server"
	"github.com/ajitpratap0/mcp-engine/pkg/transport"
)

var quiet = logging.NewNop()

var echoSchema = json.RawMessage(`{"type":"object","properties":{"text":{"type":"string"},"count":{"type":"integer","minimum":0}},"required":["text"]}`)

func echo(_ context.Context, args map[string]interface{}) (*protocol.CallToolResult, error) {
	return protocol.NewToolResultText(fmt.Sprint(args["text"])), nil
}

func connected(b *testing.B, opts ...server.Option) *client.Client {
	b.Helper()
	ct, st := transport.NewInMemoryPair(transport.WithBufferSize(1024))
	srv := server.New(st, append([]server.Option{server.WithLogger(quiet), server.WithToolsCapability(false)}, opts...)...)
	if err := srv.RegisterTool(protocol.Tool{Name: "echo", InputSchema: echoSchema}, echo); err != nil {
		b.Fatal(err)
	}
	if err := srv.Start(context.Background()); err != nil {
		b.Fatal(err)
	}
	c := client.New(ct, client.WithLogger(quiet))
	if err := c.Connect(context.Background()); err != nil {
		b.Fatal(err)
	}
	b.Cleanup(func() {
		_ = c.Close()
		_ = srv.Stop()
	})
	return c
}

func BenchmarkPing(b *testing.B) {
	c := connected(b)
	ctx := context.Background()
	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if err := c.Ping(ctx); err != nil {
			b.Fatal(err)
		}
	}
}

func BenchmarkCallTool(b *testing.B) {
	c := connected(b)
	ctx := context.Background()
	args := map[string]interface{}{"text": "hello", "count": 3}
	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := c.CallTool(ctx, "echo", args); err != nil {
			b.Fatal(err)
		}
	}
}

func BenchmarkCallToolParallel(b *testing.B) {
	for _, limit := range []int{1, 16, 128} {
		b.Run(fmt.Sprintf("handlers=%d", limit), func(b *testing.B) {
			c := connected(b, server.WithMaxConcurrentRequests(limit))
			ctx := context.Background()
			b.ReportAllocs()
			b.ResetTimer()
			b.RunParallel(func(pb *testing.PB) {
				args := map[string]interface{}{"text": "hello"}
				for pb.Next() {
					if _, err := c.CallTool(ctx, "echo", args); err != nil {
						b.Error(err)
						return
					}
				}
			})
		})
	}
}

func BenchmarkMessageCodec(b *testing.B) {
	req, err := protocol.NewRequest(protocol.NewIntID(1), protocol.MethodCallTool,
		map[string]interface{}{"name": "echo", "arguments": map[string]interface{}{"text": "hello"}})
	if err != nil {
		b.Fatal(err)
	}
	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		data, err := protocol.EncodeMessage(req)
		if err != nil {
			b.Fatal(err)
		}
		if _, err := protocol.DecodeMessage(data); err != nil {
			b.Fatal(err)
		}
	}
}

func BenchmarkRegistryValidate(b *testing.B) {
	r := registry.New(registry.WithLogger(quiet))
	tools := make([]protocol.Tool, 100)
	for i := range tools {
		tools[i] = protocol.Tool{Name: fmt.Sprintf("tool_%d", i), InputSchema: echoSchema}
	}
	if err := r.RegisterTools("bench", tools); err != nil {
		b.Fatal(err)
	}
	args := map[string]interface{}{"text": "hello", "count": 3}
	name := registry.QualifyName("bench", "tool_42")
	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if err := r.Validate(name, args); err != nil {
			b.Fatal(err)
		}
	}
}

func BenchmarkResourceCacheHit(b *testing.B) {
	fetch := func(_ context.Context, _, uri string) (*protocol.ReadResourceResult, error) {
		return &protocol.ReadResourceResult{Contents: []protocol.ResourceContents{{URI: uri, Text: "cached"}}}, nil
	}
	m := resources.NewManager(fetch, resources.WithLogger(quiet))
	ctx := context.Background()
	if _, err := m.ReadResource(ctx, "bench", "memo://a"); err != nil {
		b.Fatal(err)
	}
	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := m.ReadResource(ctx, "bench", "memo://a"); err != nil {
			b.Fatal(err)
		}
	}
}
