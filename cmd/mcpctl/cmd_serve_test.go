package main

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ajitpratap0/mcp-engine/pkg/client"
	"github.com/ajitpratap0/mcp-engine/pkg/config"
	"github.com/ajitpratap0/mcp-engine/pkg/logging"
	"github.com/ajitpratap0/mcp-engine/pkg/protocol"
	"github.com/ajitpratap0/mcp-engine/pkg/resources"
	"github.com/ajitpratap0/mcp-engine/pkg/server"
	"github.com/ajitpratap0/mcp-engine/pkg/transport"
)

func testFileServer(t *testing.T) (*fileServer, string) {
	t.Helper()
	cfg = config.Default()
	logger = logging.NewNop()

	root, err := filepath.EvalSymlinks(t.TempDir())
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(root, "notes.txt"), []byte("first draft"), 0o644))
	require.NoError(t, os.MkdirAll(filepath.Join(root, "docs"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "docs", "guide.md"), []byte("# Guide"), 0o644))

	s, err := newFileServer(context.Background(), root, nil)
	require.NoError(t, err)
	t.Cleanup(s.close)
	return s, root
}

func connectFileServer(t *testing.T, s *fileServer) (*server.Server, *client.Client) {
	t.Helper()
	ct, st := transport.NewInMemoryPair()
	srv := s.build(st)
	require.NoError(t, srv.Start(context.Background()))
	s.setEach(func(fn func(*server.Server)) { fn(srv) })

	c := client.New(ct, client.WithLogger(logger))
	require.NoError(t, c.Connect(context.Background()))
	t.Cleanup(func() {
		_ = c.Close()
		_ = srv.Stop()
	})
	return srv, c
}

func TestFileServerTools(t *testing.T) {
	s, _ := testFileServer(t)
	_, c := connectFileServer(t, s)
	ctx := context.Background()

	tools, err := c.ListAllTools(ctx)
	require.NoError(t, err)
	assert.Len(t, tools, 2)

	res, err := c.CallTool(ctx, "search_files", map[string]interface{}{"query": "GUIDE"})
	require.NoError(t, err)
	assert.False(t, res.IsError)
	assert.True(t, strings.HasSuffix(res.Text(), "/docs/guide.md"), res.Text())

	res, err = c.CallTool(ctx, "read_file", map[string]interface{}{"path": "notes.txt"})
	require.NoError(t, err)
	assert.Equal(t, "first draft", res.Text())

	res, err = c.CallTool(ctx, "read_file", map[string]interface{}{"path": "../outside.txt"})
	require.NoError(t, err)
	assert.True(t, res.IsError)

	res, err = c.CallTool(ctx, "search_files", map[string]interface{}{})
	require.NoError(t, err)
	assert.True(t, res.IsError, "query is required")
}

func TestFileServerResourcesAndPrompt(t *testing.T) {
	s, root := testFileServer(t)
	_, c := connectFileServer(t, s)
	ctx := context.Background()

	list, err := c.ListAllResources(ctx)
	require.NoError(t, err)
	require.Len(t, list, 2)

	uri := resources.FileURI(filepath.Join(root, "notes.txt"))
	read, err := c.ReadResource(ctx, uri)
	require.NoError(t, err)
	assert.Equal(t, "first draft", read.Contents[0].Text)

	prompt, err := c.GetPrompt(ctx, "summarize_file", map[string]string{"uri": uri})
	require.NoError(t, err)
	require.Len(t, prompt.Messages, 1)
	assert.Contains(t, prompt.Messages[0].Content.Text, "first draft")
}

func TestFileServerForwardsChanges(t *testing.T) {
	s, root := testFileServer(t)
	_, c := connectFileServer(t, s)
	ctx := context.Background()

	path := filepath.Join(root, "notes.txt")
	uri := resources.FileURI(path)
	updated := make(chan string, 4)
	c.Subscribe(func(ev client.Event) { updated <- ev.URI }, client.EventResourceUpdated)
	require.NoError(t, c.SubscribeResource(ctx, uri))

	require.NoError(t, os.WriteFile(path, []byte("second draft"), 0o644))
	select {
	case got := <-updated:
		assert.Equal(t, uri, got)
	case <-time.After(5 * time.Second):
		t.Fatal("no resource update")
	}

	require.Eventually(t, func() bool {
		read, err := c.ReadResource(ctx, uri)
		return err == nil && read.Contents[0].Text == "second draft"
	}, 2*time.Second, 20*time.Millisecond)
}

func TestVersionCommand(t *testing.T) {
	var out strings.Builder
	versionCmd.SetOut(&out)
	versionCmd.Run(versionCmd, nil)
	assert.Contains(t, out.String(), protocol.LatestProtocolVersion)
}
