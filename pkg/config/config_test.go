package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	mcperrors "github.com/ajitpratap0/mcp-engine/pkg/errors"
	"github.com/ajitpratap0/mcp-engine/pkg/transport"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

const yamlConfig = `
servers:
  - name: files
    transport: stdio
    command: mcp-files
    args: ["--root", "/srv"]
    env: ["HOME=/tmp", "Mode=ro"]
  - name: search
    transport: streamable_http
    url: https://search.example/mcp
    bearer_token: secret
    headers:
      x-team: platform
  - name: legacy
    transport: sse
    url: http://localhost:8080/sse
    disabled: true
client:
  request_timeout: 10s
cache:
  ttl: 1m
  capacity: 50
reconnect:
  initial_delay: 500ms
  max_attempts: 3
logging:
  level: debug
  format: json
`

func TestLoadYAML(t *testing.T) {
	cfg, err := Load(writeFile(t, "engine.yaml", yamlConfig))
	require.NoError(t, err)

	require.Len(t, cfg.Servers, 3)
	files := cfg.Servers[0]
	assert.Equal(t, transport.KindStdio, files.Transport)
	assert.Equal(t, []string{"--root", "/srv"}, files.Args)
	assert.Equal(t, []string{"HOME=/tmp", "Mode=ro"}, files.Env)

	assert.Equal(t, 10*time.Second, cfg.Client.RequestTimeout)
	assert.Equal(t, "mcp-engine", cfg.Client.Name, "defaults fill unset keys")
	assert.Equal(t, time.Minute, cfg.Cache.TTL)
	assert.Equal(t, 50, cfg.Cache.Capacity)
	assert.Equal(t, 500*time.Millisecond, cfg.Reconnect.InitialDelay)
	assert.Equal(t, 2.0, cfg.Reconnect.Factor)
	assert.Equal(t, 3, cfg.Reconnect.MaxAttempts)
	assert.Equal(t, "debug", cfg.Logging.Level)

	enabled := cfg.Enabled()
	require.Len(t, enabled, 2)
	_, ok := cfg.Server("legacy")
	assert.True(t, ok)
}

func TestLoadJSON(t *testing.T) {
	cfg, err := Load(writeFile(t, "engine.json", `{"servers":[{"name":"a","transport":"sse","url":"http://localhost:1/sse"}]}`))
	require.NoError(t, err)
	require.Len(t, cfg.Servers, 1)
	assert.Equal(t, transport.KindSSE, cfg.Servers[0].Transport)
	assert.Equal(t, "info", cfg.Logging.Level)
}

func TestLoadEnvironmentOverridesFile(t *testing.T) {
	t.Setenv("MCP_CLIENT_REQUEST_TIMEOUT", "3s")
	cfg, err := Load(writeFile(t, "engine.yaml", yamlConfig))
	require.NoError(t, err)
	assert.Equal(t, 3*time.Second, cfg.Client.RequestTimeout)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	cfg := Default()
	cfg.Servers = []ServerConfig{
		{Name: "", Transport: transport.KindStdio, Command: "x"},
		{Name: "a__b", Transport: transport.KindStdio, Command: "x"},
		{Name: "a/b", Transport: transport.KindStdio, Command: "x"},
		{Name: "ok", Transport: transport.KindStdio},
		{Name: "ok", Transport: transport.KindSSE},
		{Name: "web", Transport: "websocket"},
		{Name: "envy", Transport: transport.KindStdio, Command: "x", Env: []string{"NOEQUALS"}},
	}

	err := cfg.Validate()
	require.Error(t, err)
	assert.True(t, mcperrors.IsCategory(err, mcperrors.CategoryValidation))
	for _, want := range []string{"servers[0].name", "servers[1].name", "servers[2].name", "servers[3].command", "servers[4].name", "servers[4].url", "servers[5].transport", "servers[6].env"} {
		assert.Contains(t, err.Error(), want)
	}

	assert.NoError(t, Default().Validate())
}

func TestLoadEnv(t *testing.T) {
	env, err := LoadEnv()
	require.NoError(t, err)

	t.Setenv("MCP_LOG_LEVEL", "warn")
	t.Setenv("MCP_OTLP_ENDPOINT", "collector:4317")
	env, err = LoadEnv()
	require.NoError(t, err)
	assert.Equal(t, "warn", env.LogLevel)

	cfg := Default()
	cfg.ApplyEnv(env)
	assert.Equal(t, "warn", cfg.Logging.Level)
	assert.Equal(t, "collector:4317", cfg.Tracing.Endpoint)
	assert.Equal(t, "otlp-grpc", cfg.Tracing.Exporter)
	assert.False(t, cfg.Metrics.Enabled)
}

func TestTransportConfig(t *testing.T) {
	reconnect := transport.ReconnectConfig{InitialDelay: time.Second, Factor: 2, MaxDelay: time.Minute, MaxAttempts: 4}
	s := ServerConfig{
		Name:        "search",
		Transport:   transport.KindStreamableHTTP,
		URL:         "https://search.example/mcp",
		BearerToken: "secret",
		Env:         []string{"A=1"},
	}
	tc := s.TransportConfig(reconnect)
	assert.Equal(t, transport.KindStreamableHTTP, tc.Kind)
	assert.Equal(t, "https://search.example/mcp", tc.Endpoint)
	assert.Equal(t, "secret", tc.BearerToken)
	assert.Equal(t, reconnect, tc.Reconnect)
	assert.Equal(t, []string{"A=1"}, tc.Env)
	assert.NoError(t, tc.Validate())
}
