package logging

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	mcperrors "github.com/ajitpratap0/mcp-engine/pkg/errors"
)

func decodeLines(t *testing.T, buf *bytes.Buffer) []map[string]interface{} {
	t.Helper()
	var out []map[string]interface{}
	sc := bufio.NewScanner(buf)
	for sc.Scan() {
		var m map[string]interface{}
		require.NoError(t, json.Unmarshal(sc.Bytes(), &m), sc.Text())
		out = append(out, m)
	}
	return out
}

// TestLogger tests the basic logger functionality
func TestLogger(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&buf, FormatText)
	logger.SetLevel(DebugLevel)

	logger.Debug("Debug message", String("key", "value"))
	logger.Info("Info message", Int("count", 42))
	logger.Warn("Warning message", Bool("flag", true))
	logger.Error("Error message", ErrorField(errors.New("test error")))

	output := buf.String()
	for _, want := range []string{"Debug message", "Info message", "Warning message", "Error message", "key=value", "count=42", "flag=true", "test error"} {
		assert.Contains(t, output, want)
	}
}

func TestLogLevels(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&buf, FormatJSON)
	logger.SetLevel(WarnLevel)

	logger.Debug("hidden debug")
	logger.Info("hidden info")
	logger.Warn("shown warn")
	logger.Error("shown error")

	lines := decodeLines(t, &buf)
	require.Len(t, lines, 2)
	assert.Equal(t, "warn", lines[0]["level"])
	assert.Equal(t, "error", lines[1]["level"])
	assert.Equal(t, WarnLevel, logger.GetLevel())
}

func TestWithFieldsSharesLevel(t *testing.T) {
	var buf bytes.Buffer
	parent := New(&buf, FormatJSON)
	child := parent.WithFields(String("component", "Client"), Int64("id", 7))

	parent.SetLevel(ErrorLevel)
	child.Info("suppressed")
	child.Error("kept", Duration("elapsed", 1500*time.Millisecond))

	lines := decodeLines(t, &buf)
	require.Len(t, lines, 1)
	assert.Equal(t, "Client", lines[0]["component"])
	assert.Equal(t, float64(7), lines[0]["id"])
	assert.Equal(t, "kept", lines[0]["message"])
}

func TestWithContext(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&buf, FormatJSON)

	ctx := ContextWithRequestID(context.Background(), "req-1")
	ctx = ContextWithSessionID(ctx, "sess-9")
	logger.WithContext(ctx).Info("hello")

	lines := decodeLines(t, &buf)
	require.Len(t, lines, 1)
	assert.Equal(t, "req-1", lines[0]["request_id"])
	assert.Equal(t, "sess-9", lines[0]["session_id"])
	assert.Empty(t, RequestIDFromContext(context.Background()))
}

func TestWithError(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&buf, FormatJSON)

	err := mcperrors.ConnectionClosed("stdio").WithContext(&mcperrors.Context{
		Component:  "Client",
		Operation:  "tools/call",
		ServerName: "weather",
	})
	logger.WithError(err).Error("request failed")

	lines := decodeLines(t, &buf)
	require.Len(t, lines, 1)
	line := lines[0]
	assert.Equal(t, float64(mcperrors.CodeConnectionClosed), line["error_code"])
	assert.Equal(t, "transport", line["error_category"])
	assert.Equal(t, "Client", line["component"])
	assert.Equal(t, "tools/call", line["operation"])
	assert.Equal(t, "weather", line["server"])

	buf.Reset()
	logger.WithError(errors.New("plain")).Warn("oops")
	lines = decodeLines(t, &buf)
	require.Len(t, lines, 1)
	assert.Equal(t, "plain", lines[0]["error"])
	assert.NotContains(t, lines[0], "error_code")

	assert.Same(t, logger, logger.WithError(nil))
}

func TestParseLevel(t *testing.T) {
	tests := map[string]Level{
		"debug":   DebugLevel,
		"INFO":    InfoLevel,
		"":        InfoLevel,
		"warning": WarnLevel,
		"error":   ErrorLevel,
	}
	for in, want := range tests {
		got, err := ParseLevel(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}

	_, err := ParseLevel("loud")
	assert.Error(t, err)
	assert.Equal(t, "WARN", WarnLevel.String())
}

func TestNopLogger(t *testing.T) {
	logger := NewNop()
	logger.Error("nothing")
	logger.WithFields(String("a", "b")).Info("nothing")
}

func TestGlobalLogger(t *testing.T) {
	original := GetGlobalLogger()
	defer SetGlobalLogger(original)

	var buf bytes.Buffer
	SetGlobalLogger(New(&buf, FormatJSON))

	GetGlobalLogger().Info("global info")
	GetGlobalLogger().Warn("global warn")
	ForComponent(nil, "Hub").Info("tagged")

	lines := decodeLines(t, &buf)
	require.Len(t, lines, 3)
	assert.Equal(t, "Hub", lines[2]["component"])

	SetGlobalLogger(nil)
	assert.NotNil(t, GetGlobalLogger())
}

func TestHTTPMiddleware(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&buf, FormatJSON)

	var seenRequestID string
	handler := HTTPMiddleware(logger)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seenRequestID = RequestIDFromContext(r.Context())
		_, ok := w.(http.Flusher)
		assert.True(t, ok, "wrapped writer must stay flushable")
		w.WriteHeader(http.StatusAccepted)
	}))

	req := httptest.NewRequest(http.MethodPost, "/mcp", strings.NewReader("{}"))
	req.Header.Set("X-Request-ID", "fixed")
	req.Header.Set("Mcp-Session-Id", "abc")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	assert.Equal(t, "fixed", seenRequestID)
	lines := decodeLines(t, &buf)
	require.Len(t, lines, 1)
	assert.Equal(t, float64(http.StatusAccepted), lines[0]["status"])
	assert.Equal(t, "abc", lines[0]["session_id"])
}
