package sse

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncode_Framing(t *testing.T) {
	var buf bytes.Buffer
	err := Encode(&buf, Message(map[string]string{"title": "hi"}))
	require.NoError(t, err)

	assert.Equal(t, "event: message\ndata: {\"title\":\"hi\"}\n\n", buf.String())
}

func TestEncode_UnmarshalableData(t *testing.T) {
	var buf bytes.Buffer
	err := Encode(&buf, Message(make(chan int)))
	assert.Error(t, err)
	assert.Empty(t, buf.String())
}

func TestConnected_Shape(t *testing.T) {
	ev := Connected()
	assert.Equal(t, EventConnected, ev.Name)

	data, ok := ev.Data.(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "connected", data["message"])
	assert.NotEmpty(t, data["timestamp"])
}

func TestHeartbeat_UsesGivenTime(t *testing.T) {
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	ev := Heartbeat(now)
	assert.Equal(t, EventHeartbeat, ev.Name)

	data, ok := ev.Data.(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "2025-03-01T12:00:00Z", data["timestamp"])
}

func TestNewWriter_SetsStreamingHeaders(t *testing.T) {
	rec := httptest.NewRecorder()
	w, err := NewWriter(rec)
	require.NoError(t, err)
	require.NotNil(t, w)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))
	assert.Equal(t, "no-cache", rec.Header().Get("Cache-Control"))
	assert.Equal(t, "keep-alive", rec.Header().Get("Connection"))
	assert.Equal(t, "no", rec.Header().Get("X-Accel-Buffering"))
	assert.True(t, rec.Flushed)
}

type noFlushWriter struct {
	header http.Header
}

func (w *noFlushWriter) Header() http.Header        { return w.header }
func (w *noFlushWriter) Write(b []byte) (int, error) { return len(b), nil }
func (w *noFlushWriter) WriteHeader(int)            {}

func TestNewWriter_RequiresFlusher(t *testing.T) {
	_, err := NewWriter(&noFlushWriter{header: make(http.Header)})
	assert.Error(t, err)
}

func TestWriter_Send(t *testing.T) {
	rec := httptest.NewRecorder()
	w, err := NewWriter(rec)
	require.NoError(t, err)

	require.NoError(t, w.Send(Message("payload")))
	require.NoError(t, w.Send(Heartbeat(time.Now())))

	body := rec.Body.String()
	assert.True(t, strings.HasPrefix(body, "event: message\ndata: \"payload\"\n\n"))
	assert.Contains(t, body, "event: heartbeat\n")
	assert.True(t, strings.HasSuffix(body, "\n\n"))
}
