package negotiate

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPick(t *testing.T) {
	tests := []struct {
		name   string
		accept string
		want   Mode
	}{
		{"no header", "", ModeJSON},
		{"json only", "application/json", ModeJSON},
		{"event stream only", "text/event-stream", ModeSSE},
		{"event stream preferred", "text/event-stream, application/json;q=0.5", ModeSSE},
		{"json preferred", "text/event-stream;q=0.5, application/json", ModeJSON},
		{"equal preference picks stream", "application/json, text/event-stream", ModeSSE},
		{"wildcard only", "*/*", ModeJSON},
		{"stream beats wildcard", "text/event-stream;q=0.8, */*;q=0.1", ModeSSE},
		{"stream explicitly refused", "text/event-stream;q=0, application/json", ModeJSON},
		{"unrelated types", "text/html, image/png", ModeJSON},
		{"case and spacing", " TEXT/EVENT-STREAM ; q=1.0 ", ModeSSE},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodPost, "/", nil)
			if tc.accept != "" {
				r.Header.Set("Accept", tc.accept)
			}
			assert.Equal(t, tc.want, Pick(r))
		})
	}
}

func TestStreamerEmitsDeltasThenDone(t *testing.T) {
	rec := httptest.NewRecorder()
	s, err := NewStreamer(rec)
	require.NoError(t, err)

	require.NoError(t, s.Delta("Use a "))
	require.NoError(t, s.Delta("lattice shell."))
	require.NoError(t, s.Done(true, ""))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))
	assert.Equal(t, "no-cache", rec.Header().Get("Cache-Control"))

	body := rec.Body.String()
	assert.Equal(t, 2, strings.Count(body, "event:delta"))
	assert.Contains(t, body, `"text":"Use a "`)
	assert.Contains(t, body, `"text":"lattice shell."`)
	assert.Equal(t, 1, strings.Count(body, "event:done"))
	assert.Contains(t, body, `"done":true`)
	assert.Contains(t, body, `"saved":true`)
	assert.NotContains(t, body, "saveError")
}

func TestStreamerDoneCarriesSaveError(t *testing.T) {
	rec := httptest.NewRecorder()
	s, err := NewStreamer(rec)
	require.NoError(t, err)

	require.NoError(t, s.Done(false, "conversation could not be saved"))

	body := rec.Body.String()
	assert.Contains(t, body, `"saved":false`)
	assert.Contains(t, body, `"saveError":"conversation could not be saved"`)
}

func TestStreamerErrorEvent(t *testing.T) {
	rec := httptest.NewRecorder()
	s, err := NewStreamer(rec)
	require.NoError(t, err)

	require.NoError(t, s.Error("inference failed"))
	assert.Contains(t, rec.Body.String(), "event:error")
}

func TestNewStreamerRequiresFlusher(t *testing.T) {
	_, err := NewStreamer(nonFlushingWriter{httptest.NewRecorder()})
	require.Error(t, err)
}

// nonFlushingWriter exposes only the http.ResponseWriter methods, so the
// http.Flusher assertion inside NewStreamer fails.
type nonFlushingWriter struct{ http.ResponseWriter }
