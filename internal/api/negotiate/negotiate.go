// Package negotiate picks a chat response representation from the request's
// Accept header and carries the server-sent-events variant. Both variants
// deliver the same payload, including whether the exchange was persisted.
package negotiate

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-contrib/sse"
)

// Mode is the chosen response representation.
type Mode int

const (
	// ModeJSON is a single JSON document, the default.
	ModeJSON Mode = iota
	// ModeSSE streams the response as server-sent events.
	ModeSSE
)

const eventStreamType = "text/event-stream"

// Pick chooses the response mode from the Accept header. SSE is chosen only
// when the client listed text/event-stream with a quality at least as high as
// any JSON alternative; everything else, including an absent header, is JSON.
func Pick(r *http.Request) Mode {
	accept := r.Header.Get("Accept")
	if accept == "" {
		return ModeJSON
	}

	sseQ, jsonQ := -1.0, -1.0
	for _, part := range strings.Split(accept, ",") {
		mediaRange, q := parseMediaRange(part)
		switch mediaRange {
		case eventStreamType:
			sseQ = max(sseQ, q)
		case "application/json", "application/*", "*/*":
			jsonQ = max(jsonQ, q)
		}
	}

	if sseQ > 0 && sseQ >= jsonQ {
		return ModeSSE
	}
	return ModeJSON
}

func parseMediaRange(part string) (string, float64) {
	segments := strings.Split(part, ";")
	mediaRange := strings.ToLower(strings.TrimSpace(segments[0]))
	q := 1.0
	for _, seg := range segments[1:] {
		seg = strings.TrimSpace(seg)
		if v, ok := strings.CutPrefix(seg, "q="); ok {
			if parsed, err := strconv.ParseFloat(v, 64); err == nil {
				q = parsed
			}
		}
	}
	return mediaRange, q
}

// Streamer writes one chat exchange as server-sent events: any number of
// delta events carrying response text, then exactly one done event.
type Streamer struct {
	w       http.ResponseWriter
	flusher http.Flusher
}

// NewStreamer prepares w for event streaming and writes the stream headers.
func NewStreamer(w http.ResponseWriter) (*Streamer, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, fmt.Errorf("response writer does not support streaming")
	}

	h := w.Header()
	h.Set("Content-Type", eventStreamType)
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	return &Streamer{w: w, flusher: flusher}, nil
}

// Delta sends one increment of response text.
func (s *Streamer) Delta(text string) error {
	return s.send("delta", map[string]any{"text": text})
}

// Done terminates the stream, reporting whether the exchange was persisted.
func (s *Streamer) Done(saved bool, saveError string) error {
	payload := map[string]any{"done": true, "saved": saved}
	if saveError != "" {
		payload["saveError"] = saveError
	}
	return s.send("done", payload)
}

// Error reports a mid-stream failure. Status codes are gone once the stream
// has started, so errors after the first delta arrive as an event.
func (s *Streamer) Error(message string) error {
	return s.send("error", map[string]any{"error": message})
}

func (s *Streamer) send(event string, data any) error {
	if err := sse.Encode(s.w, sse.Event{Event: event, Data: data}); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}
