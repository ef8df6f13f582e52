package handler

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/google/uuid"

	"github.com/sparlohq/sparlo/internal/ai"
	"github.com/sparlohq/sparlo/internal/api/negotiate"
	"github.com/sparlohq/sparlo/internal/api/response"
	"github.com/sparlohq/sparlo/internal/chat"
	"github.com/sparlohq/sparlo/pkg/models"
)

// Chat serves the report follow-up conversation endpoints.
type Chat struct {
	svc *chat.Service
}

// NewChat creates the chat handler.
func NewChat(svc *chat.Service) *Chat {
	return &Chat{svc: svc}
}

type chatRequest struct {
	Message string `json:"message"`
}

type chatReply struct {
	Response  string `json:"response"`
	Saved     bool   `json:"saved"`
	SaveError string `json:"saveError,omitempty"`
}

type chatHistoryDoc struct {
	Turns     []models.ChatTurn `json:"turns"`
	JobStatus string            `json:"jobStatus"`
}

// History handles GET /jobs/{jobID}/chat.
func (h *Chat) History(w http.ResponseWriter, r *http.Request) {
	id, ok := parseJobID(w, r)
	if !ok {
		return
	}

	history, err := h.svc.GetHistory(r.Context(), id)
	if err != nil {
		writeStoreError(w, err)
		return
	}

	turns := history.Turns
	if turns == nil {
		turns = []models.ChatTurn{}
	}
	response.JSON(w, chatHistoryDoc{Turns: turns, JobStatus: history.JobStatus})
}

// Respond handles POST /jobs/{jobID}/chat. The representation follows the
// Accept header: a single JSON document by default, or a server-sent event
// stream. Both carry the response text and whether it was persisted.
func (h *Chat) Respond(w http.ResponseWriter, r *http.Request) {
	id, ok := parseJobID(w, r)
	if !ok {
		return
	}

	var req chatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		response.Error(w, http.StatusBadRequest, "INVALID_INPUT", "Request body must be valid JSON", nil)
		return
	}

	if negotiate.Pick(r) == negotiate.ModeSSE {
		h.respondSSE(w, r, id, req.Message)
		return
	}

	reply, err := h.svc.Respond(r.Context(), id, req.Message, nil)
	if err != nil {
		h.chatError(w, err)
		return
	}
	response.JSON(w, chatReply{
		Response:  reply.Response,
		Saved:     reply.Saved,
		SaveError: reply.SaveError,
	})
}

// respondSSE streams deltas as they arrive. The stream is opened lazily on
// the first delta so pre-flight failures (unknown job, empty message) still
// get real status codes.
func (h *Chat) respondSSE(w http.ResponseWriter, r *http.Request, id uuid.UUID, message string) {
	var streamer *negotiate.Streamer

	reply, err := h.svc.Respond(r.Context(), id, message, func(delta string) {
		if streamer == nil {
			s, serr := negotiate.NewStreamer(w)
			if serr != nil {
				slog.Error("open event stream", "error", serr)
				return
			}
			streamer = s
		}
		if serr := streamer.Delta(delta); serr != nil {
			slog.Warn("write stream delta", "error", serr)
		}
	})

	if err != nil {
		if streamer == nil {
			h.chatError(w, err)
			return
		}
		_ = streamer.Error("response generation failed")
		return
	}

	if streamer == nil {
		// Model produced no deltas; open the stream for the terminal event.
		s, serr := negotiate.NewStreamer(w)
		if serr != nil {
			response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Streaming unsupported", nil)
			return
		}
		streamer = s
		if reply.Response != "" {
			_ = streamer.Delta(reply.Response)
		}
	}
	_ = streamer.Done(reply.Saved, reply.SaveError)
}

func (h *Chat) chatError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, chat.ErrInvalidMessage):
		response.Error(w, http.StatusBadRequest, "INVALID_INPUT", err.Error(), nil)
	case errors.Is(err, chat.ErrJobNotReady):
		response.Error(w, http.StatusConflict, "JOB_NOT_READY", "Chat requires a completed report", nil)
	case errors.Is(err, ai.ErrInferenceTimeout):
		response.Error(w, http.StatusGatewayTimeout, "INFERENCE_TIMEOUT", "Response generation timed out", nil)
	case errors.Is(err, ai.ErrProviderUnavailable):
		response.Error(w, http.StatusServiceUnavailable, "PROVIDER_UNAVAILABLE", "Response generation unavailable", nil)
	default:
		writeStoreError(w, err)
	}
}
