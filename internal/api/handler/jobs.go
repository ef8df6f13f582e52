package handler

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/sparlohq/sparlo/internal/api/middleware"
	"github.com/sparlohq/sparlo/internal/api/response"
	"github.com/sparlohq/sparlo/internal/cache"
	"github.com/sparlohq/sparlo/internal/store"
	"github.com/sparlohq/sparlo/internal/workflow"
	"github.com/sparlohq/sparlo/pkg/models"
)

// docCacheTTL bounds how long a terminal job's polling document is kept in
// the cache. Terminal jobs are immutable, so the entry is never invalidated.
const docCacheTTL = 24 * time.Hour

// Jobs serves the analysis job lifecycle endpoints.
type Jobs struct {
	orch       *workflow.Orchestrator
	store      store.Store
	cache      cache.Cache
	stageCount int
}

// NewJobs creates the jobs handler. stageCount is the pipeline length, used
// for progress reporting.
func NewJobs(orch *workflow.Orchestrator, st store.Store, c cache.Cache, stageCount int) *Jobs {
	return &Jobs{orch: orch, store: st, cache: c, stageCount: stageCount}
}

type createJobRequest struct {
	DesignChallenge string `json:"designChallenge"`
}

type clarificationRequest struct {
	Answer string `json:"answer"`
}

// jobStatusDoc is the polling document. phaseProgress is the percentage of
// stages checkpointed so far; a completed job always reports 100.
type jobStatusDoc struct {
	JobID                 string          `json:"jobId"`
	Status                string          `json:"status"`
	CurrentStage          int             `json:"currentStage"`
	PhaseProgress         int             `json:"phaseProgress"`
	ClarificationQuestion *string         `json:"clarificationQuestion,omitempty"`
	ReportData            json.RawMessage `json:"reportData,omitempty"`
	Error                 *string         `json:"error,omitempty"`
	CreatedAt             time.Time       `json:"createdAt"`
	StartedAt             *time.Time      `json:"startedAt,omitempty"`
	CompletedAt           *time.Time      `json:"completedAt,omitempty"`
	CancelledAt           *time.Time      `json:"cancelledAt,omitempty"`
	FailedAt              *time.Time      `json:"failedAt,omitempty"`
}

// parseJobID extracts and validates the jobID path parameter, writing the 400
// itself on failure.
func parseJobID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "jobID"))
	if err != nil {
		response.Error(w, http.StatusBadRequest, "INVALID_INPUT", "jobID must be a UUID", nil)
		return uuid.Nil, false
	}
	return id, true
}

func writeStoreError(w http.ResponseWriter, err error) {
	if errors.Is(err, store.ErrNotFound) {
		response.Error(w, http.StatusNotFound, "NOT_FOUND", "Job not found", nil)
		return
	}
	response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Unexpected error", nil)
}

// Create handles POST /jobs.
func (h *Jobs) Create(w http.ResponseWriter, r *http.Request) {
	var req createJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		response.Error(w, http.StatusBadRequest, "INVALID_INPUT", "Request body must be valid JSON", nil)
		return
	}

	tenantID, ok := middleware.GetTenantID(r)
	if !ok {
		response.Error(w, http.StatusUnauthorized, "INVALID_TOKEN", "Missing tenant identity", nil)
		return
	}

	job, err := h.orch.Start(r.Context(), tenantID, req.DesignChallenge)
	if err != nil {
		if errors.Is(err, workflow.ErrInvalidInput) {
			response.Error(w, http.StatusBadRequest, "INVALID_INPUT", err.Error(), nil)
			return
		}
		response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to create job", nil)
		return
	}

	response.Accepted(w, map[string]any{
		"jobId":  job.ID.String(),
		"status": job.Status,
	})
}

// Get handles GET /jobs/{jobID}. Documents of terminal jobs are served from
// the cache; anything still moving is read fresh from the store. Cache
// failures degrade to a store read.
func (h *Jobs) Get(w http.ResponseWriter, r *http.Request) {
	id, ok := parseJobID(w, r)
	if !ok {
		return
	}

	key := cache.JobDocKey(id)
	if raw, found, err := h.cache.Get(r.Context(), key); err == nil && found {
		response.JSON(w, json.RawMessage(raw))
		return
	}

	job, err := h.store.GetJob(r.Context(), id)
	if err != nil {
		writeStoreError(w, err)
		return
	}

	doc := h.statusDoc(job)
	if models.IsTerminalStatus(job.Status) {
		if body, err := json.Marshal(doc); err == nil {
			_ = h.cache.Set(r.Context(), key, body, docCacheTTL)
		}
	}
	response.JSON(w, doc)
}

// Cancel handles POST /jobs/{jobID}/cancel. Always 202 for an existing job:
// the cancellation is an asynchronous signal, observed at the run's next
// checkpoint, and repeating it on a terminal job changes nothing.
func (h *Jobs) Cancel(w http.ResponseWriter, r *http.Request) {
	id, ok := parseJobID(w, r)
	if !ok {
		return
	}

	status, err := h.orch.RequestCancel(r.Context(), id)
	if err != nil {
		writeStoreError(w, err)
		return
	}

	response.Accepted(w, map[string]any{
		"jobId":  id.String(),
		"status": status,
	})
}

// Clarify handles POST /jobs/{jobID}/clarification. Delivering an answer to a
// job that is not waiting for one is acknowledged but changes nothing.
func (h *Jobs) Clarify(w http.ResponseWriter, r *http.Request) {
	id, ok := parseJobID(w, r)
	if !ok {
		return
	}

	var req clarificationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		response.Error(w, http.StatusBadRequest, "INVALID_INPUT", "Request body must be valid JSON", nil)
		return
	}

	resumed, err := h.orch.HandleClarification(r.Context(), id, req.Answer)
	if err != nil {
		if errors.Is(err, workflow.ErrInvalidInput) {
			response.Error(w, http.StatusBadRequest, "INVALID_INPUT", err.Error(), nil)
			return
		}
		writeStoreError(w, err)
		return
	}

	response.Accepted(w, map[string]any{
		"jobId":   id.String(),
		"resumed": resumed,
	})
}

func (h *Jobs) statusDoc(job *models.Job) jobStatusDoc {
	progress := 0
	if h.stageCount > 0 {
		progress = job.CurrentStage * 100 / h.stageCount
	}
	if job.Status == models.JobStatusCompleted {
		progress = 100
	}

	doc := jobStatusDoc{
		JobID:                 job.ID.String(),
		Status:                job.Status,
		CurrentStage:          job.CurrentStage,
		PhaseProgress:         progress,
		ClarificationQuestion: job.ClarificationQuestion,
		Error:                 job.ErrorMessage,
		CreatedAt:             job.CreatedAt,
		StartedAt:             job.StartedAt,
		CompletedAt:           job.CompletedAt,
		CancelledAt:           job.CancelledAt,
		FailedAt:              job.FailedAt,
	}
	if job.Status == models.JobStatusCompleted {
		doc.ReportData = job.Report
	}
	return doc
}
