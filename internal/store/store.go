package store

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/google/uuid"
	"github.com/sparlohq/sparlo/pkg/models"
)

var ErrNotFound = errors.New("resource not found")
var ErrDuplicateKey = errors.New("duplicate key violation")

// ErrConflict is returned when a conditional status transition found the job
// in a state that does not permit it (e.g. completing an already-cancelled job).
var ErrConflict = errors.New("conflicting job state")

// Store is the data access interface. All database operations go through here.
//
// Job status writes are conditional: a transition only applies when the row is
// still in a state that allows it, so the cancellation path can never race the
// orchestrator's own terminal write. The chat collection is mutated solely via
// AppendChatTurns; no caller reads it, modifies it in memory, and writes it back.
type Store interface {
	Ping(ctx context.Context) error

	GetDefaultTenant(ctx context.Context) (*models.Tenant, error)
	GetAPIKeyByPrefix(ctx context.Context, prefix string) ([]*models.APIKey, error)
	UpdateAPIKeyLastUsed(ctx context.Context, id uuid.UUID) error
	CreateAPIKey(ctx context.Context, key *models.APIKey) error

	CreateJob(ctx context.Context, job *models.Job) error
	GetJob(ctx context.Context, id uuid.UUID) (*models.Job, error)
	// ListResumableJobs returns jobs left in running status, e.g. by a host
	// that died mid-run. Called once at worker startup.
	ListResumableJobs(ctx context.Context) ([]*models.Job, error)

	// StartJob transitions idle -> running and stamps started_at.
	StartJob(ctx context.Context, id uuid.UUID) error
	// CheckpointStage appends one validated stage output and advances
	// current_stage, only while the job is running.
	CheckpointStage(ctx context.Context, id uuid.UUID, nextStage int, out models.StageOutput) error
	// MarkClarificationNeeded suspends a running job pending an answer.
	MarkClarificationNeeded(ctx context.Context, id uuid.UUID, question string) error
	// AnswerClarification records the answer and transitions
	// clarification_needed -> running. Returns false (no error) when the job
	// was in any other status: delivering an answer elsewhere is a no-op.
	AnswerClarification(ctx context.Context, id uuid.UUID, answer string) (bool, error)
	// CompleteJob stores the final report and transitions to completed.
	CompleteJob(ctx context.Context, id uuid.UUID, report json.RawMessage) error
	// FailJob records the error and transitions to failed.
	FailJob(ctx context.Context, id uuid.UUID, errMsg string) error

	// RequestCancel sets the cancel flag if the job is not yet terminal and
	// returns the status the job had at that moment. The orchestrator observes
	// the flag at its next checkpoint. Idempotent on terminal jobs.
	RequestCancel(ctx context.Context, id uuid.UUID) (status string, err error)
	// CancelJob transitions to cancelled, only while non-terminal. Returns
	// false when the job had already reached a terminal state.
	CancelJob(ctx context.Context, id uuid.UUID) (bool, error)
	// IsCancelRequested reads the cancel flag. Called at checkpoint boundaries.
	IsCancelRequested(ctx context.Context, id uuid.UUID) (bool, error)

	// AppendChatTurns appends turns to the job's bounded conversation as a
	// single atomic statement and returns the resulting collection. When the
	// append would exceed maxSize, the oldest turns are evicted first;
	// survivors keep their relative order.
	AppendChatTurns(ctx context.Context, id uuid.UUID, turns []models.ChatTurn, maxSize int) ([]models.ChatTurn, error)
}
