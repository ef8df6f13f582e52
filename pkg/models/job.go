package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

const (
	JobStatusIdle                = "idle"
	JobStatusRunning             = "running"
	JobStatusClarificationNeeded = "clarification_needed"
	JobStatusCompleted           = "completed"
	JobStatusCancelled           = "cancelled"
	JobStatusFailed              = "failed"
)

// TerminalStatuses are the mutually exclusive end states of a job. Once a job
// reaches one of these, only its chat collection may change.
var TerminalStatuses = []string{JobStatusCompleted, JobStatusCancelled, JobStatusFailed}

// IsTerminalStatus reports whether status is one of the terminal job states.
func IsTerminalStatus(status string) bool {
	for _, s := range TerminalStatuses {
		if s == status {
			return true
		}
	}
	return false
}

// Job tracks one multi-stage analysis run. The API returns a job id on
// POST /jobs; the client polls GET /jobs/{id} until the status is terminal.
// Stage outputs are kept per stage so later stages and the final report can
// reference earlier ones, and so a run can resume from its last checkpoint.
type Job struct {
	ID                    uuid.UUID       `db:"id"                     json:"id"`
	TenantID              uuid.UUID       `db:"tenant_id"              json:"tenant_id"`
	Status                string          `db:"status"                 json:"status"`
	DesignChallenge       string          `db:"design_challenge"       json:"design_challenge"`
	CurrentStage          int             `db:"current_stage"          json:"current_stage"`
	StageOutputs          []StageOutput   `db:"stage_outputs"          json:"stage_outputs,omitempty"`
	ClarificationQuestion *string         `db:"clarification_question" json:"clarification_question,omitempty"`
	ClarificationAnswers  []string        `db:"clarification_answers"  json:"clarification_answers,omitempty"`
	CancelRequested       bool            `db:"cancel_requested"       json:"-"`
	Report                json.RawMessage `db:"report"                 json:"report,omitempty"`
	ErrorMessage          *string         `db:"error_message"          json:"error_message,omitempty"`
	ChatTurns             []ChatTurn      `db:"chat_turns"             json:"-"`
	CreatedAt             time.Time       `db:"created_at"             json:"created_at"`
	UpdatedAt             time.Time       `db:"updated_at"             json:"updated_at"`
	StartedAt             *time.Time      `db:"started_at"             json:"started_at,omitempty"`
	CompletedAt           *time.Time      `db:"completed_at"           json:"completed_at,omitempty"`
	CancelledAt           *time.Time      `db:"cancelled_at"           json:"cancelled_at,omitempty"`
	FailedAt              *time.Time      `db:"failed_at"              json:"failed_at,omitempty"`
}

// StageOutput is one stage's validated structured result.
type StageOutput struct {
	Stage  string          `json:"stage"`
	Output json.RawMessage `json:"output"`
}

const (
	TurnRoleUser      = "user"
	TurnRoleAssistant = "assistant"
)

// ChatTurn is one message in a completed job's follow-up conversation.
// Turns are appended through the store's atomic append only and are never
// edited in place.
type ChatTurn struct {
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}
