package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sparlohq/sparlo/pkg/models"
)

// PostgresStore implements the Store interface using pgx/v5.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgresStore.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Ping checks database connectivity.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// --- Tenants ---

func (s *PostgresStore) GetDefaultTenant(ctx context.Context) (*models.Tenant, error) {
	var t models.Tenant
	err := s.pool.QueryRow(ctx,
		`SELECT id, name, created_at, updated_at FROM tenants WHERE name = 'default' LIMIT 1`,
	).Scan(&t.ID, &t.Name, &t.CreatedAt, &t.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get default tenant: %w", err)
	}
	return &t, nil
}

// --- API Keys ---

func (s *PostgresStore) GetAPIKeyByPrefix(ctx context.Context, prefix string) ([]*models.APIKey, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, tenant_id, name, key_hash, key_prefix, scopes, last_used_at, deleted_at, created_at, updated_at
		 FROM api_keys WHERE key_prefix = $1 AND deleted_at IS NULL`, prefix)
	if err != nil {
		return nil, fmt.Errorf("get api key by prefix: %w", err)
	}
	defer rows.Close()

	var keys []*models.APIKey
	for rows.Next() {
		var k models.APIKey
		if err := rows.Scan(&k.ID, &k.TenantID, &k.Name, &k.KeyHash, &k.KeyPrefix, &k.Scopes,
			&k.LastUsedAt, &k.DeletedAt, &k.CreatedAt, &k.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan api key: %w", err)
		}
		keys = append(keys, &k)
	}
	return keys, rows.Err()
}

func (s *PostgresStore) UpdateAPIKeyLastUsed(ctx context.Context, id uuid.UUID) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE api_keys SET last_used_at = NOW(), updated_at = NOW() WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("update api key last used: %w", err)
	}
	return nil
}

func (s *PostgresStore) CreateAPIKey(ctx context.Context, key *models.APIKey) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO api_keys (id, tenant_id, name, key_hash, key_prefix, scopes, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		key.ID, key.TenantID, key.Name, key.KeyHash, key.KeyPrefix, key.Scopes, key.CreatedAt, key.UpdatedAt)
	if err != nil {
		if isDuplicateKeyError(err) {
			return ErrDuplicateKey
		}
		return fmt.Errorf("create api key: %w", err)
	}
	return nil
}

// --- Jobs ---

const jobColumns = `id, tenant_id, status, design_challenge, current_stage, stage_outputs,
	clarification_question, clarification_answers, cancel_requested, report, error_message,
	chat_turns, created_at, updated_at, started_at, completed_at, cancelled_at, failed_at`

func scanJob(row pgx.Row) (*models.Job, error) {
	var j models.Job
	var stageOutputs, answers, chatTurns []byte
	err := row.Scan(&j.ID, &j.TenantID, &j.Status, &j.DesignChallenge, &j.CurrentStage, &stageOutputs,
		&j.ClarificationQuestion, &answers, &j.CancelRequested, &j.Report, &j.ErrorMessage,
		&chatTurns, &j.CreatedAt, &j.UpdatedAt, &j.StartedAt, &j.CompletedAt, &j.CancelledAt, &j.FailedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan job: %w", err)
	}
	if err := json.Unmarshal(stageOutputs, &j.StageOutputs); err != nil {
		return nil, fmt.Errorf("decode stage outputs: %w", err)
	}
	if err := json.Unmarshal(answers, &j.ClarificationAnswers); err != nil {
		return nil, fmt.Errorf("decode clarification answers: %w", err)
	}
	if err := json.Unmarshal(chatTurns, &j.ChatTurns); err != nil {
		return nil, fmt.Errorf("decode chat turns: %w", err)
	}
	return &j, nil
}

func (s *PostgresStore) CreateJob(ctx context.Context, job *models.Job) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO jobs (id, tenant_id, status, design_challenge, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		job.ID, job.TenantID, job.Status, job.DesignChallenge, job.CreatedAt, job.UpdatedAt)
	if err != nil {
		return fmt.Errorf("create job: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetJob(ctx context.Context, id uuid.UUID) (*models.Job, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE id = $1`, id)
	return scanJob(row)
}

func (s *PostgresStore) ListResumableJobs(ctx context.Context) ([]*models.Job, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE status = $1 ORDER BY created_at`,
		models.JobStatusRunning)
	if err != nil {
		return nil, fmt.Errorf("list resumable jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*models.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

func (s *PostgresStore) StartJob(ctx context.Context, id uuid.UUID) error {
	return s.transition(ctx, id,
		`UPDATE jobs SET status = $2, started_at = NOW(), updated_at = NOW()
		 WHERE id = $1 AND status = $3`,
		models.JobStatusRunning, models.JobStatusIdle)
}

func (s *PostgresStore) CheckpointStage(ctx context.Context, id uuid.UUID, nextStage int, out models.StageOutput) error {
	payload, err := json.Marshal(out)
	if err != nil {
		return fmt.Errorf("encode stage output: %w", err)
	}
	return s.transition(ctx, id,
		`UPDATE jobs SET stage_outputs = stage_outputs || $2::jsonb, current_stage = $3,
		        clarification_question = NULL, updated_at = NOW()
		 WHERE id = $1 AND status = $4`,
		payload, nextStage, models.JobStatusRunning)
}

func (s *PostgresStore) MarkClarificationNeeded(ctx context.Context, id uuid.UUID, question string) error {
	return s.transition(ctx, id,
		`UPDATE jobs SET status = $2, clarification_question = $3, updated_at = NOW()
		 WHERE id = $1 AND status = $4`,
		models.JobStatusClarificationNeeded, question, models.JobStatusRunning)
}

func (s *PostgresStore) AnswerClarification(ctx context.Context, id uuid.UUID, answer string) (bool, error) {
	payload, err := json.Marshal([]string{answer})
	if err != nil {
		return false, fmt.Errorf("encode clarification answer: %w", err)
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE jobs SET status = $2, clarification_answers = clarification_answers || $3::jsonb,
		        clarification_question = NULL, updated_at = NOW()
		 WHERE id = $1 AND status = $4`,
		id, models.JobStatusRunning, payload, models.JobStatusClarificationNeeded)
	if err != nil {
		return false, fmt.Errorf("answer clarification: %w", err)
	}
	if tag.RowsAffected() == 0 {
		// Either not found or not awaiting clarification; the caller treats
		// both as a no-op delivery, so distinguish only missing jobs.
		if exists, err := s.jobExists(ctx, id); err != nil {
			return false, err
		} else if !exists {
			return false, ErrNotFound
		}
		return false, nil
	}
	return true, nil
}

func (s *PostgresStore) CompleteJob(ctx context.Context, id uuid.UUID, report json.RawMessage) error {
	return s.transition(ctx, id,
		`UPDATE jobs SET status = $2, report = $3, completed_at = NOW(), updated_at = NOW()
		 WHERE id = $1 AND status = $4`,
		models.JobStatusCompleted, report, models.JobStatusRunning)
}

func (s *PostgresStore) FailJob(ctx context.Context, id uuid.UUID, errMsg string) error {
	return s.transition(ctx, id,
		`UPDATE jobs SET status = $2, error_message = $3, failed_at = NOW(), updated_at = NOW()
		 WHERE id = $1 AND status NOT IN ($4, $5, $6)`,
		models.JobStatusFailed, errMsg,
		models.JobStatusCompleted, models.JobStatusCancelled, models.JobStatusFailed)
}

func (s *PostgresStore) RequestCancel(ctx context.Context, id uuid.UUID) (string, error) {
	var status string
	err := s.pool.QueryRow(ctx,
		`UPDATE jobs SET cancel_requested = TRUE, updated_at = NOW()
		 WHERE id = $1 AND status NOT IN ($2, $3, $4)
		 RETURNING status`,
		id, models.JobStatusCompleted, models.JobStatusCancelled, models.JobStatusFailed,
	).Scan(&status)
	if errors.Is(err, pgx.ErrNoRows) {
		// Terminal already, or missing entirely.
		j, err := s.GetJob(ctx, id)
		if err != nil {
			return "", err
		}
		return j.Status, nil
	}
	if err != nil {
		return "", fmt.Errorf("request cancel: %w", err)
	}
	return status, nil
}

func (s *PostgresStore) CancelJob(ctx context.Context, id uuid.UUID) (bool, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE jobs SET status = $2, cancelled_at = NOW(), updated_at = NOW()
		 WHERE id = $1 AND status NOT IN ($3, $4, $5)`,
		id, models.JobStatusCancelled,
		models.JobStatusCompleted, models.JobStatusCancelled, models.JobStatusFailed)
	if err != nil {
		return false, fmt.Errorf("cancel job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		if exists, err := s.jobExists(ctx, id); err != nil {
			return false, err
		} else if !exists {
			return false, ErrNotFound
		}
		return false, nil
	}
	return true, nil
}

func (s *PostgresStore) IsCancelRequested(ctx context.Context, id uuid.UUID) (bool, error) {
	var requested bool
	err := s.pool.QueryRow(ctx,
		`SELECT cancel_requested FROM jobs WHERE id = $1`, id).Scan(&requested)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, ErrNotFound
	}
	if err != nil {
		return false, fmt.Errorf("get cancel flag: %w", err)
	}
	return requested, nil
}

// --- Chat turns ---

// AppendChatTurns runs the append-and-bound as one UPDATE so concurrent
// appends serialize on the row lock instead of overwriting each other. The
// statement concatenates the new turns, then keeps only the newest maxSize
// elements, preserving order.
func (s *PostgresStore) AppendChatTurns(ctx context.Context, id uuid.UUID, turns []models.ChatTurn, maxSize int) ([]models.ChatTurn, error) {
	payload, err := json.Marshal(turns)
	if err != nil {
		return nil, fmt.Errorf("encode chat turns: %w", err)
	}

	var result []byte
	err = s.pool.QueryRow(ctx,
		`UPDATE jobs SET chat_turns = (
		     SELECT COALESCE(jsonb_agg(turn ORDER BY ord), '[]'::jsonb)
		     FROM (
		         SELECT turn, ord
		         FROM jsonb_array_elements(jobs.chat_turns || $2::jsonb) WITH ORDINALITY AS t(turn, ord)
		         ORDER BY ord
		         OFFSET GREATEST(jsonb_array_length(jobs.chat_turns || $2::jsonb) - $3, 0)
		     ) tail
		 ), updated_at = NOW()
		 WHERE id = $1
		 RETURNING chat_turns`,
		id, payload, maxSize,
	).Scan(&result)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("append chat turns: %w", err)
	}

	var updated []models.ChatTurn
	if err := json.Unmarshal(result, &updated); err != nil {
		return nil, fmt.Errorf("decode chat turns: %w", err)
	}
	return updated, nil
}

// transition runs a conditional status update and maps a zero-row result to
// ErrNotFound (missing job) or ErrConflict (state no longer allows it).
func (s *PostgresStore) transition(ctx context.Context, id uuid.UUID, query string, args ...any) error {
	all := append([]any{id}, args...)
	tag, err := s.pool.Exec(ctx, query, all...)
	if err != nil {
		return fmt.Errorf("job transition: %w", err)
	}
	if tag.RowsAffected() == 0 {
		if exists, err := s.jobExists(ctx, id); err != nil {
			return err
		} else if !exists {
			return ErrNotFound
		}
		return ErrConflict
	}
	return nil
}

func (s *PostgresStore) jobExists(ctx context.Context, id uuid.UUID) (bool, error) {
	var exists bool
	if err := s.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM jobs WHERE id = $1)`, id).Scan(&exists); err != nil {
		return false, fmt.Errorf("job exists: %w", err)
	}
	return exists, nil
}

// isDuplicateKeyError checks if a pgx error is a unique constraint violation.
func isDuplicateKeyError(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505" // unique_violation
	}
	return false
}
