// Package chat answers follow-up questions about a completed job's report.
// The conversation is grounded on the stored report and persisted through the
// store's atomic bounded append, so concurrent questions on the same job never
// lose or reorder each other's turns.
package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/sparlohq/sparlo/internal/config"
	"github.com/sparlohq/sparlo/internal/store"
	"github.com/sparlohq/sparlo/pkg/models"
	"github.com/sparlohq/sparlo/pkg/promptguard"
)

var (
	// ErrInvalidMessage means the message is empty or over the size bound.
	ErrInvalidMessage = errors.New("invalid chat message")
	// ErrJobNotReady means the job has no report to discuss yet.
	ErrJobNotReady = errors.New("job has no completed report")
)

// recentTurnWindow is how many stored turns are replayed into the prompt.
const recentTurnWindow = 20

const chatInstructions = "Answer the user's question about the engineering report in the data " +
	"blocks. Ground every claim in the report or the prior conversation; when the report does " +
	"not cover something, say so rather than invent. Keep answers focused and concrete."

// Reply is the outcome of one chat exchange. Saved is false when the response
// was produced but could not be persisted; the caller still delivers the text.
type Reply struct {
	Response  string
	Saved     bool
	SaveError string
}

// History is a job's stored conversation together with the job's status.
type History struct {
	Turns     []models.ChatTurn
	JobStatus string
}

// Service runs report follow-up conversations.
type Service struct {
	store    store.Store
	provider models.AIProvider
	cfg      config.ChatConfig
}

// NewService creates a chat Service.
func NewService(st store.Store, provider models.AIProvider, cfg config.ChatConfig) *Service {
	return &Service{store: st, provider: provider, cfg: cfg}
}

// GetHistory returns the job's turns in order, oldest first. Available in any
// job status; a bounded conversation survives the job reaching terminal state.
func (s *Service) GetHistory(ctx context.Context, jobID uuid.UUID) (History, error) {
	job, err := s.store.GetJob(ctx, jobID)
	if err != nil {
		return History{}, err
	}
	return History{Turns: job.ChatTurns, JobStatus: job.Status}, nil
}

// Respond answers one user message. onDelta, when non-nil, receives response
// text incrementally as the model produces it; the full response is returned
// either way. The user turn and the assistant turn are persisted together in
// one atomic append, so a retry can never store the question twice.
func (s *Service) Respond(ctx context.Context, jobID uuid.UUID, message string, onDelta func(string)) (Reply, error) {
	message = strings.TrimSpace(message)
	if message == "" {
		return Reply{}, fmt.Errorf("%w: message is empty", ErrInvalidMessage)
	}
	if len(message) > s.cfg.MaxMessageLen {
		return Reply{}, fmt.Errorf("%w: message exceeds %d bytes", ErrInvalidMessage, s.cfg.MaxMessageLen)
	}

	job, err := s.store.GetJob(ctx, jobID)
	if err != nil {
		return Reply{}, err
	}
	if job.Status != models.JobStatusCompleted || len(job.Report) == 0 {
		return Reply{}, fmt.Errorf("%w: job status is %s", ErrJobNotReady, job.Status)
	}

	if matches := promptguard.Detect(message); len(matches) > 0 {
		slog.Warn("chat message matched override patterns",
			"job_id", jobID, "patterns", matches)
	}

	prompt := s.composePrompt(job, message)
	response, err := s.provider.StreamText(ctx, models.TextRequest{
		System:    chatInstructions,
		Prompt:    prompt,
		MaxTokens: s.cfg.MaxTokens,
	}, onDelta)
	if err != nil {
		return Reply{}, fmt.Errorf("chat inference: %w", err)
	}

	now := time.Now().UTC()
	turns := []models.ChatTurn{
		{Role: models.TurnRoleUser, Content: message, CreatedAt: now},
		{Role: models.TurnRoleAssistant, Content: response, CreatedAt: now},
	}
	if err := s.persistTurns(ctx, jobID, turns); err != nil {
		slog.Error("persist chat turns", "job_id", jobID, "error", err)
		return Reply{Response: response, Saved: false, SaveError: "conversation could not be saved"}, nil
	}
	return Reply{Response: response, Saved: true}, nil
}

// persistTurns appends with a small retry budget; the append itself is atomic
// so partial writes are impossible.
func (s *Service) persistTurns(ctx context.Context, jobID uuid.UUID, turns []models.ChatTurn) error {
	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 2),
		ctx)

	return backoff.Retry(func() error {
		pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()

		_, err := s.store.AppendChatTurns(pctx, jobID, turns, s.cfg.MaxTurns)
		if errors.Is(err, store.ErrNotFound) {
			return backoff.Permanent(err)
		}
		return err
	}, policy)
}

// composePrompt wraps the report and the recent conversation as data blocks
// around the untrusted question.
func (s *Service) composePrompt(job *models.Job, message string) string {
	blocks := []promptguard.ContextBlock{
		{Name: "report", Content: string(job.Report)},
	}

	turns := job.ChatTurns
	if len(turns) > recentTurnWindow {
		turns = turns[len(turns)-recentTurnWindow:]
	}
	if len(turns) > 0 {
		var b strings.Builder
		for _, turn := range turns {
			fmt.Fprintf(&b, "%s: %s\n", turn.Role, turn.Content)
		}
		blocks = append(blocks, promptguard.ContextBlock{
			Name:    "conversation",
			Content: b.String(),
		})
	}

	return promptguard.Wrap(chatInstructions, blocks, message)
}
