package workflow

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sparlohq/sparlo/internal/config"
	"github.com/sparlohq/sparlo/pkg/models"
	"github.com/sparlohq/sparlo/pkg/promptguard"
)

// Stage is one ordered step of the analysis pipeline: one LLM call plus
// validation. Stages are pure with respect to persistence; the orchestrator
// owns checkpointing, which keeps executors testable in isolation.
type Stage struct {
	Name         string
	Instructions string
	Tool         models.ToolSpec
	// Decode validates the model's raw tool output and returns it in
	// normalized form. Missing fields with a safe default (empty lists) are
	// filled in; missing required fields are an error.
	Decode func(raw json.RawMessage) (json.RawMessage, error)
	// CanClarify marks stages allowed to suspend the run with a question
	// back to the user instead of producing output.
	CanClarify bool
}

// StageInput is everything a stage's prompt may draw on.
type StageInput struct {
	DesignChallenge      string
	ClarificationAnswers []string
	PriorOutputs         []models.StageOutput
}

// StageResult is the outcome of one successful stage execution: either output
// to checkpoint, or a clarification question that suspends the job.
type StageResult struct {
	Output                json.RawMessage
	ClarificationQuestion string
}

// NeedsClarification reports whether the stage asked a question instead of
// producing output.
func (r StageResult) NeedsClarification() bool {
	return r.ClarificationQuestion != ""
}

// clarificationField is the optional tool field a clarifying stage fills when
// the challenge is too ambiguous to analyze.
const clarificationField = "clarification_request"

// Executor runs single stages against the AI provider.
type Executor struct {
	provider models.AIProvider
	cfg      config.WorkflowConfig
	timeout  time.Duration
}

// NewExecutor creates an Executor.
func NewExecutor(provider models.AIProvider, cfg config.WorkflowConfig, inferenceTimeout time.Duration) *Executor {
	return &Executor{provider: provider, cfg: cfg, timeout: inferenceTimeout}
}

// Execute runs exactly one stage: compose the prompt, call the model with the
// retry budget, decode and validate the structured output. Validation failures
// of the model's own output are retried by re-prompting with the validation
// error appended, within their own smaller budget.
func (e *Executor) Execute(ctx context.Context, stage Stage, in StageInput) (StageResult, error) {
	system, prompt := e.composePrompt(stage, in, "")

	var lastValidationErr error
	for attempt := 0; attempt <= e.cfg.MaxValidationRetries; attempt++ {
		if lastValidationErr != nil {
			system, prompt = e.composePrompt(stage, in, lastValidationErr.Error())
		}

		result, err := e.call(ctx, stage, system, prompt)
		if err != nil {
			return StageResult{}, fmt.Errorf("stage %s: %w", stage.Name, err)
		}

		if stage.CanClarify {
			if question := extractClarification(result.Output); question != "" {
				return StageResult{ClarificationQuestion: question}, nil
			}
		}

		normalized, err := stage.Decode(result.Output)
		if err != nil {
			lastValidationErr = err
			slog.Warn("stage output failed validation, re-prompting",
				"stage", stage.Name, "attempt", attempt+1, "error", err)
			continue
		}
		return StageResult{Output: normalized}, nil
	}

	return StageResult{}, fmt.Errorf("stage %s: %w: %v", stage.Name, ErrStageValidation, lastValidationErr)
}

// call performs the LLM call with exponential backoff across transient
// provider failures.
func (e *Executor) call(ctx context.Context, stage Stage, system, prompt string) (models.CompletionResult, error) {
	var result models.CompletionResult

	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewExponentialBackOff(), uint64(e.cfg.MaxCallAttempts-1)),
		ctx)

	err := backoff.Retry(func() error {
		callCtx, cancel := context.WithTimeout(ctx, e.timeout)
		defer cancel()

		var err error
		result, err = e.provider.Complete(callCtx, models.CompletionRequest{
			System: system,
			Prompt: prompt,
			Tool:   stage.Tool,
		})
		return err
	}, policy)
	if err != nil {
		return models.CompletionResult{}, err
	}
	return result, nil
}

// composePrompt builds the stage prompt through the boundary guard: prior
// stage outputs and clarification answers are data blocks, the user's design
// challenge is the untrusted input, and only the stage instructions are
// trusted.
func (e *Executor) composePrompt(stage Stage, in StageInput, validationErr string) (system, prompt string) {
	var blocks []promptguard.ContextBlock
	for _, out := range in.PriorOutputs {
		blocks = append(blocks, promptguard.ContextBlock{
			Name:    "stage_" + out.Stage,
			Content: string(out.Output),
		})
	}
	for i, answer := range in.ClarificationAnswers {
		blocks = append(blocks, promptguard.ContextBlock{
			Name:    fmt.Sprintf("clarification_answer_%d", i+1),
			Content: answer,
		})
	}

	instructions := stage.Instructions
	if validationErr != "" {
		instructions += "\n\nYour previous answer did not match the required shape: " +
			validationErr + "\nAnswer again through the tool, fixing exactly that."
	}

	return systemPrompt, promptguard.Wrap(instructions, blocks, in.DesignChallenge)
}

func extractClarification(raw json.RawMessage) string {
	var probe struct {
		ClarificationRequest string `json:"clarification_request"`
	}
	if err := json.Unmarshal(raw, &probe); err != nil {
		return ""
	}
	return probe.ClarificationRequest
}
