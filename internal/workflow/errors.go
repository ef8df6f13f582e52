package workflow

import "errors"

var (
	// ErrInvalidInput means the submitted job input does not satisfy the
	// minimum shape stage 0 requires. Client-correctable, never retried.
	ErrInvalidInput = errors.New("invalid job input")
	// ErrStageValidation means the model's structured output still failed
	// validation after the re-prompt budget was spent.
	ErrStageValidation = errors.New("stage output validation failed")
	// ErrPersistence means a checkpoint write failed after its retry budget.
	ErrPersistence = errors.New("persistence failed")
)
