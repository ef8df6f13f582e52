// Package models contains shared data models used across the Sparlo codebase.
package models

import (
	"context"
	"encoding/json"
)

// AIProvider is the core interface that all LLM integrations must implement.
// Callers inject this interface rather than a concrete provider.
type AIProvider interface {
	// Complete performs one structured completion: it sends the composed
	// prompt and returns the model's output decoded against the request's
	// tool schema. The raw argument payload is returned untouched so the
	// caller owns validation.
	Complete(ctx context.Context, req CompletionRequest) (CompletionResult, error)
	// StreamText performs one free-text completion, invoking onDelta for each
	// partial chunk as it arrives, and returns the full concatenated text.
	StreamText(ctx context.Context, req TextRequest, onDelta func(delta string)) (string, error)
	// Name returns the provider identifier (e.g., "anthropic").
	Name() string
}

// CompletionRequest is the input to a structured completion. The Tool schema
// forces the model to answer through a tool call so the output is machine
// parseable rather than prose.
type CompletionRequest struct {
	System    string
	Prompt    string
	Tool      ToolSpec
	MaxTokens int
}

// ToolSpec describes the tool the model must call to deliver its output.
type ToolSpec struct {
	Name        string
	Description string
	// InputSchema is a JSON Schema properties map describing the expected
	// tool input shape.
	InputSchema map[string]any
	Required    []string
}

// CompletionResult carries the raw tool-call payload of one completion.
type CompletionResult struct {
	// Output is the undecoded tool input JSON produced by the model.
	Output json.RawMessage
	Model  string
}

// TextRequest is the input to a free-text (chat) completion.
type TextRequest struct {
	System    string
	Prompt    string
	MaxTokens int
}
