// Package mock provides a models.AIProvider for tests and local development.
package mock

import (
	"context"
	"encoding/json"

	"github.com/sparlohq/sparlo/pkg/models"
)

// Provider satisfies models.AIProvider with function fields a test can set.
type Provider struct {
	Name_          string
	CompleteFunc   func(ctx context.Context, req models.CompletionRequest) (models.CompletionResult, error)
	StreamTextFunc func(ctx context.Context, req models.TextRequest, onDelta func(string)) (string, error)
}

func (m *Provider) Name() string { return m.Name_ }

func (m *Provider) Complete(ctx context.Context, req models.CompletionRequest) (models.CompletionResult, error) {
	if m.CompleteFunc != nil {
		return m.CompleteFunc(ctx, req)
	}
	return models.CompletionResult{Output: json.RawMessage(`{}`), Model: "mock"}, nil
}

func (m *Provider) StreamText(ctx context.Context, req models.TextRequest, onDelta func(string)) (string, error) {
	if m.StreamTextFunc != nil {
		return m.StreamTextFunc(ctx, req, onDelta)
	}
	return "", nil
}

// cannedOutputs maps the pipeline's tool names to structurally valid results
// so a mock-backed server completes jobs end to end without credentials.
var cannedOutputs = map[string]string{
	"submit_framing": `{"summary":"Mock framing of the challenge.",
		"contradiction":"Strength vs weight.",
		"constraints":["budget"],"success_metrics":["mass under 1kg"]}`,
	"submit_research": `{"prior_art":[{"domain":"aerospace","mechanism":"honeycomb core","relevance":"high stiffness to weight"}],
		"cross_domain_leads":[{"source_domain":"biology","analogy":"bird bone lattice"}]}`,
	"submit_concepts": `{"concepts":[{"name":"Lattice shell","mechanism":"internal lattice",
		"source_domain":"aerospace","feasibility":"high","risks":["tooling cost"],"first_test":"FEA model"}]}`,
	"submit_report": `{"title":"Mock Report","report":"# Mock Report\n\nFindings.",
		"recommendations":["prototype the lattice shell"]}`,
}

// NewProvider returns a Provider with canned default responses so the server
// can run end to end without provider credentials.
func NewProvider() *Provider {
	return &Provider{
		Name_: "mock",
		CompleteFunc: func(_ context.Context, req models.CompletionRequest) (models.CompletionResult, error) {
			if canned, ok := cannedOutputs[req.Tool.Name]; ok {
				return models.CompletionResult{Output: json.RawMessage(canned), Model: "mock"}, nil
			}
			out := map[string]any{}
			for name := range req.Tool.InputSchema {
				out[name] = "mock"
			}
			raw, _ := json.Marshal(out)
			return models.CompletionResult{Output: raw, Model: "mock"}, nil
		},
		StreamTextFunc: func(_ context.Context, _ models.TextRequest, onDelta func(string)) (string, error) {
			const text = "This is a mock response."
			if onDelta != nil {
				onDelta(text)
			}
			return text, nil
		},
	}
}

var _ models.AIProvider = (*Provider)(nil)
