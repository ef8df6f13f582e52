// Package anthropic implements models.AIProvider against the Anthropic
// Messages API. Structured stage output is obtained by forcing a tool call,
// so the model's answer arrives as JSON matching the tool's input schema
// instead of prose.
package anthropic

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	anthropicsdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/sparlohq/sparlo/internal/ai/aierrors"
	"github.com/sparlohq/sparlo/internal/config"
	"github.com/sparlohq/sparlo/pkg/models"
)

// Provider implements models.AIProvider using the Anthropic SDK.
type Provider struct {
	client anthropicsdk.Client
	cfg    config.AnthropicConfig
}

func NewProvider(cfg config.AnthropicConfig) *Provider {
	return &Provider{
		client: anthropicsdk.NewClient(option.WithAPIKey(cfg.APIKey)),
		cfg:    cfg,
	}
}

func (p *Provider) Name() string { return "anthropic" }

func (p *Provider) Complete(ctx context.Context, req models.CompletionRequest) (models.CompletionResult, error) {
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = p.cfg.MaxTokens
	}

	msg, err := p.client.Messages.New(ctx, anthropicsdk.MessageNewParams{
		Model:     anthropicsdk.Model(p.cfg.Model),
		MaxTokens: int64(maxTokens),
		System: []anthropicsdk.TextBlockParam{
			{Text: req.System},
		},
		Messages: []anthropicsdk.MessageParam{
			anthropicsdk.NewUserMessage(anthropicsdk.NewTextBlock(req.Prompt)),
		},
		Tools: []anthropicsdk.ToolUnionParam{{
			OfTool: &anthropicsdk.ToolParam{
				Name:        req.Tool.Name,
				Description: anthropicsdk.String(req.Tool.Description),
				InputSchema: anthropicsdk.ToolInputSchemaParam{
					Properties: req.Tool.InputSchema,
					Required:   req.Tool.Required,
				},
			},
		}},
		ToolChoice: anthropicsdk.ToolChoiceUnionParam{
			OfTool: &anthropicsdk.ToolChoiceToolParam{Name: req.Tool.Name},
		},
	})
	if err != nil {
		return models.CompletionResult{}, p.mapError(err)
	}

	for _, block := range msg.Content {
		if variant, ok := block.AsAny().(anthropicsdk.ToolUseBlock); ok {
			return models.CompletionResult{
				Output: json.RawMessage(variant.JSON.Input.Raw()),
				Model:  string(msg.Model),
			}, nil
		}
	}
	return models.CompletionResult{}, fmt.Errorf("%w: no tool call in response", aierrors.ErrInvalidResponse)
}

func (p *Provider) StreamText(ctx context.Context, req models.TextRequest, onDelta func(delta string)) (string, error) {
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = p.cfg.MaxTokens
	}

	stream := p.client.Messages.NewStreaming(ctx, anthropicsdk.MessageNewParams{
		Model:     anthropicsdk.Model(p.cfg.Model),
		MaxTokens: int64(maxTokens),
		System: []anthropicsdk.TextBlockParam{
			{Text: req.System},
		},
		Messages: []anthropicsdk.MessageParam{
			anthropicsdk.NewUserMessage(anthropicsdk.NewTextBlock(req.Prompt)),
		},
	})

	acc := anthropicsdk.Message{}
	for stream.Next() {
		event := stream.Current()
		if err := acc.Accumulate(event); err != nil {
			return "", fmt.Errorf("%w: %v", aierrors.ErrInvalidResponse, err)
		}
		if ev, ok := event.AsAny().(anthropicsdk.ContentBlockDeltaEvent); ok {
			if delta, ok := ev.Delta.AsAny().(anthropicsdk.TextDelta); ok && delta.Text != "" && onDelta != nil {
				onDelta(delta.Text)
			}
		}
	}
	if err := stream.Err(); err != nil {
		return "", p.mapError(err)
	}

	var sb strings.Builder
	for _, block := range acc.Content {
		if tb, ok := block.AsAny().(anthropicsdk.TextBlock); ok {
			sb.WriteString(tb.Text)
		}
	}
	if sb.Len() == 0 {
		return "", fmt.Errorf("%w: empty completion", aierrors.ErrInvalidResponse)
	}
	return sb.String(), nil
}

func (p *Provider) mapError(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", aierrors.ErrInferenceTimeout, err)
	}
	return fmt.Errorf("%w: %v", aierrors.ErrProviderUnavailable, err)
}

var _ models.AIProvider = (*Provider)(nil)
