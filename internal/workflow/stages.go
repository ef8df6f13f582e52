package workflow

import (
	"encoding/json"
	"fmt"

	"github.com/go-playground/validator/v10"
	"github.com/sparlohq/sparlo/pkg/models"
)

// systemPrompt is the shared trusted role given to every stage call.
const systemPrompt = "You are Sparlo, an engineering analysis system with deep expertise in " +
	"TRIZ methodology and cross-domain mechanism transfer. You analyze design challenges " +
	"methodically, one stage at a time, and always answer through the provided tool."

var validate = validator.New()

// FramingOutput is the validated result of the framing stage.
type FramingOutput struct {
	Summary        string   `json:"summary"         validate:"required"`
	Contradiction  string   `json:"contradiction"   validate:"required"`
	Constraints    []string `json:"constraints"`
	SuccessMetrics []string `json:"success_metrics"`
}

// ResearchOutput is the validated result of the research stage.
type ResearchOutput struct {
	PriorArt         []PriorArtEntry `json:"prior_art"          validate:"dive"`
	CrossDomainLeads []DomainLead    `json:"cross_domain_leads" validate:"dive"`
}

type PriorArtEntry struct {
	Domain    string `json:"domain"    validate:"required"`
	Mechanism string `json:"mechanism" validate:"required"`
	Relevance string `json:"relevance"`
}

type DomainLead struct {
	SourceDomain string `json:"source_domain" validate:"required"`
	Analogy      string `json:"analogy"       validate:"required"`
}

// ConceptsOutput is the validated result of the concepts stage.
type ConceptsOutput struct {
	Concepts []Concept `json:"concepts" validate:"required,min=1,dive"`
}

type Concept struct {
	Name         string   `json:"name"          validate:"required"`
	Mechanism    string   `json:"mechanism"     validate:"required"`
	SourceDomain string   `json:"source_domain"`
	Feasibility  string   `json:"feasibility"   validate:"required,oneof=high medium low"`
	Risks        []string `json:"risks"`
	FirstTest    string   `json:"first_test"`
}

// ReportOutput is the validated result of the final report stage.
type ReportOutput struct {
	Title           string   `json:"title"           validate:"required"`
	Report          string   `json:"report"          validate:"required"`
	Recommendations []string `json:"recommendations"`
}

// defaulter fills fields the model may legitimately omit.
type defaulter interface {
	applyDefaults()
}

func (o *FramingOutput) applyDefaults() {
	if o.Constraints == nil {
		o.Constraints = []string{}
	}
	if o.SuccessMetrics == nil {
		o.SuccessMetrics = []string{}
	}
}

func (o *ResearchOutput) applyDefaults() {
	if o.PriorArt == nil {
		o.PriorArt = []PriorArtEntry{}
	}
	if o.CrossDomainLeads == nil {
		o.CrossDomainLeads = []DomainLead{}
	}
}

func (o *ConceptsOutput) applyDefaults() {
	for i := range o.Concepts {
		if o.Concepts[i].Risks == nil {
			o.Concepts[i].Risks = []string{}
		}
	}
}

func (o *ReportOutput) applyDefaults() {
	if o.Recommendations == nil {
		o.Recommendations = []string{}
	}
}

// decodeInto unmarshals raw into out, validates it, and re-marshals the
// normalized value. Absent list fields become empty lists, so checkpointed
// outputs never carry null where a list is documented; absent required
// fields are a validation error that triggers a re-prompt.
func decodeInto[T any](raw json.RawMessage) (json.RawMessage, error) {
	var out T
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("decode output: %w", err)
	}
	if err := validate.Struct(&out); err != nil {
		return nil, fmt.Errorf("validate output: %w", err)
	}
	if d, ok := any(&out).(defaulter); ok {
		d.applyDefaults()
	}
	normalized, err := json.Marshal(out)
	if err != nil {
		return nil, fmt.Errorf("encode output: %w", err)
	}
	return normalized, nil
}

// DefaultPipeline returns the stages of an analysis run, in execution order.
func DefaultPipeline() []Stage {
	return []Stage{
		{
			Name:       "framing",
			CanClarify: true,
			Instructions: "Analyze the design challenge in the user input block. Identify the core " +
				"engineering contradiction, the hard constraints, and measurable success metrics. " +
				"If the challenge is too ambiguous to frame (no identifiable goal, or mutually " +
				"exclusive requirements with no stated priority), fill clarification_request with " +
				"one precise question instead of the other fields.",
			Tool: models.ToolSpec{
				Name:        "submit_framing",
				Description: "Submit the problem framing, or a clarification question.",
				InputSchema: map[string]any{
					"summary":         map[string]any{"type": "string", "description": "One-paragraph restatement of the problem"},
					"contradiction":   map[string]any{"type": "string", "description": "The core engineering contradiction"},
					"constraints":     map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
					"success_metrics": map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
					clarificationField: map[string]any{"type": "string",
						"description": "Only when the challenge cannot be framed: one question for the user"},
				},
			},
			Decode: decodeInto[FramingOutput],
		},
		{
			Name: "research",
			Instructions: "Using the framing in the data blocks, survey prior art and identify " +
				"cross-domain mechanisms from unrelated industries that address the contradiction. " +
				"Prefer specific, citable mechanisms over generic categories.",
			Tool: models.ToolSpec{
				Name:        "submit_research",
				Description: "Submit prior art findings and cross-domain leads.",
				InputSchema: map[string]any{
					"prior_art": map[string]any{"type": "array", "items": map[string]any{
						"type": "object",
						"properties": map[string]any{
							"domain":    map[string]any{"type": "string"},
							"mechanism": map[string]any{"type": "string"},
							"relevance": map[string]any{"type": "string"},
						},
						"required": []string{"domain", "mechanism"},
					}},
					"cross_domain_leads": map[string]any{"type": "array", "items": map[string]any{
						"type": "object",
						"properties": map[string]any{
							"source_domain": map[string]any{"type": "string"},
							"analogy":       map[string]any{"type": "string"},
						},
						"required": []string{"source_domain", "analogy"},
					}},
				},
			},
			Decode: decodeInto[ResearchOutput],
		},
		{
			Name: "concepts",
			Instructions: "Develop 6-10 solution concepts grounded in the framing and research data " +
				"blocks. For each concept name the specific mechanism, its source domain, a " +
				"feasibility grade, key risks, and the first validation test to run.",
			Tool: models.ToolSpec{
				Name:        "submit_concepts",
				Description: "Submit the solution concepts.",
				InputSchema: map[string]any{
					"concepts": map[string]any{"type": "array", "items": map[string]any{
						"type": "object",
						"properties": map[string]any{
							"name":          map[string]any{"type": "string"},
							"mechanism":     map[string]any{"type": "string"},
							"source_domain": map[string]any{"type": "string"},
							"feasibility":   map[string]any{"type": "string", "enum": []string{"high", "medium", "low"}},
							"risks":         map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
							"first_test":    map[string]any{"type": "string"},
						},
						"required": []string{"name", "mechanism", "feasibility"},
					}},
				},
				Required: []string{"concepts"},
			},
			Decode: decodeInto[ConceptsOutput],
		},
		{
			Name: "report",
			Instructions: "Assemble the final engineering research report from all prior stage data " +
				"blocks: problem analysis, solution concepts with feasibility and risks, " +
				"cross-domain opportunities, and top recommendations with a 90-day plan. Write the " +
				"report body in markdown. Be specific, cite real examples, acknowledge uncertainty.",
			Tool: models.ToolSpec{
				Name:        "submit_report",
				Description: "Submit the final report.",
				InputSchema: map[string]any{
					"title":           map[string]any{"type": "string"},
					"report":          map[string]any{"type": "string", "description": "Full report body, markdown"},
					"recommendations": map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
				},
				Required: []string{"title", "report"},
			},
			Decode: decodeInto[ReportOutput],
		},
	}
}
