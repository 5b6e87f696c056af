package services

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"medstudy/internal/logger"
)

// DeepLearnPhase is one fixed step of the mechanism-tracing flow.
type DeepLearnPhase struct {
	Name     string
	template string
}

// DeepLearnPhases run strictly in this order.
var DeepLearnPhases = []DeepLearnPhase{
	{
		Name: "overview",
		template: `Give a high-yield overview of %q for a medical student.
Respond with strict JSON only: {"title":"","summary":"","keyPoints":[""],"prerequisites":[""]}`,
	},
	{
		Name: "mechanism",
		template: `Trace the mechanism of %q step by step from cause to effect.
Respond with strict JSON only: {"steps":[{"order":1,"event":"","detail":""}],"keyMolecules":[""]}`,
	},
	{
		Name: "clinical",
		template: `Connect the mechanism of %q to its clinical presentation, diagnosis and treatment.
Respond with strict JSON only: {"presentation":[""],"diagnosis":[""],"treatment":[{"drug":"","mechanism":""}],"pearls":[""]}`,
	},
	{
		Name: "compare",
		template: `Compare %q with the conditions or concepts it is most often confused with.
Respond with strict JSON only: {"comparisons":[{"name":"","similarities":[""],"differences":[""]}]}`,
	},
	{
		Name: "practice",
		template: `Write three clinical-vignette practice questions testing the mechanism of %q.
Respond with strict JSON only: {"questions":[{"stem":"","choices":{"A":"","B":"","C":"","D":""},"correct":"A","explanation":""}]}`,
	},
	{
		Name: "recall",
		template: `Write active-recall prompts that consolidate %q.
Respond with strict JSON only: {"cards":[{"prompt":"","answer":""}]}`,
	},
}

// DeepLearnResult is the output of one phase. Generated is false when the
// call failed or its response held no parseable JSON; Content is then {}.
type DeepLearnResult struct {
	Index     int             `json:"index"`
	Phase     string          `json:"phase"`
	Content   json.RawMessage `json:"content"`
	Generated bool            `json:"generated"`
}

// DeepLearnService drives the six deep-learn phases one after another.
type DeepLearnService struct {
	llm Completer
	log *logger.Logger
}

func NewDeepLearnService(llm Completer, log *logger.Logger) *DeepLearnService {
	if log == nil {
		log = logger.Nop()
	}
	return &DeepLearnService{llm: llm, log: log}
}

// Run generates every phase for topic in order. onPhase, if set, receives each
// result as soon as it is ready. Only missing credentials or cancellation
// stop the run.
func (s *DeepLearnService) Run(ctx context.Context, topic string, onPhase func(DeepLearnResult)) ([]DeepLearnResult, error) {
	topic = strings.TrimSpace(topic)
	if topic == "" {
		return nil, fmt.Errorf("topic is required")
	}
	if err := requireCompleter(s.llm); err != nil {
		return nil, err
	}

	results := make([]DeepLearnResult, 0, len(DeepLearnPhases))
	for i, phase := range DeepLearnPhases {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		result := DeepLearnResult{Index: i + 1, Phase: phase.Name, Content: json.RawMessage(`{}`)}

		out, err := s.llm.Complete(ctx, Prompt{
			System:      "You are a physiology and pathology tutor who explains mechanisms precisely.",
			User:        fmt.Sprintf(phase.template, topic),
			MaxTokens:   4096,
			Temperature: 0.4,
		})
		if err != nil {
			s.log.Warn("deep learn phase failed", "phase", phase.Name, "error", err)
		} else if raw, err := ExtractJSON(out); err != nil {
			s.log.Warn("deep learn phase not parseable", "phase", phase.Name, "error", err)
		} else {
			result.Content = raw
			result.Generated = true
		}

		results = append(results, result)
		if onPhase != nil {
			onPhase(result)
		}
	}
	return results, nil
}
