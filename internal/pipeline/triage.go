package pipeline

import (
	"context"
	"fmt"

	"github.com/numismatch/numismatch/internal/domain"
	"github.com/numismatch/numismatch/internal/inference"
)

// TriageStage decides whether the input is about a Roman coin at all.
// It is a fast, cheap, one-shot check: no re-prompting on failure.
type TriageStage struct {
	client inference.Client
	model  string
}

// NewTriageStage constructs the triage stage.
func NewTriageStage(client inference.Client, model string) *TriageStage {
	return &TriageStage{client: client, model: model}
}

// Name implements Stage.
func (s *TriageStage) Name() string { return "triage" }

type triageOutput struct {
	Verdict  string `json:"verdict"`
	Response string `json:"response"`
}

// Run sets the triage verdict on the result. Unparseable output or a failed
// model call surfaces as an error; the orchestrator does not retry triage.
func (s *TriageStage) Run(ctx context.Context, res *Result) error {
	resp, err := s.client.Infer(ctx, inference.Request{
		Model:     s.model,
		System:    triageSystemPrompt,
		Prompt:    buildTriagePrompt(res.Input),
		Image:     res.Input.Image,
		ImageMIME: res.Input.ImageMIME,
		ForceJSON: true,
	})
	if err != nil {
		return fmt.Errorf("triage: %w", err)
	}

	var out triageOutput
	if err := decodeJSON(resp.Text, &out); err != nil {
		return fmt.Errorf("%w: triage: %v", ErrStageOutput, err)
	}

	switch domain.TriageVerdict(out.Verdict) {
	case domain.VerdictCoinRelated:
		res.TriageVerdict = domain.VerdictCoinRelated
	case domain.VerdictNotCoinRelated:
		res.TriageVerdict = domain.VerdictNotCoinRelated
	case domain.VerdictAmbiguous:
		res.TriageVerdict = domain.VerdictAmbiguous
	default:
		return fmt.Errorf("%w: triage: unknown verdict %q", ErrStageOutput, out.Verdict)
	}
	res.Response = out.Response
	return nil
}
