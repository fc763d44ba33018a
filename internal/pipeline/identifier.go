package pipeline

import (
	"context"

	"github.com/numismatch/numismatch/internal/domain"
	"github.com/numismatch/numismatch/internal/inference"
)

// IdentifierStage produces CoinDetails from the user input, with per-field
// confidence. Unset fields stay empty rather than guessed.
type IdentifierStage struct {
	runner *Runner
	model  string
}

// NewIdentifierStage constructs the identifier stage.
func NewIdentifierStage(runner *Runner, model string) *IdentifierStage {
	return &IdentifierStage{runner: runner, model: model}
}

// Name implements Stage.
func (s *IdentifierStage) Name() string { return "identify" }

// Run overwrites res.CoinDetails wholesale. Malformed output is re-prompted
// within the runner's budget before surfacing ErrStageOutput.
func (s *IdentifierStage) Run(ctx context.Context, res *Result) error {
	var details domain.CoinDetails
	err := s.runner.InferStructured(ctx, s.Name(), inference.Request{
		Model:     s.model,
		System:    identifierSystemPrompt,
		Prompt:    buildIdentifierPrompt(res),
		Image:     res.Input.Image,
		ImageMIME: res.Input.ImageMIME,
	}, &details)
	if err != nil {
		return err
	}

	res.CoinDetails = &details
	return nil
}
