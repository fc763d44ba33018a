// Package inference defines the contract with the model-inference
// collaborator and provides the Gemini HTTP implementation.
package inference

import (
	"context"
	"errors"
	"fmt"
)

// ErrInference marks a failed or timed-out model call. Stages wrap it so the
// orchestrator can classify failures with errors.Is.
var ErrInference = errors.New("inference failed")

// Request is one prompt-in call to the model.
type Request struct {
	// Model selects which configured model handles the call; empty means the
	// client's default.
	Model  string
	System string
	Prompt string
	// Image is optional raw image bytes; ImageMIME must be set with it.
	Image     []byte
	ImageMIME string
	// ForceJSON asks the model for a JSON response body.
	ForceJSON   bool
	Temperature float64
}

// Response carries the generated text.
type Response struct {
	Text string
}

// Client is implemented by model-inference backends. The pipeline only
// shapes prompts and parses structured output; it never implements the model.
type Client interface {
	Infer(ctx context.Context, req Request) (Response, error)
}

// Errorf wraps an underlying failure as an inference error.
func Errorf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInference, fmt.Sprintf(format, args...))
}
