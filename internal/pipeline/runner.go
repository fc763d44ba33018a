package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"reflect"
	"strings"

	"github.com/numismatch/numismatch/internal/inference"
)

// Stage is one unit of the pipeline: typically one model call plus parsing.
// It reads the result, performs its work, and replaces its owned fields
// wholesale. Stages never manage state transitions; the orchestrator does.
type Stage interface {
	Name() string
	Run(ctx context.Context, res *Result) error
}

// Runner executes LLM-backed stage calls that must yield structured output.
// Malformed output is re-prompted with the parse error appended, up to a
// fixed attempt budget.
type Runner struct {
	client   inference.Client
	attempts int
}

// NewRunner constructs a stage runner. attempts is the total number of model
// calls permitted per structured request (first try included).
func NewRunner(client inference.Client, attempts int) *Runner {
	if attempts < 1 {
		attempts = 1
	}
	return &Runner{client: client, attempts: attempts}
}

// InferStructured calls the model and decodes its reply into out. On a parse
// failure it re-prompts with the error attached; after the budget is spent it
// returns ErrStageOutput. Inference failures are returned as-is and are not
// re-prompted.
func (r *Runner) InferStructured(ctx context.Context, stage string, req inference.Request, out any) error {
	req.ForceJSON = true
	basePrompt := req.Prompt

	var lastErr error
	for attempt := 1; attempt <= r.attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		resp, err := r.client.Infer(ctx, req)
		if err != nil {
			return fmt.Errorf("%s: %w", stage, err)
		}

		if err := decodeJSON(resp.Text, out); err != nil {
			lastErr = err
			req.Prompt = basePrompt +
				"\n\nYour previous reply could not be parsed: " + err.Error() +
				"\nReturn only a valid JSON document matching the requested schema, with no surrounding text."
			continue
		}
		return nil
	}
	return fmt.Errorf("%w: %s after %d attempts: %v", ErrStageOutput, stage, r.attempts, lastErr)
}

// decodeJSON unmarshals model output into out, tolerating markdown fences
// and surrounding prose around the JSON document. Every candidate block is
// decoded into a fresh value and copied to out only on success, so a
// rejected reply cannot leave partially-decoded fields behind.
func decodeJSON(text string, out any) error {
	blocks := jsonBlocks(text)
	if len(blocks) == 0 {
		return fmt.Errorf("no JSON document found")
	}

	target := reflect.ValueOf(out).Elem()
	var lastErr error
	for _, raw := range blocks {
		fresh := reflect.New(target.Type())
		if err := json.Unmarshal([]byte(raw), fresh.Interface()); err != nil {
			lastErr = err
			continue
		}
		target.Set(fresh.Elem())
		return nil
	}
	return fmt.Errorf("unmarshal: %v", lastErr)
}

// jsonBlocks returns every balanced top-level {...} or [...] block in s, in
// order of appearance. Prose asides like "see [1]" yield blocks that simply
// fail to decode; the caller moves on to the next candidate.
func jsonBlocks(s string) []string {
	var blocks []string
	for i := 0; i < len(s); {
		rel := strings.IndexAny(s[i:], "{[")
		if rel < 0 {
			break
		}
		start := i + rel
		block := balancedBlockAt(s, start)
		if block == "" {
			i = start + 1
			continue
		}
		blocks = append(blocks, block)
		i = start + len(block)
	}
	return blocks
}

// balancedBlockAt returns the balanced JSON block opening at s[start], or ""
// when it never closes.
func balancedBlockAt(s string, start int) string {
	open := s[start]
	closing := byte('}')
	if open == '[' {
		closing = ']'
	}
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(s); i++ {
		c := s[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case open:
			depth++
		case closing:
			depth--
			if depth == 0 {
				return s[start : i+1]
			}
		}
	}
	return ""
}
