package pipeline

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/numismatch/numismatch/internal/inference"
)

// sequenceClient replays replies in order regardless of prompt.
type sequenceClient struct {
	mu      sync.Mutex
	replies []string
	err     error
	prompts []string
}

func (c *sequenceClient) Infer(_ context.Context, req inference.Request) (inference.Response, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.prompts = append(c.prompts, req.Prompt)
	if c.err != nil {
		return inference.Response{}, c.err
	}
	if len(c.replies) == 0 {
		return inference.Response{}, inference.Errorf("out of replies")
	}
	reply := c.replies[0]
	c.replies = c.replies[1:]
	return inference.Response{Text: reply}, nil
}

func TestInferStructuredRecoversFromMalformedOutput(t *testing.T) {
	t.Parallel()

	client := &sequenceClient{replies: []string{
		"sorry, I cannot do JSON today",
		"```json\n{\"verdict\": \"coin_related\"}\n```",
	}}
	runner := NewRunner(client, 2)

	var out struct {
		Verdict string `json:"verdict"`
	}
	err := runner.InferStructured(context.Background(), "triage", inference.Request{Prompt: "classify"}, &out)
	if err != nil {
		t.Fatalf("InferStructured failed: %v", err)
	}
	if out.Verdict != "coin_related" {
		t.Fatalf("unexpected decode: %+v", out)
	}
	if len(client.prompts) != 2 {
		t.Fatalf("expected 2 calls, got %d", len(client.prompts))
	}
	if !strings.Contains(client.prompts[1], "could not be parsed") {
		t.Fatalf("re-prompt must carry the parse error, got %q", client.prompts[1])
	}
}

func TestInferStructuredExhaustsBudget(t *testing.T) {
	t.Parallel()

	client := &sequenceClient{replies: []string{"junk", "more junk", "still junk"}}
	runner := NewRunner(client, 3)

	var out map[string]any
	err := runner.InferStructured(context.Background(), "identify", inference.Request{Prompt: "identify"}, &out)
	if !errors.Is(err, ErrStageOutput) {
		t.Fatalf("expected ErrStageOutput, got %v", err)
	}
	if len(client.prompts) != 3 {
		t.Fatalf("expected 3 attempts, got %d", len(client.prompts))
	}
}

func TestInferStructuredDoesNotRepromptInferenceErrors(t *testing.T) {
	t.Parallel()

	client := &sequenceClient{err: inference.Errorf("model timed out")}
	runner := NewRunner(client, 3)

	var out map[string]any
	err := runner.InferStructured(context.Background(), "identify", inference.Request{Prompt: "identify"}, &out)
	if !errors.Is(err, inference.ErrInference) {
		t.Fatalf("expected ErrInference, got %v", err)
	}
	if len(client.prompts) != 1 {
		t.Fatalf("inference errors must not be re-prompted, got %d calls", len(client.prompts))
	}
}

func TestInferStructuredDiscardsRejectedAttemptFields(t *testing.T) {
	t.Parallel()

	// The first reply fails to decode midway; nothing from it may survive
	// into the accepted second attempt.
	client := &sequenceClient{replies: []string{
		`{"emperor": "Nero", "denomination": 5}`,
		`{"denomination": "Denarius"}`,
	}}
	runner := NewRunner(client, 2)

	var out struct {
		Emperor      string `json:"emperor"`
		Denomination string `json:"denomination"`
	}
	err := runner.InferStructured(context.Background(), "identify", inference.Request{Prompt: "identify"}, &out)
	if err != nil {
		t.Fatalf("InferStructured failed: %v", err)
	}
	if len(client.prompts) != 2 {
		t.Fatalf("expected 2 calls, got %d", len(client.prompts))
	}
	if out.Emperor != "" {
		t.Fatalf("emperor %q carried over from a rejected attempt", out.Emperor)
	}
	if out.Denomination != "Denarius" {
		t.Fatalf("unexpected decode: %+v", out)
	}
}

func TestInferStructuredSkipsBracketedAsides(t *testing.T) {
	t.Parallel()

	client := &sequenceClient{replies: []string{
		`See [1]: {"verdict": "coin_related"}`,
	}}
	runner := NewRunner(client, 2)

	var out struct {
		Verdict string `json:"verdict"`
	}
	err := runner.InferStructured(context.Background(), "triage", inference.Request{Prompt: "classify"}, &out)
	if err != nil {
		t.Fatalf("InferStructured failed: %v", err)
	}
	if out.Verdict != "coin_related" {
		t.Fatalf("unexpected decode: %+v", out)
	}
	if len(client.prompts) != 1 {
		t.Fatalf("a prose aside must not burn an attempt, got %d calls", len(client.prompts))
	}
}

func TestJSONBlocksHandlesProseAndNesting(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		in   string
		want []string
	}{
		{"plain", `{"a": 1}`, []string{`{"a": 1}`}},
		{"fenced", "```json\n{\"a\": 1}\n```", []string{`{"a": 1}`}},
		{"prose", `Here you go: {"a": {"b": "}"}} enjoy`, []string{`{"a": {"b": "}"}}`}},
		{"array", `results: [{"a": 1}, {"b": 2}]`, []string{`[{"a": 1}, {"b": 2}]`}},
		{"aside then object", `See [1]: {"a": 1}`, []string{`[1]`, `{"a": 1}`}},
		{"unclosed", `{"a": 1`, nil},
		{"none", "no structure here", nil},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got := jsonBlocks(tc.in)
			if len(got) != len(tc.want) {
				t.Fatalf("jsonBlocks(%q) = %q, want %q", tc.in, got, tc.want)
			}
			for i := range got {
				if got[i] != tc.want[i] {
					t.Fatalf("jsonBlocks(%q)[%d] = %q, want %q", tc.in, i, got[i], tc.want[i])
				}
			}
		})
	}
}
