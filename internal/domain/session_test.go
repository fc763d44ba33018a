package domain

import (
	"errors"
	"testing"
)

func TestRecentTurns(t *testing.T) {
	t.Parallel()

	var s Session
	for _, content := range []string{"a", "b", "c", "d"} {
		s.AppendTurn("user", content, "inv-1")
	}

	if got := s.RecentTurns(2); len(got) != 2 || got[0].Content != "c" || got[1].Content != "d" {
		t.Fatalf("unexpected recent turns: %+v", got)
	}
	if got := s.RecentTurns(10); len(got) != 4 {
		t.Fatalf("expected all turns, got %d", len(got))
	}
	var empty Session
	if got := empty.RecentTurns(3); len(got) != 0 {
		t.Fatalf("expected no turns, got %d", len(got))
	}
}

func TestFeedbackValidate(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name    string
		fb      Feedback
		wantErr bool
	}{
		{"valid", Feedback{InvocationID: "inv-1", Score: 5}, false},
		{"zero score", Feedback{InvocationID: "inv-1", Score: 0}, false},
		{"missing invocation", Feedback{Score: 3}, true},
		{"score too high", Feedback{InvocationID: "inv-1", Score: 6}, true},
		{"negative score", Feedback{InvocationID: "inv-1", Score: -1}, true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			err := tc.fb.Validate()
			if tc.wantErr && !errors.Is(err, ErrInvalidFeedback) {
				t.Fatalf("expected ErrInvalidFeedback, got %v", err)
			}
			if !tc.wantErr && err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
		})
	}
}
