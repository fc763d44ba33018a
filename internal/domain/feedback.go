package domain

import (
	"errors"
	"time"
)

// ErrInvalidFeedback is returned when a feedback payload fails validation.
var ErrInvalidFeedback = errors.New("invalid feedback")

// Feedback is a user rating of a completed appraisal.
type Feedback struct {
	InvocationID string    `json:"invocation_id"`
	UserID       string    `json:"user_id,omitempty"`
	Score        float64   `json:"score"`
	Text         string    `json:"text,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

// Validate checks required fields and the score range.
func (f Feedback) Validate() error {
	if f.InvocationID == "" {
		return errors.Join(ErrInvalidFeedback, errors.New("invocation_id is required"))
	}
	if f.Score < 0 || f.Score > 5 {
		return errors.Join(ErrInvalidFeedback, errors.New("score must be between 0 and 5"))
	}
	return nil
}
