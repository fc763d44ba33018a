// Package agent exposes the coin appraisal pipeline over HTTP and
// WebSocket, and owns session bookkeeping around each invocation.
package agent

import (
	"github.com/numismatch/numismatch/internal/domain"
)

// AppraiseRequest is the inbound appraisal request body. The image, when
// present, is base64-encoded; user and session identity come from the
// request context, not the body.
type AppraiseRequest struct {
	Message     string `json:"message"`
	ImageBase64 string `json:"image,omitempty"`
	ImageMIME   string `json:"image_mime,omitempty"`
}

// StageEvent is streamed to the client as the pipeline advances.
type StageEvent struct {
	InvocationID string `json:"invocation_id"`
	Stage        string `json:"stage"`
}

// ReportEvent is the terminal stream payload carrying the finished report.
type ReportEvent struct {
	InvocationID string                  `json:"invocation_id"`
	SessionID    string                  `json:"session_id"`
	Report       *domain.AppraisalReport `json:"output"`
}

// FeedbackRequest is the inbound feedback body.
type FeedbackRequest struct {
	InvocationID string  `json:"invocation_id"`
	Score        float64 `json:"score"`
	Text         string  `json:"text,omitempty"`
}

// SessionSummary is one entry of the session history listing.
type SessionSummary struct {
	SessionID string        `json:"session_id"`
	Turns     []domain.Turn `json:"turns"`
	UpdatedAt string        `json:"updated_at"`
}
