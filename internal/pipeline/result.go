// Package pipeline implements the appraisal pipeline: a fixed chain of
// LLM-backed stages (triage, identify, research, validate, summarize)
// passing one accumulating result record, with a bounded validation
// retry loop.
package pipeline

import (
	"github.com/numismatch/numismatch/internal/domain"
)

// Input is the raw user request handed to the pipeline.
type Input struct {
	Message   string
	Image     []byte
	ImageMIME string
	History   []domain.Turn
}

// Result is the shared record passed through every stage. Each stage
// replaces its owned fields wholesale; nothing here is final until
// IsFinished is true.
type Result struct {
	InvocationID string
	Input        Input

	IsFinished    bool
	TriageVerdict domain.TriageVerdict
	// Response is the user-facing message for rejections and failures.
	Response string

	CoinDetails *domain.CoinDetails
	Sales       []domain.HistoricalSale
	Stats       *domain.MarketStatistics
	Validation  *domain.ValidationNotes

	// RetryCount is incremented each time validation forces a re-run.
	RetryCount int

	// ResearchStatus describes how price research went (for the summary).
	ResearchStatus string

	// Report is produced by the summarizer; the only terminal output.
	Report *domain.AppraisalReport
}

// NewResult creates an empty result for one request.
func NewResult(invocationID string, in Input) *Result {
	return &Result{InvocationID: invocationID, Input: in}
}
