package pipeline

import (
	"context"
	"fmt"
	"strings"

	"github.com/numismatch/numismatch/internal/domain"
)

// SummarizerStage assembles the final report strictly from the accumulated
// result. It performs no inference, so running it twice on the same result
// yields the same report. Sole producer of IsFinished=true.
type SummarizerStage struct{}

// NewSummarizerStage constructs the summarizer.
func NewSummarizerStage() *SummarizerStage { return &SummarizerStage{} }

// Name implements Stage.
func (s *SummarizerStage) Name() string { return "summarize" }

// Run implements Stage.
func (s *SummarizerStage) Run(ctx context.Context, res *Result) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	summary := buildSummary(res)
	report := &domain.AppraisalReport{
		IsFinished:            true,
		TriageVerdict:         res.TriageVerdict,
		Response:              buildResponse(res, summary),
		CoinDetails:           res.CoinDetails,
		HistoricalSalesData:   res.Sales,
		MarketStatistics:      res.Stats,
		IdentificationSummary: summary,
	}

	res.Report = report
	res.Response = report.Response
	res.IsFinished = true
	return nil
}

func buildSummary(res *Result) *domain.IdentificationSummary {
	summary := &domain.IdentificationSummary{
		OverallConfidence:   "high",
		PriceResearchStatus: res.ResearchStatus,
	}

	if res.CoinDetails == nil || res.CoinDetails.IsEmpty() {
		summary.OverallConfidence = "low"
		summary.CatalogStatus = "not identified"
	} else if len(res.CoinDetails.CatalogNumbers) > 0 {
		summary.CatalogStatus = "catalog reference found"
	} else {
		summary.CatalogStatus = "no catalog reference"
		summary.OverallConfidence = "medium"
	}

	if res.Validation != nil {
		summary.ValidationNotes = res.Validation.Notes
		summary.Issues = res.Validation.Issues
		switch {
		case res.Validation.NeedsRetry:
			// Should not happen at summarize time; treat as unresolved.
			summary.ValidationStatus = "unresolved"
			summary.OverallConfidence = "low"
		case len(res.Validation.Issues) > 0:
			summary.ValidationStatus = fmt.Sprintf("completed with issues after %d retries", res.RetryCount)
			summary.OverallConfidence = "low"
		default:
			summary.ValidationStatus = "passed"
			if res.Validation.Confidence == "low" && summary.OverallConfidence == "high" {
				summary.OverallConfidence = "medium"
			}
		}
	} else {
		summary.ValidationStatus = "not performed"
		summary.OverallConfidence = "low"
	}

	return summary
}

func buildResponse(res *Result, summary *domain.IdentificationSummary) string {
	var b strings.Builder

	if res.CoinDetails != nil && !res.CoinDetails.IsEmpty() {
		d := res.CoinDetails
		b.WriteString("Identified: ")
		b.WriteString(coinHeadline(d))
		b.WriteString(".")
		if len(d.CatalogNumbers) > 0 {
			c := d.CatalogNumbers[0]
			b.WriteString(fmt.Sprintf(" Catalog reference %s %s.", c.CatalogType, c.Number))
		}
	} else {
		b.WriteString("The coin could not be identified from the provided input.")
	}

	if res.Stats != nil && res.Stats.Available() {
		st := res.Stats
		b.WriteString(fmt.Sprintf(" Based on %d comparable sales: median %.2f %s, range %.2f-%.2f %s",
			st.TotalSales, st.Median, st.Currency, st.Min, st.Max, st.Currency))
		if st.Trend != "" && st.Trend != "unknown" {
			b.WriteString(fmt.Sprintf(", prices %s", st.Trend))
		}
		b.WriteString(".")
	} else {
		b.WriteString(" No market estimate is available")
		if res.ResearchStatus != "" {
			b.WriteString(" (")
			b.WriteString(res.ResearchStatus)
			b.WriteString(")")
		}
		b.WriteString(".")
	}

	if summary.OverallConfidence == "low" {
		b.WriteString(" Confidence in this appraisal is low; treat it as indicative only.")
	}

	return b.String()
}

func coinHeadline(d *domain.CoinDetails) string {
	var parts []string
	if d.Emperor != "" {
		parts = append(parts, d.Emperor)
	}
	if d.Denomination != "" {
		parts = append(parts, d.Denomination)
	}
	if d.Metal != "" {
		parts = append(parts, "("+d.Metal+")")
	}
	if len(parts) == 0 {
		parts = append(parts, "Roman coin, type uncertain")
	}
	if d.Period != "" {
		parts = append(parts, "of the "+d.Period+" period")
	}
	return strings.Join(parts, " ")
}
