package domain

// TriageVerdict classifies the input before the pipeline runs.
type TriageVerdict string

const (
	// VerdictCoinRelated means the input describes a Roman coin and the full
	// pipeline should run.
	VerdictCoinRelated TriageVerdict = "coin_related"
	// VerdictNotCoinRelated means the input is out of domain.
	VerdictNotCoinRelated TriageVerdict = "not_coin_related"
	// VerdictAmbiguous means triage could not decide; treated as rejection
	// with an explanatory message asking for more detail.
	VerdictAmbiguous TriageVerdict = "ambiguous"
)

// ValidationNotes carries the validator's cross-check outcome.
type ValidationNotes struct {
	NeedsRetry bool `json:"needs_retry"`
	// RetryStages names the upstream stages to re-run (identify, research).
	RetryStages []string `json:"retry_stages,omitempty"`
	Confidence  string   `json:"confidence,omitempty"` // high | medium | low
	Issues      []string `json:"issues,omitempty"`
	Notes       []string `json:"notes,omitempty"`
}

// IdentificationSummary describes how the identification went and how much
// to trust it.
type IdentificationSummary struct {
	OverallConfidence   string   `json:"overall_confidence"`
	CatalogStatus       string   `json:"catalog_status,omitempty"`
	PriceResearchStatus string   `json:"price_research_status,omitempty"`
	ValidationStatus    string   `json:"validation_status,omitempty"`
	ValidationNotes     []string `json:"validation_notes,omitempty"`
	Issues              []string `json:"issues,omitempty"`
}

// AppraisalReport is the final user-facing output of the pipeline.
// IsFinished is the only terminal signal; callers must not read other fields
// until it is true.
type AppraisalReport struct {
	IsFinished            bool                   `json:"is_finished"`
	TriageVerdict         TriageVerdict          `json:"triage_verdict,omitempty"`
	Response              string                 `json:"response,omitempty"`
	CoinDetails           *CoinDetails           `json:"coin_details,omitempty"`
	HistoricalSalesData   []HistoricalSale       `json:"historical_sales_data,omitempty"`
	MarketStatistics      *MarketStatistics      `json:"market_statistics,omitempty"`
	IdentificationSummary *IdentificationSummary `json:"identification_summary,omitempty"`
}
