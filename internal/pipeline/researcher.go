package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/numismatch/numismatch/internal/domain"
	"github.com/numismatch/numismatch/internal/inference"
	"github.com/numismatch/numismatch/internal/tools"
)

// ResearcherStage gathers comparable sales via external lookup tools and
// derives market statistics. Tool failures are non-fatal: the stage degrades
// to whatever data it could gather, and an empty result set is a valid
// outcome.
type ResearcherStage struct {
	runner      *Runner
	model       string
	providers   []tools.Provider
	callTimeout time.Duration
	logger      *slog.Logger
}

// NewResearcherStage constructs the price-research stage.
func NewResearcherStage(runner *Runner, model string, providers []tools.Provider, callTimeout time.Duration, logger *slog.Logger) *ResearcherStage {
	if callTimeout <= 0 {
		callTimeout = 20 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &ResearcherStage{
		runner:      runner,
		model:       model,
		providers:   providers,
		callTimeout: callTimeout,
		logger:      logger,
	}
}

// Name implements Stage.
func (s *ResearcherStage) Name() string { return "research" }

// Run overwrites res.Sales and res.Stats wholesale and records a research
// status note for the summary. It only returns an error when the context is
// done; everything else degrades.
func (s *ResearcherStage) Run(ctx context.Context, res *Result) error {
	res.Sales = nil
	res.Stats = nil

	if res.CoinDetails == nil || res.CoinDetails.IsEmpty() {
		res.ResearchStatus = "skipped: no identification to research"
		return nil
	}
	details := *res.CoinDetails

	listings := s.fanOut(ctx, buildSalesQuery(details))
	if err := ctx.Err(); err != nil {
		return err
	}
	if len(listings) == 0 {
		res.ResearchStatus = "no sales data: all lookup tools failed or returned nothing"
		return nil
	}

	sales, err := s.normalize(ctx, details, listings)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		// Normalization model unavailable: fall back to the listings that
		// already carry explicit prices.
		s.logger.Warn("sales normalization failed, using raw listings", "error", err)
		sales = fallbackSales(listings)
		res.ResearchStatus = fmt.Sprintf("degraded: %d raw listings parsed without model normalization", len(sales))
	} else {
		res.ResearchStatus = fmt.Sprintf("%d comparable sales found", len(sales))
	}

	for i := range sales {
		sales[i].No = i + 1
	}
	res.Sales = sales

	stats := ComputeStatistics(details, sales)
	if stats.Available() {
		res.Stats = &stats
	} else if len(sales) > 0 {
		res.ResearchStatus += "; statistics unavailable (no bucket-compatible sales)"
	}
	return nil
}

// fanOut queries all providers in parallel with a per-call timeout and merges
// their listings. Failed providers are logged and skipped.
func (s *ResearcherStage) fanOut(ctx context.Context, query string) []tools.Listing {
	type outcome struct {
		provider string
		listings []tools.Listing
		err      error
	}

	ch := make(chan outcome, len(s.providers))
	for _, p := range s.providers {
		go func(p tools.Provider) {
			callCtx, cancel := context.WithTimeout(ctx, s.callTimeout)
			defer cancel()
			listings, err := p.Search(callCtx, query)
			ch <- outcome{provider: p.Name(), listings: listings, err: err}
		}(p)
	}

	var merged []tools.Listing
	for range s.providers {
		select {
		case <-ctx.Done():
			// Caller cancelled: abandon in-flight calls rather than await them.
			return merged
		case out := <-ch:
			if out.err != nil {
				s.logger.Warn("lookup tool failed", "provider", out.provider, "error", out.err)
				continue
			}
			merged = append(merged, out.listings...)
		}
	}
	return merged
}

// normalize turns raw listings into comparable sale records via the model.
func (s *ResearcherStage) normalize(ctx context.Context, details domain.CoinDetails, listings []tools.Listing) ([]domain.HistoricalSale, error) {
	var sales []domain.HistoricalSale
	err := s.runner.InferStructured(ctx, s.Name(), inference.Request{
		Model:       s.model,
		System:      researcherSystemPrompt,
		Prompt:      buildResearcherPrompt(details, listings),
		Temperature: 0.15,
	}, &sales)
	if err != nil {
		return nil, err
	}

	// Drop records without a usable price; the model was told not to invent.
	kept := sales[:0]
	for _, sale := range sales {
		if sale.Price > 0 && sale.Currency != "" {
			kept = append(kept, sale)
		}
	}
	return kept, nil
}

// buildSalesQuery composes the lookup query from the identification,
// preferring catalog references when present.
func buildSalesQuery(d domain.CoinDetails) string {
	var parts []string
	for _, c := range d.CatalogNumbers {
		parts = append(parts, c.CatalogType+" "+c.Number)
		break
	}
	if d.Emperor != "" {
		parts = append(parts, d.Emperor)
	}
	if d.Denomination != "" {
		parts = append(parts, d.Denomination)
	}
	parts = append(parts, "auction sold prices")
	return strings.Join(parts, " ")
}

var priceRe = regexp.MustCompile(`([$€£])\s*([0-9][0-9.,]*)|([0-9][0-9.,]*)\s*(USD|EUR|GBP|CHF)`)

// fallbackSales extracts sales deterministically from listings carrying an
// explicit price string. Used only when the normalization model fails.
func fallbackSales(listings []tools.Listing) []domain.HistoricalSale {
	var sales []domain.HistoricalSale
	for _, l := range listings {
		amount, currency, ok := parsePrice(l.Price)
		if !ok {
			continue
		}
		sales = append(sales, domain.HistoricalSale{
			Source:    l.Source,
			Price:     amount,
			Currency:  currency,
			Date:      l.Date,
			Condition: l.Condition,
			Link:      l.URL,
			ImageURL:  l.ImageURL,
			Notes:     l.Notes,
		})
	}
	return sales
}

// parsePrice reads strings like "$450", "€1,200.50" or "320 EUR".
func parsePrice(s string) (float64, string, bool) {
	m := priceRe.FindStringSubmatch(strings.TrimSpace(s))
	if m == nil {
		return 0, "", false
	}
	var raw, currency string
	if m[1] != "" {
		raw = m[2]
		switch m[1] {
		case "$":
			currency = "USD"
		case "€":
			currency = "EUR"
		case "£":
			currency = "GBP"
		}
	} else {
		raw = m[3]
		currency = m[4]
	}
	raw = strings.ReplaceAll(raw, ",", "")
	amount, err := strconv.ParseFloat(raw, 64)
	if err != nil || amount <= 0 {
		return 0, "", false
	}
	return amount, currency, true
}
