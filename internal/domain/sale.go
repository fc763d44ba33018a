package domain

// HistoricalSale is a single comparable sale record gathered by price research.
type HistoricalSale struct {
	No        int     `json:"no"`
	Source    string  `json:"source"`
	Price     float64 `json:"price"`
	Currency  string  `json:"currency"`
	Date      string  `json:"date"`
	Condition string  `json:"condition,omitempty"`
	// Denomination as stated by the sale listing; statistics only consider
	// sales whose denomination matches the identified coin.
	Denomination string `json:"denomination,omitempty"`
	Link         string `json:"link,omitempty"`
	ImageURL     string `json:"image_url,omitempty"`
	Notes        string `json:"notes,omitempty"`
}

// MarketStatistics summarizes comparable sales. Values are derived only from
// sales sharing the coin's denomination and condition bucket; a zero
// TotalSales means statistics are unavailable.
type MarketStatistics struct {
	TotalSales int     `json:"total_sales"`
	Currency   string  `json:"currency,omitempty"`
	Min        float64 `json:"min,omitempty"`
	Max        float64 `json:"max,omitempty"`
	Median     float64 `json:"median,omitempty"`
	// Average excludes outlier prices; the raw sale list keeps them.
	Average float64 `json:"average,omitempty"`
	Trend   string  `json:"trend,omitempty"` // rising | falling | stable
}

// Available reports whether enough comparable sales existed to compute
// statistics.
func (m MarketStatistics) Available() bool {
	return m.TotalSales > 0
}
