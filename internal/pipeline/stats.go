package pipeline

import (
	"sort"
	"strings"
	"time"

	"github.com/numismatch/numismatch/internal/domain"
)

// conditionRank orders grading terms coarsely so sales one bucket apart still
// count as comparable. Unknown grades rank -1 and only match other unknowns.
var conditionRank = map[string]int{
	"poor":            0,
	"fair":            0,
	"good":            1,
	"g":               1,
	"very good":       2,
	"vg":              2,
	"fine":            3,
	"f":               3,
	"very fine":       4,
	"vf":              4,
	"extremely fine":  5,
	"ef":              5,
	"xf":              5,
	"about uncirc":    6,
	"au":              6,
	"uncirculated":    7,
	"unc":             7,
	"mint state":      7,
	"ms":              7,
	"fdc":             7,
	"fleur de coin":   7,
	"choice":          7,
	"gem":             7,
	"proof":           7,
	"near mint state": 7,
}

func rankCondition(s string) int {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return -1
	}
	if r, ok := conditionRank[s]; ok {
		return r
	}
	for term, r := range conditionRank {
		if strings.Contains(s, term) {
			return r
		}
	}
	return -1
}

func sameDenomination(a, b string) bool {
	a = strings.ToLower(strings.TrimSpace(a))
	b = strings.ToLower(strings.TrimSpace(b))
	if a == "" || b == "" {
		return false
	}
	return a == b || strings.Contains(a, b) || strings.Contains(b, a)
}

// ComputeStatistics derives market statistics from sales comparable to the
// identified coin. A sale is comparable when its denomination matches, its
// condition is within one grade bucket of the coin's (unknown matches
// unknown), and it is priced in the dominant currency of the comparable set.
// Outliers above 4x or below a quarter of the median are excluded from the
// average only.
func ComputeStatistics(details domain.CoinDetails, sales []domain.HistoricalSale) domain.MarketStatistics {
	coinRank := rankCondition(details.Condition)

	var comparable []domain.HistoricalSale
	for _, sale := range sales {
		if sale.Price <= 0 || sale.Currency == "" {
			continue
		}
		if details.Denomination != "" && sale.Denomination != "" && !sameDenomination(details.Denomination, sale.Denomination) {
			continue
		}
		saleRank := rankCondition(sale.Condition)
		if coinRank >= 0 && saleRank >= 0 && abs(coinRank-saleRank) > 1 {
			continue
		}
		comparable = append(comparable, sale)
	}
	if len(comparable) == 0 {
		return domain.MarketStatistics{}
	}

	currency := dominantCurrency(comparable)
	var kept []domain.HistoricalSale
	for _, sale := range comparable {
		if sale.Currency == currency {
			kept = append(kept, sale)
		}
	}

	prices := make([]float64, len(kept))
	for i, sale := range kept {
		prices[i] = sale.Price
	}
	sort.Float64s(prices)

	med := median(prices)
	var sum float64
	var counted int
	for _, p := range prices {
		if med > 0 && (p > 4*med || p < med/4) {
			continue
		}
		sum += p
		counted++
	}
	avg := 0.0
	if counted > 0 {
		avg = sum / float64(counted)
	}

	return domain.MarketStatistics{
		TotalSales: len(kept),
		Currency:   currency,
		Min:        prices[0],
		Max:        prices[len(prices)-1],
		Median:     med,
		Average:    avg,
		Trend:      priceTrend(kept),
	}
}

func dominantCurrency(sales []domain.HistoricalSale) string {
	counts := map[string]int{}
	for _, sale := range sales {
		counts[sale.Currency]++
	}
	best, bestN := "", 0
	for c, n := range counts {
		if n > bestN || (n == bestN && c < best) {
			best, bestN = c, n
		}
	}
	return best
}

func median(sorted []float64) float64 {
	n := len(sorted)
	if n == 0 {
		return 0
	}
	if n%2 == 1 {
		return sorted[n/2]
	}
	return (sorted[n/2-1] + sorted[n/2]) / 2
}

// priceTrend splits dated sales into older and newer halves and compares
// median prices. Fewer than four dated sales is not enough signal.
func priceTrend(sales []domain.HistoricalSale) string {
	type dated struct {
		when  time.Time
		price float64
	}
	var ds []dated
	for _, sale := range sales {
		t, ok := parseSaleDate(sale.Date)
		if !ok {
			continue
		}
		ds = append(ds, dated{when: t, price: sale.Price})
	}
	if len(ds) < 4 {
		return "unknown"
	}
	sort.Slice(ds, func(i, j int) bool { return ds[i].when.Before(ds[j].when) })

	half := len(ds) / 2
	older := make([]float64, 0, half)
	newer := make([]float64, 0, len(ds)-half)
	for i, d := range ds {
		if i < half {
			older = append(older, d.price)
		} else {
			newer = append(newer, d.price)
		}
	}
	sort.Float64s(older)
	sort.Float64s(newer)

	mo, mn := median(older), median(newer)
	if mo == 0 {
		return "unknown"
	}
	switch {
	case mn > mo*1.1:
		return "rising"
	case mn < mo*0.9:
		return "falling"
	default:
		return "stable"
	}
}

var saleDateLayouts = []string{
	"2006-01-02",
	"2006-01",
	"2006",
	"January 2006",
	"Jan 2006",
	"January 2, 2006",
	"Jan 2, 2006",
	"02 Jan 2006",
	"2 January 2006",
}

func parseSaleDate(s string) (time.Time, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, false
	}
	for _, layout := range saleDateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

func abs(n int) int {
	if n < 0 {
		return -n
	}
	return n
}
