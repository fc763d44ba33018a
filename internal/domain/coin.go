// Package domain contains core domain types for the Numismatch application.
package domain

// Inscriptions holds the legends on the obverse and reverse of a coin.
// "Not fully legible" is used when a legend cannot be read.
type Inscriptions struct {
	Obverse string `json:"obverse,omitempty"`
	Reverse string `json:"reverse,omitempty"`
}

// CatalogNumber is a catalog reference for a coin (RIC, RSC, Sear, Cohen, BMCRE).
type CatalogNumber struct {
	CatalogType string `json:"catalog_type"`
	Number      string `json:"number"`
	Source      string `json:"source,omitempty"`
}

// CoinDetails describes an identified coin. Fields the identifier could not
// establish stay empty rather than guessed.
type CoinDetails struct {
	Emperor        string          `json:"emperor,omitempty"`
	Denomination   string          `json:"denomination,omitempty"`
	Metal          string          `json:"metal,omitempty"`
	Period         string          `json:"period,omitempty"`
	Mint           string          `json:"mint,omitempty"`
	DiameterMM     float64         `json:"diameter_mm,omitempty"`
	WeightG        float64         `json:"weight_g,omitempty"`
	Condition      string          `json:"condition,omitempty"`
	Inscriptions   Inscriptions    `json:"inscriptions,omitempty"`
	CatalogNumbers []CatalogNumber `json:"catalog_numbers,omitempty"`
	// Confidence maps a field name (emperor, denomination, ...) to
	// high/medium/low as reported by the identifier.
	Confidence map[string]string `json:"confidence,omitempty"`
}

// IsEmpty reports whether no identification fields were filled at all.
func (c CoinDetails) IsEmpty() bool {
	return c.Emperor == "" && c.Denomination == "" && c.Metal == "" &&
		c.Period == "" && c.Mint == "" && len(c.CatalogNumbers) == 0
}
