// Package tools wraps external price-lookup services into a uniform
// call/response shape consumable by the price-research stage.
package tools

import (
	"context"
	"errors"
	"fmt"
)

// ErrTool marks a failed external lookup. Tool failures are non-fatal to the
// pipeline; the researcher degrades to partial results.
var ErrTool = errors.New("tool failed")

// Listing is one comparable-sale candidate returned by a provider. Price and
// Date are raw strings as found; the researcher stage normalizes them.
type Listing struct {
	Title     string `json:"title,omitempty"`
	Source    string `json:"source"`
	URL       string `json:"url,omitempty"`
	Price     string `json:"price,omitempty"`
	Date      string `json:"date,omitempty"`
	Condition string `json:"condition,omitempty"`
	ImageURL  string `json:"image_url,omitempty"`
	Notes     string `json:"notes,omitempty"`
}

// Provider executes a sales-history query against one external service.
type Provider interface {
	Name() string
	Search(ctx context.Context, query string) ([]Listing, error)
}

// Errorf wraps an underlying failure as a tool error.
func Errorf(provider, format string, args ...any) error {
	return fmt.Errorf("%w: %s: %s", ErrTool, provider, fmt.Sprintf(format, args...))
}
