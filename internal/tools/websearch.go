package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"
)

const maxWebResults = 8

// WebSearch queries a general web-search API for auction and dealer pages.
// Results carry no normalized price; the researcher model extracts sale data
// from the snippets.
type WebSearch struct {
	apiKey  string
	baseURL string
	client  *http.Client
}

// NewWebSearch constructs a web search provider.
func NewWebSearch(apiKey, baseURL string, timeout time.Duration) *WebSearch {
	if baseURL == "" {
		baseURL = "https://api.tavily.com"
	}
	if timeout <= 0 {
		timeout = 20 * time.Second
	}
	return &WebSearch{
		apiKey:  apiKey,
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: timeout},
	}
}

// NewWebSearchWithClient constructs a web search provider using the supplied
// HTTP client. Useful in tests.
func NewWebSearchWithClient(apiKey, baseURL string, client *http.Client) *WebSearch {
	w := NewWebSearch(apiKey, baseURL, 0)
	w.client = client
	return w
}

// Name implements Provider.
func (w *WebSearch) Name() string { return "websearch" }

// Search posts the query and maps title/url/snippet results onto listings.
func (w *WebSearch) Search(ctx context.Context, query string) ([]Listing, error) {
	if strings.TrimSpace(w.apiKey) == "" {
		return nil, Errorf(w.Name(), "API key is missing")
	}

	body := map[string]any{
		"query":   query,
		"api_key": w.apiKey,
		"depth":   "basic",
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, Errorf(w.Name(), "marshal request: %v", err)
	}

	var resp *http.Response
	delay := 1 * time.Second
	for {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.baseURL+"/search", bytes.NewReader(payload))
		if err != nil {
			return nil, Errorf(w.Name(), "build request: %v", err)
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err = w.client.Do(req)
		if err != nil {
			return nil, Errorf(w.Name(), "%v", err)
		}

		if resp.StatusCode != http.StatusTooManyRequests {
			break
		}
		_ = resp.Body.Close()

		// Back off and retry on 429, doubling the delay each time up to 30s.
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: %s: %w", ErrTool, w.Name(), ctx.Err())
		case <-time.After(delay):
		}
		if delay < 30*time.Second {
			delay *= 2
		}
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode != http.StatusOK {
		return nil, Errorf(w.Name(), "http %d", resp.StatusCode)
	}

	var response struct {
		Results []struct {
			Title   string `json:"title"`
			URL     string `json:"url"`
			Content string `json:"content"`
		} `json:"results"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&response); err != nil {
		return nil, Errorf(w.Name(), "decode response: %v", err)
	}

	listings := make([]Listing, 0, len(response.Results))
	for _, r := range response.Results {
		listings = append(listings, Listing{
			Title:  r.Title,
			Source: w.Name(),
			URL:    r.URL,
			Notes:  r.Content,
		})
		if len(listings) >= maxWebResults {
			break
		}
	}
	return listings, nil
}
