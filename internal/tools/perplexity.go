package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"
)

const perplexitySystemPrompt = "You are a specialized search assistant for Roman coin price research. " +
	"Find auction results, dealer listings, and historical sales data. " +
	"Respond with a JSON array of objects with keys: source, url, title, date, price, condition, image_url, notes. " +
	"Always include source URLs, prices, image URLs and dates when available. " +
	"Focus on reputable sources like Heritage Auctions, CNG, Roma Numismatics, " +
	"Stack's Bowers, Gorny & Mosch, NAC. " +
	"Also use sites like Biddr, Numista, vcoins, coinarchives, ma-shops.de and ebay."

// Perplexity queries the Perplexity sonar model through its OpenAI-compatible
// chat-completions API and parses the structured listing output.
type Perplexity struct {
	apiKey  string
	baseURL string
	client  *http.Client
}

// NewPerplexity constructs a Perplexity search provider.
func NewPerplexity(apiKey, baseURL string, timeout time.Duration) *Perplexity {
	if baseURL == "" {
		baseURL = "https://api.perplexity.ai"
	}
	if timeout <= 0 {
		timeout = 20 * time.Second
	}
	return &Perplexity{
		apiKey:  apiKey,
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: timeout},
	}
}

// NewPerplexityWithClient constructs a Perplexity provider using the supplied
// HTTP client. Useful in tests.
func NewPerplexityWithClient(apiKey, baseURL string, client *http.Client) *Perplexity {
	p := NewPerplexity(apiKey, baseURL, 0)
	p.client = client
	return p
}

// Name implements Provider.
func (p *Perplexity) Name() string { return "perplexity" }

type chatCompletionRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature"`
	MaxTokens   int           `json:"max_tokens"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatCompletionResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Citations []string `json:"citations"`
}

// Search posts the query to the sonar model and parses the JSON listing array
// out of the reply.
func (p *Perplexity) Search(ctx context.Context, query string) ([]Listing, error) {
	if strings.TrimSpace(p.apiKey) == "" {
		return nil, Errorf(p.Name(), "API key is missing")
	}

	body := chatCompletionRequest{
		Model: "sonar",
		Messages: []chatMessage{
			{Role: "system", Content: perplexitySystemPrompt},
			{Role: "user", Content: query},
		},
		Temperature: 0.15,
		MaxTokens:   4000,
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, Errorf(p.Name(), "marshal request: %v", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/chat/completions", bytes.NewReader(payload))
	if err != nil {
		return nil, Errorf(p.Name(), "build request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+p.apiKey)

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, Errorf(p.Name(), "%v", err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode != http.StatusOK {
		return nil, Errorf(p.Name(), "http %d", resp.StatusCode)
	}

	var parsed chatCompletionResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, Errorf(p.Name(), "decode response: %v", err)
	}
	if len(parsed.Choices) == 0 {
		return nil, Errorf(p.Name(), "no choices returned")
	}

	listings, err := parseListings(parsed.Choices[0].Message.Content)
	if err != nil {
		return nil, Errorf(p.Name(), "%v", err)
	}
	for i := range listings {
		if listings[i].Source == "" {
			listings[i].Source = p.Name()
		}
	}
	return listings, nil
}

// parseListings extracts a JSON array of listings from model output that may
// be wrapped in markdown fences or surrounding prose.
func parseListings(content string) ([]Listing, error) {
	raw := extractJSONArray(content)
	if raw == "" {
		return nil, errors.New("no JSON array in response")
	}
	var listings []Listing
	if err := json.Unmarshal([]byte(raw), &listings); err != nil {
		return nil, fmt.Errorf("unmarshal listings: %w", err)
	}
	return listings, nil
}

// extractJSONArray returns the first top-level [...] block in s.
func extractJSONArray(s string) string {
	start := strings.Index(s, "[")
	if start < 0 {
		return ""
	}
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(s); i++ {
		c := s[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '[':
			depth++
		case ']':
			depth--
			if depth == 0 {
				return s[start : i+1]
			}
		}
	}
	return ""
}
