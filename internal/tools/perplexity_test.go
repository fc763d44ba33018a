package tools

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func perplexityReply(content string) string {
	reply := map[string]any{
		"choices": []map[string]any{
			{"message": map[string]any{"content": content}},
		},
	}
	data, _ := json.Marshal(reply)
	return string(data)
}

func TestPerplexitySearchParsesListings(t *testing.T) {
	t.Parallel()

	var gotAuth string
	var gotBody chatCompletionRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/completions" {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
		gotAuth = r.Header.Get("Authorization")
		if err := json.NewDecoder(r.Body).Decode(&gotBody); err != nil {
			t.Errorf("decode request: %v", err)
		}
		content := "Here are the results:\n```json\n" +
			`[{"source": "CNG", "url": "https://example.com/1", "title": "Trajan denarius", "price": "$320", "condition": "VF"}]` +
			"\n```"
		_, _ = w.Write([]byte(perplexityReply(content)))
	}))
	defer srv.Close()

	p := NewPerplexityWithClient("test-key", srv.URL, srv.Client())
	listings, err := p.Search(context.Background(), "Trajan denarius auction sold prices")
	if err != nil {
		t.Fatalf("Search failed: %v", err)
	}

	if gotAuth != "Bearer test-key" {
		t.Fatalf("unexpected auth header: %q", gotAuth)
	}
	if gotBody.Model != "sonar" {
		t.Fatalf("unexpected model: %q", gotBody.Model)
	}
	if gotBody.Temperature != 0.15 || gotBody.MaxTokens != 4000 {
		t.Fatalf("unexpected sampling params: %+v", gotBody)
	}
	if len(listings) != 1 {
		t.Fatalf("expected 1 listing, got %d", len(listings))
	}
	if listings[0].Source != "CNG" || listings[0].Price != "$320" {
		t.Fatalf("unexpected listing: %+v", listings[0])
	}
}

func TestPerplexitySearchRejectsUpstreamError(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	p := NewPerplexityWithClient("test-key", srv.URL, srv.Client())
	_, err := p.Search(context.Background(), "query")
	if !errors.Is(err, ErrTool) {
		t.Fatalf("expected ErrTool, got %v", err)
	}
}

func TestPerplexitySearchRequiresAPIKey(t *testing.T) {
	t.Parallel()

	p := NewPerplexity("", "", 0)
	if _, err := p.Search(context.Background(), "query"); !errors.Is(err, ErrTool) {
		t.Fatalf("expected ErrTool, got %v", err)
	}
}

func TestParseListingsRejectsNonArrayOutput(t *testing.T) {
	t.Parallel()

	if _, err := parseListings("I could not find any sales."); err == nil {
		t.Fatal("expected parse error")
	}
}
