package inference

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func geminiReply(text string) string {
	reply := map[string]any{
		"candidates": []map[string]any{
			{"content": map[string]any{"parts": []map[string]string{{"text": text}}}},
		},
	}
	data, _ := json.Marshal(reply)
	return string(data)
}

func TestGeminiInferBuildsGenerateContentRequest(t *testing.T) {
	t.Parallel()

	var gotPath, gotKey string
	var gotBody geminiRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotKey = r.Header.Get("x-goog-api-key")
		if err := json.NewDecoder(r.Body).Decode(&gotBody); err != nil {
			t.Errorf("decode request: %v", err)
		}
		_, _ = w.Write([]byte(geminiReply(`{"verdict": "coin_related"}`)))
	}))
	defer srv.Close()

	g := NewGemini("test-key", srv.URL, "default-model", 0, WithHTTPClient(srv.Client()))
	resp, err := g.Infer(context.Background(), Request{
		Model:     "gemini-2.5-flash",
		System:    "you are a triage step",
		Prompt:    "a denarius",
		Image:     []byte{0xFF, 0xD8},
		ImageMIME: "image/jpeg",
		ForceJSON: true,
	})
	if err != nil {
		t.Fatalf("Infer failed: %v", err)
	}

	if gotPath != "/models/gemini-2.5-flash:generateContent" {
		t.Fatalf("unexpected path: %s", gotPath)
	}
	if gotKey != "test-key" {
		t.Fatalf("unexpected api key header: %q", gotKey)
	}
	if gotBody.SystemInstruction == nil || gotBody.SystemInstruction.Parts[0].Text != "you are a triage step" {
		t.Fatalf("system instruction missing: %+v", gotBody.SystemInstruction)
	}
	if len(gotBody.Contents) != 1 || len(gotBody.Contents[0].Parts) != 2 {
		t.Fatalf("expected text + image parts, got %+v", gotBody.Contents)
	}
	if gotBody.Contents[0].Parts[1].InlineData == nil || gotBody.Contents[0].Parts[1].InlineData.MIMEType != "image/jpeg" {
		t.Fatalf("image part missing: %+v", gotBody.Contents[0].Parts[1])
	}
	if gotBody.GenerationConfig == nil || gotBody.GenerationConfig.ResponseMIMEType != "application/json" {
		t.Fatalf("JSON response type not requested: %+v", gotBody.GenerationConfig)
	}
	if resp.Text != `{"verdict": "coin_related"}` {
		t.Fatalf("unexpected response text: %q", resp.Text)
	}
}

func TestGeminiInferFallsBackToDefaultModel(t *testing.T) {
	t.Parallel()

	var gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		_, _ = w.Write([]byte(geminiReply("ok")))
	}))
	defer srv.Close()

	g := NewGemini("test-key", srv.URL, "default-model", 0, WithHTTPClient(srv.Client()))
	if _, err := g.Infer(context.Background(), Request{Prompt: "hi"}); err != nil {
		t.Fatalf("Infer failed: %v", err)
	}
	if gotPath != "/models/default-model:generateContent" {
		t.Fatalf("unexpected path: %s", gotPath)
	}
}

func TestGeminiInferClassifiesUpstreamFailures(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		body string
		code int
	}{
		{"http error", `{"error": {"code": 500, "message": "boom"}}`, http.StatusInternalServerError},
		{"api error in body", `{"error": {"code": 429, "message": "quota"}}`, http.StatusOK},
		{"no candidates", `{"candidates": []}`, http.StatusOK},
		{"empty text", geminiReply(""), http.StatusOK},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(tc.code)
				_, _ = w.Write([]byte(tc.body))
			}))
			defer srv.Close()

			g := NewGemini("test-key", srv.URL, "m", 0, WithHTTPClient(srv.Client()))
			_, err := g.Infer(context.Background(), Request{Prompt: "hi"})
			if !errors.Is(err, ErrInference) {
				t.Fatalf("expected ErrInference, got %v", err)
			}
		})
	}
}

func TestGeminiInferRequiresAPIKey(t *testing.T) {
	t.Parallel()

	g := NewGemini("", "http://unused", "m", 0)
	if _, err := g.Infer(context.Background(), Request{Prompt: "hi"}); !errors.Is(err, ErrInference) {
		t.Fatalf("expected ErrInference, got %v", err)
	}
}
