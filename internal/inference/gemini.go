package inference

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// Gemini calls the Gemini generateContent REST API.
type Gemini struct {
	apiKey       string
	baseURL      string
	defaultModel string
	client       *http.Client
}

// GeminiOption configures a Gemini client.
type GeminiOption func(*Gemini)

// WithHTTPClient overrides the default HTTP client, useful in tests and for
// custom timeouts.
func WithHTTPClient(client *http.Client) GeminiOption {
	return func(g *Gemini) { g.client = client }
}

// NewGemini constructs a Gemini inference client.
func NewGemini(apiKey, baseURL, defaultModel string, timeout time.Duration, opts ...GeminiOption) *Gemini {
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	g := &Gemini{
		apiKey:       apiKey,
		baseURL:      strings.TrimRight(baseURL, "/"),
		defaultModel: defaultModel,
		client:       &http.Client{Timeout: timeout},
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

type geminiPart struct {
	Text       string            `json:"text,omitempty"`
	InlineData *geminiInlineData `json:"inline_data,omitempty"`
}

type geminiInlineData struct {
	MIMEType string `json:"mime_type"`
	Data     string `json:"data"`
}

type geminiContent struct {
	Role  string       `json:"role,omitempty"`
	Parts []geminiPart `json:"parts"`
}

type geminiRequest struct {
	Contents          []geminiContent   `json:"contents"`
	SystemInstruction *geminiContent    `json:"system_instruction,omitempty"`
	GenerationConfig  *generationConfig `json:"generation_config,omitempty"`
}

type generationConfig struct {
	Temperature      *float64 `json:"temperature,omitempty"`
	ResponseMIMEType string   `json:"response_mime_type,omitempty"`
}

type geminiResponse struct {
	Candidates []struct {
		Content struct {
			Parts []struct {
				Text string `json:"text"`
			} `json:"parts"`
		} `json:"content"`
	} `json:"candidates"`
	Error *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// Infer sends one generateContent call and returns the concatenated text parts.
func (g *Gemini) Infer(ctx context.Context, req Request) (Response, error) {
	if strings.TrimSpace(g.apiKey) == "" {
		return Response{}, Errorf("GEMINI_API_KEY is not set")
	}

	model := req.Model
	if model == "" {
		model = g.defaultModel
	}

	parts := []geminiPart{{Text: req.Prompt}}
	if len(req.Image) > 0 {
		mime := req.ImageMIME
		if mime == "" {
			mime = "image/jpeg"
		}
		parts = append(parts, geminiPart{InlineData: &geminiInlineData{
			MIMEType: mime,
			Data:     base64.StdEncoding.EncodeToString(req.Image),
		}})
	}

	body := geminiRequest{
		Contents: []geminiContent{{Role: "user", Parts: parts}},
	}
	if req.System != "" {
		body.SystemInstruction = &geminiContent{Parts: []geminiPart{{Text: req.System}}}
	}
	gc := &generationConfig{}
	if req.Temperature > 0 {
		t := req.Temperature
		gc.Temperature = &t
	}
	if req.ForceJSON {
		gc.ResponseMIMEType = "application/json"
	}
	if gc.Temperature != nil || gc.ResponseMIMEType != "" {
		body.GenerationConfig = gc
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return Response{}, fmt.Errorf("marshal request: %w", err)
	}

	endpoint := fmt.Sprintf("%s/models/%s:generateContent", g.baseURL, model)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return Response{}, fmt.Errorf("build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-goog-api-key", g.apiKey)

	resp, err := g.client.Do(httpReq)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return Response{}, err
		}
		return Response{}, Errorf("call %s: %v", model, err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return Response{}, Errorf("read response: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		return Response{}, Errorf("model %s returned http %d: %s", model, resp.StatusCode, truncate(string(raw), 200))
	}

	var parsed geminiResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return Response{}, Errorf("decode response: %v", err)
	}
	if parsed.Error != nil {
		return Response{}, Errorf("model %s error %d: %s", model, parsed.Error.Code, parsed.Error.Message)
	}
	if len(parsed.Candidates) == 0 {
		return Response{}, Errorf("model %s returned no candidates", model)
	}

	var b strings.Builder
	for _, p := range parsed.Candidates[0].Content.Parts {
		b.WriteString(p.Text)
	}
	text := strings.TrimSpace(b.String())
	if text == "" {
		return Response{}, Errorf("model %s returned empty text", model)
	}
	return Response{Text: text}, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
