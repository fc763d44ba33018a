package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/numismatch/numismatch/internal/config"
	"github.com/numismatch/numismatch/internal/domain"
	"github.com/numismatch/numismatch/internal/identity"
	"github.com/numismatch/numismatch/internal/pipeline"
	"github.com/numismatch/numismatch/internal/store"
)

// memRepo is an in-memory store.Repository for handler tests.
type memRepo struct {
	mu       sync.Mutex
	sessions map[string]*domain.Session
	reports  map[string]*store.StoredReport
	feedback []*domain.Feedback
}

func newMemRepo() *memRepo {
	return &memRepo{
		sessions: make(map[string]*domain.Session),
		reports:  make(map[string]*store.StoredReport),
	}
}

func sessionKey(userID, sessionID string) string { return userID + ":" + sessionID }

func (m *memRepo) GetSession(_ context.Context, userID, sessionID string) (*domain.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sessions[sessionKey(userID, sessionID)], nil
}

func (m *memRepo) UpsertSession(_ context.Context, session *domain.Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[sessionKey(session.UserID, session.SessionID)] = session
	return nil
}

func (m *memRepo) ListSessions(_ context.Context, userID string) ([]*domain.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*domain.Session
	for _, s := range m.sessions {
		if s.UserID == userID {
			out = append(out, s)
		}
	}
	return out, nil
}

func (m *memRepo) SaveReport(_ context.Context, report *store.StoredReport) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reports[report.InvocationID] = report
	return nil
}

func (m *memRepo) GetReport(_ context.Context, invocationID string) (*store.StoredReport, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.reports[invocationID], nil
}

func (m *memRepo) SaveFeedback(_ context.Context, fb *domain.Feedback) error {
	if err := fb.Validate(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.feedback = append(m.feedback, fb)
	return nil
}

func (m *memRepo) CleanupExpiredSessions(context.Context, time.Duration) (int64, error) {
	return 0, nil
}

func (m *memRepo) Ping(context.Context) error { return nil }
func (m *memRepo) Close() error               { return nil }

// stubStage runs a canned function.
type stubStage struct {
	name string
	run  func(ctx context.Context, res *pipeline.Result) error
}

func (s *stubStage) Name() string                                        { return s.name }
func (s *stubStage) Run(ctx context.Context, res *pipeline.Result) error { return s.run(ctx, res) }

func happyOrchestrator() *pipeline.Orchestrator {
	triage := &stubStage{name: "triage", run: func(_ context.Context, res *pipeline.Result) error {
		res.TriageVerdict = domain.VerdictCoinRelated
		return nil
	}}
	identify := &stubStage{name: "identify", run: func(_ context.Context, res *pipeline.Result) error {
		res.CoinDetails = &domain.CoinDetails{Emperor: "Trajan", Denomination: "Denarius"}
		return nil
	}}
	research := &stubStage{name: "research", run: func(_ context.Context, res *pipeline.Result) error {
		res.ResearchStatus = "no sales data: all lookup tools failed or returned nothing"
		return nil
	}}
	validate := &stubStage{name: "validate", run: func(_ context.Context, res *pipeline.Result) error {
		res.Validation = &domain.ValidationNotes{Confidence: "high"}
		return nil
	}}
	return pipeline.NewOrchestrator(triage, identify, research, validate,
		pipeline.NewSummarizerStage(), 2, slog.Default())
}

func newTestServer(t *testing.T, repo store.Repository, cfg *config.Config) *httptest.Server {
	t.Helper()
	if cfg == nil {
		cfg = &config.Config{
			RateLimit: config.RateLimitConfig{RequestsPerWindow: 100, WindowDuration: time.Minute},
			SSE:       config.SSEConfig{MaxRequestBodySize: 1 << 20, KeepaliveInterval: time.Minute},
		}
	}
	svc := NewService(repo, happyOrchestrator(), nil, 6, slog.Default())
	handler := NewHandler(svc, cfg)

	r := chi.NewRouter()
	r.Use(identity.Middleware(true))
	handler.RegisterRoutes(r)

	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return srv
}

func postAppraise(t *testing.T, srv *httptest.Server, cookies []*http.Cookie, message string) (*http.Response, string) {
	t.Helper()
	body, _ := json.Marshal(AppraiseRequest{Message: message})
	req, err := http.NewRequest(http.MethodPost, srv.URL+"/api/appraise", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(identity.SessionHeaderName, "tab-1")
	for _, c := range cookies {
		req.AddCookie(c)
	}

	resp, err := srv.Client().Do(req)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	_ = resp.Body.Close()
	return resp, string(raw)
}

func TestHandleAppraiseStreamsStagesAndReport(t *testing.T) {
	t.Parallel()

	repo := newMemRepo()
	srv := newTestServer(t, repo, nil)

	resp, body := postAppraise(t, srv, nil, "silver denarius of Trajan")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("unexpected status: %d (%s)", resp.StatusCode, body)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("unexpected content type: %s", ct)
	}

	for _, stage := range []string{"triage", "identify", "research", "validate", "summarize"} {
		if !strings.Contains(body, `"stage":"`+stage+`"`) {
			t.Fatalf("stage %q missing from stream:\n%s", stage, body)
		}
	}
	if !strings.Contains(body, "event: report") {
		t.Fatalf("report event missing:\n%s", body)
	}
	if !strings.Contains(body, `"is_finished":true`) {
		t.Fatalf("finished report missing:\n%s", body)
	}

	// The invocation is persisted with its conversation turns.
	repo.mu.Lock()
	defer repo.mu.Unlock()
	if len(repo.reports) != 1 {
		t.Fatalf("expected 1 stored report, got %d", len(repo.reports))
	}
	if len(repo.sessions) != 1 {
		t.Fatalf("expected 1 session, got %d", len(repo.sessions))
	}
	for _, s := range repo.sessions {
		if len(s.Turns) != 2 {
			t.Fatalf("expected user+assistant turns, got %d", len(s.Turns))
		}
	}
}

func TestHandleAppraiseRejectsEmptyRequest(t *testing.T) {
	t.Parallel()

	srv := newTestServer(t, newMemRepo(), nil)
	resp, _ := postAppraise(t, srv, nil, "")
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("unexpected status: %d", resp.StatusCode)
	}
}

func TestHandleAppraiseRejectsMalformedImageBeforeStreaming(t *testing.T) {
	t.Parallel()

	srv := newTestServer(t, newMemRepo(), nil)

	body, _ := json.Marshal(AppraiseRequest{Message: "denarius", ImageBase64: "%%not-base64%%"})
	req, err := http.NewRequest(http.MethodPost, srv.URL+"/api/appraise", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := srv.Client().Do(req)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct == "text/event-stream" {
		t.Fatalf("input error must not open an SSE stream")
	}
}

func TestHandleAppraiseRateLimitsPerUser(t *testing.T) {
	t.Parallel()

	cfg := &config.Config{
		RateLimit: config.RateLimitConfig{RequestsPerWindow: 1, WindowDuration: time.Minute},
		SSE:       config.SSEConfig{MaxRequestBodySize: 1 << 20, KeepaliveInterval: time.Minute},
	}
	srv := newTestServer(t, newMemRepo(), cfg)

	first, _ := postAppraise(t, srv, nil, "denarius")
	if first.StatusCode != http.StatusOK {
		t.Fatalf("first request failed: %d", first.StatusCode)
	}

	second, _ := postAppraise(t, srv, first.Cookies(), "denarius again")
	if second.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", second.StatusCode)
	}
}

func TestHandleGetReportEnforcesOwnership(t *testing.T) {
	t.Parallel()

	repo := newMemRepo()
	srv := newTestServer(t, repo, nil)

	first, body := postAppraise(t, srv, nil, "denarius of Trajan")
	if first.StatusCode != http.StatusOK {
		t.Fatalf("appraise failed: %d", first.StatusCode)
	}

	var invocationID string
	repo.mu.Lock()
	for id := range repo.reports {
		invocationID = id
	}
	repo.mu.Unlock()
	if invocationID == "" {
		t.Fatalf("no report stored, stream was:\n%s", body)
	}

	// Owner fetch succeeds.
	req, _ := http.NewRequest(http.MethodGet, srv.URL+"/api/appraise/"+invocationID, nil)
	for _, c := range first.Cookies() {
		req.AddCookie(c)
	}
	resp, err := srv.Client().Do(req)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("owner fetch failed: %d", resp.StatusCode)
	}
	var got ReportEvent
	if err := json.NewDecoder(resp.Body).Decode(&got); err != nil {
		t.Fatalf("decode report: %v", err)
	}
	if got.Report == nil || got.Report.CoinDetails.Emperor != "Trajan" {
		t.Fatalf("unexpected report: %+v", got.Report)
	}

	// A different anonymous user gets a 404, not someone else's report.
	other, err := srv.Client().Get(srv.URL + "/api/appraise/" + invocationID)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer func() { _ = other.Body.Close() }()
	if other.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 for foreign report, got %d", other.StatusCode)
	}
}

func TestHandleFeedback(t *testing.T) {
	t.Parallel()

	repo := newMemRepo()
	srv := newTestServer(t, repo, nil)

	first, _ := postAppraise(t, srv, nil, "denarius of Trajan")
	var invocationID string
	repo.mu.Lock()
	for id := range repo.reports {
		invocationID = id
	}
	repo.mu.Unlock()

	send := func(body FeedbackRequest, cookies []*http.Cookie) *http.Response {
		payload, _ := json.Marshal(body)
		req, _ := http.NewRequest(http.MethodPost, srv.URL+"/api/feedback", bytes.NewReader(payload))
		req.Header.Set("Content-Type", "application/json")
		for _, c := range cookies {
			req.AddCookie(c)
		}
		resp, err := srv.Client().Do(req)
		if err != nil {
			t.Fatalf("request failed: %v", err)
		}
		t.Cleanup(func() { _ = resp.Body.Close() })
		return resp
	}

	if resp := send(FeedbackRequest{InvocationID: invocationID, Score: 5, Text: "spot on"}, first.Cookies()); resp.StatusCode != http.StatusOK {
		t.Fatalf("feedback failed: %d", resp.StatusCode)
	}
	if resp := send(FeedbackRequest{InvocationID: "inv-unknown", Score: 5}, first.Cookies()); resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown invocation, got %d", resp.StatusCode)
	}
	if resp := send(FeedbackRequest{InvocationID: invocationID, Score: 99}, first.Cookies()); resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for invalid score, got %d", resp.StatusCode)
	}

	repo.mu.Lock()
	defer repo.mu.Unlock()
	if len(repo.feedback) != 1 {
		t.Fatalf("expected 1 stored feedback, got %d", len(repo.feedback))
	}
}

func TestHandleHistory(t *testing.T) {
	t.Parallel()

	repo := newMemRepo()
	srv := newTestServer(t, repo, nil)

	first, _ := postAppraise(t, srv, nil, "denarius of Trajan")

	req, _ := http.NewRequest(http.MethodGet, srv.URL+"/api/sessions/history", nil)
	for _, c := range first.Cookies() {
		req.AddCookie(c)
	}
	resp, err := srv.Client().Do(req)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("history failed: %d", resp.StatusCode)
	}

	var got struct {
		Sessions []SessionSummary `json:"sessions"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&got); err != nil {
		t.Fatalf("decode history: %v", err)
	}
	if len(got.Sessions) != 1 || got.Sessions[0].SessionID != "tab-1" {
		t.Fatalf("unexpected history: %+v", got.Sessions)
	}
	if len(got.Sessions[0].Turns) != 2 {
		t.Fatalf("expected 2 turns, got %d", len(got.Sessions[0].Turns))
	}
}
