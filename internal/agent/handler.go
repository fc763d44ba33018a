package agent

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/numismatch/numismatch/internal/config"
	"github.com/numismatch/numismatch/internal/domain"
	"github.com/numismatch/numismatch/internal/identity"
)

const defaultMaxRequestBodySize = 4 << 20

// RateLimiter implements a per-user rate limiter.
// The key is userID only — not userID:sessionID — so clients cannot bypass
// throttling by rotating session IDs.
type RateLimiter struct {
	mu       sync.Mutex
	requests map[string][]time.Time
	limit    int
	window   time.Duration
}

// NewRateLimiter creates a new rate limiter and starts the background eviction goroutine.
func NewRateLimiter(limit int, window time.Duration) *RateLimiter {
	rl := &RateLimiter{
		requests: make(map[string][]time.Time),
		limit:    limit,
		window:   window,
	}
	rl.startEviction()
	return rl
}

// Allow checks if a request is allowed for the given key.
func (r *RateLimiter) Allow(key string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	cutoff := now.Add(-r.window)

	var recent []time.Time
	for _, t := range r.requests[key] {
		if t.After(cutoff) {
			recent = append(recent, t)
		}
	}

	if len(recent) >= r.limit {
		r.requests[key] = recent
		return false
	}

	r.requests[key] = append(recent, now)
	return true
}

// startEviction runs a background goroutine that periodically removes expired
// keys from the requests map, preventing unbounded memory growth.
func (r *RateLimiter) startEviction() {
	go func() {
		ticker := time.NewTicker(r.window)
		defer ticker.Stop()
		for range ticker.C {
			r.mu.Lock()
			cutoff := time.Now().Add(-r.window)
			for key, times := range r.requests {
				var fresh []time.Time
				for _, t := range times {
					if t.After(cutoff) {
						fresh = append(fresh, t)
					}
				}
				if len(fresh) == 0 {
					delete(r.requests, key)
				} else {
					r.requests[key] = fresh
				}
			}
			r.mu.Unlock()
		}
	}()
}

// Handler exposes the appraisal service over HTTP with SSE streaming.
type Handler struct {
	svc         *Service
	rateLimiter *RateLimiter
	cfg         *config.Config
}

// NewHandler creates the appraisal HTTP handler.
func NewHandler(svc *Service, cfg *config.Config) *Handler {
	rateLimitRequests := 10
	rateLimitWindow := time.Minute
	if cfg != nil {
		rateLimitRequests = cfg.RateLimit.RequestsPerWindow
		rateLimitWindow = cfg.RateLimit.WindowDuration
	}

	return &Handler{
		svc:         svc,
		rateLimiter: NewRateLimiter(rateLimitRequests, rateLimitWindow),
		cfg:         cfg,
	}
}

// Limiter exposes the per-user rate limiter for sharing with the WebSocket
// surface.
func (h *Handler) Limiter() *RateLimiter { return h.rateLimiter }

// HandleAppraise handles POST /api/appraise requests. The response is an SSE
// stream of stage events followed by a single report event.
func (h *Handler) HandleAppraise(w http.ResponseWriter, r *http.Request) {
	userID := identity.UserIDFromContext(r.Context())
	sessionID := identity.SessionIDFromContext(r.Context())
	if userID == "" {
		http.Error(w, `{"error": "unauthorized"}`, http.StatusUnauthorized)
		return
	}

	if !h.rateLimiter.Allow(userID) {
		http.Error(w, `{"error": "rate limit exceeded"}`, http.StatusTooManyRequests)
		return
	}

	maxBodySize := int64(defaultMaxRequestBodySize)
	if h.cfg != nil {
		maxBodySize = h.cfg.SSE.MaxRequestBodySize
	}
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)

	var req AppraiseRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		var maxBytesErr *http.MaxBytesError
		if errors.As(err, &maxBytesErr) {
			http.Error(w, `{"error": "request body too large"}`, http.StatusRequestEntityTooLarge)
			return
		}
		http.Error(w, `{"error": "invalid request body"}`, http.StatusBadRequest)
		return
	}

	if req.Message == "" && req.ImageBase64 == "" {
		http.Error(w, `{"error": "message or image is required"}`, http.StatusBadRequest)
		return
	}
	// Reject malformed input here, while a plain 400 is still possible;
	// once SSE streaming starts errors can only be event payloads.
	if _, err := base64.StdEncoding.DecodeString(req.ImageBase64); err != nil {
		http.Error(w, `{"error": "image must be base64-encoded"}`, http.StatusBadRequest)
		return
	}

	reqID := chiMiddleware.GetReqID(r.Context())
	slog.Info("Appraisal request",
		"user_id", userID,
		"session_id", sessionID,
		"message_length", len(req.Message),
		"has_image", req.ImageBase64 != "",
		"request_id", reqID,
	)

	// Stream progress via SSE.
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, `{"error": "streaming not supported"}`, http.StatusInternalServerError)
		return
	}

	// Writes come from the pipeline goroutine and the keepalive ticker.
	var writeMu sync.Mutex
	send := func(event string, payload any) {
		data, err := json.Marshal(payload)
		if err != nil {
			slog.Warn("failed to marshal SSE payload", "error", err)
			return
		}
		writeMu.Lock()
		defer writeMu.Unlock()
		if err := writeSSE(w, event, string(data)); err != nil {
			slog.Warn("failed to write SSE event", "error", err)
			return
		}
		flusher.Flush()
	}

	keepaliveInterval := 10 * time.Second
	if h.cfg != nil && h.cfg.SSE.KeepaliveInterval > 0 {
		keepaliveInterval = h.cfg.SSE.KeepaliveInterval
	}
	stopKeepalive := make(chan struct{})
	defer close(stopKeepalive)
	go func() {
		ticker := time.NewTicker(keepaliveInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				writeMu.Lock()
				_, err := fmt.Fprint(w, ": keepalive\n\n")
				if err == nil {
					flusher.Flush()
				}
				writeMu.Unlock()
			case <-stopKeepalive:
				return
			case <-r.Context().Done():
				return
			}
		}
	}()

	progress := func(invocationID, stage string) {
		send("stage", StageEvent{InvocationID: invocationID, Stage: stage})
	}

	res, err := h.svc.Appraise(r.Context(), userID, sessionID, req, progress)
	if err != nil {
		if r.Context().Err() != nil {
			slog.Info("appraisal cancelled by client", "user_id", userID, "request_id", reqID)
			return
		}
		slog.Error("appraisal failed before streaming finished", "error", err, "request_id", reqID)
		send("error", map[string]string{"error": "appraisal failed, please try again"})
		return
	}

	send("report", ReportEvent{
		InvocationID: res.InvocationID,
		SessionID:    sessionID,
		Report:       res.Report,
	})
}

// HandleGetReport handles GET /api/appraise/{invocationID}.
func (h *Handler) HandleGetReport(w http.ResponseWriter, r *http.Request) {
	userID := identity.UserIDFromContext(r.Context())
	if userID == "" {
		http.Error(w, `{"error": "unauthorized"}`, http.StatusUnauthorized)
		return
	}

	invocationID := chi.URLParam(r, "invocationID")
	stored, err := h.svc.GetReport(r.Context(), userID, invocationID)
	if err != nil {
		slog.Error("failed to load report", "invocation_id", invocationID, "error", err)
		http.Error(w, `{"error": "internal error"}`, http.StatusInternalServerError)
		return
	}
	if stored == nil {
		http.Error(w, `{"error": "report not found"}`, http.StatusNotFound)
		return
	}

	respondJSON(w, http.StatusOK, ReportEvent{
		InvocationID: stored.InvocationID,
		SessionID:    stored.SessionID,
		Report:       stored.Report,
	})
}

// HandleHistory handles GET /api/sessions/history.
func (h *Handler) HandleHistory(w http.ResponseWriter, r *http.Request) {
	userID := identity.UserIDFromContext(r.Context())
	if userID == "" {
		http.Error(w, `{"error": "unauthorized"}`, http.StatusUnauthorized)
		return
	}

	summaries, err := h.svc.History(r.Context(), userID)
	if err != nil {
		slog.Error("failed to load session history", "user_id", userID, "error", err)
		http.Error(w, `{"error": "internal error"}`, http.StatusInternalServerError)
		return
	}

	respondJSON(w, http.StatusOK, map[string]any{"sessions": summaries})
}

// HandleFeedback handles POST /api/feedback.
func (h *Handler) HandleFeedback(w http.ResponseWriter, r *http.Request) {
	userID := identity.UserIDFromContext(r.Context())
	if userID == "" {
		http.Error(w, `{"error": "unauthorized"}`, http.StatusUnauthorized)
		return
	}

	var req FeedbackRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error": "invalid request body"}`, http.StatusBadRequest)
		return
	}
	if req.InvocationID == "" {
		http.Error(w, `{"error": "invocation_id is required"}`, http.StatusBadRequest)
		return
	}

	err := h.svc.SaveFeedback(r.Context(), userID, req)
	switch {
	case errors.Is(err, ErrUnknownInvocation):
		http.Error(w, `{"error": "report not found"}`, http.StatusNotFound)
		return
	case errors.Is(err, domain.ErrInvalidFeedback):
		http.Error(w, `{"error": "invalid feedback"}`, http.StatusBadRequest)
		return
	case err != nil:
		slog.Error("failed to save feedback", "invocation_id", req.InvocationID, "error", err)
		http.Error(w, `{"error": "internal error"}`, http.StatusInternalServerError)
		return
	}

	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// RegisterRoutes registers appraisal routes.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Route("/api", func(r chi.Router) {
		r.Post("/appraise", h.HandleAppraise)
		r.Get("/appraise/{invocationID}", h.HandleGetReport)
		r.Get("/sessions/history", h.HandleHistory)
		r.Post("/feedback", h.HandleFeedback)
	})
}

func writeSSE(w io.Writer, event, data string) error {
	_, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data)
	return err
}

func respondJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		slog.Warn("failed to encode response", "error", err)
	}
}
