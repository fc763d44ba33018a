package agent

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/coder/websocket"
	"github.com/numismatch/numismatch/internal/identity"
)

// WebSocketHandler streams one appraisal per connection: the client sends a
// single request message, receives stage events and the final report as JSON
// text frames, then the connection is closed.
type WebSocketHandler struct {
	svc           *Service
	rateLimiter   *RateLimiter
	allowedOrigin string
	isDev         bool
}

// NewWebSocketHandler creates the WebSocket appraisal handler. The rate
// limiter is shared with the HTTP handler so both surfaces count against the
// same budget. allowedOrigin is the frontend URL; connections from other
// origins are rejected outside development.
func NewWebSocketHandler(svc *Service, rateLimiter *RateLimiter, allowedOrigin string, isDev bool) *WebSocketHandler {
	return &WebSocketHandler{
		svc:           svc,
		rateLimiter:   rateLimiter,
		allowedOrigin: allowedOrigin,
		isDev:         isDev,
	}
}

type wsEnvelope struct {
	Type string `json:"type"` // stage | report | error
	Data any    `json:"data"`
}

// ServeHTTP handles GET /ws/appraise.
func (h *WebSocketHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	userID := identity.UserIDFromContext(r.Context())
	sessionID := identity.SessionIDFromContext(r.Context())
	if userID == "" {
		http.Error(w, `{"error": "unauthorized"}`, http.StatusUnauthorized)
		return
	}

	if h.rateLimiter != nil && !h.rateLimiter.Allow(userID) {
		http.Error(w, `{"error": "rate limit exceeded"}`, http.StatusTooManyRequests)
		return
	}

	if !h.checkOrigin(r) {
		http.Error(w, `{"error": "origin not allowed"}`, http.StatusForbidden)
		return
	}

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		slog.Warn("websocket accept failed", "error", err)
		return
	}
	defer func() {
		if closeErr := ws.Close(websocket.StatusNormalClosure, "appraisal finished"); closeErr != nil {
			slog.Debug("websocket close", "error", closeErr)
		}
	}()

	ctx := r.Context()

	_, payload, err := ws.Read(ctx)
	if err != nil {
		if websocket.CloseStatus(err) == -1 {
			slog.Warn("websocket read failed", "error", err)
		}
		return
	}

	var req AppraiseRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		h.writeJSON(ctx, ws, wsEnvelope{Type: "error", Data: "invalid request"})
		return
	}
	if req.Message == "" && req.ImageBase64 == "" {
		h.writeJSON(ctx, ws, wsEnvelope{Type: "error", Data: "message or image is required"})
		return
	}
	if _, err := base64.StdEncoding.DecodeString(req.ImageBase64); err != nil {
		h.writeJSON(ctx, ws, wsEnvelope{Type: "error", Data: "image must be base64-encoded"})
		return
	}

	progress := func(invocationID, stage string) {
		h.writeJSON(ctx, ws, wsEnvelope{Type: "stage", Data: StageEvent{InvocationID: invocationID, Stage: stage}})
	}

	res, err := h.svc.Appraise(ctx, userID, sessionID, req, progress)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		slog.Error("websocket appraisal failed", "user_id", userID, "error", err)
		h.writeJSON(ctx, ws, wsEnvelope{Type: "error", Data: "appraisal failed, please try again"})
		return
	}

	h.writeJSON(ctx, ws, wsEnvelope{Type: "report", Data: ReportEvent{
		InvocationID: res.InvocationID,
		SessionID:    sessionID,
		Report:       res.Report,
	}})
}

func (h *WebSocketHandler) checkOrigin(r *http.Request) bool {
	if h.isDev {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" || h.allowedOrigin == "" || h.allowedOrigin == "*" {
		return true
	}
	if origin == h.allowedOrigin {
		return true
	}
	slog.Warn("websocket origin rejected", "origin", origin, "allowed", h.allowedOrigin)
	return false
}

func (h *WebSocketHandler) writeJSON(ctx context.Context, ws *websocket.Conn, v wsEnvelope) {
	data, err := json.Marshal(v)
	if err != nil {
		slog.Warn("failed to marshal websocket message", "error", err)
		return
	}
	if err := ws.Write(ctx, websocket.MessageText, data); err != nil {
		slog.Debug("failed to write websocket message", "error", err)
	}
}
