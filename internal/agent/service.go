package agent

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/numismatch/numismatch/internal/domain"
	"github.com/numismatch/numismatch/internal/pipeline"
	"github.com/numismatch/numismatch/internal/store"
)

// Service runs appraisals and owns the session and report bookkeeping around
// each pipeline invocation.
type Service struct {
	repo         store.Repository
	orch         *pipeline.Orchestrator
	reportLog    ReportLogger
	historyTurns int
	logger       *slog.Logger
}

// NewService wires the orchestrator to persistence and invocation logging.
func NewService(repo store.Repository, orch *pipeline.Orchestrator, reportLog ReportLogger, historyTurns int, logger *slog.Logger) *Service {
	if reportLog == nil {
		reportLog = noopReportLogger{}
	}
	if historyTurns <= 0 {
		historyTurns = 6
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		repo:         repo,
		orch:         orch,
		reportLog:    reportLog,
		historyTurns: historyTurns,
		logger:       logger,
	}
}

// Appraise runs the full pipeline for one request. progress may be nil.
// The returned result always carries a finished report unless the context
// was cancelled.
func (s *Service) Appraise(ctx context.Context, userID, sessionID string, req AppraiseRequest, progress pipeline.ProgressFunc) (*pipeline.Result, error) {
	image, err := decodeImage(req.ImageBase64)
	if err != nil {
		return nil, err
	}

	session, err := s.repo.GetSession(ctx, userID, sessionID)
	if err != nil {
		return nil, fmt.Errorf("load session: %w", err)
	}
	if session == nil {
		now := time.Now()
		session = &domain.Session{
			UserID:    userID,
			SessionID: sessionID,
			CreatedAt: now,
			UpdatedAt: now,
		}
	}

	invocationID := uuid.NewString()
	res := pipeline.NewResult(invocationID, pipeline.Input{
		Message:   req.Message,
		Image:     image,
		ImageMIME: req.ImageMIME,
		History:   session.RecentTurns(s.historyTurns),
	})

	s.reportLog.Log(ReportLogEvent{
		UserID:       userID,
		SessionID:    sessionID,
		InvocationID: invocationID,
		EventType:    "appraise_request",
		Content:      req.Message,
		Meta:         map[string]any{"has_image": len(image) > 0},
	})

	notify := func(id, stage string) {
		s.reportLog.Log(ReportLogEvent{
			UserID:       userID,
			SessionID:    sessionID,
			InvocationID: id,
			EventType:    "stage",
			Content:      stage,
		})
		if progress != nil {
			progress(id, stage)
		}
	}

	if err := s.orch.Run(ctx, res, notify); err != nil {
		return nil, err
	}

	s.persist(ctx, userID, sessionID, session, req.Message, res)
	return res, nil
}

// persist stores the report and the conversation turns. Persistence failures
// are logged but do not fail the request; the report was already produced.
func (s *Service) persist(ctx context.Context, userID, sessionID string, session *domain.Session, message string, res *pipeline.Result) {
	now := time.Now()

	if err := s.repo.SaveReport(ctx, &store.StoredReport{
		InvocationID: res.InvocationID,
		UserID:       userID,
		SessionID:    sessionID,
		Report:       res.Report,
		CreatedAt:    now,
	}); err != nil {
		s.logger.Error("failed to save report", "invocation_id", res.InvocationID, "error", err)
	}

	session.AppendTurn("user", message, res.InvocationID)
	session.AppendTurn("assistant", res.Report.Response, res.InvocationID)
	session.UpdatedAt = now
	if err := s.repo.UpsertSession(ctx, session); err != nil {
		s.logger.Error("failed to save session", "session_id", sessionID, "error", err)
	}

	s.reportLog.Log(ReportLogEvent{
		UserID:       userID,
		SessionID:    sessionID,
		InvocationID: res.InvocationID,
		EventType:    "report",
		Content:      res.Report.Response,
		Meta: map[string]any{
			"triage_verdict": string(res.Report.TriageVerdict),
			"retry_count":    res.RetryCount,
			"sales":          len(res.Sales),
		},
	})
}

// GetReport returns a stored report, or nil when it does not exist or
// belongs to another user.
func (s *Service) GetReport(ctx context.Context, userID, invocationID string) (*store.StoredReport, error) {
	stored, err := s.repo.GetReport(ctx, invocationID)
	if err != nil {
		return nil, err
	}
	if stored == nil || stored.UserID != userID {
		return nil, nil
	}
	return stored, nil
}

// History lists the user's sessions, most recently active first.
func (s *Service) History(ctx context.Context, userID string) ([]SessionSummary, error) {
	sessions, err := s.repo.ListSessions(ctx, userID)
	if err != nil {
		return nil, err
	}
	summaries := make([]SessionSummary, 0, len(sessions))
	for _, session := range sessions {
		summaries = append(summaries, SessionSummary{
			SessionID: session.SessionID,
			Turns:     session.Turns,
			UpdatedAt: session.UpdatedAt.UTC().Format(time.RFC3339),
		})
	}
	return summaries, nil
}

// ErrUnknownInvocation marks feedback targeting an invocation the user does
// not own or that never existed.
var ErrUnknownInvocation = errors.New("unknown invocation")

// SaveFeedback records feedback for an invocation owned by the user.
func (s *Service) SaveFeedback(ctx context.Context, userID string, req FeedbackRequest) error {
	stored, err := s.repo.GetReport(ctx, req.InvocationID)
	if err != nil {
		return fmt.Errorf("load report for feedback: %w", err)
	}
	if stored == nil || stored.UserID != userID {
		return ErrUnknownInvocation
	}

	fb := &domain.Feedback{
		InvocationID: req.InvocationID,
		UserID:       userID,
		Score:        req.Score,
		Text:         req.Text,
		CreatedAt:    time.Now(),
	}
	if err := s.repo.SaveFeedback(ctx, fb); err != nil {
		return err
	}

	s.reportLog.Log(ReportLogEvent{
		UserID:       userID,
		SessionID:    stored.SessionID,
		InvocationID: req.InvocationID,
		EventType:    "feedback",
		Content:      req.Text,
		Meta:         map[string]any{"score": req.Score},
	})
	return nil
}

func decodeImage(encoded string) ([]byte, error) {
	if encoded == "" {
		return nil, nil
	}
	image, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("decode image: %w", err)
	}
	return image, nil
}
