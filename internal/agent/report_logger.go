package agent

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sync"
	"time"
)

// ReportLogEvent is one NDJSON line describing a pipeline invocation event:
// the user's request, a stage transition, or the finished report.
type ReportLogEvent struct {
	Timestamp    string         `json:"ts"`
	UserID       string         `json:"user_id"`
	SessionID    string         `json:"session_id"`
	InvocationID string         `json:"invocation_id"`
	EventType    string         `json:"event_type"`
	Content      string         `json:"content,omitempty"`
	Meta         map[string]any `json:"meta,omitempty"`
}

// ReportLogConfig controls where and whether invocation logs are written.
type ReportLogConfig struct {
	Enabled       bool
	Dir           string
	GlobalEnabled bool
	GlobalPath    string
	QueueSize     int
}

// ReportLogger records invocation events. Log never blocks the request path.
type ReportLogger interface {
	Log(event ReportLogEvent)
	Close() error
}

// noopReportLogger is used when logging is disabled.
type noopReportLogger struct{}

func (noopReportLogger) Log(ReportLogEvent) {}
func (noopReportLogger) Close() error       { return nil }

var unsafePathChars = regexp.MustCompile(`[^A-Za-z0-9._:-]`)

// fileReportLogger appends events to per-session NDJSON files under
// dir/<user_id>/<session_id>.ndjson, plus an optional global file. Events
// pass through a bounded queue drained by a single writer goroutine; when
// the queue is full, events are dropped and counted rather than blocking.
type fileReportLogger struct {
	cfg    ReportLogConfig
	logger *slog.Logger

	queue chan ReportLogEvent
	done  chan struct{}
	wg    sync.WaitGroup

	mu      sync.Mutex
	dropped int64
}

// NewReportLogger creates the invocation logger. Returns a no-op logger when
// disabled.
func NewReportLogger(cfg ReportLogConfig, logger *slog.Logger) (ReportLogger, error) {
	if !cfg.Enabled && !cfg.GlobalEnabled {
		return noopReportLogger{}, nil
	}
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1000
	}
	if cfg.Enabled {
		if err := os.MkdirAll(cfg.Dir, 0755); err != nil {
			return nil, fmt.Errorf("create report log directory: %w", err)
		}
	}
	if cfg.GlobalEnabled {
		if err := os.MkdirAll(filepath.Dir(cfg.GlobalPath), 0755); err != nil {
			return nil, fmt.Errorf("create global report log directory: %w", err)
		}
	}

	l := &fileReportLogger{
		cfg:    cfg,
		logger: logger,
		queue:  make(chan ReportLogEvent, cfg.QueueSize),
		done:   make(chan struct{}),
	}
	l.wg.Add(1)
	go l.drain()
	return l, nil
}

// Log enqueues an event. Drops when the queue is full.
func (l *fileReportLogger) Log(event ReportLogEvent) {
	if event.Timestamp == "" {
		event.Timestamp = time.Now().UTC().Format(time.RFC3339Nano)
	}
	select {
	case l.queue <- event:
	default:
		l.mu.Lock()
		l.dropped++
		n := l.dropped
		l.mu.Unlock()
		if n%100 == 1 {
			l.logger.Warn("report log queue full, dropping events", "dropped_total", n)
		}
	}
}

// Close stops the writer after flushing queued events.
func (l *fileReportLogger) Close() error {
	close(l.done)
	l.wg.Wait()
	return nil
}

func (l *fileReportLogger) drain() {
	defer l.wg.Done()
	for {
		select {
		case event := <-l.queue:
			l.write(event)
		case <-l.done:
			for {
				select {
				case event := <-l.queue:
					l.write(event)
				default:
					return
				}
			}
		}
	}
}

func (l *fileReportLogger) write(event ReportLogEvent) {
	line, err := json.Marshal(event)
	if err != nil {
		l.logger.Warn("failed to marshal report log event", "error", err)
		return
	}
	line = append(line, '\n')

	if l.cfg.Enabled {
		user := sanitizePathComponent(event.UserID)
		session := sanitizePathComponent(event.SessionID)
		dir := filepath.Join(l.cfg.Dir, user)
		if err := os.MkdirAll(dir, 0755); err != nil {
			l.logger.Warn("failed to create report log user directory", "error", err)
		} else if err := appendFile(filepath.Join(dir, session+".ndjson"), line); err != nil {
			l.logger.Warn("failed to append session report log", "error", err)
		}
	}

	if l.cfg.GlobalEnabled {
		if err := appendFile(l.cfg.GlobalPath, line); err != nil {
			l.logger.Warn("failed to append global report log", "error", err)
		}
	}
}

func appendFile(path string, line []byte) error {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}
	_, writeErr := f.Write(line)
	closeErr := f.Close()
	if writeErr != nil {
		return writeErr
	}
	return closeErr
}

func sanitizePathComponent(s string) string {
	s = unsafePathChars.ReplaceAllString(s, "_")
	if s == "" {
		return "unknown"
	}
	return s
}
