package agent

import (
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestReportLoggerWritesPerSessionNDJSON(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	logger, err := NewReportLogger(ReportLogConfig{
		Enabled:   true,
		Dir:       dir,
		QueueSize: 16,
	}, slog.Default())
	if err != nil {
		t.Fatalf("NewReportLogger failed: %v", err)
	}
	defer func() { _ = logger.Close() }()

	event := ReportLogEvent{
		UserID:       "user-1",
		SessionID:    "sess-1",
		InvocationID: "inv-1",
		EventType:    "appraise_request",
		Content:      "silver denarius of Trajan",
	}
	logger.Log(event)

	path := filepath.Join(dir, "user-1", "sess-1.ndjson")
	line := waitForLogLine(t, path)
	var got ReportLogEvent
	if err := json.Unmarshal([]byte(line), &got); err != nil {
		t.Fatalf("failed to unmarshal log line: %v", err)
	}
	if got.Content != "silver denarius of Trajan" {
		t.Fatalf("unexpected content: %q", got.Content)
	}
	if got.Timestamp == "" {
		t.Fatal("expected timestamp to be filled in")
	}
}

func TestReportLoggerGlobalFile(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	globalPath := filepath.Join(dir, "all.ndjson")
	logger, err := NewReportLogger(ReportLogConfig{
		GlobalEnabled: true,
		GlobalPath:    globalPath,
		QueueSize:     16,
	}, slog.Default())
	if err != nil {
		t.Fatalf("NewReportLogger failed: %v", err)
	}
	defer func() { _ = logger.Close() }()

	logger.Log(ReportLogEvent{UserID: "u", SessionID: "s", EventType: "report"})
	logger.Log(ReportLogEvent{UserID: "u", SessionID: "s", EventType: "feedback"})

	line := waitForLogLine(t, globalPath)
	if !strings.Contains(line, "feedback") && !strings.Contains(line, "report") {
		t.Fatalf("unexpected log line: %q", line)
	}
}

func TestReportLoggerDisabledIsNoop(t *testing.T) {
	t.Parallel()

	logger, err := NewReportLogger(ReportLogConfig{}, slog.Default())
	if err != nil {
		t.Fatalf("NewReportLogger failed: %v", err)
	}
	if _, ok := logger.(noopReportLogger); !ok {
		t.Fatalf("expected noop logger, got %T", logger)
	}
	logger.Log(ReportLogEvent{UserID: "u"})
	if err := logger.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
}

func TestReportLoggerSanitizesPathComponents(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	logger, err := NewReportLogger(ReportLogConfig{
		Enabled:   true,
		Dir:       dir,
		QueueSize: 16,
	}, slog.Default())
	if err != nil {
		t.Fatalf("NewReportLogger failed: %v", err)
	}
	defer func() { _ = logger.Close() }()

	logger.Log(ReportLogEvent{UserID: "../evil", SessionID: "a/b", EventType: "report"})

	path := filepath.Join(dir, ".._evil", "a_b.ndjson")
	waitForLogLine(t, path)
}

func waitForLogLine(t *testing.T, path string) string {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		data, err := os.ReadFile(path)
		if err == nil && len(data) > 0 {
			lines := strings.Split(strings.TrimSpace(string(data)), "\n")
			if len(lines) > 0 {
				return lines[len(lines)-1]
			}
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for log file %s", path)
	return ""
}
