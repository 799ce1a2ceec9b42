package telemetry

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"testing"

	"github.com/google/uuid"

	"github.com/shaiso/genflow/internal/domain"
)

func TestLogLevel(t *testing.T) {
	tests := []struct {
		env  string
		want slog.Level
	}{
		{"", slog.LevelInfo},
		{"debug", slog.LevelDebug},
		{"WARN", slog.LevelWarn},
		{" error ", slog.LevelError},
		{"INFO+2", slog.LevelInfo + 2},
		{"verbose", slog.LevelInfo},
	}

	for _, tt := range tests {
		t.Run(tt.env, func(t *testing.T) {
			t.Setenv("LOG_LEVEL", tt.env)
			if got := LogLevel(); got != tt.want {
				t.Errorf("LogLevel() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestNewLogger_Format(t *testing.T) {
	var buf bytes.Buffer
	NewLogger(&buf, FormatJSON, slog.LevelInfo).Info("hello", "flow", "csv-report")
	if !strings.HasPrefix(buf.String(), "{") || !strings.Contains(buf.String(), `"flow":"csv-report"`) {
		t.Errorf("json output = %q", buf.String())
	}

	buf.Reset()
	NewLogger(&buf, FormatText, slog.LevelInfo).Info("hello", "flow", "csv-report")
	if !strings.Contains(buf.String(), "flow=csv-report") {
		t.Errorf("text output = %q", buf.String())
	}

	buf.Reset()
	NewLogger(&buf, FormatText, slog.LevelWarn).Info("hidden")
	if buf.Len() != 0 {
		t.Errorf("info written at warn level: %q", buf.String())
	}
}

func TestForRunForNode(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))
	runID := uuid.MustParse("7b0d2c2e-4f57-4c1e-9a51-0f1d3c2b9e11")

	runLogger := ForRun(logger, runID, "csv-report")
	ForNode(runLogger, &domain.NodeDef{Name: "read_csv", Kind: "function_call"}).Info("dispatch")
	ForNode(runLogger, &domain.NodeDef{Name: "cleaner.trim", Kind: "transform", Origin: "cleaner"}).Info("dispatch")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 2 {
		t.Fatalf("lines = %d, want 2: %q", len(lines), buf.String())
	}
	for _, want := range []string{"run_id=" + runID.String(), "flow=csv-report", "node=read_csv", "kind=function_call"} {
		if !strings.Contains(lines[0], want) {
			t.Errorf("line %q does not contain %q", lines[0], want)
		}
	}
	if strings.Contains(lines[0], "origin=") {
		t.Errorf("top-level node logged with origin: %q", lines[0])
	}
	if !strings.Contains(lines[1], "origin=cleaner") {
		t.Errorf("sub-flow node logged without origin: %q", lines[1])
	}
}

func TestLogNodeResult(t *testing.T) {
	tests := []struct {
		name      string
		result    domain.NodeResult
		wantLevel string
		wantAttrs []string
	}{
		{
			name:      "succeeded",
			result:    domain.NodeResult{Status: domain.NodeStatusSucceeded, Attempts: 1},
			wantLevel: "level=INFO",
			wantAttrs: []string{"status=SUCCEEDED", "attempts=1"},
		},
		{
			name:      "failed",
			result:    domain.NodeResult{Status: domain.NodeStatusFailed, Attempts: 3, ErrorKind: "timeout", Error: "deadline"},
			wantLevel: "level=ERROR",
			wantAttrs: []string{"status=FAILED", "attempts=3", "error_kind=timeout", "error=deadline"},
		},
		{
			name:      "skipped",
			result:    domain.NodeResult{Status: domain.NodeStatusSkipped},
			wantLevel: "level=WARN",
			wantAttrs: []string{"status=SKIPPED"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			logger := slog.New(slog.NewTextHandler(&buf, nil))

			LogNodeResult(context.Background(), logger, &tt.result)

			out := buf.String()
			for _, want := range append([]string{tt.wantLevel, "node finished"}, tt.wantAttrs...) {
				if !strings.Contains(out, want) {
					t.Errorf("log line %q does not contain %q", out, want)
				}
			}
		})
	}
}

func TestFromContext(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil))

	ctx := WithLogger(context.Background(), logger)
	if FromContext(ctx) != logger {
		t.Error("expected logger from context")
	}
	if FromContext(context.Background()) != slog.Default() {
		t.Error("expected default logger")
	}
}
