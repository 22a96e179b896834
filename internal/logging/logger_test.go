package logging

import (
	"bytes"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"tgmonitor/internal/config"
)

func TestParseLevel(t *testing.T) {
	t.Parallel()

	for name, want := range map[string]slog.Level{"debug": slog.LevelDebug, " INFO ": slog.LevelInfo, "warn": slog.LevelWarn, "error": slog.LevelError, "panic": levelPanic} {
		got, err := parseLevel(name)
		if err != nil || got != want {
			t.Fatalf("parseLevel(%q) = %v, %v", name, got, err)
		}
	}
	if _, err := parseLevel("trace"); err == nil {
		t.Fatalf("expected error for unsupported level")
	}
}

func TestNewRequiresSink(t *testing.T) {
	t.Parallel()

	if _, _, err := New(config.LogConfig{}); err == nil {
		t.Fatalf("expected error without sinks")
	}
}

func TestFileSinkWritesJSON(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "service.log")
	logger, closeFn, err := New(config.LogConfig{
		File: config.LogSinkConfig{Enabled: true, Level: "info", Format: "json", Path: path},
	})
	if err != nil {
		t.Fatalf("new logger: %v", err)
	}
	Component(logger, "monitor").Info("forwarded", "source_id", 42)
	Component(logger, "monitor").Debug("hidden")
	closeFn()

	body, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	text := string(body)
	if !strings.Contains(text, `"component":"monitor"`) || !strings.Contains(text, `"source_id":42`) {
		t.Fatalf("unexpected log body %q", text)
	}
	if strings.Contains(text, "hidden") {
		t.Fatalf("debug record must be filtered at info level")
	}
}

func TestColorLineWriterHighlights(t *testing.T) {
	t.Parallel()

	var out bytes.Buffer
	writer := &colorLineWriter{dst: &out}
	line := "level=WARN msg=\"send failed\" attempt=3\n"
	n, err := writer.Write([]byte(line))
	if err != nil || n != len(line) {
		t.Fatalf("write: n=%d err=%v", n, err)
	}
	rendered := out.String()
	if !strings.HasPrefix(rendered, ansiYellow) || !strings.Contains(rendered, ansiGreen+`"send failed"`) {
		t.Fatalf("unexpected rendering %q", rendered)
	}
}

func TestTeeHandlerFansOut(t *testing.T) {
	t.Parallel()

	var first, second bytes.Buffer
	logger := slog.New(teeHandler{
		slog.NewTextHandler(&first, nil),
		slog.NewTextHandler(&second, &slog.HandlerOptions{Level: slog.LevelError}),
	})
	logger.With("k", "v").Info("hello")
	if !strings.Contains(first.String(), "k=v") {
		t.Fatalf("first sink missed record: %q", first.String())
	}
	if second.Len() != 0 {
		t.Fatalf("second sink must filter info: %q", second.String())
	}
}
