package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"

	"healthsense-server/internal/config"
)

func TestNewWithWriter_ProdEmitsJSON(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWithWriter(&buf, config.Config{AppEnv: "prod", LogLevel: slog.LevelInfo}, "1.2.3", "healthsense")

	logger.Debug("hidden")
	logger.Info("telemetry received", "summary", "AQI=82")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 1 {
		t.Fatalf("got %d lines, want 1: %q", len(lines), buf.String())
	}
	var rec map[string]any
	if err := json.Unmarshal([]byte(lines[0]), &rec); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	for k, want := range map[string]string{
		"msg":     "telemetry received",
		"app":     "healthsense",
		"version": "1.2.3",
		"env":     "prod",
		"summary": "AQI=82",
	} {
		if rec[k] != want {
			t.Errorf("%s = %v, want %q", k, rec[k], want)
		}
	}
}

func TestNewWithWriter_DevIsText(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWithWriter(&buf, config.Config{AppEnv: "dev", LogLevel: slog.LevelDebug}, "dev", "healthsense")

	logger.Debug("journal line skipped", "line", 3)

	out := buf.String()
	if !strings.Contains(out, "journal line skipped") || !strings.Contains(out, "healthsense") {
		t.Errorf("output = %q", out)
	}
	if json.Valid(bytes.TrimSpace(buf.Bytes())) {
		t.Errorf("dev output should not be JSON: %q", out)
	}
}

func TestStdLogger(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWithWriter(&buf, config.Config{AppEnv: "prod", LogLevel: slog.LevelInfo}, "1.0.0", "healthsense")

	StdLogger(logger, slog.LevelError).Println("panic recovered")

	if !strings.Contains(buf.String(), `"level":"ERROR"`) || !strings.Contains(buf.String(), "panic recovered") {
		t.Errorf("output = %q", buf.String())
	}
}
