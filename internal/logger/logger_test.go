package logger

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"testing"
)

func decodeEntry(t *testing.T, buf *bytes.Buffer) map[string]interface{} {
	t.Helper()
	var entry map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("expected valid JSON log output, got error: %v\nraw output: %s", err, buf.String())
	}
	return entry
}

// TestSetup_WritesStructuredEntry はシグナル処理ログの標準フィールドが
// JSONの1行として出力されることを検証する。
func TestSetup_WritesStructuredEntry(t *testing.T) {
	var buf bytes.Buffer
	l := Setup(&buf)
	if l == nil {
		t.Fatal("expected non-nil logger")
	}

	l.Warn("pixel processed",
		slog.String("user_hash", "u-123"),
		slog.String("message_id", "m-456"),
		slog.String("branch", "fill"),
		slog.Int("delivered", 2),
	)

	entry := decodeEntry(t, &buf)
	want := map[string]interface{}{
		"msg":        "pixel processed",
		"level":      "WARN",
		"user_hash":  "u-123",
		"message_id": "m-456",
		"branch":     "fill",
		"delivered":  float64(2),
	}
	for k, v := range want {
		if entry[k] != v {
			t.Errorf("%s = %v, want %v", k, entry[k], v)
		}
	}
	if _, ok := entry["time"]; !ok {
		t.Error("expected 'time' field in JSON log output")
	}
}

func TestSetupDefault_SetsGlobalLogger(t *testing.T) {
	var buf bytes.Buffer
	SetupDefault(&buf)

	slog.Default().Info("global test", slog.String("test_key", "test_val"))

	entry := decodeEntry(t, &buf)

	if entry["msg"] != "global test" {
		t.Errorf("msg = %q, want %q", entry["msg"], "global test")
	}
	if entry["test_key"] != "test_val" {
		t.Errorf("test_key = %q, want %q", entry["test_key"], "test_val")
	}
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		input string
		want  slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"INFO", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"warning", slog.LevelWarn},
		{" error ", slog.LevelError},
		{"", slog.LevelInfo},
		{"verbose", slog.LevelInfo},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			if got := ParseLevel(tt.input); got != tt.want {
				t.Errorf("ParseLevel(%q) = %v, want %v", tt.input, got, tt.want)
			}
		})
	}
}

func TestSetupWithLevel_FiltersBelowLevel(t *testing.T) {
	var buf bytes.Buffer
	l := SetupWithLevel(&buf, slog.LevelWarn)

	l.Info("dropped")
	if buf.Len() != 0 {
		t.Errorf("info log should be filtered at warn level, got %s", buf.String())
	}

	l.Warn("kept")
	if buf.Len() == 0 {
		t.Error("warn log should be written at warn level")
	}
}

func TestSetupDefault_WithDebugLevel(t *testing.T) {
	var buf bytes.Buffer
	SetupDefault(&buf, slog.LevelDebug)
	t.Cleanup(func() { SetupDefault(io.Discard) })

	slog.Default().Debug("debug entry")
	if buf.Len() == 0 {
		t.Error("debug log should be written when level is debug")
	}
}
