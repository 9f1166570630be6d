package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"testing"
)

func TestParseLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"WARNING": slog.LevelWarn,
		" error ": slog.LevelError,
		"":        slog.LevelInfo,
		"bogus":   slog.LevelInfo,
	}
	for in, want := range cases {
		if got := ParseLevel(in); got != want {
			t.Errorf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestNewJSONHandler(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&buf, "INFO", "json", false)

	logger.Debug("hidden")
	logger.Info("job completed", "job_id", "abc")

	var line map[string]any
	if err := json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &line); err != nil {
		t.Fatalf("expected a single JSON line, got %q: %v", buf.String(), err)
	}
	if line["msg"] != "job completed" || line["job_id"] != "abc" {
		t.Errorf("unexpected record %v", line)
	}
}

func TestVerboseEnablesDebug(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&buf, "ERROR", "text", true)
	logger.Debug("visible")
	if !bytes.Contains(buf.Bytes(), []byte("visible")) {
		t.Errorf("expected debug output with verbose, got %q", buf.String())
	}
}
