package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"testing"
)

func TestNewJSON(t *testing.T) {
	var buf bytes.Buffer
	l := New(&buf, Config{Level: "warn", Format: "json"})
	l.Info("hidden")
	l.Warn("shown", slog.String("userId", "u1"))

	var rec map[string]any
	if err := json.Unmarshal(buf.Bytes(), &rec); err != nil {
		t.Fatalf("output %q: %v", buf.String(), err)
	}
	if rec["msg"] != "shown" || rec["userId"] != "u1" {
		t.Fatalf("record = %v", rec)
	}
}

func TestParseLevel(t *testing.T) {
	for raw, want := range map[string]slog.Level{"DEBUG": slog.LevelDebug, "warning": slog.LevelWarn, "err": slog.LevelError, "": slog.LevelInfo} {
		if got := ParseLevel(raw); got != want {
			t.Errorf("ParseLevel(%q) = %v", raw, got)
		}
	}
}
