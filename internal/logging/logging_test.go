package logging

import (
	"bytes"
	"encoding/json"
	"testing"
)

func TestNew_JSONLevels(t *testing.T) {
	var buf bytes.Buffer
	log, err := New(Options{Level: "warn", Out: &buf})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	log.Info().Msg("hidden")
	clog := Component(log, "merger")
	clog.Warn().Str("conversation_id", "c1").Msg("dropped")

	lines := bytes.Split(bytes.TrimSpace(buf.Bytes()), []byte("\n"))
	if len(lines) != 1 {
		t.Fatalf("got %d log lines, want 1: %s", len(lines), buf.String())
	}

	var entry map[string]any
	if err := json.Unmarshal(lines[0], &entry); err != nil {
		t.Fatalf("unmarshal log line: %v", err)
	}
	if entry["component"] != "merger" || entry["level"] != "warn" || entry["conversation_id"] != "c1" {
		t.Errorf("unexpected entry: %v", entry)
	}
}

func TestNew_BadLevel(t *testing.T) {
	if _, err := New(Options{Level: "loud"}); err == nil {
		t.Error("New() expected error for unknown level")
	}
}
