package logging

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
)

func TestNewWithWriterJSON(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWithWriter(&buf, "debug", "json")
	logger.Info().Str("documentId", "doc_1").Msg("opened")

	var line map[string]any
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("decode log line: %v (%s)", err, buf.String())
	}
	if line["message"] != "opened" || line["documentId"] != "doc_1" || line["service"] != "docflow-api" {
		t.Fatalf("unexpected log line: %v", line)
	}
}

func TestNewWithWriterFallsBackToInfo(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWithWriter(&buf, "chatty", "json")
	logger.Debug().Msg("hidden")
	if buf.Len() != 0 {
		t.Fatalf("debug line should be filtered, got %q", buf.String())
	}
	logger.Warn().Msg("shown")
	if !strings.Contains(buf.String(), "shown") {
		t.Fatalf("expected warn line, got %q", buf.String())
	}
}
