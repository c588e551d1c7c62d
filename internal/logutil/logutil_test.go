package logutil

import (
	"bytes"
	"strings"
	"testing"

	"github.com/askbird/askbird/internal/config"
)

func TestNewDefaultsToWarn(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	logger, err := New(config.LogConfig{}, &buf)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	logger.Info("suppressed_event")
	logger.Warn("visible_event")
	got := buf.String()
	if strings.Contains(got, "suppressed_event") {
		t.Fatalf("info line not suppressed: %q", got)
	}
	if !strings.Contains(got, "visible_event") {
		t.Fatalf("warn line missing: %q", got)
	}
}

func TestNewJSONFormat(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	logger, err := New(config.LogConfig{Level: "info", Format: "json"}, &buf)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	logger.Info("event_name")
	if !strings.Contains(buf.String(), `"msg":"event_name"`) {
		t.Fatalf("json output mismatch: %q", buf.String())
	}
}

func TestNewRejectsUnknownLevelAndFormat(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	if _, err := New(config.LogConfig{Level: "verbose"}, &buf); err == nil {
		t.Fatalf("New() expected error for unknown level")
	}
	if _, err := New(config.LogConfig{Format: "xml"}, &buf); err == nil {
		t.Fatalf("New() expected error for unknown format")
	}
}
