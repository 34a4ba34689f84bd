package zerolog

import (
	"bytes"
	"encoding/json"
	"errors"
	"testing"

	"github.com/rs/zerolog"

	"github.com/mihaimyh/subsync/pkg/subsync"
)

func TestZerologLogger_Levels(t *testing.T) {
	tests := []struct {
		name  string
		log   func(l *Logger)
		level string
	}{
		{"debug", func(l *Logger) { l.Debug("msg", subsync.Field{Key: "key", Value: "value"}) }, "debug"},
		{"info", func(l *Logger) { l.Info("msg", subsync.Field{Key: "key", Value: "value"}) }, "info"},
		{"warn", func(l *Logger) { l.Warn("msg", subsync.Field{Key: "key", Value: "value"}) }, "warn"},
		{"error", func(l *Logger) { l.Error("msg", subsync.Field{Key: "key", Value: "value"}) }, "error"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			output := bytes.Buffer{}
			tt.log(NewLogger(zerolog.New(&output)))

			var entry map[string]interface{}
			if err := json.Unmarshal(output.Bytes(), &entry); err != nil {
				t.Fatalf("log line is not JSON: %v", err)
			}
			if entry["level"] != tt.level {
				t.Errorf("level = %v, want %s", entry["level"], tt.level)
			}
			if entry["key"] != "value" {
				t.Errorf("key = %v, want value", entry["key"])
			}
		})
	}
}

func TestZerologLogger_LogLevelFiltering(t *testing.T) {
	output := bytes.Buffer{}
	logger := NewLogger(zerolog.New(&output).Level(zerolog.WarnLevel))

	logger.Debug("debug message")
	logger.Info("info message")

	if output.Len() != 0 {
		t.Error("Expected debug and info to be filtered out")
	}

	logger.Warn("warn message")
	logger.Error("error message")

	if output.Len() == 0 {
		t.Error("Expected warn and error to be logged")
	}
}

func TestZerologLogger_ErrorField(t *testing.T) {
	output := bytes.Buffer{}
	logger := NewLogger(zerolog.New(&output))

	logger.Error("handler failed",
		subsync.Field{Key: "event_id", Value: "evt_1"},
		subsync.Field{Key: "error", Value: errors.New("boom")},
	)

	var entry map[string]interface{}
	if err := json.Unmarshal(output.Bytes(), &entry); err != nil {
		t.Fatalf("log line is not JSON: %v", err)
	}
	if entry["error"] != "boom" {
		t.Errorf("error = %v, want boom", entry["error"])
	}
	if entry["event_id"] != "evt_1" {
		t.Errorf("event_id = %v, want evt_1", entry["event_id"])
	}
}
