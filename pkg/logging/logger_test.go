package logging

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"github.com/rs/zerolog"
)

// decodeEvent parses one JSON log line into a field map.
func decodeEvent(t *testing.T, line string) map[string]any {
	t.Helper()
	var event map[string]any
	if err := json.Unmarshal([]byte(line), &event); err != nil {
		t.Fatalf("log line is not valid JSON: %v\n%s", err, line)
	}
	return event
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Level != LevelInfo {
		t.Errorf("default level = %s, want info", cfg.Level)
	}
	if cfg.Pretty {
		t.Error("default output should be JSON, not pretty console")
	}
}

func TestSetupEmitsStructuredResolveFields(t *testing.T) {
	buf := &bytes.Buffer{}
	logger := Setup(Config{Level: LevelInfo, Output: buf})

	logger.Info().
		Str("provider", "polygon").
		Str("symbol", "AAPL").
		Str("data_type", "price").
		Int("plan_position", 1).
		Msg("resolved from provider")

	event := decodeEvent(t, buf.String())
	if event["provider"] != "polygon" {
		t.Errorf("provider field = %v, want polygon", event["provider"])
	}
	if event["symbol"] != "AAPL" {
		t.Errorf("symbol field = %v, want AAPL", event["symbol"])
	}
	if event["data_type"] != "price" {
		t.Errorf("data_type field = %v, want price", event["data_type"])
	}
	if event["plan_position"] != float64(1) {
		t.Errorf("plan_position field = %v, want 1", event["plan_position"])
	}
	if event["message"] != "resolved from provider" {
		t.Errorf("message = %v, want resolve message", event["message"])
	}
	if _, ok := event["time"]; !ok {
		t.Error("log event missing timestamp")
	}
}

func TestSetupPrettyConsoleOutput(t *testing.T) {
	buf := &bytes.Buffer{}
	logger := Setup(Config{Level: LevelInfo, Pretty: true, Output: buf})

	logger.Info().Str("cache_tier", "l1").Msg("connected to redis")

	out := buf.String()
	if json.Valid([]byte(strings.TrimSpace(out))) {
		t.Errorf("pretty output is raw JSON, want console format: %s", out)
	}
	if !strings.Contains(out, "connected to redis") {
		t.Errorf("pretty output missing message: %s", out)
	}
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		input LogLevel
		want  zerolog.Level
	}{
		{LevelDebug, zerolog.DebugLevel},
		{LevelInfo, zerolog.InfoLevel},
		{LevelWarn, zerolog.WarnLevel},
		{"warning", zerolog.WarnLevel},
		{LevelError, zerolog.ErrorLevel},
		{"verbose", zerolog.InfoLevel}, // unknown falls back to info
	}

	for _, tt := range tests {
		t.Run(string(tt.input), func(t *testing.T) {
			if got := parseLevel(tt.input); got != tt.want {
				t.Errorf("parseLevel(%q) = %v, want %v", tt.input, got, tt.want)
			}
		})
	}
}

func TestNewLoggerTagsComponent(t *testing.T) {
	for _, component := range []string{"engine", "cache", "warmer", "arbiterd"} {
		t.Run(component, func(t *testing.T) {
			buf := &bytes.Buffer{}
			Setup(Config{Level: LevelInfo, Output: buf})

			logger := NewLogger(component)
			logger.Info().Msg("ready")

			event := decodeEvent(t, buf.String())
			if event["component"] != component {
				t.Errorf("component field = %v, want %s", event["component"], component)
			}
		})
	}
}

func TestLevelFiltering(t *testing.T) {
	buf := &bytes.Buffer{}
	Setup(Config{Level: LevelWarn, Output: buf})

	logger := NewLogger("engine")

	// Below warn: suppressed.
	logger.Debug().Str("key", "AAPL:price:0").Msg("cache hit")
	logger.Info().Str("provider", "polygon").Msg("resolved from provider")

	// Warn and above: emitted.
	logger.Warn().Str("provider", "polygon").Msg("provider failed, trying next plan entry")
	logger.Error().Str("symbol", "AAPL").Msg("execution plan exhausted")

	out := buf.String()
	if strings.Contains(out, "cache hit") || strings.Contains(out, "resolved from provider") {
		t.Errorf("events below warn level not filtered: %s", out)
	}
	if !strings.Contains(out, "provider failed, trying next plan entry") {
		t.Errorf("warn event missing: %s", out)
	}
	if !strings.Contains(out, "execution plan exhausted") {
		t.Errorf("error event missing: %s", out)
	}
}
