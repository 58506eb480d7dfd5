package logging

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

func restoreGlobals(t *testing.T) {
	level, logger := zerolog.GlobalLevel(), log.Logger
	t.Cleanup(func() {
		zerolog.SetGlobalLevel(level)
		log.Logger = logger
	})
}

func TestInitWriter_LevelAndService(t *testing.T) {
	restoreGlobals(t)
	var buf bytes.Buffer
	InitWriter(Config{Level: "WARN", Format: "json", Service: "svc"}, &buf)

	log.Info().Msg("hidden")
	if buf.Len() != 0 {
		t.Fatalf("expected info to be filtered, got %s", buf.String())
	}

	sessionLogger := WithSession("s-1")
	sessionLogger.Warn().Msg("shown")
	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("expected json log line: %v", err)
	}
	if entry["service"] != "svc" || entry["sessionId"] != "s-1" || entry["level"] != "warn" {
		t.Errorf("unexpected entry %v", entry)
	}
}

func TestInitWriter_BadLevelFallsBackToInfo(t *testing.T) {
	restoreGlobals(t)
	var buf bytes.Buffer
	InitWriter(Config{Level: "loud"}, &buf)
	if zerolog.GlobalLevel() != zerolog.InfoLevel {
		t.Errorf("expected info level, got %s", zerolog.GlobalLevel())
	}
}

func TestWithComponent(t *testing.T) {
	restoreGlobals(t)
	var buf bytes.Buffer
	InitWriter(DefaultConfig(), &buf)

	componentLogger := WithComponent("upload")
	componentLogger.Info().Msg("x")
	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("expected json log line: %v", err)
	}
	if entry["component"] != "upload" {
		t.Errorf("expected component field, got %v", entry)
	}
}
