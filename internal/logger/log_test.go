package logger

import (
	"bytes"
	"strings"
	"testing"

	json "github.com/goccy/go-json"
	"github.com/rs/zerolog"

	"github.com/darkden-lab/quakewatch/internal/config"
)

func TestNewTagsService(t *testing.T) {
	defer zerolog.SetGlobalLevel(zerolog.TraceLevel)

	var buf bytes.Buffer
	l := New(&config.Config{ServiceName: "subscriber-arica", LogLevel: "info"}, &buf)
	l.Info().Str("region", "Arica").Msg("quake ignored")

	var line map[string]any
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("expected JSON log line, got %q: %v", buf.String(), err)
	}
	if line["service"] != "subscriber-arica" || line["region"] != "Arica" || line["message"] != "quake ignored" {
		t.Errorf("unexpected log line %v", line)
	}
	if _, ok := line["instance"]; !ok {
		t.Error("expected instance field")
	}
}

func TestNewLevel(t *testing.T) {
	defer zerolog.SetGlobalLevel(zerolog.TraceLevel)

	var buf bytes.Buffer
	l := New(&config.Config{LogLevel: "WARN"}, &buf)
	l.Info().Msg("hidden")
	l.Warn().Msg("shown")

	out := buf.String()
	if strings.Contains(out, "hidden") || !strings.Contains(out, "shown") {
		t.Errorf("expected only warn output, got %q", out)
	}
}

func TestNewInvalidLevelDefaultsToInfo(t *testing.T) {
	defer zerolog.SetGlobalLevel(zerolog.TraceLevel)

	var buf bytes.Buffer
	l := New(&config.Config{LogLevel: "chatty"}, &buf)
	l.Debug().Msg("debug")
	l.Info().Msg("info")

	out := buf.String()
	if strings.Contains(out, `"debug"`) || !strings.Contains(out, `"info"`) {
		t.Errorf("expected info level default, got %q", out)
	}
}
