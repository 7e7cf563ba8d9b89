package pkg

import (
	"bytes"
	"errors"
	"log/slog"
	"strings"
	"testing"
)

// captureLogs routes the shared logger into a buffer at debug level.
func captureLogs(t *testing.T, json bool) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	original, originalLevel := Logger(), LogLevel()
	t.Cleanup(func() {
		SetLogger(original)
		SetLogLevel(originalLevel)
	})
	SetLogLevel(slog.LevelDebug)
	SetLogger(NewLogger(&buf, json))
	return &buf
}

func TestParseLogLevel(t *testing.T) {
	tests := []struct {
		in      string
		want    slog.Level
		wantErr bool
	}{
		{"debug", slog.LevelDebug, false},
		{"INFO", slog.LevelInfo, false},
		{"warn", slog.LevelWarn, false},
		{"error", slog.LevelError, false},
		{"loud", 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseLogLevel(tt.in)
			if tt.wantErr {
				if !errors.Is(err, ErrInvalidParameter) {
					t.Errorf("ParseLogLevel(%q) error = %v, want ErrInvalidParameter", tt.in, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseLogLevel(%q) error = %v", tt.in, err)
			}
			if got != tt.want {
				t.Errorf("ParseLogLevel(%q) = %v, want %v", tt.in, got, tt.want)
			}
		})
	}
}

func TestConfigureLogging(t *testing.T) {
	original, originalLevel := Logger(), LogLevel()
	t.Cleanup(func() {
		SetLogger(original)
		SetLogLevel(originalLevel)
	})

	var buf bytes.Buffer
	if err := ConfigureLogging(&buf, "info", true); err != nil {
		t.Fatal(err)
	}
	if LogLevel() != slog.LevelInfo {
		t.Errorf("LogLevel() = %v, want info", LogLevel())
	}
	LogDebug(ComponentDAP, "hidden")
	LogInfo(ComponentDAP, "shown")
	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Errorf("debug record emitted at info level: %s", out)
	}
	if !strings.Contains(out, `"msg":"shown"`) || !strings.Contains(out, `"component":"dap"`) {
		t.Errorf("JSON record = %s", out)
	}

	if err := ConfigureLogging(&buf, "chatty", false); !errors.Is(err, ErrInvalidParameter) {
		t.Errorf("ConfigureLogging(chatty) error = %v", err)
	}
}

func TestEnabled(t *testing.T) {
	originalLevel := LogLevel()
	defer SetLogLevel(originalLevel)

	SetLogLevel(slog.LevelInfo)
	if Enabled(slog.LevelDebug) {
		t.Error("debug enabled at info level")
	}
	if !Enabled(slog.LevelWarn) {
		t.Error("warn disabled at info level")
	}
}

func TestLogHelpers(t *testing.T) {
	tests := []struct {
		name      string
		log       func(Component, string, ...any)
		component Component
		level     string
	}{
		{"debug", LogDebug, ComponentDAP, "level=DEBUG"},
		{"info", LogInfo, ComponentSWO, "level=INFO"},
		{"warn", LogWarn, ComponentStack, "level=WARN"},
		{"error", LogError, ComponentHAL, "level=ERROR"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			buf := captureLogs(t, false)
			tt.log(tt.component, tt.name+" message", "key", "value")
			output := buf.String()
			for _, want := range []string{
				tt.name + " message",
				"component=" + string(tt.component),
				tt.level,
				"key=value",
			} {
				if !strings.Contains(output, want) {
					t.Errorf("log missing %q: %s", want, output)
				}
			}
		})
	}
}
