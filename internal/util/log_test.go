package util

import (
	"os"
	"path/filepath"
	"testing"

	"go.uber.org/zap/zapcore"
)

func TestInitLoggerLevels(t *testing.T) {
	levels := []string{"debug", "info", "warn", "error", "unknown", ""}

	for _, level := range levels {
		t.Run(level, func(t *testing.T) {
			logger = nil
			if err := InitLogger(level, "console", ""); err != nil {
				t.Fatalf("InitLogger(%q) error = %v", level, err)
			}
			if logger == nil {
				t.Fatal("Logger should not be nil after initialization")
			}

			Debugf("debug %s", "f")
			Infof("info %s", "f")
			Warnf("warn %s", "f")
			Errorf("error %s", "f")
		})
	}
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want zapcore.Level
	}{
		{"debug", zapcore.DebugLevel},
		{"info", zapcore.InfoLevel},
		{"warn", zapcore.WarnLevel},
		{"error", zapcore.ErrorLevel},
		{"fatal", zapcore.InfoLevel},
		{"verbose", zapcore.InfoLevel},
		{"", zapcore.InfoLevel},
	}

	for _, tt := range tests {
		if got := parseLevel(tt.in); got != tt.want {
			t.Errorf("parseLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestSetLevel(t *testing.T) {
	logger = nil
	if err := InitLogger("info", "console", ""); err != nil {
		t.Fatalf("InitLogger() error = %v", err)
	}
	if Level() != zapcore.InfoLevel {
		t.Fatalf("Level() = %v, want info", Level())
	}

	SetLevel("debug")
	if Level() != zapcore.DebugLevel {
		t.Errorf("Level() = %v, want debug", Level())
	}
	if !Named("Charts", "tos-pplns").Desugar().Core().Enabled(zapcore.DebugLevel) {
		t.Error("derived logger should follow the new level")
	}

	SetLevel("warn")
	if Named("Charts", "tos-pplns").Desugar().Core().Enabled(zapcore.InfoLevel) {
		t.Error("info should be disabled at warn")
	}
	SetLevel("info")
}

func TestInitLoggerJSONFormat(t *testing.T) {
	logger = nil

	if err := InitLogger("info", "json", ""); err != nil {
		t.Fatalf("InitLogger() error = %v", err)
	}
	Info("json formatted log")
}

func TestInitLoggerWithFile(t *testing.T) {
	logger = nil

	logFile := filepath.Join(t.TempDir(), "ledger.log")
	if err := InitLogger("info", "console", logFile); err != nil {
		t.Fatalf("InitLogger() error = %v", err)
	}

	Infof("test %s to file", "formatted log")
	Sync()

	if _, err := os.Stat(logFile); os.IsNotExist(err) {
		t.Error("Log file should exist")
	}
}

func TestInitLoggerInvalidFile(t *testing.T) {
	logger = nil

	if err := InitLogger("info", "console", "/nonexistent/path/ledger.log"); err == nil {
		t.Error("InitLogger() should return error for invalid file path")
	}
}

func TestLogReturnsDefaultLogger(t *testing.T) {
	logger = nil

	if Log() == nil {
		t.Error("Log() should return a logger even when not initialized")
	}
}

func TestNamed(t *testing.T) {
	logger = nil
	if err := InitLogger("debug", "console", ""); err != nil {
		t.Fatalf("InitLogger() error = %v", err)
	}

	l := Named("Payments", "tos-pplns")
	if l == nil {
		t.Fatal("Named() returned nil")
	}
	if l == logger {
		t.Error("Named() should return a derived logger")
	}
	l.Infow("cycle finished", "ms", 12)
}
