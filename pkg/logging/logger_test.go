package logging

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in      string
		want    zapcore.Level
		wantErr bool
	}{
		{"debug", zapcore.DebugLevel, false},
		{"INFO", zapcore.InfoLevel, false},
		{"", zapcore.InfoLevel, false},
		{"warning", zapcore.WarnLevel, false},
		{"error", zapcore.ErrorLevel, false},
		{"fatal", zapcore.FatalLevel, false},
		{"verbose", zapcore.InfoLevel, true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseLevel(tt.in)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseLevel(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("ParseLevel(%q) = %v, want %v", tt.in, got, tt.want)
			}
		})
	}
}

func TestNewLogger_WritesJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.log")
	config := DefaultConfig()
	config.OutputPaths = []string{path}

	logger, err := NewLogger(config)
	if err != nil {
		t.Fatalf("NewLogger failed: %v", err)
	}
	logger.Named("strategy").Info("Served from cache", zap.String("class", "runtime"))
	logger.Debug("dropped below info")
	logger.Sync()

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile failed: %v", err)
	}
	out := string(data)
	if !strings.Contains(out, `"logger":"strategy"`) || !strings.Contains(out, `"class":"runtime"`) {
		t.Errorf("unexpected log output: %s", out)
	}
	if strings.Contains(out, "dropped below info") {
		t.Error("debug entry written at info level")
	}
}

func TestNewLogger_InvalidConfig(t *testing.T) {
	if _, err := NewLogger(Config{Level: "loud"}); err == nil {
		t.Error("Expected error for unknown level")
	}
	if _, err := NewLogger(Config{Format: "xml"}); err == nil {
		t.Error("Expected error for unknown format")
	}
}

func TestApplyEnv(t *testing.T) {
	t.Setenv("OFFLINECACHE_LOG_LEVEL", "warn")
	t.Setenv("OFFLINECACHE_LOG_FORMAT", "console")

	config := ApplyEnv(DefaultConfig())
	if config.Level != "warn" || config.Format != "console" {
		t.Errorf("ApplyEnv() = %+v", config)
	}

	t.Setenv("OFFLINECACHE_LOG_DEV", "true")
	config = ApplyEnv(DefaultConfig())
	if !config.Development || config.Level != "warn" {
		t.Errorf("dev mode should keep the level override, got %+v", config)
	}
}

func TestGlobal(t *testing.T) {
	if Global() == nil {
		t.Fatal("Global logger must never be nil")
	}

	custom := NewNoOpLogger().Named("custom")
	SetGlobal(custom)
	defer SetGlobal(nil)

	if Global() != custom || L() != custom {
		t.Error("SetGlobal did not replace the global logger")
	}
	SetGlobal(nil)
	if Global() == nil {
		t.Error("SetGlobal(nil) must install a no-op logger")
	}
}
