package log

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/andresmejia3/veil/internal/config"
	"github.com/sirupsen/logrus"
)

func TestNewWritesFile(t *testing.T) {
	file := filepath.Join(t.TempDir(), "veil.log")
	cfg := config.Default().Log
	cfg.File = file
	cfg.NoColors = true

	logger, err := New(cfg)
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	logger.WithFields(Fields{"run_id": "abc"}).Info("pass finished")

	data, err := os.ReadFile(file)
	if err != nil {
		t.Fatalf("log file not written: %v", err)
	}
	if !strings.Contains(string(data), "pass finished") || !strings.Contains(string(data), "abc") {
		t.Errorf("log file missing entry, got %q", data)
	}
}

func TestNewRejectsBadLevel(t *testing.T) {
	cfg := config.Default().Log
	cfg.Level = "loud"
	if _, err := New(cfg); err == nil {
		t.Error("New() expected error for unknown level")
	}
}

func TestNewLevel(t *testing.T) {
	cfg := config.Default().Log
	cfg.Level = "debug"
	logger, err := New(cfg)
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	if logger.GetLevel() != logrus.DebugLevel {
		t.Errorf("level = %v, want debug", logger.GetLevel())
	}
}
