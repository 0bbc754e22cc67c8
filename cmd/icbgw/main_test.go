package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/Zereker/icbgw"
)

func TestConfigureLevel(t *testing.T) {
	prev := zerolog.GlobalLevel()
	t.Cleanup(func() { zerolog.SetGlobalLevel(prev) })

	tests := []struct {
		in   string
		want zerolog.Level
	}{
		{"all", zerolog.TraceLevel},
		{"debug", zerolog.DebugLevel},
		{"info", zerolog.InfoLevel},
		{" WARNING ", zerolog.WarnLevel},
		{"warn", zerolog.WarnLevel},
		{"error", zerolog.ErrorLevel},
		{"none", zerolog.Disabled},
		{"bogus", zerolog.InfoLevel},
		{"", zerolog.InfoLevel},
	}

	for _, tt := range tests {
		configureLevel(tt.in)
		if got := zerolog.GlobalLevel(); got != tt.want {
			t.Errorf("configureLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestZeroLogger(t *testing.T) {
	prev := zerolog.GlobalLevel()
	t.Cleanup(func() { zerolog.SetGlobalLevel(prev) })
	configureLevel("info")

	var buf bytes.Buffer
	var logger icbgw.Logger = newLogger(&buf)

	logger.Info("connected", "addr", "127.0.0.1:7326", "side", "icb")
	out := buf.String()
	if !strings.Contains(out, "connected") || !strings.Contains(out, "127.0.0.1:7326") {
		t.Errorf("output missing message or field: %q", out)
	}

	buf.Reset()
	logger.Debug("hidden")
	if buf.Len() != 0 {
		t.Errorf("debug written at info level: %q", buf.String())
	}

	logger.Warn("dropped", "error", errors.New("session not ready"))
	if !strings.Contains(buf.String(), "session not ready") {
		t.Errorf("error field missing: %q", buf.String())
	}
}

func TestLoadConfig_DefaultPathFallback(t *testing.T) {
	t.Chdir(t.TempDir())

	cfg, err := loadConfig(defaultConfigPath)
	if err != nil {
		t.Fatalf("default path without file: %v", err)
	}
	if cfg.ICB.Server != icbgw.DefaultICBServer {
		t.Errorf("icb server = %q", cfg.ICB.Server)
	}

	if _, err := loadConfig("elsewhere.yaml"); err == nil {
		t.Error("expected error for explicit missing path")
	}
}

func TestLoadConfig_File(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "gw.yaml")
	if err := os.WriteFile(path, []byte("icb:\n  channel: ddial\nirc:\n  channel: \"#ddial\"\n"), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := loadConfig(path)
	if err != nil {
		t.Fatal(err)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate: %v", err)
	}
}

func TestRun_InvalidConfig(t *testing.T) {
	err := run(icbgw.DefaultConfig(), newLogger(&bytes.Buffer{}))
	if !errors.Is(err, icbgw.ErrInvalidConfig) {
		t.Errorf("expected ErrInvalidConfig, got %v", err)
	}
}
