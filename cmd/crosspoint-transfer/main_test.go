package main

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestResolveConfigPathExplicit(t *testing.T) {
	got, err := resolveConfigPath("custom.yaml", true)
	if err != nil || got != "custom.yaml" {
		t.Fatalf("resolveConfigPath = %q, %v", got, err)
	}
}

func TestNewLoggerWritesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "crosspoint.log")
	log, err := newLogger("warn", path)
	if err != nil {
		t.Fatal(err)
	}
	log.Info("dropped")
	log.Warn("kept")
	_ = log.Sync()

	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if strings.Contains(string(b), "dropped") || !strings.Contains(string(b), `"msg":"kept"`) {
		t.Errorf("log file = %q", b)
	}
	if _, err := newLogger("loud", ""); err == nil {
		t.Errorf("unknown level accepted")
	}
}
