package logging

import (
	"os"
	"path/filepath"
	"testing"
)

func TestInitializeWithoutConfigIsNoOp(t *testing.T) {
	dir := t.TempDir()
	if err := Initialize(dir); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	defer CloseAll()

	if IsDebugMode() {
		t.Error("debug mode enabled without config")
	}
	// Logging must be safe to call and write nothing.
	Scan("this goes nowhere")
	if _, err := os.Stat(filepath.Join(dir, ".lorekeeper", "logs")); !os.IsNotExist(err) {
		t.Error("logs directory created in production mode")
	}
}

func TestInitializeDebugMode(t *testing.T) {
	dir := t.TempDir()
	cfgDir := filepath.Join(dir, ".lorekeeper")
	if err := os.MkdirAll(cfgDir, 0755); err != nil {
		t.Fatal(err)
	}
	cfg := "logging:\n  debug_mode: true\n  level: debug\n"
	if err := os.WriteFile(filepath.Join(cfgDir, "config.yaml"), []byte(cfg), 0644); err != nil {
		t.Fatal(err)
	}

	if err := Initialize(dir); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	defer CloseAll()

	if !IsDebugMode() {
		t.Fatal("debug mode not enabled")
	}
	Scan("scan message %d", 1)
	CloseAll()

	entries, err := os.ReadDir(filepath.Join(cfgDir, "logs"))
	if err != nil {
		t.Fatalf("logs dir: %v", err)
	}
	if len(entries) == 0 {
		t.Error("no log files written in debug mode")
	}
}

func TestCategoryFiltering(t *testing.T) {
	dir := t.TempDir()
	cfgDir := filepath.Join(dir, ".lorekeeper")
	if err := os.MkdirAll(cfgDir, 0755); err != nil {
		t.Fatal(err)
	}
	cfg := "logging:\n  debug_mode: true\n  categories:\n    scan: false\n    oracle: true\n"
	if err := os.WriteFile(filepath.Join(cfgDir, "config.yaml"), []byte(cfg), 0644); err != nil {
		t.Fatal(err)
	}
	if err := Initialize(dir); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	defer CloseAll()

	if IsCategoryEnabled(CategoryScan) {
		t.Error("scan category should be disabled")
	}
	if !IsCategoryEnabled(CategoryOracle) {
		t.Error("oracle category should be enabled")
	}
	// Unlisted categories default to enabled.
	if !IsCategoryEnabled(CategoryStore) {
		t.Error("store category should default to enabled")
	}
}
