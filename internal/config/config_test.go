package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	if !cfg.Review.BlockOnCritical {
		t.Fatalf("expected block_on_critical by default")
	}
	if cfg.Sync.MinInterval.Duration != 30*time.Second {
		t.Fatalf("unexpected min interval %v", cfg.Sync.MinInterval)
	}
	if cfg.InitialStatus() != "pending" {
		t.Fatalf("unexpected initial status %s", cfg.InitialStatus())
	}
}

func TestFromYAMLOverridesDefaults(t *testing.T) {
	cfg, err := FromYAML([]byte("review:\n  block_on_critical: false\npublish:\n  redis_url: redis://localhost:6379/0\n"))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if cfg.Review.BlockOnCritical {
		t.Fatalf("expected override to disable blocking")
	}
	if cfg.Publish.Queue != "cmsflow:publish" {
		t.Fatalf("expected default queue name, got %q", cfg.Publish.Queue)
	}
	if cfg.Sync.SourceDir != "content" {
		t.Fatalf("expected default source dir, got %q", cfg.Sync.SourceDir)
	}
}

func TestValidateRejects(t *testing.T) {
	cases := map[string]string{
		"legacy initial status": "review:\n  initial_status: draft\n",
		"bad duration":          "sync:\n  min_interval: soon\n",
		"extension without dot": "sync:\n  extensions: [md]\n",
		"queue missing":         "publish:\n  redis_url: redis://x\n  queue: \"\"\n",
		"webhook not http":      "webhooks:\n  - url: ftp://example.com\n",
	}
	for name, doc := range cases {
		if _, err := FromYAML([]byte(doc)); err == nil {
			t.Fatalf("%s: expected error", name)
		}
	}
}

func TestLoadOptional(t *testing.T) {
	dir := t.TempDir()
	cfg, err := LoadOptional(dir)
	if err != nil || cfg == nil {
		t.Fatalf("expected defaults for missing file, got %v %v", cfg, err)
	}
	if _, err := Load(dir); err == nil {
		t.Fatalf("expected Load to fail without file")
	}
	if err := os.WriteFile(filepath.Join(dir, "cmsflow.yml"), []byte(GenerateDefault()), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(dir); err != nil {
		t.Fatalf("load generated default: %v", err)
	}
}
