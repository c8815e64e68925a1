package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}

	if cfg.Backend != "full" {
		t.Errorf("expected full backend default, got %s", cfg.Backend)
	}
	if cfg.DBPath != "aimmed.db" {
		t.Errorf("expected default db path, got %s", cfg.DBPath)
	}
	if cfg.Embedder.Provider != "none" {
		t.Errorf("expected no embedder by default, got %s", cfg.Embedder.Provider)
	}
}

func TestEnvOverridesFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "aimmed.yml")
	file := `backend: relational
db_path: /var/lib/aimmed/file.db
embedder:
  provider: ollama
  model: nomic-embed-text
`
	if err := os.WriteFile(path, []byte(file), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	t.Setenv("AIMMED_CONFIG", path)
	t.Setenv("AIMMED_DB", "/tmp/override.db")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}

	if cfg.Backend != "relational" {
		t.Errorf("expected backend from file, got %s", cfg.Backend)
	}
	if cfg.DBPath != "/tmp/override.db" {
		t.Errorf("expected env override for db path, got %s", cfg.DBPath)
	}
	if cfg.Embedder.Provider != "ollama" || cfg.Embedder.Model != "nomic-embed-text" {
		t.Errorf("expected embedder from file, got %+v", cfg.Embedder)
	}
}

func TestRejectsUnknownBackend(t *testing.T) {
	t.Setenv("AIMMED_BACKEND", "cloud")

	if _, err := Load(); err == nil {
		t.Fatal("expected error for unknown backend")
	}
}

func TestArchiveRequiresEndpoint(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "aimmed.yml")
	if err := os.WriteFile(path, []byte("archive:\n  enabled: true\n"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("AIMMED_CONFIG", path)

	if _, err := Load(); err == nil {
		t.Fatal("expected error for archive without endpoint")
	}
}
