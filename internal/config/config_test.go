package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaults(t *testing.T) {
	cfg := Default()
	if cfg.Port == 0 || cfg.SadTalkerDir == "" || cfg.OutputDir == "" || cfg.TempDir == "" {
		t.Fatalf("default config invalid: %+v", cfg)
	}
	if cfg.MaxConcurrentJobs < 1 || cfg.QueueDepth < 1 {
		t.Fatalf("default sizing invalid: %+v", cfg)
	}
	if cfg.GenerateTimeout() != 120*time.Second {
		t.Fatalf("unexpected generate timeout: %v", cfg.GenerateTimeout())
	}
	if cfg.LedgerPath() != filepath.Join(cfg.DataDir, "jobs.db") {
		t.Fatalf("unexpected ledger path: %s", cfg.LedgerPath())
	}
}

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load("not_exists.yml")
	if err != nil {
		t.Fatalf("expected no error for missing file, got %v", err)
	}
	if cfg.Port != Default().Port {
		t.Fatalf("expected default port, got %d", cfg.Port)
	}
}

func TestLoadReadsAndValidates(t *testing.T) {
	tempDir := t.TempDir()
	path := filepath.Join(tempDir, "cfg.yml")
	content := []byte("port: 9090\nsadtalker_dir: /opt/sadtalker\npython_bin: python3\nmax_concurrent_jobs: 2\nqueue_depth: 4\n")
	if err := os.WriteFile(path, content, 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Port != 9090 || cfg.SadTalkerDir != "/opt/sadtalker" || cfg.PythonBin != "python3" {
		t.Fatalf("unexpected cfg: %+v", cfg)
	}
	if cfg.MaxConcurrentJobs != 2 || cfg.QueueDepth != 4 {
		t.Fatalf("unexpected sizing: %+v", cfg)
	}
	if cfg.OutputDir == "" || cfg.GenerateTimeoutSeconds != defaultGenerateTimeoutSeconds {
		t.Fatalf("unset fields not defaulted: %+v", cfg)
	}
}

func TestLoadRejectsInvalidConcurrency(t *testing.T) {
	tempDir := t.TempDir()
	path := filepath.Join(tempDir, "cfg.yml")
	content := []byte("max_concurrent_jobs: 0\n")
	if err := os.WriteFile(path, content, 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := Load(path); err == nil {
		t.Fatalf("expected error for invalid concurrency")
	}
}

func TestLoadRejectsNegativeTimeout(t *testing.T) {
	tempDir := t.TempDir()
	path := filepath.Join(tempDir, "cfg.yml")
	content := []byte("generate_timeout_seconds: -5\n")
	if err := os.WriteFile(path, content, 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := Load(path); err == nil {
		t.Fatalf("expected error for negative timeout")
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("SADTALKER_PATH", "/srv/sadtalker")
	t.Setenv("OUTPUT_DIR", "/srv/outputs")
	t.Setenv("TEMP_DIR", "/srv/temp")
	t.Setenv("PORT", "9001")

	cfg, err := Load("not_exists.yml")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.SadTalkerDir != "/srv/sadtalker" || cfg.OutputDir != "/srv/outputs" || cfg.TempDir != "/srv/temp" {
		t.Fatalf("env overrides not applied: %+v", cfg)
	}
	if cfg.Port != 9001 {
		t.Fatalf("expected port 9001, got %d", cfg.Port)
	}
}

func TestEnvRejectsBadPort(t *testing.T) {
	t.Setenv("PORT", "not-a-port")
	if _, err := Load("not_exists.yml"); err == nil {
		t.Fatalf("expected error for malformed PORT")
	}
}
