package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatal(err)
	}
	if cfg.HTTP.Port != 8090 || !cfg.Merge.Enabled || cfg.Merge.MinParts != 4 || cfg.Merge.Interval != time.Minute {
		t.Fatalf("defaults %+v", cfg)
	}
	if cfg.Freeze.AllowCopyFallback {
		t.Fatal("copy fallback enabled by default")
	}
}

func TestLoadFileThenEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "icepart.yaml")
	content := `
data_root: /var/lib/icepart
http:
  port: 9000
freeze:
  allow_copy_fallback: true
merge:
  min_parts: 8
  max_elapsed: 30s
`
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("ICEPART_HTTP__PORT", "9100")
	t.Setenv("ICEPART_MERGE__ENABLED", "false")

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.DataRoot != "/var/lib/icepart" || !cfg.Freeze.AllowCopyFallback || cfg.Merge.MinParts != 8 {
		t.Fatalf("file values %+v", cfg)
	}
	if cfg.Merge.MaxElapsed != 30*time.Second {
		t.Fatalf("max_elapsed %s", cfg.Merge.MaxElapsed)
	}
	if cfg.HTTP.Port != 9100 || cfg.Merge.Enabled {
		t.Fatalf("env did not override the file: %+v", cfg)
	}
}

func TestLoadRejectsBadValues(t *testing.T) {
	t.Setenv("ICEPART_HTTP__PORT", "0")
	if _, err := Load(""); err == nil {
		t.Fatal("port 0 accepted")
	}
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("missing file accepted")
	}
}
