package hostconfig

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadReturnsDefaultsWhenFileMissing(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Listen != ":8443" {
		t.Errorf("Listen = %q; want :8443", cfg.Listen)
	}
}

func TestLoadParsesYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "host.yaml")
	data := []byte("listen: \":9000\"\ncontrol_listen: \":9001\"\nlogging:\n  level: debug\n")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Listen != ":9000" {
		t.Errorf("Listen = %q; want :9000", cfg.Listen)
	}
	if cfg.Logging.Level != "debug" {
		t.Errorf("Logging.Level = %q; want debug", cfg.Logging.Level)
	}
}

func TestLoadRejectsIncompleteTLSConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "host.yaml")
	data := []byte("tls:\n  enabled: true\n")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	if _, err := Load(path); err == nil {
		t.Error("expected validation error for TLS enabled without cert/key or auto_cert")
	}
}

func TestEnvOverridesControlAPIKeyEnablesAuth(t *testing.T) {
	t.Setenv("PROTECTCORE_CONTROL_API_KEY", "secret")
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if !cfg.Control.AuthEnabled {
		t.Error("expected AuthEnabled to be true when API key env var is set")
	}
}
