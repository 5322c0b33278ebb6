package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefaultIsUsable(t *testing.T) {
	cfg := Default()
	if cfg.Node.Port == 0 {
		t.Error("Default() left Node.Port unset")
	}
	if cfg.Switch.MaxCircuits <= 0 {
		t.Error("Default() left Switch.MaxCircuits unset")
	}
	if cfg.Node.MaxHeapBytes == 0 {
		t.Error("Default() left Node.MaxHeapBytes unset")
	}
}

func TestLoadOverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "onionmesh.yaml")
	yaml := "node:\n  ip: 10.1.1.1\n  port: 7000\nswitchboard:\n  max_circuits: 5\n"
	if err := os.WriteFile(path, []byte(yaml), 0600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Node.IP != "10.1.1.1" {
		t.Errorf("Node.IP = %q, want %q", cfg.Node.IP, "10.1.1.1")
	}
	if cfg.Node.Port != 7000 {
		t.Errorf("Node.Port = %d, want 7000", cfg.Node.Port)
	}
	if cfg.Switch.MaxCircuits != 5 {
		t.Errorf("Switch.MaxCircuits = %d, want 5", cfg.Switch.MaxCircuits)
	}
	// Untouched sections retain Default()'s values.
	if cfg.Directory.Port != Default().Directory.Port {
		t.Errorf("Directory.Port = %d, want default %d", cfg.Directory.Port, Default().Directory.Port)
	}
}

func TestLoadRejectsMissingFile(t *testing.T) {
	if _, err := Load("/nonexistent/path/onionmesh.yaml"); err == nil {
		t.Fatal("expected an error loading a missing config file")
	}
}

func TestApplyEnvironmentOverridesNodeFields(t *testing.T) {
	t.Setenv("ONIONMESH_NODE_IP", "192.168.1.5")
	t.Setenv("ONIONMESH_NODE_PORT", "9999")
	t.Setenv("ONIONMESH_RATE_LIMIT_ENABLED", "0")
	t.Setenv("ONIONMESH_MAX_HEAP_BYTES", "1048576")

	cfg := Default()
	cfg.ApplyEnvironment()

	if cfg.Node.IP != "192.168.1.5" {
		t.Errorf("Node.IP = %q, want %q", cfg.Node.IP, "192.168.1.5")
	}
	if cfg.Node.Port != 9999 {
		t.Errorf("Node.Port = %d, want 9999", cfg.Node.Port)
	}
	if cfg.RateLimit.Enabled {
		t.Error("RateLimit.Enabled should be false after ONIONMESH_RATE_LIMIT_ENABLED=0")
	}
	if cfg.Node.MaxHeapBytes != 1048576 {
		t.Errorf("Node.MaxHeapBytes = %d, want 1048576", cfg.Node.MaxHeapBytes)
	}
}

func TestApplyEnvironmentIgnoresUnsetVars(t *testing.T) {
	cfg := Default()
	want := *cfg
	cfg.ApplyEnvironment()
	if *cfg != want {
		t.Error("ApplyEnvironment modified config despite no ONIONMESH_* vars set")
	}
}

func TestGenerateNodeIDIsNonEmptyAndVaries(t *testing.T) {
	a := GenerateNodeID()
	b := GenerateNodeID()
	if a == "" || b == "" {
		t.Fatal("GenerateNodeID returned an empty string")
	}
	if a == b {
		t.Error("two calls to GenerateNodeID produced the same value")
	}
}
