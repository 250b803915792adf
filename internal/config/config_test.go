package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoad_Defaults(t *testing.T) {
	cfg := Default()

	if cfg.General.MaxParallelRepos != 4 {
		t.Errorf("MaxParallelRepos = %d, want 4", cfg.General.MaxParallelRepos)
	}
	if cfg.Lease.TTL != 90*time.Second {
		t.Errorf("Lease.TTL = %v, want 90s", cfg.Lease.TTL)
	}
	if cfg.Approval.DefaultTTL != 24*time.Hour {
		t.Errorf("Approval.DefaultTTL = %v, want 24h", cfg.Approval.DefaultTTL)
	}
}

func TestLoad_FromFile(t *testing.T) {
	dir := t.TempDir()
	configPath := filepath.Join(dir, "config.toml")

	content := `
[general]
managed_root = "/test/workspaces"
max_parallel_repos = 8

[dispatch]
control_plane_url = "wss://example.test/dispatch"
device_id = "device-1"
`
	if err := os.WriteFile(configPath, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatal(err)
	}

	if cfg.General.ManagedRoot != "/test/workspaces" {
		t.Errorf("ManagedRoot = %q, want /test/workspaces", cfg.General.ManagedRoot)
	}
	if cfg.General.MaxParallelRepos != 8 {
		t.Errorf("MaxParallelRepos = %d, want 8", cfg.General.MaxParallelRepos)
	}
	if cfg.Dispatch.DeviceID != "device-1" {
		t.Errorf("DeviceID = %q, want device-1", cfg.Dispatch.DeviceID)
	}
}

func TestLoad_MissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.toml"))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.General.MaxParallelRepos != 4 {
		t.Errorf("MaxParallelRepos = %d, want default 4", cfg.General.MaxParallelRepos)
	}
}

func TestExpandPath(t *testing.T) {
	home, _ := os.UserHomeDir()

	tests := []struct {
		input string
		want  string
	}{
		{"~/workspaces", filepath.Join(home, "workspaces")},
		{"/abs/path", "/abs/path"},
		{"relative/path", "relative/path"},
	}

	for _, tt := range tests {
		if got := ExpandPath(tt.input); got != tt.want {
			t.Errorf("ExpandPath(%q) = %q, want %q", tt.input, got, tt.want)
		}
	}
}
