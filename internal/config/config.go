// Package config loads the runner's TOML configuration file, falling
// back to sensible defaults when the file is absent.
package config

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
)

// Config holds all runner configuration.
type Config struct {
	General  GeneralConfig  `toml:"general"`
	Dispatch DispatchConfig `toml:"dispatch"`
	Lease    LeaseConfig    `toml:"lease"`
	Approval ApprovalConfig `toml:"approval"`
}

// GeneralConfig holds filesystem and concurrency settings.
type GeneralConfig struct {
	ManagedRoot      string `toml:"managed_root"`
	RepoCacheDir     string `toml:"repo_cache_dir"`
	MaxParallelRepos int    `toml:"max_parallel_repos"`
	NonceCachePath   string `toml:"nonce_cache_path"`
	StateDBPath      string `toml:"state_db_path"`
	RunnerID         string `toml:"runner_id"`
}

// DispatchConfig holds the outbound control-plane connection settings.
type DispatchConfig struct {
	ControlPlaneURL string        `toml:"control_plane_url"`
	DeviceID        string        `toml:"device_id"`
	IntentTTL       time.Duration `toml:"intent_ttl"`
}

// LeaseConfig holds lease TTL and heartbeat settings.
type LeaseConfig struct {
	TTL               time.Duration `toml:"ttl"`
	HeartbeatInterval time.Duration `toml:"heartbeat_interval"`
}

// ApprovalConfig holds approval gate TTL settings.
type ApprovalConfig struct {
	DefaultTTL time.Duration `toml:"default_ttl"`
}

// Default returns a Config with sensible defaults.
func Default() *Config {
	home, _ := os.UserHomeDir()
	root := filepath.Join(home, ".vkrunner", "workspaces")
	return &Config{
		General: GeneralConfig{
			ManagedRoot:      root,
			RepoCacheDir:     filepath.Join(root, ".cache", "repos"),
			MaxParallelRepos: 4,
			NonceCachePath:   filepath.Join(root, ".state", "nonces.cbor"),
			StateDBPath:      filepath.Join(root, ".state", "vkrunner.sqlite"),
		},
		Dispatch: DispatchConfig{
			IntentTTL: 30 * time.Second,
		},
		Lease: LeaseConfig{
			TTL:               90 * time.Second,
			HeartbeatInterval: 30 * time.Second,
		},
		Approval: ApprovalConfig{
			DefaultTTL: 24 * time.Hour,
		},
	}
}

// Load reads configuration from a TOML file, falling back to defaults
// when the file does not exist.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, err
	}

	if err := toml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}

	cfg.General.ManagedRoot = ExpandPath(cfg.General.ManagedRoot)
	cfg.General.RepoCacheDir = ExpandPath(cfg.General.RepoCacheDir)
	cfg.General.NonceCachePath = ExpandPath(cfg.General.NonceCachePath)
	cfg.General.StateDBPath = ExpandPath(cfg.General.StateDBPath)

	return cfg, nil
}

// ExpandPath expands a leading ~ to the user's home directory.
func ExpandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		home, _ := os.UserHomeDir()
		return filepath.Join(home, path[2:])
	}
	return path
}

// DefaultConfigPath returns the default config file location.
func DefaultConfigPath() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".config", "vkrunner", "config.toml")
}
