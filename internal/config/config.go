// Package config handles configuration loading from YAML and environment variables.
package config

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"runtime"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration structure.
type Config struct {
	Proxy       ProxyConfig       `yaml:"proxy"`
	Capture     CaptureConfig     `yaml:"capture"`
	Persistence PersistenceConfig `yaml:"persistence"`
	Breakpoints BreakpointsConfig `yaml:"breakpoints"`
	Auth        AuthConfig        `yaml:"auth"`
}

// ProxyConfig configures the HTTP/TLS proxy listener.
type ProxyConfig struct {
	Listen        string `yaml:"listen"` // e.g., "127.0.0.1:9090"
	Host          string `yaml:"host"`
	Port          int    `yaml:"port"`
	EnableHTTPS   bool   `yaml:"enable_https"`    // whether CONNECT requests are MITM-intercepted
	EnableH2      bool   `yaml:"enable_h2"`       // whether the H2 upstream pool/bridge is used
	MaxPortProbes int    `yaml:"max_port_probes"` // sequential ports to try if the requested one is busy
}

// CaptureConfig bounds per-request memory usage in the data plane.
type CaptureConfig struct {
	HeadMaxBytes      int `yaml:"head_max_bytes"`       // 128 KiB, §4.3
	RequestBodyMax    int `yaml:"request_body_max"`     // 32 MiB hard cap, §4.3/§6
	BodyCaptureMax    int `yaml:"body_capture_max"`     // 512 KiB, §4.9
	WSPayloadMax      int `yaml:"ws_payload_max"`       // 256 KiB, §4.2
	IdleTimeoutSec    int `yaml:"idle_timeout_sec"`     // 30s, §4.2/§5
	H2PoolTTLSec      int `yaml:"h2_pool_ttl_sec"`      // 30s, §5
	H2BlocklistTTLSec int `yaml:"h2_blocklist_ttl_sec"` // 300s, §5
}

// PersistenceConfig configures SQLite persistence and the in-memory ring.
type PersistenceConfig struct {
	StoragePath  string `yaml:"storage_path"` // root for CA, traffic log, derived files
	RingSize     int    `yaml:"ring_size"`    // in-memory ring capacity, default 10000
	CertCacheMax int    `yaml:"cert_cache_max"`
}

// BreakpointsConfig seeds breakpoint rules at startup.
type BreakpointsConfig struct {
	Rules []BreakpointRuleConfig `yaml:"rules"`
}

// BreakpointRuleConfig is the YAML-serializable form of a breakpoint rule.
type BreakpointRuleConfig struct {
	Enabled      bool   `yaml:"enabled"`
	Method       string `yaml:"method"`
	HostContains string `yaml:"host_contains"`
	PathContains string `yaml:"path_contains"`
}

// AuthConfig configures Core API authentication for remote consumers.
type AuthConfig struct {
	Token string `yaml:"token"`
}

// DefaultConfig returns a Config with the spec's defaults.
func DefaultConfig() *Config {
	return &Config{
		Proxy: ProxyConfig{
			Listen:        "127.0.0.1:9090",
			EnableHTTPS:   true,
			EnableH2:      true,
			MaxPortProbes: 10,
		},
		Capture: CaptureConfig{
			HeadMaxBytes:      128 * 1024,
			RequestBodyMax:    32 * 1024 * 1024,
			BodyCaptureMax:    512 * 1024,
			WSPayloadMax:      256 * 1024,
			IdleTimeoutSec:    30,
			H2PoolTTLSec:      30,
			H2BlocklistTTLSec: 300,
		},
		Persistence: PersistenceConfig{
			StoragePath:  "",
			RingSize:     10000,
			CertCacheMax: 256,
		},
		Auth: AuthConfig{
			Token: "",
		},
	}
}

// ConfigDir returns the platform-specific config directory.
func ConfigDir() (string, error) {
	switch runtime.GOOS {
	case "windows":
		appData := os.Getenv("APPDATA")
		if appData == "" {
			return "", fmt.Errorf("APPDATA environment variable not set")
		}
		return filepath.Join(appData, "cheddarproxy"), nil
	default: // linux, darwin, etc.
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("getting home directory: %w", err)
		}
		return filepath.Join(home, ".config", "cheddarproxy"), nil
	}
}

// DefaultConfigPath returns the default config file path.
func DefaultConfigPath() (string, error) {
	dir, err := ConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.yaml"), nil
}

// DefaultStoragePath returns the default storage_path root (spec §6).
func DefaultStoragePath() (string, error) {
	return ConfigDir()
}

// TrafficDBPath returns the durable Transaction Store file under storage_path.
func (c *PersistenceConfig) TrafficDBPath() string {
	return filepath.Join(c.StoragePath, "cheddarproxy_traffic.sqlite")
}

// Load loads configuration from file, with environment variable overrides.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	storagePath, err := DefaultStoragePath()
	if err != nil {
		return nil, fmt.Errorf("getting default storage path: %w", err)
	}
	cfg.Persistence.StoragePath = storagePath

	if path == "" {
		path, err = DefaultConfigPath()
		if err != nil {
			return nil, fmt.Errorf("getting default config path: %w", err)
		}
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnvOverrides()
			if cfg.Auth.Token == "" {
				cfg.Auth.Token, err = generateToken()
				if err != nil {
					return nil, fmt.Errorf("generating auth token: %w", err)
				}
				if err := cfg.Save(path); err != nil {
					return nil, fmt.Errorf("saving config: %w", err)
				}
			}
			return cfg, nil
		}
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	cfg.applyEnvOverrides()

	if cfg.Auth.Token == "" {
		cfg.Auth.Token, err = generateToken()
		if err != nil {
			return nil, fmt.Errorf("generating auth token: %w", err)
		}
		if err := cfg.Save(path); err != nil {
			return nil, fmt.Errorf("saving config: %w", err)
		}
	}

	return cfg, nil
}

// Save writes the config to the specified path with secure permissions.
func (c *Config) Save(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}

	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}

	return nil
}

// applyEnvOverrides applies environment variable overrides to the config.
// RUST_LOG-equivalent log level is read directly in cmd/, not here.
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("CHEDDARPROXY_LISTEN"); v != "" {
		c.Proxy.Listen = v
	}
	if v := os.Getenv("CHEDDARPROXY_STORAGE_PATH"); v != "" {
		c.Persistence.StoragePath = v
	}
	if v := os.Getenv("CHEDDARPROXY_AUTH_TOKEN"); v != "" {
		c.Auth.Token = v
	}
}

// GenerateToken generates a fresh cryptographically random auth token, for
// callers rotating the token of an already-loaded config (e.g. the CLI's
// token rotate subcommand).
func GenerateToken() (string, error) {
	return generateToken()
}

// generateToken generates a cryptographically random auth token.
func generateToken() (string, error) {
	bytes := make([]byte, 32)
	if _, err := rand.Read(bytes); err != nil {
		return "", err
	}
	return "cheddarproxy_" + hex.EncodeToString(bytes), nil
}

// ListenAddr returns the listen address, handling host:port vs listen field.
func (c *ProxyConfig) ListenAddr() string {
	if c.Listen != "" {
		return c.Listen
	}
	host := c.Host
	if host == "" {
		host = "127.0.0.1"
	}
	port := c.Port
	if port == 0 {
		port = 9090
	}
	return fmt.Sprintf("%s:%d", host, port)
}
