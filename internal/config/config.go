// Package config loads and applies onionmesh's YAML configuration. Only
// the relay binary reads it; the directory and client binaries take their
// settings from their own flags.
package config

import (
	"crypto/rand"
	"encoding/hex"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds every setting the relay process reads from YAML and the
// environment.
type Config struct {
	Node      NodeConfig      `yaml:"node"`
	Directory DirectoryConfig `yaml:"directory"`
	Switch    SwitchConfig    `yaml:"switchboard"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	Exit      ExitConfig      `yaml:"exit"`
}

// NodeConfig identifies this process on the network (§6).
type NodeConfig struct {
	IP           string `yaml:"ip"`
	Port         int    `yaml:"port"`
	KeyStorePath string `yaml:"key_store_path"`
	LogLevel     string `yaml:"log_level"`
	LogFormat    string `yaml:"log_format"`
	// MaxHeapBytes is the ceiling the relay's memory health check reports
	// degraded past, separate from any OS-level limit.
	MaxHeapBytes uint64 `yaml:"max_heap_bytes"`
}

// DirectoryConfig is where a relay or client finds the directory (§6).
type DirectoryConfig struct {
	IP   string `yaml:"ip"`
	Port int    `yaml:"port"`
}

// SwitchConfig tunes the switchboard's circuit bookkeeping (§4.2, §5).
type SwitchConfig struct {
	MaxCircuits int           `yaml:"max_circuits"`
	DialTimeout time.Duration `yaml:"dial_timeout"`
	IOTimeout   time.Duration `yaml:"io_timeout"`
}

// RateLimitConfig tunes per-IP inbound packet limiting.
type RateLimitConfig struct {
	Enabled           bool          `yaml:"enabled"`
	RequestsPerSecond float64       `yaml:"requests_per_second"`
	BurstSize         int           `yaml:"burst_size"`
	CleanupInterval   time.Duration `yaml:"cleanup_interval"`
	BanDuration       time.Duration `yaml:"ban_duration"`
	MaxViolations     int           `yaml:"max_violations"`
}

// MetricsConfig controls the side-channel /metrics HTTP endpoint.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
}

// ExitConfig tunes the exit hop's outbound fetch (§6).
type ExitConfig struct {
	Timeout time.Duration `yaml:"timeout"`
}

// HopCount is the client's desired circuit length (§6), not part of the
// shared YAML since it varies per fetch rather than per process, but kept
// alongside Config for callers that bind it from flags/viper.
type HopCount int

// DefaultHopCount is the length the client builds when the operator does
// not specify one.
const DefaultHopCount HopCount = 3

// Default returns a Config with sensible defaults for a relay process.
func Default() *Config {
	return &Config{
		Node: NodeConfig{
			IP:           "0.0.0.0",
			Port:         9001,
			KeyStorePath: "/var/lib/onionmesh/keys",
			LogLevel:     "info",
			LogFormat:    "json",
			MaxHeapBytes: 256 << 20,
		},
		Directory: DirectoryConfig{
			IP:   "127.0.0.1",
			Port: 9000,
		},
		Switch: SwitchConfig{
			MaxCircuits: 100,
			DialTimeout: 1 * time.Second,
			IOTimeout:   1 * time.Second,
		},
		RateLimit: RateLimitConfig{
			Enabled:           true,
			RequestsPerSecond: 100,
			BurstSize:         200,
			CleanupInterval:   10 * time.Minute,
			BanDuration:       1 * time.Hour,
			MaxViolations:     10,
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Addr:    "0.0.0.0:9100",
		},
		Exit: ExitConfig{
			Timeout: 10 * time.Second,
		},
	}
}

// Load reads a YAML file at path over top of Default().
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnvironment overrides config values from environment variables,
// following the teacher's ONIONMESH_* naming convention.
func (c *Config) ApplyEnvironment() {
	if v := os.Getenv("ONIONMESH_NODE_IP"); v != "" {
		c.Node.IP = v
	}
	if v := os.Getenv("ONIONMESH_NODE_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			c.Node.Port = port
		}
	}
	if v := os.Getenv("ONIONMESH_KEY_STORE_PATH"); v != "" {
		c.Node.KeyStorePath = v
	}
	if v := os.Getenv("ONIONMESH_LOG_LEVEL"); v != "" {
		c.Node.LogLevel = v
	}
	if v := os.Getenv("ONIONMESH_DIRECTORY_IP"); v != "" {
		c.Directory.IP = v
	}
	if v := os.Getenv("ONIONMESH_DIRECTORY_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			c.Directory.Port = port
		}
	}
	if v := os.Getenv("ONIONMESH_MAX_HEAP_BYTES"); v != "" {
		if max, err := strconv.ParseUint(v, 10, 64); err == nil {
			c.Node.MaxHeapBytes = max
		}
	}
	if v := os.Getenv("ONIONMESH_MAX_CIRCUITS"); v != "" {
		if max, err := strconv.Atoi(v); err == nil {
			c.Switch.MaxCircuits = max
		}
	}
	if v := os.Getenv("ONIONMESH_RATE_LIMIT_ENABLED"); v != "" {
		c.RateLimit.Enabled = v == "true" || v == "1"
	}
	if v := os.Getenv("ONIONMESH_METRICS_ADDR"); v != "" {
		c.Metrics.Addr = v
	}
}

// GenerateNodeID produces a short random identifier, used for log lines
// before a relay's RSA fingerprint is available.
func GenerateNodeID() string {
	buf := make([]byte, 8)
	if _, err := rand.Read(buf); err != nil {
		return "node-" + strconv.FormatInt(time.Now().UnixNano(), 36)
	}
	return hex.EncodeToString(buf)
}
