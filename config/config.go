package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/docker/go-units"
	"github.com/spf13/viper"
	"go.uber.org/zap/zapcore"
)

// EnvPrefix is prepended to every environment override, e.g.
// DATARUN_SANDBOX_MAX_CONCURRENCY=4.
const EnvPrefix = "DATARUN"

// Config represents the application configuration
type Config struct {
	Server  ServerConfig  `mapstructure:"server"`
	Sandbox SandboxConfig `mapstructure:"sandbox"`
	Queue   QueueConfig   `mapstructure:"queue"`
	Logging LoggingConfig `mapstructure:"logging"`
}

// ServerConfig holds the intake transports configuration
type ServerConfig struct {
	Transport string `mapstructure:"transport"`
	HTTPPort  int    `mapstructure:"http_port"`
	// APIPort serves the REST task API and /metrics. Zero disables it.
	APIPort int `mapstructure:"api_port"`
}

// SandboxConfig holds sandbox configuration
type SandboxConfig struct {
	Backend            string        `mapstructure:"backend"`
	Image              string        `mapstructure:"image"`
	Workdir            string        `mapstructure:"workdir"`
	DataDir            string        `mapstructure:"data_dir"`
	MaxConcurrency     int           `mapstructure:"max_concurrency"`
	ExecutionTimeout   time.Duration `mapstructure:"execution_timeout"`
	MaxTimeout         time.Duration `mapstructure:"max_timeout"`
	Memory             string        `mapstructure:"memory"`
	MemorySwap         string        `mapstructure:"memory_swap"`
	PidsLimit          int64         `mapstructure:"pids_limit"`
	MaxOutputBytes     int           `mapstructure:"max_output_bytes"`
	DefaultLibraries   []string      `mapstructure:"default_libraries"`
	NetworkEnabled     bool          `mapstructure:"network_enabled"`
	EnableLocalBackend bool          `mapstructure:"enable_local_backend"`
	LocalPython        string        `mapstructure:"local_python"`
}

// QueueConfig holds job retention settings
type QueueConfig struct {
	ResultTTL     time.Duration `mapstructure:"result_ttl"`
	PruneInterval time.Duration `mapstructure:"prune_interval"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Mode  string `mapstructure:"mode"`
	Level string `mapstructure:"level"`
}

// New loads and validates the application configuration from config.yaml in
// the working directory or ./config, falling back to defaults.
func New() (*Config, error) {
	return Load(".", "./config")
}

// Load reads config.yaml from the first of paths that contains one. Environment
// variables prefixed with EnvPrefix override file values.
func Load(paths ...string) (*Config, error) {
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	for _, p := range paths {
		v.AddConfigPath(p)
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
		// If config file not found, continue with defaults
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := config.validate(); err != nil {
		return nil, fmt.Errorf("config validation error: %w", err)
	}

	return &config, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.transport", "http")
	v.SetDefault("server.http_port", 8080)
	v.SetDefault("server.api_port", 8090)

	v.SetDefault("sandbox.backend", "docker")
	v.SetDefault("sandbox.image", "datarun-sandbox-runtime:latest")
	v.SetDefault("sandbox.workdir", "/sandbox")
	v.SetDefault("sandbox.data_dir", "data/agent_datasets")
	v.SetDefault("sandbox.max_concurrency", 2)
	v.SetDefault("sandbox.execution_timeout", "5s")
	v.SetDefault("sandbox.max_timeout", "120s")
	v.SetDefault("sandbox.memory", "512m")
	v.SetDefault("sandbox.memory_swap", "512m")
	v.SetDefault("sandbox.pids_limit", 256)
	v.SetDefault("sandbox.max_output_bytes", 1<<20)
	v.SetDefault("sandbox.default_libraries", []string{"numpy"})
	v.SetDefault("sandbox.network_enabled", false)
	v.SetDefault("sandbox.enable_local_backend", false)
	v.SetDefault("sandbox.local_python", "python3")

	v.SetDefault("queue.result_ttl", "1h")
	v.SetDefault("queue.prune_interval", "1m")

	v.SetDefault("logging.mode", "production")
	v.SetDefault("logging.level", "info")
}

// validate ensures the configuration is valid
//
//nolint:gocyclo // flat list of independent checks
func (c *Config) validate() error {
	if c.Server.Transport != "stdio" && c.Server.Transport != "http" {
		return fmt.Errorf("invalid server.transport: %s, must be 'stdio' or 'http'", c.Server.Transport)
	}

	if c.Server.APIPort < 0 {
		return fmt.Errorf("server.api_port must not be negative, got: %d", c.Server.APIPort)
	}

	if c.Sandbox.MaxConcurrency <= 0 {
		return fmt.Errorf("sandbox.max_concurrency must be positive, got: %d", c.Sandbox.MaxConcurrency)
	}

	if c.Sandbox.ExecutionTimeout <= 0 {
		return fmt.Errorf("sandbox.execution_timeout must be positive, got: %s", c.Sandbox.ExecutionTimeout)
	}

	if c.Sandbox.MaxTimeout < c.Sandbox.ExecutionTimeout {
		return fmt.Errorf("sandbox.max_timeout (%s) must not be below sandbox.execution_timeout (%s)",
			c.Sandbox.MaxTimeout, c.Sandbox.ExecutionTimeout)
	}

	if _, err := ParseMemory(c.Sandbox.Memory); err != nil {
		return fmt.Errorf("invalid sandbox.memory: %w", err)
	}

	if _, err := ParseMemory(c.Sandbox.MemorySwap); err != nil {
		return fmt.Errorf("invalid sandbox.memory_swap: %w", err)
	}

	if c.Sandbox.MaxOutputBytes <= 0 {
		return fmt.Errorf("sandbox.max_output_bytes must be positive, got: %d", c.Sandbox.MaxOutputBytes)
	}

	if c.Sandbox.DataDir == "" {
		return fmt.Errorf("sandbox.data_dir must be set")
	}

	if !strings.HasPrefix(c.Sandbox.Workdir, "/") {
		return fmt.Errorf("sandbox.workdir must be an absolute path, got: %q", c.Sandbox.Workdir)
	}

	supportedBackends := map[string]bool{
		"docker":     true,
		"docker-cli": true,
		"podman":     true,
		"local":      c.Sandbox.EnableLocalBackend, // local only enabled if specifically allowed
	}

	if !supportedBackends[c.Sandbox.Backend] {
		return fmt.Errorf("unsupported sandbox.backend: %s", c.Sandbox.Backend)
	}

	if c.Sandbox.Backend != "local" && c.Sandbox.Image == "" {
		return fmt.Errorf("sandbox.image must be set for backend %s", c.Sandbox.Backend)
	}

	if c.Queue.ResultTTL < 0 {
		return fmt.Errorf("queue.result_ttl must not be negative, got: %s", c.Queue.ResultTTL)
	}

	if c.Queue.ResultTTL > 0 && c.Queue.PruneInterval <= 0 {
		return fmt.Errorf("queue.prune_interval must be positive when queue.result_ttl is set, got: %s", c.Queue.PruneInterval)
	}

	if c.Logging.Mode != "production" && c.Logging.Mode != "development" {
		return fmt.Errorf("invalid logging.mode: %s, must be 'production' or 'development'", c.Logging.Mode)
	}

	if _, err := zapcore.ParseLevel(c.Logging.Level); err != nil {
		return fmt.Errorf("invalid logging.level: %s", c.Logging.Level)
	}

	return nil
}

// ParseMemory converts a docker-style size ("512m", "1g") into bytes. The
// value "-1" means unlimited and is returned as -1.
func ParseMemory(s string) (int64, error) {
	if s == "-1" {
		return -1, nil
	}
	n, err := units.RAMInBytes(s)
	if err != nil {
		return 0, err
	}
	if n <= 0 {
		return 0, fmt.Errorf("size must be positive, got: %q", s)
	}
	return n, nil
}

// GetTimeout returns the default execution timeout
func (c *Config) GetTimeout() time.Duration {
	return c.Sandbox.ExecutionTimeout
}
