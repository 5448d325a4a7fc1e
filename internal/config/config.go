package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/docker/go-connections/nat"
	"gopkg.in/yaml.v3"

	"github.com/dyluth/lodge/internal/docker"
)

// DefaultPath is the project file looked up in the working directory.
const DefaultPath = "lodge.yml"

// EnvRedisURL overrides store.redis_url.
const EnvRedisURL = "REDIS_URL"

// LodgeConfig represents the top-level lodge.yml configuration
type LodgeConfig struct {
	Version    string          `yaml:"version"`
	Experiment string          `yaml:"experiment"`            // Names output directories and containers
	ConfigDirs []string        `yaml:"config_dirs,omitempty"` // Searched before the built-in fragments, in order
	Database   string          `yaml:"database,omitempty"`    // pyannote database.yml
	Outputs    string          `yaml:"outputs,omitempty"`     // Root of all run output directories
	Store      *StoreConfig    `yaml:"store,omitempty"`
	Launcher   *LauncherConfig `yaml:"launcher,omitempty"`

	// Directory holding the file; relative paths are resolved against it
	baseDir string
}

// StoreConfig points at the Redis run store. Runs are not persisted when
// RedisURL is empty.
type StoreConfig struct {
	RedisURL  string `yaml:"redis_url,omitempty"`
	Namespace string `yaml:"namespace,omitempty"` // Defaults to the experiment name
}

// LauncherConfig configures the docker cluster launcher.
type LauncherConfig struct {
	Image   string            `yaml:"image,omitempty"`   // Default job image
	Network string            `yaml:"network,omitempty"` // Docker network for job containers
	Volumes []string          `yaml:"volumes,omitempty"` // Bind mounts, "host:container[:mode]"
	Env     map[string]string `yaml:"env,omitempty"`     // Extra job environment
	// Ports are published from every job container, in docker's
	// "[ip:][host_port:]container_port[/proto]" form. Leave the host port
	// empty when several jobs run on one host.
	Ports []string `yaml:"ports,omitempty"`
	// RedisURL is the run store address as seen from inside job containers.
	// Defaults to store.redis_url.
	RedisURL string `yaml:"redis_url,omitempty"`
}

// Default returns the configuration used when no lodge.yml exists.
func Default() *LodgeConfig {
	c := &LodgeConfig{Version: "1.0"}
	if err := c.Validate(); err != nil {
		panic(err)
	}
	return c
}

// Validate performs strict validation and applies defaults.
func (c *LodgeConfig) Validate() error {
	if c.Version != "1.0" {
		return fmt.Errorf("unsupported version: %s (expected: 1.0)", c.Version)
	}

	if c.Experiment == "" {
		c.Experiment = "default"
	}
	if err := docker.ValidateName(c.Experiment); err != nil {
		return err
	}

	for i, dir := range c.ConfigDirs {
		if strings.TrimSpace(dir) == "" {
			return fmt.Errorf("config_dirs[%d] is empty", i)
		}
	}

	if c.Outputs == "" {
		c.Outputs = "outputs"
	}

	if c.Store == nil {
		c.Store = &StoreConfig{}
	}
	if c.Store.RedisURL != "" && !strings.HasPrefix(c.Store.RedisURL, "redis://") && !strings.HasPrefix(c.Store.RedisURL, "rediss://") {
		return fmt.Errorf("store.redis_url must start with redis:// or rediss://, got '%s'", c.Store.RedisURL)
	}
	if c.Store.Namespace == "" {
		c.Store.Namespace = c.Experiment
	}

	if c.Launcher == nil {
		c.Launcher = &LauncherConfig{}
	}
	for i, v := range c.Launcher.Volumes {
		if !strings.Contains(v, ":") {
			return fmt.Errorf("launcher.volumes[%d] must be 'host:container[:mode]', got '%s'", i, v)
		}
	}
	for k := range c.Launcher.Env {
		if k == "" || strings.Contains(k, "=") {
			return fmt.Errorf("launcher.env has invalid variable name '%s'", k)
		}
	}
	if _, _, err := nat.ParsePortSpecs(c.Launcher.Ports); err != nil {
		return fmt.Errorf("launcher.ports: %w", err)
	}
	if c.Launcher.RedisURL == "" {
		c.Launcher.RedisURL = c.Store.RedisURL
	}

	return nil
}

// ApplyEnv applies environment overrides.
func (c *LodgeConfig) ApplyEnv(getenv func(string) string) {
	if url := getenv(EnvRedisURL); url != "" {
		if c.Launcher.RedisURL == c.Store.RedisURL {
			c.Launcher.RedisURL = url
		}
		c.Store.RedisURL = url
	}
}

// Resolve makes a path from the file relative to the file's directory.
func (c *LodgeConfig) Resolve(path string) string {
	if path == "" || filepath.IsAbs(path) || c.baseDir == "" {
		return path
	}
	return filepath.Join(c.baseDir, path)
}

// SearchPath returns config_dirs resolved against the file's directory.
func (c *LodgeConfig) SearchPath() []string {
	out := make([]string, len(c.ConfigDirs))
	for i, dir := range c.ConfigDirs {
		out[i] = c.Resolve(dir)
	}
	return out
}

// Load reads and validates lodge.yml from the specified path
func Load(path string) (*LodgeConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	var config LodgeConfig
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	abs, err := filepath.Abs(path)
	if err == nil {
		config.baseDir = filepath.Dir(abs)
	}

	return &config, nil
}

// LoadOrDefault loads path, falling back to Default when path is the
// default location and does not exist.
func LoadOrDefault(path string) (*LodgeConfig, error) {
	cfg, err := Load(path)
	if err != nil && path == DefaultPath && errors.Is(err, fs.ErrNotExist) {
		return Default(), nil
	}
	return cfg, err
}
