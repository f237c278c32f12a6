// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"slices"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// EnvVar names the environment variable Load reads.
const EnvVar = "BARISTA_CONFIG"

// Environment represents the deployment environment.
type Environment string

const (
	// Development is for a workstation running trainer and GUI together.
	Development Environment = "development"
	// Production is for a dedicated training host.
	Production Environment = "production"
)

// Duration is a time.Duration written as a Go duration string.
type Duration time.Duration

// UnmarshalYAML parses a duration string such as "1s" or "250ms".
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var text string
	if err := node.Decode(&text); err != nil {
		return fmt.Errorf("line %d: duration must be a string: %w", node.Line, err)
	}
	parsed, err := time.ParseDuration(text)
	if err != nil {
		return fmt.Errorf("line %d: %w", node.Line, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML writes the duration string.
func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// Std returns d as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config is the master configuration for Barista.
type Config struct {
	// Environment identifies the deployment type.
	Environment Environment `yaml:"environment"`

	// Paths configures directory locations.
	Paths PathsConfig `yaml:"paths"`

	// Host configures the session host daemon.
	Host HostConfig `yaml:"host"`

	// Client configures connections to a session host.
	Client ClientConfig `yaml:"client"`

	// Trainer configures the external training binary.
	Trainer TrainerConfig `yaml:"trainer"`

	// Scheduler configures the log-replay worker pool.
	Scheduler SchedulerConfig `yaml:"scheduler"`

	// Log configures structured logging.
	Log LogConfig `yaml:"log"`

	Development *ConfigOverrides `yaml:"development,omitempty"`
	Production  *ConfigOverrides `yaml:"production,omitempty"`
}

// ConfigOverrides contains fields that can be overridden per environment.
type ConfigOverrides struct {
	Paths   *PathsConfig   `yaml:"paths,omitempty"`
	Host    *HostConfig    `yaml:"host,omitempty"`
	Trainer *TrainerConfig `yaml:"trainer,omitempty"`
	Log     *LogConfig     `yaml:"log,omitempty"`
}

// PathsConfig configures directory locations.
type PathsConfig struct {
	// Root is the project directory; sessions live under Root/sessions.
	Root string `yaml:"root"`
}

// HostConfig configures the session host daemon.
type HostConfig struct {
	// Listen is the TCP address the host accepts connections on.
	// Default: 127.0.0.1:7373
	Listen string `yaml:"listen"`

	// Compression applied to outbound frames: none, lz4 or zstd.
	// Default: none
	Compression string `yaml:"compression"`
}

// ClientConfig configures connections to a session host.
type ClientConfig struct {
	// Address of the session host.
	// Default: 127.0.0.1:7373
	Address string `yaml:"address"`

	// RequestTimeout bounds one request/reply exchange.
	// Default: 10s
	RequestTimeout Duration `yaml:"request_timeout"`

	// Debounce is the window in which state-dictionary edits are
	// coalesced before sending.
	// Default: 300ms
	Debounce Duration `yaml:"debounce"`

	// Compression applied to outbound frames.
	// Default: none
	Compression string `yaml:"compression"`
}

// TrainerConfig configures the external training binary.
type TrainerConfig struct {
	// Binary is the trainer executable, as a path or a name on PATH.
	// Default: caffe
	Binary string `yaml:"binary"`

	// Args are appended to every trainer invocation.
	Args []string `yaml:"args"`

	// GracePeriod is how long a paused trainer may take to write its
	// checkpoint and exit before it is killed.
	// Default: 1s
	GracePeriod Duration `yaml:"grace_period"`
}

// SchedulerConfig configures the log-replay worker pool.
type SchedulerConfig struct {
	// Workers caps concurrent replay jobs. Zero uses the number of CPUs
	// minus two, at least one.
	Workers int `yaml:"workers"`

	// PollTimeout is how long an idle worker waits for new work per
	// poll.
	// Default: 500ms
	PollTimeout Duration `yaml:"poll_timeout"`

	// IdlePolls is how many empty polls a worker tolerates before
	// exiting.
	// Default: 3
	IdlePolls int `yaml:"idle_polls"`
}

// LogConfig configures structured logging.
type LogConfig struct {
	// Level is one of debug, info, warn, error.
	// Default: info
	Level string `yaml:"level"`

	// Format is json or text.
	// Default: json (production), text (development)
	Format string `yaml:"format"`
}

var (
	compressionValues = []string{"none", "lz4", "zstd"}
	levelValues       = []string{"debug", "info", "warn", "error"}
	formatValues      = []string{"json", "text"}
)

// Default returns the default configuration, used as the base before
// a file is loaded and by commands run without one.
func Default() *Config {
	homeDir, _ := os.UserHomeDir()
	return &Config{
		Environment: Development,
		Paths: PathsConfig{
			Root: filepath.Join(homeDir, ".local", "share", "barista", "project"),
		},
		Host: HostConfig{
			Listen:      "127.0.0.1:7373",
			Compression: "none",
		},
		Client: ClientConfig{
			Address:        "127.0.0.1:7373",
			RequestTimeout: Duration(10 * time.Second),
			Debounce:       Duration(300 * time.Millisecond),
			Compression:    "none",
		},
		Trainer: TrainerConfig{
			Binary:      "caffe",
			GracePeriod: Duration(time.Second),
		},
		Scheduler: SchedulerConfig{
			PollTimeout: Duration(500 * time.Millisecond),
			IdlePolls:   3,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load loads configuration from the BARISTA_CONFIG environment variable.
// There is no fallback: if the variable is not set, Load fails.
func Load() (*Config, error) {
	configPath := os.Getenv(EnvVar)
	if configPath == "" {
		return nil, fmt.Errorf("%s environment variable not set; "+
			"set it to the path of your barista.yaml config file, or use --config flag", EnvVar)
	}
	return LoadFile(configPath)
}

// LoadFile loads configuration from a specific file path on top of
// Default, applies the environment section, and expands variables.
func LoadFile(path string) (*Config, error) {
	cfg := Default()

	if err := cfg.loadFile(path); err != nil {
		return nil, err
	}
	cfg.applyEnvironmentOverrides()
	cfg.expandVariables()
	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parsing %s: %w", path, err)
	}
	return nil
}

// applyEnvironmentOverrides applies the section matching Environment.
// Production without a section logs as JSON.
func (c *Config) applyEnvironmentOverrides() {
	var overrides *ConfigOverrides
	switch c.Environment {
	case Development:
		overrides = c.Development
	case Production:
		overrides = c.Production
		if overrides == nil {
			overrides = &ConfigOverrides{Log: &LogConfig{Format: "json"}}
		}
	}
	if overrides == nil {
		return
	}

	if overrides.Paths != nil && overrides.Paths.Root != "" {
		c.Paths.Root = overrides.Paths.Root
	}
	if overrides.Host != nil {
		if overrides.Host.Listen != "" {
			c.Host.Listen = overrides.Host.Listen
		}
		if overrides.Host.Compression != "" {
			c.Host.Compression = overrides.Host.Compression
		}
	}
	if overrides.Trainer != nil {
		if overrides.Trainer.Binary != "" {
			c.Trainer.Binary = overrides.Trainer.Binary
		}
		if overrides.Trainer.Args != nil {
			c.Trainer.Args = overrides.Trainer.Args
		}
		if overrides.Trainer.GracePeriod != 0 {
			c.Trainer.GracePeriod = overrides.Trainer.GracePeriod
		}
	}
	if overrides.Log != nil {
		if overrides.Log.Level != "" {
			c.Log.Level = overrides.Log.Level
		}
		if overrides.Log.Format != "" {
			c.Log.Format = overrides.Log.Format
		}
	}
}

// expandVariables expands ${VAR} and ${VAR:-default} patterns in paths.
func (c *Config) expandVariables() {
	vars := map[string]string{
		"BARISTA_ROOT": c.Paths.Root,
		"HOME":         os.Getenv("HOME"),
	}
	c.Paths.Root = expandVars(c.Paths.Root, vars)
	vars["BARISTA_ROOT"] = c.Paths.Root
	c.Trainer.Binary = expandVars(c.Trainer.Binary, vars)
	for i, arg := range c.Trainer.Args {
		c.Trainer.Args[i] = expandVars(arg, vars)
	}
}

var varPattern = regexp.MustCompile(`\$\{([^}:]+)(?::-([^}]*))?\}`)

func expandVars(s string, vars map[string]string) string {
	return varPattern.ReplaceAllStringFunc(s, func(match string) string {
		parts := varPattern.FindStringSubmatch(match)
		name, defaultValue := parts[1], parts[2]
		if value, ok := vars[name]; ok && value != "" {
			return value
		}
		if value := os.Getenv(name); value != "" {
			return value
		}
		return defaultValue
	})
}

// Validate checks the configuration and reports every problem at once.
func (c *Config) Validate() error {
	var errs []error

	if c.Environment != Development && c.Environment != Production {
		errs = append(errs, fmt.Errorf("invalid environment: %s", c.Environment))
	}
	if c.Paths.Root == "" {
		errs = append(errs, errors.New("paths.root is required"))
	}
	if _, _, err := net.SplitHostPort(c.Host.Listen); err != nil {
		errs = append(errs, fmt.Errorf("host.listen: %w", err))
	}
	if _, _, err := net.SplitHostPort(c.Client.Address); err != nil {
		errs = append(errs, fmt.Errorf("client.address: %w", err))
	}
	if !slices.Contains(compressionValues, c.Host.Compression) {
		errs = append(errs, fmt.Errorf("host.compression must be one of: %v", compressionValues))
	}
	if !slices.Contains(compressionValues, c.Client.Compression) {
		errs = append(errs, fmt.Errorf("client.compression must be one of: %v", compressionValues))
	}
	if c.Client.RequestTimeout <= 0 {
		errs = append(errs, errors.New("client.request_timeout must be positive"))
	}
	if c.Client.Debounce <= 0 {
		errs = append(errs, errors.New("client.debounce must be positive"))
	}
	if strings.TrimSpace(c.Trainer.Binary) == "" {
		errs = append(errs, errors.New("trainer.binary is required"))
	}
	if c.Trainer.GracePeriod <= 0 {
		errs = append(errs, errors.New("trainer.grace_period must be positive"))
	}
	if c.Scheduler.Workers < 0 {
		errs = append(errs, errors.New("scheduler.workers must not be negative"))
	}
	if c.Scheduler.PollTimeout <= 0 {
		errs = append(errs, errors.New("scheduler.poll_timeout must be positive"))
	}
	if c.Scheduler.IdlePolls <= 0 {
		errs = append(errs, errors.New("scheduler.idle_polls must be positive"))
	}
	if !slices.Contains(levelValues, c.Log.Level) {
		errs = append(errs, fmt.Errorf("log.level must be one of: %v", levelValues))
	}
	if !slices.Contains(formatValues, c.Log.Format) {
		errs = append(errs, fmt.Errorf("log.format must be one of: %v", formatValues))
	}

	return errors.Join(errs...)
}

// SlogLevel returns the configured log level. Unknown names map to info.
func (c *Config) SlogLevel() slog.Level {
	switch c.Log.Level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	}
	return slog.LevelInfo
}

// EnsurePaths creates the project root if it does not exist.
func (c *Config) EnsurePaths() error {
	if err := os.MkdirAll(c.Paths.Root, 0o755); err != nil {
		return fmt.Errorf("creating %s: %w", c.Paths.Root, err)
	}
	return nil
}

// TrainerPath resolves the trainer binary. A name containing a path
// separator is used as is; anything else is looked up on PATH.
func (c *Config) TrainerPath() (string, error) {
	if strings.ContainsRune(c.Trainer.Binary, filepath.Separator) {
		if _, err := os.Stat(c.Trainer.Binary); err != nil {
			return "", fmt.Errorf("trainer %s: %w", c.Trainer.Binary, err)
		}
		return c.Trainer.Binary, nil
	}
	path, err := exec.LookPath(c.Trainer.Binary)
	if err != nil {
		return "", fmt.Errorf("%s not found in PATH", c.Trainer.Binary)
	}
	return path, nil
}
