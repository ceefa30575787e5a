// Package config loads picturear settings from a file, the environment and
// command-line flags, in increasing priority.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	toml "github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"

	"github.com/teslashibe/picturear/pkg/camera"
	"github.com/teslashibe/picturear/pkg/coordinator"
	"github.com/teslashibe/picturear/pkg/permission"
)

// Environment variables read by ApplyEnv.
const (
	EnvBackend    = "PICTUREAR_BACKEND"
	EnvCamera     = "PICTUREAR_CAMERA"
	EnvTemplates  = "PICTUREAR_TEMPLATES"
	EnvPort       = "PICTUREAR_PORT"
	EnvSignalling = "PICTUREAR_SIGNALLING"
)

// Config is the full runtime configuration.
type Config struct {
	LogLevel string `json:"log_level" yaml:"log_level" toml:"log_level"`
	Debug    bool   `json:"debug" yaml:"debug" toml:"debug"`

	Camera     camera.Config    `json:"camera" yaml:"camera" toml:"camera"`
	Permission PermissionConfig `json:"permission" yaml:"permission" toml:"permission"`
	Overlay    OverlayConfig    `json:"overlay" yaml:"overlay" toml:"overlay"`
	Web        WebConfig        `json:"web" yaml:"web" toml:"web"`

	// BackgroundPolicy is "unbind" or "close".
	BackgroundPolicy  string `json:"background_policy" yaml:"background_policy" toml:"background_policy"`
	ShutdownTimeoutMS int    `json:"shutdown_timeout_ms" yaml:"shutdown_timeout_ms" toml:"shutdown_timeout_ms"`

	// Window shows the preview in a local OpenCV window.
	Window bool `json:"window" yaml:"window" toml:"window"`
}

// PermissionConfig selects how camera access is granted.
type PermissionConfig struct {
	Mode string `json:"mode" yaml:"mode" toml:"mode"`
	Glob string `json:"glob" yaml:"glob" toml:"glob"`
}

// OverlayConfig locates the reference images and the vision library.
type OverlayConfig struct {
	Templates     string `json:"templates" yaml:"templates" toml:"templates"`
	OpenCVVersion string `json:"opencv_version" yaml:"opencv_version" toml:"opencv_version"`
	Debug         bool   `json:"debug" yaml:"debug" toml:"debug"`
}

// WebConfig controls the dashboard server.
type WebConfig struct {
	Enabled bool `json:"enabled" yaml:"enabled" toml:"enabled"`
	Port    int  `json:"port" yaml:"port" toml:"port"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		LogLevel: "info",
		Camera:   camera.DefaultConfig(),
		Permission: PermissionConfig{
			Mode: permission.ModePrompt,
			Glob: "/dev/video*",
		},
		Overlay: OverlayConfig{
			Templates:     "templates",
			OpenCVVersion: "4",
		},
		Web: WebConfig{
			Enabled: true,
			Port:    8181,
		},
		BackgroundPolicy:  coordinator.PolicyUnbind,
		ShutdownTimeoutMS: 3000,
	}
}

// ShutdownTimeout returns ShutdownTimeoutMS as a duration.
func (c Config) ShutdownTimeout() time.Duration {
	return time.Duration(c.ShutdownTimeoutMS) * time.Millisecond
}

// DefaultPath returns ~/.picturear/config.json.
func DefaultPath() string {
	homeDir, _ := os.UserHomeDir()
	return filepath.Join(homeDir, ".picturear", "config.json")
}

// Load reads a configuration file based on its extension (.json, .yaml,
// .yml or .toml). Keys missing from the file keep their defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, errors.New("config: empty path")
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("config: %w", err)
	}

	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(b, &cfg)
	case ".json":
		err = json.Unmarshal(b, &cfg)
	case ".toml":
		err = toml.Unmarshal(b, &cfg)
	default:
		return cfg, fmt.Errorf("config: unsupported extension %q", ext)
	}
	if err != nil {
		return cfg, fmt.Errorf("config: parse %s: %w", path, err)
	}
	return cfg, nil
}

// LoadDefault loads DefaultPath, returning defaults when it does not exist.
func LoadDefault() (Config, error) {
	cfg, err := Load(DefaultPath())
	if errors.Is(err, fs.ErrNotExist) {
		return Default(), nil
	}
	return cfg, err
}

// ApplyEnv overrides fields from PICTUREAR_* variables.
func (c *Config) ApplyEnv() error {
	if v := os.Getenv(EnvBackend); v != "" {
		c.Camera.Backend = v
	}
	if v := os.Getenv(EnvCamera); v != "" {
		c.Camera.Device = v
	}
	if v := os.Getenv(EnvTemplates); v != "" {
		c.Overlay.Templates = v
	}
	if v := os.Getenv(EnvSignalling); v != "" {
		c.Camera.SignallingURL = v
	}
	if v := os.Getenv(EnvPort); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("config: %s: %w", EnvPort, err)
		}
		c.Web.Port = port
	}
	return nil
}

// Validate checks the configuration and reports every problem found.
func (c *Config) Validate() error {
	var errs []error
	for _, msg := range c.Camera.Validate() {
		errs = append(errs, fmt.Errorf("camera: %s", msg))
	}
	switch c.Permission.Mode {
	case permission.ModePrompt, permission.ModeDevices, permission.ModeGrant, permission.ModeDeny:
	default:
		errs = append(errs, fmt.Errorf("permission: unknown mode %q", c.Permission.Mode))
	}
	switch c.BackgroundPolicy {
	case coordinator.PolicyUnbind, coordinator.PolicyClose:
	default:
		errs = append(errs, fmt.Errorf("background_policy must be %q or %q", coordinator.PolicyUnbind, coordinator.PolicyClose))
	}
	if c.ShutdownTimeoutMS < 0 {
		errs = append(errs, errors.New("shutdown_timeout_ms must not be negative"))
	}
	if c.Web.Enabled && (c.Web.Port < 1 || c.Web.Port > 65535) {
		errs = append(errs, fmt.Errorf("web: port %d out of range", c.Web.Port))
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("config: invalid: %w", err)
	}
	return nil
}
