package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

const configFilename = "keymapd.yaml"

// Settings are the daemon's own options, distinct from the compiled
// mapping configuration which always comes from the client.
type Settings struct {
	SocketPath        string `yaml:"socket_path"`
	VirtualDeviceName string `yaml:"virtual_device_name"`
	Debounce          bool   `yaml:"debounce"`
	DebounceInterval  string `yaml:"debounce_interval"`
	LogLevel          string `yaml:"log_level"`
	LogFilename       string `yaml:"log_filename"`
	NoDBus            bool   `yaml:"no_dbus"`
}

// Defaults returns the settings used when no file exists.
func Defaults() *Settings {
	return &Settings{
		SocketPath:        defaultSocketPath(),
		VirtualDeviceName: "keymapd",
		DebounceInterval:  "50ms",
		LogLevel:          "info",
	}
}

func defaultSocketPath() string {
	if dir := os.Getenv("XDG_RUNTIME_DIR"); dir != "" {
		return filepath.Join(dir, "keymapd.sock")
	}
	return "/tmp/keymapd.sock"
}

// Load reads the settings file, if present, over the defaults.
func Load() (*Settings, error) {
	settings := Defaults()

	path, err := configPath()
	if err != nil {
		return settings, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return settings, nil
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, settings); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	return settings, nil
}

// Save writes the settings file, creating the directory as needed.
func Save(settings *Settings) error {
	path, err := configPath()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	data, err := yaml.Marshal(settings)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to save config file: %w", err)
	}
	return nil
}

// ParsedDebounceInterval returns the debounce interval, falling back to
// 50ms on a missing or malformed value.
func (s *Settings) ParsedDebounceInterval() time.Duration {
	d, err := time.ParseDuration(s.DebounceInterval)
	if err != nil || d <= 0 {
		return 50 * time.Millisecond
	}
	return d
}

func configPath() (string, error) {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("failed to locate config directory: %w", err)
	}
	return filepath.Join(dir, "keymapd", configFilename), nil
}
