package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	toml "github.com/pelletier/go-toml/v2"
	"github.com/spf13/cobra"
)

// ============================================================================
// Config types
// ============================================================================

// Config represents the CLI configuration stored in ~/.chatsync/config.toml.
type Config struct {
	Default ConfigDefault `toml:"default"`
	Auth    ConfigAuth    `toml:"auth"`
	Log     ConfigLog     `toml:"log"`
}

// ConfigDefault holds the backend location.
type ConfigDefault struct {
	BaseURL string `toml:"base_url"`
}

// ConfigAuth holds the signed-in user.
type ConfigAuth struct {
	Token    string `toml:"token"`
	UserID   string `toml:"user_id"`
	UserName string `toml:"user_name"`
}

// ConfigLog controls diagnostic output on stderr.
type ConfigLog struct {
	Level string `toml:"level"`
}

// ============================================================================
// Config helpers
// ============================================================================

// configDir returns the path to ~/.chatsync, creating it if needed.
func configDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory: %w", err)
	}
	dir := filepath.Join(home, ".chatsync")
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("cannot create config directory: %w", err)
	}
	return dir, nil
}

func configPath() (string, error) {
	if configFile != "" {
		return configFile, nil
	}
	dir, err := configDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.toml"), nil
}

// loadConfig reads and parses the config file.
// If the file does not exist, it returns a zero-value Config.
func loadConfig() (*Config, error) {
	path, err := configPath()
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &Config{}, nil
		}
		return nil, fmt.Errorf("cannot read config: %w", err)
	}
	var cfg Config
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("cannot parse config: %w", err)
	}
	return &cfg, nil
}

func saveConfig(cfg *Config) error {
	path, err := configPath()
	if err != nil {
		return err
	}
	data, err := toml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("cannot marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("cannot write config: %w", err)
	}
	return nil
}

// setConfigValue sets a config field using dot notation (e.g. "auth.user_id").
func setConfigValue(cfg *Config, key, value string) error {
	parts := strings.SplitN(key, ".", 2)
	if len(parts) != 2 {
		return fmt.Errorf("key must use dot notation: section.field (e.g. default.base_url)")
	}
	section, field := parts[0], parts[1]

	switch section {
	case "default":
		switch field {
		case "base_url":
			cfg.Default.BaseURL = value
		default:
			return fmt.Errorf("unknown field %q in section [default]", field)
		}
	case "auth":
		switch field {
		case "token":
			cfg.Auth.Token = value
		case "user_id":
			cfg.Auth.UserID = value
		case "user_name":
			cfg.Auth.UserName = value
		default:
			return fmt.Errorf("unknown field %q in section [auth]", field)
		}
	case "log":
		switch field {
		case "level":
			if _, err := parseLevel(value); err != nil {
				return err
			}
			cfg.Log.Level = value
		default:
			return fmt.Errorf("unknown field %q in section [log]", field)
		}
	default:
		return fmt.Errorf("unknown config section %q (valid: default, auth, log)", section)
	}
	return nil
}

// ============================================================================
// Root command
// ============================================================================

var (
	configFile string
	jsonOutput bool
)

var rootCmd = &cobra.Command{
	Use:          "chatsync",
	Short:        "Realtime chat sync CLI",
	Long:         "Command-line client for the chat synchronization core.\nList conversations, read history, send messages and follow a conversation live.",
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "config file (default ~/.chatsync/config.toml)")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "print raw JSON")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
