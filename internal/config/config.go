// Package config loads tether's configuration from an XDG-compliant
// config directory, with environment variable overrides.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/spf13/viper"
)

// Config is the full tether configuration.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	LLM      LLMConfig      `mapstructure:"llm"`
	IMessage IMessageConfig `mapstructure:"imessage"`
	Contacts ContactsConfig `mapstructure:"contacts"`
	Store    StoreConfig    `mapstructure:"store"`
}

// ServerConfig controls the HTTP server.
type ServerConfig struct {
	Addr string `mapstructure:"addr"`
}

// LLMConfig selects and configures the reasoning provider.
type LLMConfig struct {
	Provider     string `mapstructure:"provider"` // "gemini" or "openai"
	Model        string `mapstructure:"model"`
	GeminiAPIKey string `mapstructure:"gemini_api_key"`
	OpenAIAPIKey string `mapstructure:"openai_api_key"`
}

// IMessageConfig controls access to the Messages database.
type IMessageConfig struct {
	ChatDBPath      string `mapstructure:"chat_db_path"`
	Watch           bool   `mapstructure:"watch"`
	DebounceSeconds int    `mapstructure:"debounce_seconds"`
}

// ContactsConfig controls the AddressBook load. Empty paths means the
// standard macOS locations.
type ContactsConfig struct {
	Paths []string `mapstructure:"paths"`
}

// StoreConfig controls the conversation store database.
type StoreConfig struct {
	Path string `mapstructure:"path"`
}

// GetConfigDir returns the XDG-compliant config directory.
func GetConfigDir() (string, error) {
	// Explicit override (useful for tests and portable installs)
	if override := os.Getenv("TETHER_CONFIG_DIR"); override != "" {
		return override, nil
	}

	var base string
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		base = xdg
	} else {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("failed to get home directory: %w", err)
		}
		base = filepath.Join(home, ".config")
	}
	return filepath.Join(base, "tether"), nil
}

// GetDataDir returns the platform-specific data directory.
func GetDataDir() (string, error) {
	// Explicit override (useful for tests and portable installs)
	if override := os.Getenv("TETHER_DATA_DIR"); override != "" {
		return override, nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}

	if runtime.GOOS == "darwin" {
		return filepath.Join(home, "Library", "Application Support", "Tether"), nil
	}

	if xdg := os.Getenv("XDG_DATA_HOME"); xdg != "" {
		return filepath.Join(xdg, "tether"), nil
	}

	return filepath.Join(home, ".local", "share", "tether"), nil
}

// Load reads config.yaml from the config directory, applies defaults,
// and overlays TETHER_* and API key environment variables. A missing
// config file is not an error.
func Load() (*Config, error) {
	configDir, err := GetConfigDir()
	if err != nil {
		return nil, err
	}
	dataDir, err := GetDataDir()
	if err != nil {
		return nil, err
	}

	v := viper.New()
	v.SetDefault("server.addr", "127.0.0.1:8422")
	v.SetDefault("llm.provider", "gemini")
	v.SetDefault("imessage.watch", true)
	v.SetDefault("imessage.debounce_seconds", 2)
	v.SetDefault("store.path", filepath.Join(dataDir, "tether.db"))

	v.SetEnvPrefix("TETHER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(configDir)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if key := os.Getenv("GEMINI_API_KEY"); key != "" {
		cfg.LLM.GeminiAPIKey = key
	}
	if key := os.Getenv("OPENAI_API_KEY"); key != "" {
		cfg.LLM.OpenAIAPIKey = key
	}

	return &cfg, nil
}

// Save writes the config to config.yaml in the config directory.
func (c *Config) Save() error {
	configDir, err := GetConfigDir()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(configDir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	v := viper.New()
	v.Set("server", map[string]any{"addr": c.Server.Addr})
	v.Set("llm", map[string]any{
		"provider": c.LLM.Provider,
		"model":    c.LLM.Model,
	})
	v.Set("imessage", map[string]any{
		"chat_db_path":     c.IMessage.ChatDBPath,
		"watch":            c.IMessage.Watch,
		"debounce_seconds": c.IMessage.DebounceSeconds,
	})
	v.Set("contacts", map[string]any{"paths": c.Contacts.Paths})
	v.Set("store", map[string]any{"path": c.Store.Path})
	if err := v.WriteConfigAs(filepath.Join(configDir, "config.yaml")); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}
