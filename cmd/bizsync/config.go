package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	toml "github.com/pelletier/go-toml/v2"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/bizdash/bizsync"
)

// ============================================================================
// Config types
// ============================================================================

// Config represents the CLI configuration stored in ~/.bizsync/config.toml.
type Config struct {
	Default ConfigDefault `toml:"default" mapstructure:"default"`
	Sync    ConfigSync    `toml:"sync" mapstructure:"sync"`
}

// ConfigDefault holds the server connection and local store location.
type ConfigDefault struct {
	BaseURL   string `toml:"base_url" mapstructure:"base_url"`
	Token     string `toml:"token" mapstructure:"token"`
	StorePath string `toml:"store_path" mapstructure:"store_path"`
}

// ConfigSync tunes caching, retries and reconciliation. Durations use
// time.ParseDuration syntax.
type ConfigSync struct {
	CacheTTL          string `toml:"cache_ttl" mapstructure:"cache_ttl"`
	RetryCount        int    `toml:"retry_count" mapstructure:"retry_count"`
	RetryBaseDelay    string `toml:"retry_base_delay" mapstructure:"retry_base_delay"`
	ReconcileDebounce string `toml:"reconcile_debounce" mapstructure:"reconcile_debounce"`
}

type syncOptions struct {
	ttl      time.Duration
	debounce time.Duration
	retry    bizsync.RetryPolicy
}

func (c ConfigSync) options() (syncOptions, error) {
	o := syncOptions{retry: bizsync.DefaultRetryPolicy()}
	var err error
	if o.ttl, err = parseDuration("sync.cache_ttl", c.CacheTTL, bizsync.DefaultTTL); err != nil {
		return o, err
	}
	if o.debounce, err = parseDuration("sync.reconcile_debounce", c.ReconcileDebounce, bizsync.DefaultReconcileDebounce); err != nil {
		return o, err
	}
	if o.retry.BaseDelay, err = parseDuration("sync.retry_base_delay", c.RetryBaseDelay, bizsync.DefaultBaseDelay); err != nil {
		return o, err
	}
	if c.RetryCount > 0 {
		o.retry.Attempts = c.RetryCount
	}
	return o, nil
}

func parseDuration(key, value string, def time.Duration) (time.Duration, error) {
	if value == "" {
		return def, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, value, err)
	}
	return d, nil
}

// ============================================================================
// Config helpers
// ============================================================================

// configDir returns the path to ~/.bizsync, creating it if needed.
func configDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory: %w", err)
	}
	dir := filepath.Join(home, ".bizsync")
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("cannot create config directory: %w", err)
	}
	return dir, nil
}

// configPath returns the full path to the config file.
func configPath() (string, error) {
	if cfgFile != "" {
		return cfgFile, nil
	}
	dir, err := configDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.toml"), nil
}

// loadConfig reads the config file, letting BIZSYNC_* environment variables
// override it (BIZSYNC_DEFAULT_TOKEN, BIZSYNC_SYNC_CACHE_TTL, ...).
// A missing file yields the defaults.
func loadConfig() (*Config, error) {
	return readConfig(true)
}

// loadConfigFile reads the file alone, for commands that write it back.
func loadConfigFile() (*Config, error) {
	return readConfig(false)
}

func readConfig(withEnv bool) (*Config, error) {
	path, err := configPath()
	if err != nil {
		return nil, err
	}

	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("toml")
	if withEnv {
		v.SetEnvPrefix("BIZSYNC")
		v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
		v.AutomaticEnv()
	}

	v.SetDefault("default.base_url", "")
	v.SetDefault("default.token", "")
	v.SetDefault("default.store_path", "")
	v.SetDefault("sync.cache_ttl", bizsync.DefaultTTL.String())
	v.SetDefault("sync.retry_count", bizsync.DefaultRetryCount)
	v.SetDefault("sync.retry_base_delay", bizsync.DefaultBaseDelay.String())
	v.SetDefault("sync.reconcile_debounce", bizsync.DefaultReconcileDebounce.String())

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("cannot read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("cannot parse config: %w", err)
	}
	return &cfg, nil
}

// saveConfig writes the config struct back to disk as TOML.
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

// setConfigValue sets a config field using dot notation (e.g. "default.token").
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
			cfg.Default.BaseURL = strings.TrimRight(value, "/")
		case "token":
			cfg.Default.Token = value
		case "store_path":
			cfg.Default.StorePath = value
		default:
			return fmt.Errorf("unknown field %q in section [default]", field)
		}
	case "sync":
		switch field {
		case "cache_ttl", "retry_base_delay", "reconcile_debounce":
			if _, err := time.ParseDuration(value); err != nil {
				return fmt.Errorf("invalid duration %q for %s", value, key)
			}
			switch field {
			case "cache_ttl":
				cfg.Sync.CacheTTL = value
			case "retry_base_delay":
				cfg.Sync.RetryBaseDelay = value
			default:
				cfg.Sync.ReconcileDebounce = value
			}
		case "retry_count":
			n, err := strconv.Atoi(value)
			if err != nil || n < 1 {
				return fmt.Errorf("retry_count must be a positive integer")
			}
			cfg.Sync.RetryCount = n
		default:
			return fmt.Errorf("unknown field %q in section [sync]", field)
		}
	default:
		return fmt.Errorf("unknown config section %q (valid: default, sync)", section)
	}
	return nil
}

// ============================================================================
// config command
// ============================================================================

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage bizsync configuration",
	Long:  "View or modify the bizsync CLI configuration stored in ~/.bizsync/config.toml.",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		if cfg.Default.Token != "" {
			cfg.Default.Token = maskKey(cfg.Default.Token)
		}
		data, err := toml.Marshal(cfg)
		if err != nil {
			return fmt.Errorf("cannot marshal config: %w", err)
		}
		fmt.Print(string(data))
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Long:  "Set a configuration value using dot notation.\nExample: bizsync config set sync.cache_ttl 10m",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]

		cfg, err := loadConfigFile()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		if err := setConfigValue(cfg, key, value); err != nil {
			return err
		}

		if err := saveConfig(cfg); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}

		fmt.Printf("Set %s = %s\n", key, value)
		return nil
	},
}
