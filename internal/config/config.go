// Package config loads the credentials file: account, server, and drive
// settings. Files are TOML; the zero values of everything but the account
// address have working defaults.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/viper"

	"github.com/pepperpark/maildrive/internal/drive"
)

// Config is the parsed credentials file.
type Config struct {
	Address     string `mapstructure:"address"`
	Password    string `mapstructure:"password"` // empty means prompt
	Host        string `mapstructure:"host"`
	Port        int    `mapstructure:"port"`
	StartTLS    bool   `mapstructure:"starttls"`
	Insecure    bool   `mapstructure:"insecure"` // skip TLS certificate checks
	Folder      string `mapstructure:"folder"`   // base folder holding the drive
	PartSize    int64  `mapstructure:"part_size"`
	Connections int    `mapstructure:"connections"` // parallel sessions for downloads
}

// Load reads the credentials file at path. An empty path searches for
// credentials.toml in the working directory, then in the user's config
// directory under maildrive/.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetDefault("host", "imap.mail.yahoo.com")
	v.SetDefault("port", 993)
	v.SetDefault("folder", "maildrive")
	v.SetDefault("part_size", drive.DefaultPartSize)
	v.SetDefault("connections", 1)

	v.SetConfigType("toml")
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("credentials")
		v.AddConfigPath(".")
		if dir, err := os.UserConfigDir(); err == nil {
			v.AddConfigPath(filepath.Join(dir, "maildrive"))
		}
	}
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read credentials: %w", err)
	}
	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("parse credentials: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", v.ConfigFileUsed(), err)
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.Address == "" {
		return fmt.Errorf("address is required")
	}
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("port %d out of range", c.Port)
	}
	if c.Folder == "" {
		return fmt.Errorf("folder must not be empty")
	}
	if c.PartSize < 1 {
		return fmt.Errorf("part_size must be positive")
	}
	if c.Connections < 1 {
		return fmt.Errorf("connections must be at least 1")
	}
	return nil
}
