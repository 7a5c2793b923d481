// Package config loads the Shell Sync client/relay configuration, keeping
// the pkg/config.Load(env)/LoadFromEnv()/package-level AppConfig shape
// (viper-backed, mapstructure tags) this was adapted from, but pointed at
// config.toml and SHELL_SYNC_* environment variables instead of the
// original YAML node config.
package config

import (
	"fmt"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"shellsync/pkg/utils"
)

// Config mirrors the persisted config.toml layout.
type Config struct {
	ServerURL        string   `mapstructure:"server_url" json:"server_url"`
	MachineID        string   `mapstructure:"machine_id" json:"machine_id"`
	AuthToken        string   `mapstructure:"auth_token" json:"auth_token"`
	Groups           []string `mapstructure:"groups" json:"groups"`
	AutoSync         bool     `mapstructure:"auto_sync" json:"auto_sync"`
	SyncIntervalSecs int      `mapstructure:"sync_interval_secs" json:"sync_interval_secs"`

	DataDir  string `mapstructure:"data_dir" json:"data_dir"`
	LogLevel string `mapstructure:"log_level" json:"log_level"`
	Port     int    `mapstructure:"port" json:"port"`
}

// AppConfig holds the configuration loaded via Load or LoadFromEnv.
var AppConfig Config

func defaults() {
	viper.SetDefault("auto_sync", true)
	viper.SetDefault("sync_interval_secs", 5)
	viper.SetDefault("log_level", "info")
	viper.SetDefault("port", 8787)
}

// Load reads config.toml from configDir (falling back to the current
// directory), applies a ".env" overlay if present, and merges
// SHELL_SYNC_* environment variables over it. The resulting configuration
// is stored in AppConfig and returned.
func Load(configDir string) (*Config, error) {
	_ = godotenv.Load(".env")

	viper.SetConfigName("config")
	viper.SetConfigType("toml")
	if configDir != "" {
		viper.AddConfigPath(configDir)
	}
	viper.AddConfigPath(".")
	defaults()

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, utils.Wrap(err, "load config.toml")
		}
	}

	viper.SetEnvPrefix("SHELL_SYNC")
	viper.AutomaticEnv()

	if err := viper.Unmarshal(&AppConfig); err != nil {
		return nil, utils.Wrap(err, "unmarshal config")
	}
	if AppConfig.DataDir == "" {
		AppConfig.DataDir = utils.EnvOrDefault("SHELL_SYNC_DATA_DIR", defaultDataDir())
	}
	if port := utils.EnvOrDefaultInt("SHELL_SYNC_PORT", 0); port != 0 {
		AppConfig.Port = port
	}
	return &AppConfig, nil
}

// LoadFromEnv loads configuration using SHELL_SYNC_DATA_DIR as the config directory.
func LoadFromEnv() (*Config, error) {
	return Load(utils.EnvOrDefault("SHELL_SYNC_DATA_DIR", ""))
}

func defaultDataDir() string {
	return fmt.Sprintf("%s/.local/share/shell-sync", utils.EnvOrDefault("HOME", "."))
}
