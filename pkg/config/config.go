package config

// Package config provides a reusable loader for The Block configuration
// files and environment variables. Applications read the merged result from
// AppConfig after Load.

import (
	"fmt"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"theblock-network/pkg/utils"
)

// Config represents the unified configuration for a node. It mirrors the
// structure of the YAML files under cmd/config.
type Config struct {
	Network struct {
		ID             string   `mapstructure:"id" json:"id"`
		ProtoVersion   int      `mapstructure:"proto_version" json:"proto_version"`
		MaxPeers       int      `mapstructure:"max_peers" json:"max_peers"`
		ListenAddr     string   `mapstructure:"listen_addr" json:"listen_addr"`
		BootstrapPeers []string `mapstructure:"bootstrap_peers" json:"bootstrap_peers"`
	} `mapstructure:"network" json:"network"`

	Fees struct {
		BaseConsumerFee   uint64  `mapstructure:"base_consumer_fee" json:"base_consumer_fee"`
		BaseIndustrialFee uint64  `mapstructure:"base_industrial_fee" json:"base_industrial_fee"`
		TargetUtilization float64 `mapstructure:"target_utilization" json:"target_utilization"`
	} `mapstructure:"fees" json:"fees"`

	Storage struct {
		DBPath string `mapstructure:"db_path" json:"db_path"`
	} `mapstructure:"storage" json:"storage"`

	Settlement struct {
		Path string `mapstructure:"path" json:"path"`
		Mode string `mapstructure:"mode" json:"mode"`
	} `mapstructure:"settlement" json:"settlement"`

	Logging struct {
		Level string `mapstructure:"level" json:"level"`
		File  string `mapstructure:"file" json:"file"`
	} `mapstructure:"logging" json:"logging"`
}

// AppConfig holds the configuration loaded via Load or LoadFromEnv.
var AppConfig Config

// Load reads configuration files and merges any environment specific
// overrides. The resulting configuration is stored in AppConfig and
// returned. If env is empty, only the default configuration is loaded.
func Load(env string) (*Config, error) {
	// A .env beside the binary seeds process environment before viper runs.
	_ = godotenv.Load()

	viper.SetConfigName("default")
	viper.AddConfigPath("cmd/config")
	viper.AddConfigPath("config")
	viper.SetConfigType("yaml")
	if err := viper.ReadInConfig(); err != nil {
		return nil, utils.Wrap(err, "load config")
	}

	if env != "" {
		viper.SetConfigName(env)
		if err := viper.MergeInConfig(); err != nil {
			return nil, utils.Wrap(err, fmt.Sprintf("merge %s config", env))
		}
	}

	viper.SetEnvPrefix("TB")
	viper.AutomaticEnv()

	if err := viper.Unmarshal(&AppConfig); err != nil {
		return nil, utils.Wrap(err, "unmarshal config")
	}
	return &AppConfig, nil
}

// LoadFromEnv loads configuration using the TB_ENV environment variable.
func LoadFromEnv() (*Config, error) {
	return Load(utils.EnvOrDefault("TB_ENV", ""))
}
