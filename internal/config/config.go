// Package config loads the process configuration the teacher
// hardcodes (`0.0.0.0:9001`, no config layer at all). The source this
// spec was distilled from reads settings via pydantic_settings from a
// .env file (original_source/src/config.py); the Go analogue, grounded
// in the rest of the retrieval pack's cobra+viper pairing, is a
// Viper-backed loader reading TOCHKA_-prefixed environment variables
// with sane defaults, optionally overlaid by a config.yaml.
package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

// Config is every knob the process entrypoint needs to boot.
type Config struct {
	ListenAddr  string
	StorePath   string
	StoreDSN    string // non-empty selects the postgres backend over bbolt
	AdminAPIKey string
	LogLevel    string
}

// Load builds a Config from defaults, an optional config.yaml in the
// working directory, and TOCHKA_-prefixed environment variables, in
// that order of increasing precedence.
func Load() (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("tochka")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))

	v.SetDefault("listen_addr", "0.0.0.0:9001")
	v.SetDefault("store_path", "tochka.db")
	v.SetDefault("store_dsn", "")
	v.SetDefault("admin_api_key", "")
	v.SetDefault("log_level", "info")

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return Config{}, fmt.Errorf("config: read config.yaml: %w", err)
		}
	}

	return Config{
		ListenAddr:  v.GetString("listen_addr"),
		StorePath:   v.GetString("store_path"),
		StoreDSN:    v.GetString("store_dsn"),
		AdminAPIKey: v.GetString("admin_api_key"),
		LogLevel:    v.GetString("log_level"),
	}, nil
}
