// Package config initializes Viper for the soldprice CLI: defaults, config
// search paths and SOLDPRICE_ environment variables.
package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/viper"
	"go.uber.org/zap"

	internalconfig "github.com/ThachTung/WebScraper/internal/config"
)

// EnvPrefix namespaces environment overrides, e.g. SOLDPRICE_STORE_DIR=/data.
const EnvPrefix = "SOLDPRICE"

// InitConfig prepares v. An explicit path must exist; otherwise the first
// config.{yaml,json,toml} found in the search paths is used, and running on
// defaults plus environment is fine.
func InitConfig(v *viper.Viper, path string, logger *zap.Logger) error {
	if logger == nil {
		logger = zap.NewNop()
	}
	internalconfig.SetDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/soldprice/")
		v.AddConfigPath("$HOME/.soldprice")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path == "" && errors.As(err, &notFound) {
			logger.Debug("config file not found; using defaults and environment variables")
			return nil
		}
		return fmt.Errorf("read config: %w", err)
	}
	logger.Info("using config file", zap.String("path", v.ConfigFileUsed()))
	return nil
}
