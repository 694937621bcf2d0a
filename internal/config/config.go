// Package config reads process settings from the environment.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Config stores environment-driven settings for the console.
type Config struct {
	// ConfigPath is the YAML configuration file; empty uses the embedded default.
	ConfigPath string `env:"HARMONY_CONFIG"`
	// LogLevel sets the logger level.
	LogLevel string `env:"HARMONY_LOG_LEVEL" envDefault:"info"`
	// LogFormat selects "json" or "text" output.
	LogFormat string `env:"HARMONY_LOG_FORMAT" envDefault:"json"`
	// ShutdownTimeout controls graceful shutdown duration.
	ShutdownTimeout time.Duration `env:"HARMONY_SHUTDOWN_TIMEOUT" envDefault:"10s"`
	// CallerID, CallerName and CallerRole override the stdio caller identity.
	CallerID   string `env:"HARMONY_CALLER_ID"`
	CallerName string `env:"HARMONY_CALLER_NAME"`
	CallerRole string `env:"HARMONY_CALLER_ROLE"`
}

// Load reads optional dotenv files, then parses environment variables into Config.
// Variables already set in the environment win over dotenv values.
func Load(dotenv ...string) (Config, error) {
	for _, path := range dotenv {
		if err := godotenv.Load(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return Config{}, fmt.Errorf("load %s: %w", path, err)
		}
	}
	return env.ParseAs[Config]()
}
