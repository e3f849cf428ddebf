// Package config loads client settings from the environment.
package config

import (
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v10"
	"github.com/joho/godotenv"
)

type Config struct {
	BaseURL           string        `env:"BASE_URL" envDefault:"http://localhost:3000"`
	StreamPath        string        `env:"STREAM_PATH" envDefault:"/api/ai/chat/stream"`
	ConversationsPath string        `env:"CONVERSATIONS_PATH" envDefault:"/api/ai/conversations"`
	AuthToken         string        `env:"AUTH_TOKEN"`
	Cookie            string        `env:"COOKIE"`
	RequestTimeout    time.Duration `env:"REQUEST_TIMEOUT" envDefault:"30s"`
	ReadBufferSize    int           `env:"READ_BUFFER_SIZE" envDefault:"4096"`

	// How long a finished sub-agent status stays visible after a turn.
	SubAgentClearDelay time.Duration `env:"SUBAGENT_CLEAR_DELAY" envDefault:"2s"`

	LogLevel    string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat   string `env:"LOG_FORMAT" envDefault:"console"`
	MetricsAddr string `env:"METRICS_ADDR"`
}

const envPrefix = "ASSISTANT_"

// Load parses ASSISTANT_* environment variables into Config and performs
// minimal validation.
func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.ParseWithOptions(cfg, env.Options{Prefix: envPrefix}); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}

	cfg.BaseURL = strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if _, err := url.ParseRequestURI(cfg.BaseURL); err != nil {
		return nil, fmt.Errorf("invalid %sBASE_URL: %w", envPrefix, err)
	}
	if cfg.ReadBufferSize <= 0 {
		return nil, fmt.Errorf("%sREAD_BUFFER_SIZE must be positive", envPrefix)
	}
	if cfg.SubAgentClearDelay < 0 {
		return nil, fmt.Errorf("%sSUBAGENT_CLEAR_DELAY must not be negative", envPrefix)
	}

	cfg.LogLevel = strings.ToLower(cfg.LogLevel)
	cfg.LogFormat = strings.ToLower(cfg.LogFormat)

	return cfg, nil
}

// LoadEnvFiles overlays variables from the given dotenv files that exist.
func LoadEnvFiles(paths ...string) error {
	for _, path := range paths {
		if _, err := os.Stat(path); err != nil {
			continue
		}
		if err := godotenv.Overload(path); err != nil {
			return fmt.Errorf("load %s: %w", path, err)
		}
	}
	return nil
}
