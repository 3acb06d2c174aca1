// Package config provides application configuration loading and management.
package config

import (
	"errors"
	"fmt"
	"log"
	"strings"

	"github.com/spf13/viper"
)

// Config holds application configuration values loaded from file or environment variables.
type Config struct {
	Port   string `mapstructure:"PORT"`
	Env    string `mapstructure:"APP_ENV"`
	RedisURL        string `mapstructure:"REDIS_URL"`
	JWTSecret       string `mapstructure:"JWT_SECRET"`
	AllowedOrigins  string `mapstructure:"ALLOWED_ORIGINS"`

	// PresenceTTL is the Redis expiry, in seconds, applied to every session's
	// presence keys by the sync engine. Spec floor: 10, default 60.
	PresenceTTL int `mapstructure:"PRESENCE_TTL"`
	// PresenceSizeLimit is the maximum encoded size, in bytes, of a submitted
	// Presence's five fields concatenated. Spec floor: 3, default 1024.
	PresenceSizeLimit int `mapstructure:"PRESENCE_SIZE_LIMIT"`
	// PruningIntervalMS is the ConnectionManager janitor tick, in milliseconds.
	PruningIntervalMS int `mapstructure:"PRUNING_INTERVAL_MS"`
	// StreamPollingIntervalSeconds is the default PresenceStream reload period.
	// Spec floor: 10, must be a whole number of seconds.
	StreamPollingIntervalSeconds int `mapstructure:"STREAM_POLLING_INTERVAL_SECONDS"`

	TracingEnabled         bool    `mapstructure:"TRACING_ENABLED"`
	TracingExporter        string  `mapstructure:"TRACING_EXPORTER"`
	OTLPEndpoint           string  `mapstructure:"OTEL_EXPORTER_OTLP_ENDPOINT"`
	OTELServiceName        string  `mapstructure:"OTEL_SERVICE_NAME"`
	OTELTracesSamplerRatio float64 `mapstructure:"OTEL_TRACES_SAMPLER_RATIO"`
}

// LoadConfig loads application configuration from file and environment variables.
func LoadConfig() (*Config, error) {
	viper.AddConfigPath(".")
	viper.AddConfigPath("..")
	viper.AddConfigPath("../..")
	viper.SetConfigName("config")
	viper.SetConfigType("yml")
	viper.AutomaticEnv()

	// Initial read to get APP_ENV if set in base config
	// We intentionally ignore this error as the config file may not exist yet
	_ = viper.ReadInConfig()

	env := viper.GetString("APP_ENV")
	if env == "" {
		env = "development"
	}

	if env != "development" && env != "" {
		viper.SetConfigName("config." + env)
		if err := viper.MergeInConfig(); err != nil {
			return nil, fmt.Errorf("required profile-specific config 'config.%s.yml' not found: %w", env, err)
		}
		log.Printf("Loaded profile-specific configuration: config.%s.yml", env)
	}

	viper.SetDefault("PORT", "8375")
	viper.SetDefault("APP_ENV", "development")
	viper.SetDefault("REDIS_URL", "localhost:6379")
	viper.SetDefault("JWT_SECRET", "your-secret-key-change-in-production")
	viper.SetDefault("ALLOWED_ORIGINS", "http://localhost:5173,http://localhost:3000,http://127.0.0.1:5173")

	viper.SetDefault("PRESENCE_TTL", 60)
	viper.SetDefault("PRESENCE_SIZE_LIMIT", 1024)
	viper.SetDefault("PRUNING_INTERVAL_MS", 1000)
	viper.SetDefault("STREAM_POLLING_INTERVAL_SECONDS", 30)

	viper.SetDefault("TRACING_ENABLED", false)
	viper.SetDefault("TRACING_EXPORTER", "stdout")
	viper.SetDefault("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4318")
	viper.SetDefault("OTEL_SERVICE_NAME", "presenced")
	viper.SetDefault("OTEL_TRACES_SAMPLER_RATIO", 1.0)

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("unable to decode config into struct: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &config, nil
}

// Validate ensures that required configuration values are present and meet the
// bounds the presence components assert on at construction time.
func (c *Config) Validate() error {
	if c.Port == "" {
		return errors.New("PORT is required")
	}
	if c.JWTSecret == "" {
		return errors.New("JWT_SECRET is required")
	}
	if c.RedisURL == "" {
		return errors.New("REDIS_URL is required")
	}

	if c.PresenceTTL < 10 {
		return fmt.Errorf("PRESENCE_TTL must be >= 10 seconds, got %d", c.PresenceTTL)
	}
	if c.PresenceSizeLimit < 3 {
		return fmt.Errorf("PRESENCE_SIZE_LIMIT must be >= 3 bytes, got %d", c.PresenceSizeLimit)
	}
	if c.PruningIntervalMS <= 0 {
		return fmt.Errorf("PRUNING_INTERVAL_MS must be > 0, got %d", c.PruningIntervalMS)
	}
	if c.StreamPollingIntervalSeconds < 10 {
		return fmt.Errorf("STREAM_POLLING_INTERVAL_SECONDS must be >= 10, got %d", c.StreamPollingIntervalSeconds)
	}

	isProduction := c.Env == "production" || c.Env == "prod"

	if isProduction {
		if c.JWTSecret == "your-secret-key-change-in-production" {
			return errors.New("JWT_SECRET must be changed from the default value in production")
		}
		if len(c.JWTSecret) < 32 {
			return errors.New("JWT_SECRET must be at least 32 characters in production")
		}
		if c.AllowedOrigins == "*" {
			log.Println("WARNING: ALLOWED_ORIGINS is set to '*' in production. This is insecure.")
		}
	} else if len(c.JWTSecret) < 32 {
		log.Println("WARNING: JWT_SECRET is shorter than 32 characters. Consider using a stronger secret for production.")
	}

	return nil
}

// SplitOrigins returns AllowedOrigins split on commas, trimmed of whitespace.
func (c *Config) SplitOrigins() []string {
	parts := strings.Split(c.AllowedOrigins, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
