package config

import (
	"os"
	"testing"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
)

func TestConfig_ValidateBounds(t *testing.T) {
	tests := []struct {
		name        string
		mutate      func(*Config)
		expectError bool
	}{
		{"valid defaults", func(c *Config) {}, false},
		{"ttl below floor", func(c *Config) { c.PresenceTTL = 9 }, true},
		{"ttl at floor", func(c *Config) { c.PresenceTTL = 10 }, false},
		{"size limit below floor", func(c *Config) { c.PresenceSizeLimit = 2 }, true},
		{"size limit at floor", func(c *Config) { c.PresenceSizeLimit = 3 }, false},
		{"pruning interval zero", func(c *Config) { c.PruningIntervalMS = 0 }, true},
		{"polling interval below floor", func(c *Config) { c.StreamPollingIntervalSeconds = 5 }, true},
		{"missing redis url", func(c *Config) { c.RedisURL = "" }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := &Config{
				Env:                          "development",
				JWTSecret:                    "secure-secret-at-least-32-chars-long",
				Port:                         "8375",
				RedisURL:                     "redis://localhost:6379",
				PresenceTTL:                  60,
				PresenceSizeLimit:            1024,
				PruningIntervalMS:            1000,
				StreamPollingIntervalSeconds: 30,
			}
			tt.mutate(c)

			err := c.Validate()
			if tt.expectError {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestConfig_ValidateProductionRejectsDefaultSecret(t *testing.T) {
	c := &Config{
		Env:                          "production",
		JWTSecret:                    "your-secret-key-change-in-production",
		Port:                         "8375",
		RedisURL:                     "redis://localhost:6379",
		PresenceTTL:                  60,
		PresenceSizeLimit:            1024,
		PruningIntervalMS:            1000,
		StreamPollingIntervalSeconds: 30,
	}
	assert.Error(t, c.Validate())
}

func TestLoadConfig_Defaults(t *testing.T) {
	defer os.Unsetenv("APP_ENV")
	defer viper.Reset()

	os.Setenv("APP_ENV", "development")

	c, err := LoadConfig()
	assert.NoError(t, err)
	assert.Equal(t, 60, c.PresenceTTL)
	assert.Equal(t, 1024, c.PresenceSizeLimit)
	assert.Equal(t, 1000, c.PruningIntervalMS)
}

func TestConfig_SplitOrigins(t *testing.T) {
	c := &Config{AllowedOrigins: "http://a.test, http://b.test ,, http://c.test"}
	assert.Equal(t, []string{"http://a.test", "http://b.test", "http://c.test"}, c.SplitOrigins())
}
