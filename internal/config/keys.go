package config

import (
	"errors"
	"os"
	"strings"
)

// ErrNoAPIKey is returned when no Anthropic API key is configured.
var ErrNoAPIKey = errors.New("no anthropic api key configured")

// GetAPIKey resolves the Anthropic API key a real SessionRunner driver
// needs, preferring the ANTHROPIC_API_KEY environment variable over the
// config file. `${VAR}` references in the config value are expanded; a
// reference that expands to nothing counts as unset.
func GetAPIKey(cfg *Config) (string, error) {
	if key := os.Getenv("ANTHROPIC_API_KEY"); key != "" {
		return key, nil
	}
	if cfg != nil && cfg.Anthropic.APIKey != "" {
		key := os.ExpandEnv(cfg.Anthropic.APIKey)
		if key != "" && !strings.HasPrefix(key, "${") {
			return key, nil
		}
	}
	return "", ErrNoAPIKey
}

// ValidateAPIKey checks a key's shape without calling the API.
func ValidateAPIKey(key string) error {
	if key == "" {
		return ErrNoAPIKey
	}
	if !strings.HasPrefix(key, "sk-ant-") {
		return errors.New("api key should start with sk-ant-")
	}
	if len(key) < 20 {
		return errors.New("api key looks truncated")
	}
	return nil
}

// MaskAPIKey renders a key safe for logs: the sk-ant- prefix and the
// last four characters.
func MaskAPIKey(key string) string {
	if key == "" {
		return "(not set)"
	}
	if len(key) <= 15 {
		return "***"
	}
	return key[:7] + "..." + key[len(key)-4:]
}
