package config

import (
	"fmt"
	"strings"
)

// validSSLModes are the PostgreSQL SSL modes accepted by pgx.
var validSSLModes = map[string]bool{
	"disable":     true,
	"allow":       true,
	"prefer":      true,
	"require":     true,
	"verify-ca":   true,
	"verify-full": true,
}

// Validate checks all configuration values and returns the first violation.
func (c *Config) Validate() error {
	if c == nil {
		return ErrConfigNil
	}

	switch c.Provider {
	case ProviderGemini, ProviderGoogleAI, ProviderOllama:
	default:
		return fmt.Errorf("%w: %q (expected one of: %s, %s, %s)",
			ErrInvalidProvider, c.Provider, ProviderGemini, ProviderGoogleAI, ProviderOllama)
	}

	if strings.TrimSpace(c.ModelName) == "" {
		return fmt.Errorf("%w: model name must not be empty", ErrInvalidModelName)
	}

	if c.Temperature < 0 || c.Temperature > 2 {
		return fmt.Errorf("%w: %v (expected 0.0-2.0)", ErrInvalidTemperature, c.Temperature)
	}

	if c.MaxRenderRetries < 0 || c.MaxRenderRetries > 10 {
		return fmt.Errorf("%w: %d (expected 0-10)", ErrInvalidMaxRetries, c.MaxRenderRetries)
	}

	if c.RenderTimeout <= 0 || c.RenderTimeout > MaxRenderTimeout {
		return fmt.Errorf("%w: %v (expected >0 and <=%v)",
			ErrInvalidRenderTimeout, c.RenderTimeout, MaxRenderTimeout)
	}

	if strings.TrimSpace(c.PostgresHost) == "" {
		return fmt.Errorf("%w: host must not be empty", ErrInvalidPostgresHost)
	}

	if c.PostgresPort < 1 || c.PostgresPort > 65535 {
		return fmt.Errorf("%w: %d (expected 1-65535)", ErrInvalidPostgresPort, c.PostgresPort)
	}

	if strings.TrimSpace(c.PostgresDBName) == "" {
		return fmt.Errorf("%w: database name must not be empty", ErrInvalidPostgresDBName)
	}

	if !validSSLModes[c.PostgresSSLMode] {
		return fmt.Errorf("%w: %q", ErrInvalidPostgresSSLMode, c.PostgresSSLMode)
	}

	return nil
}
