// Package config provides application configuration management with
// multi-source priority.
//
// Configuration sources (highest to lowest priority):
//  1. Environment variables (VIZIER_ prefix, runtime override)
//  2. Config file (~/.vizier/config.yaml)
//  3. Default values
//
// Main configuration categories:
//   - AI: provider, model selection, temperature, embedder
//   - Storage: PostgreSQL connection (see storage.go)
//   - Renderer: engine commands, output directory, timeouts
//   - Server: listen address, CORS, rate limiting
//   - Tracing: OTLP collector endpoint
//
// Error Handling:
//   - Sentinel errors for Go-idiomatic checking with errors.Is()
//   - Wrap with context using fmt.Errorf("%w: details", ErrXxx)
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

var (
	// ErrConfigNil indicates the configuration is nil.
	ErrConfigNil = errors.New("configuration is nil")

	// ErrInvalidModelName indicates the model name is invalid.
	ErrInvalidModelName = errors.New("invalid model name")

	// ErrInvalidProvider indicates the AI provider is not supported.
	ErrInvalidProvider = errors.New("invalid provider")

	// ErrInvalidTemperature indicates the temperature value is out of range.
	ErrInvalidTemperature = errors.New("invalid temperature")

	// ErrInvalidMaxRetries indicates the render retry bound is out of range.
	ErrInvalidMaxRetries = errors.New("invalid max retries")

	// ErrInvalidRenderTimeout indicates a render timeout outside the allowed range.
	ErrInvalidRenderTimeout = errors.New("invalid render timeout")

	// ErrInvalidPostgresHost indicates the PostgreSQL host is invalid.
	ErrInvalidPostgresHost = errors.New("invalid PostgreSQL host")

	// ErrInvalidPostgresPort indicates the PostgreSQL port is out of range.
	ErrInvalidPostgresPort = errors.New("invalid PostgreSQL port")

	// ErrInvalidPostgresDBName indicates the PostgreSQL database name is invalid.
	ErrInvalidPostgresDBName = errors.New("invalid PostgreSQL database name")

	// ErrInvalidPostgresSSLMode indicates the PostgreSQL SSL mode is invalid.
	ErrInvalidPostgresSSLMode = errors.New("invalid PostgreSQL SSL mode")
)

// AI provider identifiers used in Config.Provider.
const (
	ProviderGemini   = "gemini"
	ProviderGoogleAI = "googleai"
	ProviderOllama   = "ollama"
)

// Render timeout bounds. Simple chart tools default to 30s; heavy analysis
// pipelines may be configured up to the hard maximum.
const (
	DefaultRenderTimeout = 30 * time.Second
	MaxRenderTimeout     = 240 * time.Second
)

// Config stores application configuration.
type Config struct {
	// AI provider and model configuration
	Provider    string  `mapstructure:"provider"`
	ModelName   string  `mapstructure:"model_name"`
	Temperature float32 `mapstructure:"temperature"`
	Language    string  `mapstructure:"language"`

	// Ollama configuration (only used when provider is "ollama")
	OllamaHost string `mapstructure:"ollama_host"`

	// Embedder used by the knowledge retriever
	EmbedderModel string `mapstructure:"embedder_model"`

	// Turn processing
	MaxRenderRetries int `mapstructure:"max_render_retries"` // extra render attempts after the first

	// Renderer configuration
	RenderOutputDir string        `mapstructure:"render_output_dir"`
	RenderTimeout   time.Duration `mapstructure:"render_timeout"`

	// Storage configuration (see storage.go)
	PostgresHost     string `mapstructure:"postgres_host"`
	PostgresPort     int    `mapstructure:"postgres_port"`
	PostgresUser     string `mapstructure:"postgres_user"`
	PostgresPassword string `mapstructure:"postgres_password"` // SENSITIVE: never logged
	PostgresDBName   string `mapstructure:"postgres_db_name"`
	PostgresSSLMode  string `mapstructure:"postgres_ssl_mode"`

	// Server configuration
	ListenAddr  string   `mapstructure:"listen_addr"`
	CORSOrigins []string `mapstructure:"cors_origins"`
	TrustProxy  bool     `mapstructure:"trust_proxy"`
	RateBurst   int      `mapstructure:"rate_burst"`

	// Tracing configuration (empty endpoint disables tracing)
	OTLPEndpoint string `mapstructure:"otlp_endpoint"`

	// Logging
	LogJSON  bool   `mapstructure:"log_json"`
	LogLevel string `mapstructure:"log_level"`
}

// configDirName is the directory under $HOME holding the config file.
const configDirName = ".vizier"

// Load reads configuration from defaults, config file, and environment.
// A missing config file is not an error; defaults plus env apply.
func Load() (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetEnvPrefix("VIZIER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if home, err := os.UserHomeDir(); err == nil {
		v.AddConfigPath(filepath.Join(home, configDirName))
	}
	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	if err := cfg.parseDatabaseURL(); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("provider", ProviderGemini)
	v.SetDefault("model_name", "gemini-2.5-flash")
	v.SetDefault("temperature", 0.3)
	v.SetDefault("language", "auto")
	v.SetDefault("ollama_host", "http://localhost:11434")
	v.SetDefault("embedder_model", "gemini-embedding-001")

	v.SetDefault("max_render_retries", 2)

	v.SetDefault("render_output_dir", defaultRenderOutputDir())
	v.SetDefault("render_timeout", DefaultRenderTimeout)

	v.SetDefault("postgres_host", "localhost")
	v.SetDefault("postgres_port", 5432)
	v.SetDefault("postgres_user", "vizier")
	v.SetDefault("postgres_password", "")
	v.SetDefault("postgres_db_name", "vizier")
	v.SetDefault("postgres_ssl_mode", "disable")

	v.SetDefault("listen_addr", ":8080")
	v.SetDefault("cors_origins", []string{})
	v.SetDefault("trust_proxy", false)
	v.SetDefault("rate_burst", 60)

	v.SetDefault("otlp_endpoint", "")

	v.SetDefault("log_json", false)
	v.SetDefault("log_level", "info")
}

func defaultRenderOutputDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(os.TempDir(), "vizier", "output")
	}
	return filepath.Join(home, configDirName, "output")
}
