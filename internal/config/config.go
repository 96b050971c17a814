package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"g4f-bridge/internal/models"
	"g4f-bridge/internal/registry"
)

const (
	APIStyleOpenAI = "openai"
	APIStyleClaude = "claude"

	defaultHost        = "0.0.0.0"
	defaultPort        = 8000
	defaultMetricsPath = "/metrics"
)

// Config represents the application configuration parsed from YAML.
type Config struct {
	Server    ServerConfig              `yaml:"server"`
	Logging   LoggingConfig             `yaml:"logging"`
	Models    []ModelConfig             `yaml:"models"`
	Providers map[string]ProviderConfig `yaml:"providers"`
}

// ServerConfig defines listener and access configuration.
type ServerConfig struct {
	Host    string        `yaml:"host"`
	Port    int           `yaml:"port"`
	APIKey  string        `yaml:"api_key"`
	Metrics MetricsConfig `yaml:"metrics"`
}

// MetricsConfig controls the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// LoggingConfig selects the log level and output format.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// ModelConfig advertises a model and assigns it to a provider.
type ModelConfig struct {
	ID       string `yaml:"id"`
	Provider string `yaml:"provider"`
}

// ProviderConfig describes the upstream backend serving a provider name.
type ProviderConfig struct {
	APIStyle string            `yaml:"api_style"`
	BaseURL  string            `yaml:"base_url"`
	APIKey   string            `yaml:"api_key"`
	Headers  Headers           `yaml:"headers"`
	ModelMap map[string]string `yaml:"model_map"`
}

// Headers contains additional HTTP headers to send with a provider request.
type Headers map[string]string

// Default returns the configuration used when no file is supplied.
func Default() Config {
	defaults := registry.Defaults()
	modelCfgs := make([]ModelConfig, 0, len(defaults))
	for _, m := range defaults {
		modelCfgs = append(modelCfgs, ModelConfig{ID: m.ID, Provider: m.Provider})
	}

	return Config{
		Server: ServerConfig{
			Host: defaultHost,
			Port: defaultPort,
			Metrics: MetricsConfig{
				Enabled: true,
				Path:    defaultMetricsPath,
			},
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "auto",
		},
		Models:    modelCfgs,
		Providers: map[string]ProviderConfig{},
	}
}

// Load builds the configuration from defaults, an optional YAML file, an
// optional .env file and the process environment, in that order.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		absPath, err := filepath.Abs(path)
		if err != nil {
			return Config{}, fmt.Errorf("resolve config path: %w", err)
		}

		data, err := os.ReadFile(absPath)
		if err != nil {
			return Config{}, fmt.Errorf("read config file %q: %w", absPath, err)
		}

		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config file %q: %w", absPath, err)
		}
	}

	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return Config{}, fmt.Errorf("load .env: %w", err)
	}

	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return Config{}, err
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// ApplyEnv overlays environment variables onto the configuration.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	if v, ok := lookup("API_KEY"); ok && strings.TrimSpace(v) != "" {
		c.Server.APIKey = v
	}
	if v, ok := lookup("HOST"); ok && strings.TrimSpace(v) != "" {
		c.Server.Host = strings.TrimSpace(v)
	}
	if v, ok := lookup("PORT"); ok && strings.TrimSpace(v) != "" {
		port, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("PORT must be an integer, got %q", v)
		}
		c.Server.Port = port
	}
	if v, ok := lookup("LOG_LEVEL"); ok && strings.TrimSpace(v) != "" {
		c.Logging.Level = strings.TrimSpace(v)
	}
	if v, ok := lookup("LOG_FORMAT"); ok && strings.TrimSpace(v) != "" {
		c.Logging.Format = strings.TrimSpace(v)
	}
	return nil
}

// Validate performs strict sanity checks on the configuration.
func (c Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be a valid TCP port, got %d", c.Server.Port)
	}
	if c.Server.Metrics.Enabled && !strings.HasPrefix(c.Server.Metrics.Path, "/") {
		return fmt.Errorf("server.metrics.path must start with '/', got %q", c.Server.Metrics.Path)
	}

	switch strings.ToLower(c.Logging.Level) {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level %q must be one of debug, info, warn or error", c.Logging.Level)
	}
	switch strings.ToLower(c.Logging.Format) {
	case "", "auto", "text", "json":
	default:
		return fmt.Errorf("logging.format %q must be one of auto, text or json", c.Logging.Format)
	}

	if len(c.Models) == 0 {
		return errors.New("at least one model must be configured")
	}
	for i, model := range c.Models {
		if strings.TrimSpace(model.ID) == "" {
			return fmt.Errorf("models[%d]: id must not be empty", i)
		}
	}

	for name, provider := range c.Providers {
		if err := validateProvider(name, provider); err != nil {
			return err
		}
	}

	return nil
}

// ModelTable converts the configured models into registry entries.
func (c Config) ModelTable() []models.Model {
	out := make([]models.Model, 0, len(c.Models))
	for _, m := range c.Models {
		out = append(out, models.Model{ID: m.ID, Provider: m.Provider})
	}
	return out
}

func validateProvider(name string, provider ProviderConfig) error {
	if strings.TrimSpace(name) == "" {
		return errors.New("provider name must not be empty")
	}
	if strings.TrimSpace(provider.BaseURL) == "" {
		return fmt.Errorf("provider %s: base_url must be provided", name)
	}
	if err := validateAPIStyle(name, provider.APIStyle); err != nil {
		return err
	}

	for headerKey := range provider.Headers {
		if !isCanonicalHTTPHeader(headerKey) {
			return fmt.Errorf("provider %s: header %q is not a valid canonical HTTP header", name, headerKey)
		}
	}

	for model, target := range provider.ModelMap {
		if strings.TrimSpace(model) == "" {
			return fmt.Errorf("provider %s: model_map key must not be empty", name)
		}
		if strings.TrimSpace(target) == "" {
			return fmt.Errorf("provider %s: model_map %q target must not be empty", name, model)
		}
	}

	return nil
}

func validateAPIStyle(providerName, style string) error {
	switch style {
	case APIStyleOpenAI, APIStyleClaude:
		return nil
	default:
		return fmt.Errorf("provider %s: api_style %q must be one of %q or %q", providerName, style, APIStyleOpenAI, APIStyleClaude)
	}
}

func isCanonicalHTTPHeader(header string) bool {
	if header == "" {
		return false
	}

	for _, r := range header {
		if !(r == '-' || (r >= 'A' && r <= 'Z') || (r >= 'a' && r <= 'z')) {
			return false
		}
	}
	return true
}
