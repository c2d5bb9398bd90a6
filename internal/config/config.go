// Package config loads the runtime configuration from an optional config
// file plus environment overrides (prefix TLP_).
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
)

type Config struct {
	APIBase   string         `mapstructure:"api_base"`
	Provider  ProviderConfig `mapstructure:"provider"`
	Loop      LoopConfig     `mapstructure:"loop"`
	Tools     ToolsConfig    `mapstructure:"tools"`
	Registry  RegistryConfig `mapstructure:"registry"`
	Prompt    PromptConfig   `mapstructure:"prompt"`
	LogLevel  string         `mapstructure:"log_level"`
	LogFormat string         `mapstructure:"log_format"`
}

// ProviderConfig selects the model backend. Settings is a free-form map
// decoded by the chosen backend; see DecodeSettings.
type ProviderConfig struct {
	Name     string         `mapstructure:"name"`
	Settings map[string]any `mapstructure:"settings"`
}

type LoopConfig struct {
	MaxIterations  int     `mapstructure:"max_iterations"`
	MalformedLimit int     `mapstructure:"malformed_limit"`
	Temperature    float64 `mapstructure:"temperature"`
	Seed           *int64  `mapstructure:"seed"`
}

type ToolsConfig struct {
	TimeoutMS      int `mapstructure:"timeout_ms"`
	Retries        int `mapstructure:"retries"`
	RetryBackoffMS int `mapstructure:"retry_backoff_ms"`
}

type RegistryConfig struct {
	CachePath string `mapstructure:"cache_path"`
	CacheTTLS int    `mapstructure:"cache_ttl_s"`
}

type PromptConfig struct {
	Language     string `mapstructure:"language"`
	Style        string `mapstructure:"style"`
	Instructions string `mapstructure:"instructions"`
}

// OllamaSettings is the decoded provider.settings block for the ollama backend.
type OllamaSettings struct {
	Host  string `mapstructure:"host"`
	Model string `mapstructure:"model"`
}

func (c ToolsConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutMS) * time.Millisecond
}

func (c RegistryConfig) CacheTTL() time.Duration {
	return time.Duration(c.CacheTTLS) * time.Second
}

// Load reads configuration from path (optional; empty means defaults and env
// only) and applies TLP_-prefixed environment overrides, TLP_API_BASE and
// TLP_LOOP_MAX_ITERATIONS style.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("TLP")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("api_base", "http://localhost:8080")
	v.SetDefault("provider.name", "ollama")
	v.SetDefault("provider.settings.host", "http://localhost:11434")
	v.SetDefault("provider.settings.model", "qwen2.5:7b")
	v.SetDefault("loop.max_iterations", 10)
	v.SetDefault("loop.malformed_limit", 3)
	v.SetDefault("loop.temperature", 0.0)
	v.SetDefault("tools.timeout_ms", 15000)
	v.SetDefault("tools.retries", 3)
	v.SetDefault("tools.retry_backoff_ms", 1000)
	v.SetDefault("registry.cache_path", ".toolloop/registry.json")
	v.SetDefault("registry.cache_ttl_s", 300)
	v.SetDefault("prompt.language", "en")
	v.SetDefault("prompt.style", "detailed")
	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "text")

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

func (c Config) Validate() error {
	if strings.TrimSpace(c.APIBase) == "" {
		return fmt.Errorf("api_base is required")
	}
	if c.Provider.Name == "" {
		return fmt.Errorf("provider.name is required")
	}
	if c.Loop.MaxIterations < 1 {
		return fmt.Errorf("loop.max_iterations must be at least 1")
	}
	if c.Loop.MalformedLimit < 1 {
		return fmt.Errorf("loop.malformed_limit must be at least 1")
	}
	if c.Tools.Retries < 1 {
		return fmt.Errorf("tools.retries must be at least 1")
	}
	return nil
}

// DecodeSettings decodes a free-form provider settings map into a typed
// struct. Keys match loosely: case and underscores are ignored.
func DecodeSettings(input map[string]any, out any) error {
	if len(input) == 0 {
		return nil
	}
	dc := &mapstructure.DecoderConfig{
		TagName:          "mapstructure",
		Result:           out,
		WeaklyTypedInput: true,
		MatchName: func(mapKey, fieldName string) bool {
			return normalizeKey(mapKey) == normalizeKey(fieldName)
		},
	}
	decoder, err := mapstructure.NewDecoder(dc)
	if err != nil {
		return err
	}
	return decoder.Decode(input)
}

func normalizeKey(value string) string {
	value = strings.ToLower(value)
	value = strings.ReplaceAll(value, "_", "")
	value = strings.ReplaceAll(value, "-", "")
	return value
}
