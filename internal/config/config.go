package config

import (
	_ "embed"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/subosito/gotenv"
	"gopkg.in/yaml.v3"
)

//go:embed default.yaml
var DefaultConfigYAML []byte

type Config struct {
	LLM        LLM        `yaml:"llm"`
	Analysis   Analysis   `yaml:"analysis"`
	Enrichment Enrichment `yaml:"enrichment"`
	Output     Output     `yaml:"output"`
	Server     Server     `yaml:"server"`
	Logging    Logging    `yaml:"logging"`
}

type LLM struct {
	Provider          string        `yaml:"provider"`
	Model             string        `yaml:"model"`
	OllamaURL         string        `yaml:"ollama_url"`
	OpenAIModel       string        `yaml:"openai_model"`
	OpenAIBaseURL     string        `yaml:"openai_base_url"`
	APIKeyEnv         string        `yaml:"api_key_env"`
	MaxTokens         int           `yaml:"max_tokens"`
	RequestsPerSecond float64       `yaml:"requests_per_second"`
	CallTimeout       time.Duration `yaml:"call_timeout"`
}

type Analysis struct {
	BatchSize            int           `yaml:"batch_size"`
	MaxConcurrency       int           `yaml:"max_concurrency"`
	MaxRetries           int           `yaml:"max_retries"`
	RetryInitialInterval time.Duration `yaml:"retry_initial_interval"`
	TopN                 int           `yaml:"top_n"`
	QuotesPerTheme       int           `yaml:"quotes_per_theme"`
	TrendWindowDays      int           `yaml:"trend_window_days"`
	MaxRows              int           `yaml:"max_rows"`
	MaxUploadBytes       int64         `yaml:"max_upload_bytes"`
}

type Enrichment struct {
	ProductPages bool          `yaml:"product_pages"`
	Timeout      time.Duration `yaml:"timeout"`
}

type Output struct {
	DataDir string `yaml:"data_dir"`
}

type Server struct {
	Host          string        `yaml:"host"`
	Port          int           `yaml:"port"`
	CORSOrigin    string        `yaml:"cors_origin"`
	ShutdownGrace time.Duration `yaml:"shutdown_grace"`
}

type Logging struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// ConfigDir returns the XDG config directory for reviewminer.
func ConfigDir() string {
	return filepath.Join(homeDir(), ".config", "reviewminer")
}

// DataDir returns the XDG data directory for reviewminer.
func DataDir() string {
	return filepath.Join(homeDir(), ".local", "share", "reviewminer")
}

// LoadEnv loads variables from a .env file into the process environment.
// A missing file is not an error; the OS environment is used as-is.
func LoadEnv(path string) {
	if path == "" {
		path = ".env"
	}
	if err := gotenv.Load(path); err != nil {
		slog.Debug("no .env file loaded, using OS environment", "path", path)
	}
}

// ResolveConfigPath finds the config file following priority:
// explicit path > ~/.config/reviewminer/config.yaml > ./config.yaml
// When none exists the embedded defaults are used and "" is returned.
func ResolveConfigPath(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	xdgConfig := filepath.Join(ConfigDir(), "config.yaml")
	if _, err := os.Stat(xdgConfig); err == nil {
		return xdgConfig, nil
	}

	cwdConfig := "config.yaml"
	if _, err := os.Stat(cwdConfig); err == nil {
		return cwdConfig, nil
	}

	return "", nil
}

// Load reads and parses a config YAML file. An empty path yields the defaults.
func Load(path string) (*Config, error) {
	if path == "" {
		return parse(DefaultConfigYAML)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}
	return parse(data)
}

// Default returns the built-in configuration.
func Default() *Config {
	cfg, err := parse(DefaultConfigYAML)
	if err != nil {
		panic("config: embedded default.yaml is invalid: " + err.Error())
	}
	return cfg
}

// parse parses YAML bytes into a Config, applying defaults.
func parse(data []byte) (*Config, error) {
	cfg := &Config{
		LLM: LLM{
			Provider:          "ollama",
			Model:             "qwen2.5:7b",
			OllamaURL:         "http://localhost:11434",
			OpenAIModel:       "gpt-4o-mini",
			OpenAIBaseURL:     "https://api.openai.com/v1",
			APIKeyEnv:         "OPENAI_API_KEY",
			MaxTokens:         4096,
			RequestsPerSecond: 2,
			CallTimeout:       60 * time.Second,
		},
		Analysis: Analysis{
			BatchSize:            35,
			MaxConcurrency:       4,
			MaxRetries:           2,
			RetryInitialInterval: time.Second,
			TopN:                 5,
			QuotesPerTheme:       3,
			TrendWindowDays:      60,
			MaxRows:              10000,
			MaxUploadBytes:       10 << 20,
		},
		Enrichment: Enrichment{
			Timeout: 15 * time.Second,
		},
		Server: Server{
			Host:          "127.0.0.1",
			Port:          8000,
			CORSOrigin:    "*",
			ShutdownGrace: 30 * time.Second,
		},
		Logging: Logging{Level: "INFO", Format: "text"},
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate rejects settings the pipeline cannot run with.
func (c *Config) Validate() error {
	var errs []error
	a := c.Analysis
	if a.BatchSize <= 0 {
		errs = append(errs, fmt.Errorf("analysis.batch_size must be positive, got %d", a.BatchSize))
	}
	if a.MaxConcurrency <= 0 {
		errs = append(errs, fmt.Errorf("analysis.max_concurrency must be positive, got %d", a.MaxConcurrency))
	}
	if a.MaxRetries < 0 {
		errs = append(errs, fmt.Errorf("analysis.max_retries must not be negative, got %d", a.MaxRetries))
	}
	if a.TopN <= 0 {
		errs = append(errs, fmt.Errorf("analysis.top_n must be positive, got %d", a.TopN))
	}
	if a.QuotesPerTheme <= 0 {
		errs = append(errs, fmt.Errorf("analysis.quotes_per_theme must be positive, got %d", a.QuotesPerTheme))
	}
	if a.TrendWindowDays <= 0 {
		errs = append(errs, fmt.Errorf("analysis.trend_window_days must be positive, got %d", a.TrendWindowDays))
	}
	if a.MaxRows <= 0 {
		errs = append(errs, fmt.Errorf("analysis.max_rows must be positive, got %d", a.MaxRows))
	}
	if a.MaxUploadBytes <= 0 {
		errs = append(errs, fmt.Errorf("analysis.max_upload_bytes must be positive, got %d", a.MaxUploadBytes))
	}
	if c.LLM.CallTimeout <= 0 {
		errs = append(errs, fmt.Errorf("llm.call_timeout must be positive, got %s", c.LLM.CallTimeout))
	}
	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}

// GetDataDir returns the effective data directory from config or XDG default.
func (c *Config) GetDataDir() string {
	if c.Output.DataDir != "" {
		return c.Output.DataDir
	}
	return DataDir()
}

// DBPath returns the SQLite database path inside the data directory.
func (c *Config) DBPath() string {
	return filepath.Join(c.GetDataDir(), "reviewminer.db")
}

// APIKey returns the OpenAI-compatible API key from the configured env var.
func (c *Config) APIKey() string {
	if c.LLM.APIKeyEnv == "" {
		return ""
	}
	return os.Getenv(c.LLM.APIKeyEnv)
}

func homeDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return home
}
