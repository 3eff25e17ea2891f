package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config models fireline.yml.
type Config struct {
	Agent struct {
		InitialDelay time.Duration `yaml:"initial_delay"`
		Debounce     time.Duration `yaml:"debounce"`
	} `yaml:"agent"`
	Dispatch struct {
		MaxAttempts int           `yaml:"max_attempts"`
		RetryDelay  time.Duration `yaml:"retry_delay"`
		Webhook     struct {
			URL     string        `yaml:"url"`
			Secret  string        `yaml:"secret"`
			Timeout time.Duration `yaml:"timeout"`
		} `yaml:"webhook"`
	} `yaml:"dispatch"`
	LLM struct {
		BaseURL string        `yaml:"base_url"`
		APIKey  string        `yaml:"api_key"`
		Timeout time.Duration `yaml:"timeout"`
	} `yaml:"llm"`
	Archive struct {
		URL string `yaml:"url"`
	} `yaml:"archive"`
	Host struct {
		Workers       int           `yaml:"workers"`
		SweepInterval time.Duration `yaml:"sweep_interval"`
		Addr          string        `yaml:"addr"`
	} `yaml:"host"`
	Context struct {
		Whitelist []string `yaml:"whitelist"`
	} `yaml:"context"`
	Log struct {
		Level    string `yaml:"level"`
		Encoding string `yaml:"encoding"`
	} `yaml:"log"`
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Agent.InitialDelay <= 0 {
		return fmt.Errorf("config.agent.initial_delay must be positive")
	}
	if c.Agent.Debounce <= 0 {
		return fmt.Errorf("config.agent.debounce must be positive")
	}
	if c.Dispatch.MaxAttempts < 1 {
		return fmt.Errorf("config.dispatch.max_attempts must be at least 1")
	}
	if c.Dispatch.RetryDelay < 0 {
		return fmt.Errorf("config.dispatch.retry_delay must not be negative")
	}
	if c.Dispatch.Webhook.Timeout < 0 || c.LLM.Timeout < 0 {
		return fmt.Errorf("timeouts must not be negative")
	}
	if c.Host.Workers < 1 {
		return fmt.Errorf("config.host.workers must be at least 1")
	}
	if c.Host.SweepInterval < time.Second {
		return fmt.Errorf("config.host.sweep_interval must be at least 1s")
	}
	for _, key := range c.Context.Whitelist {
		if strings.TrimSpace(key) == "" {
			return fmt.Errorf("config.context.whitelist contains an empty key")
		}
	}
	switch c.Log.Encoding {
	case "", "json", "console":
	default:
		return fmt.Errorf("config.log.encoding must be json or console")
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "fireline.yml")
}

// Load reads fireline.yml from the workspace when present, falling back to
// the defaults, then applies FIRELINE_* environment overrides. A .env file in
// the workspace is loaded first without replacing variables already set.
func Load(workspace string) (*Config, error) {
	if workspace == "" {
		workspace = "."
	}
	_ = godotenv.Load(filepath.Join(workspace, ".env"))

	cfg := Default()
	data, err := os.ReadFile(Path(workspace))
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("invalid config yaml: %w", err)
		}
	case !os.IsNotExist(err):
		return nil, err
	}
	if err := cfg.ApplyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnv overrides settings from FIRELINE_* variables. Secrets are
// expected to arrive this way rather than through the YAML file.
func (c *Config) ApplyEnv() error {
	c.Dispatch.Webhook.URL = getString("FIRELINE_WEBHOOK_URL", c.Dispatch.Webhook.URL)
	c.Dispatch.Webhook.Secret = getString("FIRELINE_WEBHOOK_SECRET", c.Dispatch.Webhook.Secret)
	c.LLM.BaseURL = getString("FIRELINE_LLM_BASE_URL", c.LLM.BaseURL)
	c.LLM.APIKey = getString("FIRELINE_LLM_API_KEY", c.LLM.APIKey)
	c.Archive.URL = getString("FIRELINE_ARCHIVE_URL", c.Archive.URL)
	c.Host.Addr = getString("FIRELINE_ADDR", c.Host.Addr)
	c.Log.Level = getString("FIRELINE_LOG_LEVEL", c.Log.Level)
	c.Log.Encoding = getString("FIRELINE_LOG_ENCODING", c.Log.Encoding)
	var err error
	if c.Host.Workers, err = getInt("FIRELINE_WORKERS", c.Host.Workers); err != nil {
		return err
	}
	if c.Dispatch.MaxAttempts, err = getInt("FIRELINE_MAX_ATTEMPTS", c.Dispatch.MaxAttempts); err != nil {
		return err
	}
	return nil
}

// Default returns the default Config.
func Default() *Config {
	var cfg Config
	if err := yaml.Unmarshal([]byte(defaultTemplate), &cfg); err != nil {
		panic(fmt.Sprintf("default config: %v", err))
	}
	return &cfg
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// FromYAML parses and validates config from raw YAML bytes layered over the
// defaults.
func FromYAML(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Marshal renders cfg as YAML with secrets masked.
func (c *Config) Marshal() ([]byte, error) {
	clone := *c
	if clone.Dispatch.Webhook.Secret != "" {
		clone.Dispatch.Webhook.Secret = "***"
	}
	if clone.LLM.APIKey != "" {
		clone.LLM.APIKey = "***"
	}
	return yaml.Marshal(&clone)
}

func getString(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return fallback
}

func getInt(key string, fallback int) (int, error) {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback, fmt.Errorf("%s: %w", key, err)
	}
	return n, nil
}

const defaultTemplate = `agent:
  initial_delay: 60s
  debounce: 13s

dispatch:
  max_attempts: 3
  retry_delay: 10s
  webhook:
    url: ""
    timeout: 10s

llm:
  base_url: ""
  timeout: 30s

archive:
  url: ""

host:
  workers: 4
  sweep_interval: 30s
  addr: "127.0.0.1:8787"

context:
  whitelist: [channel, thread]

log:
  level: info
  encoding: json
`
