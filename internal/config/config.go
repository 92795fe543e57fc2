package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config models taskline.yml. The file is optional; every field has a
// default.
type Config struct {
	Store struct {
		File string `yaml:"file"`
	} `yaml:"store"`
	Server struct {
		Addr      string `yaml:"addr"`
		BasePath  string `yaml:"base_path"`
		JWTSecret string `yaml:"jwt_secret"`
		APIKey    string `yaml:"api_key"`
	} `yaml:"server"`
	Planner struct {
		Provider string `yaml:"provider"`
		Model    string `yaml:"model"`
	} `yaml:"planner"`
	Journal struct {
		Disabled bool `yaml:"disabled"`
	} `yaml:"journal"`
	Webhooks []WebhookConfig `yaml:"webhooks"`
}

// WebhookConfig is one delivery target for journal entries. An empty Ops
// list matches every operation.
type WebhookConfig struct {
	URL            string   `yaml:"url"`
	Ops            []string `yaml:"ops"`
	Secret         string   `yaml:"secret"`
	TimeoutSeconds int      `yaml:"timeout_seconds"`
	Enabled        *bool    `yaml:"enabled"`
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "taskline.yml")
}

// Default returns the built-in configuration.
func Default() *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(defaultTemplate)).Decode(&cfg)
	return &cfg
}

// Load reads config from the workspace, falling back to the defaults when
// the file does not exist. TASKLINE_JWT_SECRET and TASKLINE_API_KEY fill in
// credentials the file leaves empty.
func Load(workspace string) (*Config, error) {
	cfg, err := load(workspace)
	if err != nil {
		return nil, err
	}
	if cfg.Server.JWTSecret == "" {
		cfg.Server.JWTSecret = os.Getenv("TASKLINE_JWT_SECRET")
	}
	if cfg.Server.APIKey == "" {
		cfg.Server.APIKey = os.Getenv("TASKLINE_API_KEY")
	}
	return cfg, nil
}

func load(workspace string) (*Config, error) {
	data, err := os.ReadFile(Path(workspace))
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// FromYAML parses config on top of the defaults and validates it.
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

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Store.File == "" {
		return fmt.Errorf("config.store.file is required")
	}
	if c.Server.Addr == "" {
		return fmt.Errorf("config.server.addr is required")
	}
	if !strings.HasPrefix(c.Server.BasePath, "/") {
		return fmt.Errorf("config.server.base_path must start with /")
	}
	switch c.Planner.Provider {
	case "", "anthropic", "openai":
	default:
		return fmt.Errorf("config.planner.provider must be anthropic or openai, got %q", c.Planner.Provider)
	}
	for i, hook := range c.Webhooks {
		if hook.URL == "" {
			return fmt.Errorf("config.webhooks[%d].url is required", i)
		}
	}
	return nil
}

// StorePath resolves the store file against the workspace.
func (c *Config) StorePath(workspace string) string {
	if filepath.IsAbs(c.Store.File) {
		return c.Store.File
	}
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, c.Store.File)
}

const defaultTemplate = `store:
  file: .taskline/tasks.json

server:
  addr: 127.0.0.1:8080
  base_path: /v0
  jwt_secret: ""
  api_key: ""

planner:
  provider: anthropic
  model: claude-3-5-sonnet-20241022

journal:
  disabled: false
`
