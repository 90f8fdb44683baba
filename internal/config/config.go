package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"controlroom/internal/budget"
	"controlroom/internal/rollup"
)

// FileName is the per-project config file looked up in a workspace.
const FileName = "controlroom.yml"

// Config models controlroom.yml. It is stored in the database as the
// project's JSON config document.
type Config struct {
	Project struct {
		ID          string `yaml:"id" json:"id"`
		Description string `yaml:"description,omitempty" json:"description,omitempty"`
	} `yaml:"project" json:"project"`
	Runner           Runner          `yaml:"runner" json:"runner"`
	Tabs             []rollup.Group  `yaml:"tabs" json:"tabs"`
	SafetyCategories []string        `yaml:"safety_categories" json:"safety_categories"`
	Budget           budget.Config   `yaml:"budget" json:"budget"`
	Webhooks         []WebhookConfig `yaml:"webhooks,omitempty" json:"webhooks,omitempty"`
}

// Runner locates the external validation runner.
type Runner struct {
	URL string `yaml:"url" json:"url"`
	// Params are forwarded to the runner as the run configuration.
	Params map[string]string `yaml:"params,omitempty" json:"params,omitempty"`
}

type WebhookConfig struct {
	URL            string   `yaml:"url" json:"url"`
	Events         []string `yaml:"events,omitempty" json:"events,omitempty"`
	Secret         string   `yaml:"secret,omitempty" json:"secret,omitempty"`
	Enabled        *bool    `yaml:"enabled,omitempty" json:"enabled,omitempty"`
	TimeoutSeconds int      `yaml:"timeout_seconds,omitempty" json:"timeout_seconds,omitempty"`
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; import with cr config import --file <path>", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Project.ID) == "" {
		return fmt.Errorf("config.project.id is required")
	}
	if c.Runner.URL != "" && !strings.HasPrefix(c.Runner.URL, "http://") && !strings.HasPrefix(c.Runner.URL, "https://") {
		return fmt.Errorf("config.runner.url must be an http(s) url")
	}
	seen := make(map[string]struct{}, len(c.Tabs))
	for _, tab := range c.Tabs {
		if tab.Name == "" {
			return fmt.Errorf("config.tabs contains a tab without name")
		}
		if _, dup := seen[tab.Name]; dup {
			return fmt.Errorf("config.tabs has duplicate tab %s", tab.Name)
		}
		seen[tab.Name] = struct{}{}
		for _, cat := range tab.Categories {
			if cat == "" {
				return fmt.Errorf("tab %s has empty category", tab.Name)
			}
		}
	}
	for _, cat := range c.SafetyCategories {
		if cat == "" {
			return fmt.Errorf("config.safety_categories has empty category")
		}
	}
	if err := c.Budget.Validate(); err != nil {
		return fmt.Errorf("config.budget: %w", err)
	}
	for i, hook := range c.Webhooks {
		if strings.TrimSpace(hook.URL) == "" {
			return fmt.Errorf("config.webhooks[%d].url is required", i)
		}
	}
	return nil
}

// IsSafetyCategory reports whether failures in category need review.
func (c *Config) IsSafetyCategory(category string) bool {
	for _, s := range c.SafetyCategories {
		if strings.EqualFold(s, category) {
			return true
		}
	}
	return false
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, FileName)
}

// GenerateDefault returns default config YAML.
func GenerateDefault(projectID string) string {
	return fmt.Sprintf(defaultTemplate, projectID)
}

// LoadOptional returns nil,nil if the config file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Default returns the default Config struct for a project.
func Default(projectID string) *Config {
	cfg, err := FromYAML([]byte(GenerateDefault(projectID)))
	if err != nil {
		panic(fmt.Sprintf("default config template: %v", err))
	}
	return cfg
}

// FromYAML parses and validates config from raw YAML bytes. Budget fields
// left out of the file keep their defaults.
func FromYAML(data []byte) (*Config, error) {
	cfg := Config{Budget: budget.DefaultConfig()}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

// ToYAML renders the config as YAML.
func (c *Config) ToYAML() ([]byte, error) {
	return yaml.Marshal(c)
}

const defaultTemplate = `project:
  id: %s

runner:
  url: ""

tabs:
  - name: infrastructure
    categories: [Environment, Git, Dependencies]
  - name: safety
    categories: [Safety, Compliance]
  - name: mcp
    categories: [MCP]
  - name: build
    categories: [Build, QA]
  - name: behavior
    categories: [Behavior]

safety_categories: [Safety, Compliance]

budget:
  project_budget: 0
  phase_budget: 0
  default_agent_budget: 0
  thresholds:
    warning: 0.75
    critical: 0.90
    auto_pause: 1.00
  anomaly:
    enabled: false
    spike_threshold: 25
    sustained_threshold: 5
    lookback_seconds: 600
  pause_on_critical: false
`
