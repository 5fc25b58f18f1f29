package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Config models batchseal.yml, stored per tenant in the database.
type Config struct {
	Tenant struct {
		ID   string `yaml:"id"`
		Name string `yaml:"name"`
	} `yaml:"tenant"`
	Emission struct {
		// GraceMinutes is the deferred auto-issuance window armed when the
		// last active evaluation completes.
		GraceMinutes int `yaml:"grace_minutes"`
		// MaxAttempts bounds queue retries before an entry is declared dead.
		MaxAttempts int `yaml:"max_attempts"`
		// BackoffBaseMinutes is the exponential backoff base between retries.
		BackoffBaseMinutes int `yaml:"backoff_base_minutes"`
		// IssuerID is the actor the scheduler issues reports as.
		IssuerID string `yaml:"issuer_id"`
	} `yaml:"emission"`
	Reset struct {
		MinReasonLength int `yaml:"min_reason_length"`
	} `yaml:"reset"`
	Roles struct {
		RequestEmission []string `yaml:"request_emission"`
		Reset           []string `yaml:"reset"`
		Issue           []string `yaml:"issue"`
	} `yaml:"roles"`
	Webhooks []WebhookConfig `yaml:"webhooks,omitempty"`
}

// WebhookConfig describes one event delivery target. An empty events
// list means all events.
type WebhookConfig struct {
	URL            string   `yaml:"url"`
	Secret         string   `yaml:"secret,omitempty"`
	Events         []string `yaml:"events,omitempty"`
	TimeoutSeconds int      `yaml:"timeout_seconds,omitempty"`
	Enabled        *bool    `yaml:"enabled,omitempty"`
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; import with bseal tenant config import --file <path>", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Tenant.ID == "" {
		return fmt.Errorf("config.tenant.id is required")
	}
	if c.Emission.GraceMinutes < 0 {
		return fmt.Errorf("config.emission.grace_minutes must not be negative")
	}
	if c.Emission.MaxAttempts < 1 {
		return fmt.Errorf("config.emission.max_attempts must be at least 1")
	}
	if c.Emission.BackoffBaseMinutes < 1 {
		return fmt.Errorf("config.emission.backoff_base_minutes must be at least 1")
	}
	if c.Emission.IssuerID == "" {
		return fmt.Errorf("config.emission.issuer_id is required")
	}
	if c.Reset.MinReasonLength < 1 {
		return fmt.Errorf("config.reset.min_reason_length must be at least 1")
	}
	if len(c.Roles.RequestEmission) == 0 {
		return fmt.Errorf("config.roles.request_emission must list at least one role")
	}
	if len(c.Roles.Reset) == 0 {
		return fmt.Errorf("config.roles.reset must list at least one role")
	}
	if len(c.Roles.Issue) == 0 {
		return fmt.Errorf("config.roles.issue must list at least one role")
	}
	for _, group := range [][]string{c.Roles.RequestEmission, c.Roles.Reset, c.Roles.Issue} {
		for _, role := range group {
			if role == "" {
				return fmt.Errorf("config.roles contains an empty role id")
			}
		}
	}
	return nil
}

// RoleAllowed reports whether role appears in the allowlist.
func RoleAllowed(allowed []string, role string) bool {
	for _, r := range allowed {
		if r == role {
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
	return filepath.Join(workspace, "batchseal.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault(tenantID string) string {
	return fmt.Sprintf(defaultTemplate, tenantID)
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

// Default returns the default Config struct for a tenant.
func Default(tenantID string) *Config {
	var cfg Config
	cfg.Tenant.ID = tenantID
	_ = yaml.NewDecoder(bytes.NewBufferString(fmt.Sprintf(defaultTemplate, tenantID))).Decode(&cfg)
	return &cfg
}

// FromYAML parses and validates config from raw YAML bytes.
func FromYAML(data []byte) (*Config, error) {
	var cfg Config
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

const defaultTemplate = `tenant:
  id: %s
  name: ""

emission:
  grace_minutes: 10
  max_attempts: 3
  backoff_base_minutes: 2
  issuer_id: system-issuer

reset:
  min_reason_length: 5

roles:
  request_emission:
    - manager
    - coordinator
  reset:
    - manager
  issue:
    - issuer
    - system
`
