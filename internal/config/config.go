package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"phasegate/internal/domain"
)

const (
	ScopeOrganization = "organization"
	ScopeGlobal       = "global"

	StrategyAuto       = "auto"
	StrategyJoined     = "joined"
	StrategyDecomposed = "decomposed"
)

// Config models phasegate.yml.
type Config struct {
	Org struct {
		ID   string `yaml:"id"`
		Name string `yaml:"name"`
	} `yaml:"org"`
	Gate  GateConfig `yaml:"gate"`
	Queue struct {
		Strategy string `yaml:"strategy"`
	} `yaml:"queue"`
	Store struct {
		BusyTimeoutMS int `yaml:"busy_timeout_ms"`
		MaxRetries    int `yaml:"max_retries"`
	} `yaml:"store"`
	Notify struct {
		IntervalSeconds int             `yaml:"interval_seconds"`
		Webhooks        []WebhookConfig `yaml:"webhooks"`
	} `yaml:"notify"`
	Log struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"log"`
	Telemetry struct {
		Enabled      bool   `yaml:"enabled"`
		Stdout       bool   `yaml:"stdout"`
		OTLPEndpoint string `yaml:"otlp_endpoint"`
		ServiceName  string `yaml:"service_name"`
	} `yaml:"telemetry"`
}

// GateConfig is the authorization policy input for the role gate.
type GateConfig struct {
	// Scope is organization (approvers decide only inside their org) or
	// global (any approver decides on any task). It has no default.
	Scope             string   `yaml:"scope"`
	ApproverRoles     []string `yaml:"approver_roles"`
	AllowSelfApproval bool     `yaml:"allow_self_approval"`
}

type WebhookConfig struct {
	URL            string   `yaml:"url"`
	Actions        []string `yaml:"actions"`
	Secret         string   `yaml:"secret"`
	TimeoutSeconds int      `yaml:"timeout_seconds"`
	Enabled        *bool    `yaml:"enabled"`
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create it with phasegate config init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOrDefault returns the workspace config, or the default when the file
// does not exist.
func LoadOrDefault(workspace string) (*Config, error) {
	cfg, err := LoadOptional(workspace)
	if err != nil {
		return nil, err
	}
	if cfg == nil {
		return Default(), nil
	}
	return cfg, nil
}

// LoadOptional returns nil,nil if the config file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	data, err := os.ReadFile(Path(workspace))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Org.ID) == "" {
		return fmt.Errorf("config.org.id is required")
	}
	switch c.Gate.Scope {
	case ScopeOrganization, ScopeGlobal:
	case "":
		return fmt.Errorf("config.gate.scope is required (%s or %s)", ScopeOrganization, ScopeGlobal)
	default:
		return fmt.Errorf("config.gate.scope must be %s or %s, got %q", ScopeOrganization, ScopeGlobal, c.Gate.Scope)
	}
	if len(c.Gate.ApproverRoles) == 0 {
		return fmt.Errorf("config.gate.approver_roles must list at least one role")
	}
	for _, r := range c.Gate.ApproverRoles {
		if !domain.Role(r).Valid() {
			return fmt.Errorf("config.gate.approver_roles has unknown role %q", r)
		}
	}
	switch c.Queue.Strategy {
	case StrategyAuto, StrategyJoined, StrategyDecomposed:
	default:
		return fmt.Errorf("config.queue.strategy must be one of auto, joined, decomposed")
	}
	if c.Store.BusyTimeoutMS < 0 {
		return fmt.Errorf("config.store.busy_timeout_ms must be >= 0")
	}
	if c.Store.MaxRetries < 0 {
		return fmt.Errorf("config.store.max_retries must be >= 0")
	}
	for i, hook := range c.Notify.Webhooks {
		if strings.TrimSpace(hook.URL) == "" {
			return fmt.Errorf("config.notify.webhooks[%d].url is required", i)
		}
		for _, a := range hook.Actions {
			if !domain.Action(a).Valid() {
				return fmt.Errorf("config.notify.webhooks[%d] has unknown action %q", i, a)
			}
		}
	}
	switch strings.ToLower(c.Log.Format) {
	case "", "text", "json":
	default:
		return fmt.Errorf("config.log.format must be text or json")
	}
	return nil
}

// Roles returns the configured approver roles as domain values.
func (g GateConfig) Roles() []domain.Role {
	out := make([]domain.Role, 0, len(g.ApproverRoles))
	for _, r := range g.ApproverRoles {
		out = append(out, domain.Role(r))
	}
	return out
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "phasegate.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// Default returns the default Config struct.
func Default() *Config {
	var cfg Config
	if err := yaml.Unmarshal([]byte(defaultTemplate), &cfg); err != nil {
		panic(fmt.Sprintf("config: default template: %v", err))
	}
	return &cfg
}

// FromYAML parses and validates config from raw YAML bytes. Missing
// sections fall back to the defaults.
func FromYAML(data []byte) (*Config, error) {
	cfg := Default()
	cfg.Gate.Scope = ""
	cfg.Gate.ApproverRoles = nil
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if len(cfg.Gate.ApproverRoles) == 0 {
		cfg.Gate.ApproverRoles = Default().Gate.ApproverRoles
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

const defaultTemplate = `org:
  id: default-org
  name: Default Org

gate:
  # organization: approvers only see and decide tasks of their own org.
  # global: any approver decides on any task.
  scope: organization
  approver_roles: [team_lead, manager, executive]
  allow_self_approval: false

queue:
  # auto tries the joined view first and falls back to the decomposed path.
  strategy: auto

store:
  busy_timeout_ms: 5000
  max_retries: 5

notify:
  interval_seconds: 2
  webhooks: []

log:
  level: info
  format: text

telemetry:
  enabled: false
  stdout: false
  otlp_endpoint: ""
  service_name: phasegate
`
