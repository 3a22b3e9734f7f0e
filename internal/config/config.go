package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Config models gateline.yml: the governance catalog seeded into a
// fresh workspace plus the role grants.
type Config struct {
	Governance struct {
		ID string `yaml:"id"`
	} `yaml:"governance"`
	StatusTypes map[string]StatusTypeSpec `yaml:"status_types"`
	Milestones  map[string]MilestoneSpec  `yaml:"milestones"`
	RBAC        struct {
		Roles map[string]RBACRole `yaml:"roles"`
	} `yaml:"rbac"`
}

type StatusTypeSpec struct {
	Name       string `yaml:"name"`
	Approved   bool   `yaml:"approved"`
	Selectable *bool  `yaml:"selectable"`
}

type MilestoneSpec struct {
	Name          string `yaml:"name"`
	ShortName     string `yaml:"short_name"`
	DefaultStatus string `yaml:"default_status"`
	Position      int    `yaml:"position"`
}

type RBACRole struct {
	Description string   `yaml:"description"`
	Permissions []string `yaml:"permissions"`
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; run gl init to create it", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Governance.ID == "" {
		return fmt.Errorf("config.governance.id is required")
	}
	if len(c.StatusTypes) == 0 {
		return fmt.Errorf("config.status_types is required")
	}
	hasApproved := false
	for id, st := range c.StatusTypes {
		if id == "" {
			return fmt.Errorf("config.status_types contains empty id")
		}
		if st.Name == "" {
			return fmt.Errorf("status type %s has no name", id)
		}
		if st.Approved {
			hasApproved = true
		}
	}
	if !hasApproved {
		return fmt.Errorf("config.status_types must define at least one approved status")
	}
	if len(c.Milestones) == 0 {
		return fmt.Errorf("config.milestones is required")
	}
	for id, m := range c.Milestones {
		if id == "" {
			return fmt.Errorf("config.milestones contains empty id")
		}
		if m.Name == "" {
			return fmt.Errorf("milestone %s has no name", id)
		}
		if m.DefaultStatus == "" {
			return fmt.Errorf("milestone %s has no default_status", id)
		}
		if _, ok := c.StatusTypes[m.DefaultStatus]; !ok {
			return fmt.Errorf("milestone %s references unknown status type %s", id, m.DefaultStatus)
		}
	}
	if len(c.RBAC.Roles) > 0 {
		if _, ok := c.RBAC.Roles["portfolio_manager"]; !ok {
			return fmt.Errorf("config.rbac.roles must include portfolio_manager")
		}
		for roleID, role := range c.RBAC.Roles {
			if roleID == "" {
				return fmt.Errorf("config.rbac.roles contains empty role id")
			}
			for _, perm := range role.Permissions {
				if perm == "" {
					return fmt.Errorf("role %s has empty permission id", roleID)
				}
			}
		}
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "gateline.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault(governanceID string) string {
	return fmt.Sprintf(defaultTemplate, governanceID)
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

// Default returns the default Config struct for a governance scheme.
func Default(governanceID string) *Config {
	var cfg Config
	cfg.Governance.ID = governanceID
	_ = yaml.NewDecoder(bytes.NewBufferString(fmt.Sprintf(defaultTemplate, governanceID))).Decode(&cfg)
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

const defaultTemplate = `governance:
  id: %s

status_types:
  approved:
    name: Approved
    approved: true
  approved.conditions:
    name: Approved with conditions
    approved: true
  rejected:
    name: Rejected
  rejected.resubmit:
    name: Rejected, resubmission invited
  legacy.passed:
    name: Passed (migrated)
    selectable: false

milestones:
  gate.concept:
    name: Concept gate
    short_name: CON
    default_status: approved
    position: 10
  gate.initiation:
    name: Initiation gate
    short_name: INI
    default_status: approved
    position: 20
  gate.delivery:
    name: Delivery gate
    short_name: DEL
    default_status: approved.conditions
    position: 30
  gate.closure:
    name: Closure gate
    short_name: CLO
    default_status: approved
    position: 40

rbac:
  roles:
    portfolio_manager:
      description: Reviews requests and finalizes milestones
      permissions: [request.review, milestone.decide, milestone.vote]
    reviewer:
      description: Votes on milestone reviews
      permissions: [milestone.vote]
    initiative_manager:
      description: Submits transition requests
      permissions: [request.submit]
`
