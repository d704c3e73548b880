package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

// Config models budgetline.yml.
type Config struct {
	Project struct {
		ID   string `yaml:"id"`
		Kind string `yaml:"kind"`
	} `yaml:"project"`
	ProcurementShops struct {
		Catalog map[string]ProcurementShop `yaml:"catalog"`
	} `yaml:"procurement_shops"`
	Workflows struct {
		// Approvers maps a workflow action to the user ids allowed to
		// resolve its steps. An absent or empty list means any
		// authenticated user who is not the submitter.
		Approvers map[string][]string `yaml:"approvers"`
	} `yaml:"workflows"`
	Webhooks []WebhookConfig `yaml:"webhooks"`
}

// ProcurementShop is one catalog entry; FeeRate is a decimal fraction
// ("0.0048" means 0.48%), kept as a string so yaml never goes through float.
type ProcurementShop struct {
	Name    string `yaml:"name"`
	FeeRate string `yaml:"fee_rate"`
}

// Rate parses the shop's fee fraction. Validate guarantees it parses.
func (p ProcurementShop) Rate() decimal.Decimal {
	d, err := decimal.NewFromString(p.FeeRate)
	if err != nil {
		return decimal.Zero
	}
	return d
}

type WebhookConfig struct {
	URL            string   `yaml:"url"`
	Events         []string `yaml:"events"`
	Secret         string   `yaml:"secret"`
	Enabled        *bool    `yaml:"enabled"`
	TimeoutSeconds int      `yaml:"timeout_seconds"`
}

var knownActions = map[string]bool{
	"DRAFT_TO_PLANNED":     true,
	"PLANNED_TO_EXECUTING": true,
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; import with bl config import --file <path>", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Project.ID == "" {
		return fmt.Errorf("config.project.id is required")
	}
	if c.Project.Kind != "budget-portfolio" {
		return fmt.Errorf("config.project.kind must be 'budget-portfolio'")
	}
	if len(c.ProcurementShops.Catalog) == 0 {
		return fmt.Errorf("config.procurement_shops.catalog is required")
	}
	for abbr, shop := range c.ProcurementShops.Catalog {
		if abbr == "" {
			return fmt.Errorf("procurement shop catalog contains empty abbreviation")
		}
		if shop.Name == "" {
			return fmt.Errorf("procurement shop %s has no name", abbr)
		}
		rate, err := decimal.NewFromString(shop.FeeRate)
		if err != nil {
			return fmt.Errorf("procurement shop %s fee_rate %q is not a decimal", abbr, shop.FeeRate)
		}
		if rate.IsNegative() || rate.GreaterThanOrEqual(decimal.NewFromInt(1)) {
			return fmt.Errorf("procurement shop %s fee_rate %s must be in [0,1)", abbr, shop.FeeRate)
		}
	}
	for action, users := range c.Workflows.Approvers {
		if !knownActions[action] {
			return fmt.Errorf("config.workflows.approvers has unknown action %s", action)
		}
		for _, u := range users {
			if u == "" {
				return fmt.Errorf("approver list for %s contains empty user id", action)
			}
		}
	}
	for i, wh := range c.Webhooks {
		if wh.URL == "" {
			return fmt.Errorf("webhook %d has empty url", i)
		}
	}
	return nil
}

// Shop resolves a procurement shop by abbreviation.
func (c *Config) Shop(abbr string) (ProcurementShop, bool) {
	shop, ok := c.ProcurementShops.Catalog[abbr]
	return shop, ok
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "budgetline.yml")
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
	var cfg Config
	cfg.Project.ID = projectID
	cfg.Project.Kind = "budget-portfolio"
	_ = yaml.NewDecoder(bytes.NewBufferString(fmt.Sprintf(defaultTemplate, projectID))).Decode(&cfg)
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

const defaultTemplate = `project:
  id: %s
  kind: budget-portfolio

procurement_shops:
  catalog:
    PSC:
      name: "Product Service Center"
      fee_rate: "0"
    GCS:
      name: "Government Contracting Services"
      fee_rate: "0"
    IBC:
      name: "Interior Business Center"
      fee_rate: "0.0048"
    NIH:
      name: "National Institute of Health"
      fee_rate: "0.005"

workflows:
  approvers:
    DRAFT_TO_PLANNED: []
    PLANNED_TO_EXECUTING: []

webhooks: []
`
