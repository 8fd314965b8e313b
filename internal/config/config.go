package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"deedflow/internal/domain"
)

// GuardNames lists the predicate names a transition rule may reference.
var GuardNames = map[string]bool{
	"certificate_issue": true,
	"elaboration_only":  true,
	"archivable":        true,
}

// Rule is one workflow-model edge: from a status toward one or more
// candidate next statuses, optionally gated by a named predicate.
type Rule struct {
	From  string   `yaml:"from" json:"from"`
	To    []string `yaml:"to" json:"to"`
	If    string   `yaml:"if,omitempty" json:"if,omitempty"`
	IfNot string   `yaml:"if_not,omitempty" json:"if_not,omitempty"`
}

type WebhookConfig struct {
	URL     string `yaml:"url" json:"url"`
	Secret  string `yaml:"secret,omitempty" json:"secret,omitempty"`
	Enabled *bool  `yaml:"enabled,omitempty" json:"enabled,omitempty"`
	// Events limits delivery to the listed event types; empty means all.
	Events         []string `yaml:"events,omitempty" json:"events,omitempty"`
	TimeoutSeconds int      `yaml:"timeout_seconds,omitempty" json:"timeout_seconds,omitempty"`
}

// Config models deedflow.yml: one office's bound workflow model.
type Config struct {
	Office struct {
		ID   string `yaml:"id" json:"id"`
		Name string `yaml:"name,omitempty" json:"name,omitempty"`
	} `yaml:"office" json:"office"`
	Workflow struct {
		Rules []Rule `yaml:"rules" json:"rules"`
		// ElaborationOffices route received filings straight to the
		// elaboration desk instead of the control desk.
		ElaborationOffices []string `yaml:"elaboration_offices,omitempty" json:"elaboration_offices,omitempty"`
	} `yaml:"workflow" json:"workflow"`
	Commands struct {
		// Roles maps a command type to the role required to invoke it.
		// An empty role means any authenticated user.
		Roles map[string]string `yaml:"roles" json:"roles"`
	} `yaml:"commands" json:"commands"`
	Webhooks []WebhookConfig `yaml:"webhooks,omitempty" json:"webhooks,omitempty"`
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create it and run df config import", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Office.ID == "" {
		return fmt.Errorf("config.office.id is required")
	}
	if len(c.Workflow.Rules) == 0 {
		return fmt.Errorf("config.workflow.rules is required")
	}
	for i, rule := range c.Workflow.Rules {
		if _, err := domain.ParseStatus(rule.From); err != nil {
			return fmt.Errorf("rule %d: %w", i, err)
		}
		if len(rule.To) == 0 {
			return fmt.Errorf("rule %d (%s): at least one target status required", i, rule.From)
		}
		for _, to := range rule.To {
			if _, err := domain.ParseStatus(to); err != nil {
				return fmt.Errorf("rule %d (%s): %w", i, rule.From, err)
			}
		}
		if rule.If != "" && rule.IfNot != "" {
			return fmt.Errorf("rule %d (%s): if and if_not are mutually exclusive", i, rule.From)
		}
		if rule.If != "" && !GuardNames[rule.If] {
			return fmt.Errorf("rule %d (%s): unknown guard %q", i, rule.From, rule.If)
		}
		if rule.IfNot != "" && !GuardNames[rule.IfNot] {
			return fmt.Errorf("rule %d (%s): unknown guard %q", i, rule.From, rule.IfNot)
		}
	}
	if len(c.Workflow.ElaborationOffices) > 0 && !c.hasRule("received", "elaboration") {
		return fmt.Errorf("config.workflow: elaboration_offices set but no received -> elaboration rule")
	}
	for cmd, role := range c.Commands.Roles {
		if _, ok := commandNames[cmd]; !ok {
			return fmt.Errorf("config.commands.roles: unknown command %q", cmd)
		}
		_ = role
	}
	return nil
}

func (c *Config) hasRule(from, to string) bool {
	for _, r := range c.Workflow.Rules {
		if r.From != from {
			continue
		}
		for _, s := range r.To {
			if s == to {
				return true
			}
		}
	}
	return false
}

var commandNames = func() map[string]bool {
	m := make(map[string]bool, len(domain.CommandOrder))
	for _, c := range domain.CommandOrder {
		m[string(c)] = true
	}
	return m
}()

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "deedflow.yml")
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

// GenerateDefault returns default config YAML for an office.
func GenerateDefault(officeID string) string {
	return fmt.Sprintf(defaultTemplate, officeID)
}

// Default returns the default Config struct for an office.
func Default(officeID string) *Config {
	var cfg Config
	cfg.Office.ID = officeID
	_ = yaml.NewDecoder(bytes.NewBufferString(fmt.Sprintf(defaultTemplate, officeID))).Decode(&cfg)
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

const defaultTemplate = `office:
  id: %s

workflow:
  rules:
    - from: payment
      to: [received]

    - from: received
      to: [control]
      if_not: certificate_issue
    - from: received
      to: [juridic]
      if: certificate_issue

    - from: reentry
      to: [control, recording, on_sign]

    - from: control
      to: [recording, revision]
    - from: control
      to: [elaboration]
      if: elaboration_only

    - from: recording
      to: [revision, process]

    - from: elaboration
      to: [revision]

    - from: revision
      to: [on_sign, recording, juridic]

    - from: juridic
      to: [process, revision]

    - from: process
      to: [on_sign, revision]

    - from: on_sign
      to: [digitalization, to_deliver, revision]
    - from: on_sign
      to: [archived]
      if: archivable

    - from: digitalization
      to: [to_deliver, to_return]

    - from: to_deliver
      to: [delivered]

    - from: to_return
      to: [returned]

commands:
  roles:
    take: ""
    set_next_status: ""
    return_to_me: ""
    reentry: supervisor
    pull_to_control_desk: control_clerk
    finish: delivery_clerk
    sign: signer
    unsign: signer
    unarchive: supervisor
    assign_to: supervisor
    delete: supervisor
`
