package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"caseflow/internal/domain"
	"caseflow/internal/engine/eval"
)

// Config models caseflow.yml: the workspace identity and the seed schema
// created alongside it.
type Config struct {
	Workspace struct {
		ID   string `yaml:"id"`
		Name string `yaml:"name"`
	} `yaml:"workspace"`
	Schema SchemaSpec `yaml:"schema"`
	Server struct {
		Addr      string `yaml:"addr"`
		JWTSecret string `yaml:"jwt_secret"`
	} `yaml:"server"`
}

// SchemaSpec is the YAML shape of a schema definition.
type SchemaSpec struct {
	Name        string              `yaml:"name"`
	Description string              `yaml:"description"`
	Fields      []FieldSpec         `yaml:"fields"`
	Statuses    []StatusSpec        `yaml:"statuses"`
	Transitions map[string][]string `yaml:"transitions"`
	Initial     string              `yaml:"initial"`
	Priority    PrioritySpec        `yaml:"priority"`
}

type FieldSpec struct {
	ID            string   `yaml:"id"`
	Label         string   `yaml:"label"`
	Type          string   `yaml:"type"`
	Required      bool     `yaml:"required"`
	Choices       []string `yaml:"choices"`
	AIExtractable bool     `yaml:"ai_extractable"`
	HelpText      string   `yaml:"help_text"`
	DisplayOrder  int      `yaml:"display_order"`
}

type StatusSpec struct {
	ID    string `yaml:"id"`
	Label string `yaml:"label"`
	Color string `yaml:"color"`
}

type PrioritySpec struct {
	Default string     `yaml:"default"`
	Rules   []RuleSpec `yaml:"rules"`
}

type RuleSpec struct {
	Field     string `yaml:"field"`
	Condition string `yaml:"condition"`
	Value     string `yaml:"value"`
	Priority  string `yaml:"priority"`
}

// Definition converts the YAML spec to domain types.
func (s SchemaSpec) Definition() ([]domain.FieldDefinition, domain.StatusWorkflow, domain.PriorityConfig) {
	fields := make([]domain.FieldDefinition, 0, len(s.Fields))
	for _, f := range s.Fields {
		fields = append(fields, domain.FieldDefinition{
			ID:            f.ID,
			Label:         f.Label,
			Type:          domain.FieldType(f.Type),
			Required:      f.Required,
			Choices:       f.Choices,
			AIExtractable: f.AIExtractable,
			HelpText:      f.HelpText,
			DisplayOrder:  f.DisplayOrder,
		})
	}
	statuses := make([]domain.Status, 0, len(s.Statuses))
	for _, st := range s.Statuses {
		statuses = append(statuses, domain.Status{ID: st.ID, Label: st.Label, Color: st.Color})
	}
	workflow := domain.StatusWorkflow{
		Statuses:    statuses,
		Transitions: s.Transitions,
		Initial:     s.Initial,
	}
	rules := make([]domain.PriorityRule, 0, len(s.Priority.Rules))
	for _, r := range s.Priority.Rules {
		rules = append(rules, domain.PriorityRule{
			FieldID:   r.Field,
			Condition: r.Condition,
			Value:     r.Value,
			Priority:  r.Priority,
		})
	}
	priority := domain.PriorityConfig{DefaultPriority: s.Priority.Default, Rules: rules}
	return fields, workflow, priority
}

// SeedSchema builds the workspace's initial default schema from config. The
// id is derived from the workspace so re-running init stays deterministic.
func (c *Config) SeedSchema(workspaceID string) domain.ContextSchema {
	fields, workflow, priority := c.Schema.Definition()
	name := c.Schema.Name
	if name == "" {
		name = "Support Case"
	}
	return domain.ContextSchema{
		ID:             uuid.NewSHA1(uuid.NameSpaceOID, []byte(workspaceID+"|"+name)).String(),
		WorkspaceID:    workspaceID,
		Name:           name,
		Description:    c.Schema.Description,
		Fields:         eval.SortFields(fields),
		StatusWorkflow: workflow,
		PriorityConfig: priority,
		IsActive:       true,
		IsDefault:      true,
	}
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Workspace.ID == "" {
		return fmt.Errorf("config.workspace.id is required")
	}
	fields, workflow, priority := c.Schema.Definition()
	if err := eval.ValidateDefinition(fields, workflow, priority); err != nil {
		return fmt.Errorf("config.schema: %w", err)
	}
	return nil
}

// Path returns the config file path under dir.
func Path(dir string) string {
	if dir == "" {
		dir = "."
	}
	return filepath.Join(dir, "caseflow.yml")
}

// Load reads and validates config from dir.
func Load(dir string) (*Config, error) {
	path := Path(dir)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; run cf workspace init to create it", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional returns nil,nil if the config file does not exist.
func LoadOptional(dir string) (*Config, error) {
	path := Path(dir)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	return FromYAML(data)
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

// GenerateDefault returns default config YAML for a workspace.
func GenerateDefault(workspaceID string) string {
	return fmt.Sprintf(defaultTemplate, workspaceID, workspaceID)
}

// Default returns the default Config struct for a workspace.
func Default(workspaceID string) *Config {
	cfg, err := FromYAML([]byte(GenerateDefault(workspaceID)))
	if err != nil {
		panic(fmt.Sprintf("default config invalid: %v", err))
	}
	return cfg
}

const defaultTemplate = `workspace:
  id: %s
  name: %s

schema:
  name: Support Case
  description: "Default customer support case context"
  fields:
    - id: customer_email
      label: Customer email
      type: email
      required: true
      ai_extractable: true
      display_order: 1
    - id: issue_category
      label: Issue category
      type: choice
      required: true
      ai_extractable: true
      choices: [billing, shipping, product, account, other]
      display_order: 2
    - id: issue_summary
      label: Issue summary
      type: textarea
      required: true
      ai_extractable: true
      display_order: 3
    - id: order_number
      label: Order number
      type: text
      ai_extractable: true
      display_order: 4
    - id: refund_amount
      label: Refund amount
      type: decimal
      ai_extractable: true
      display_order: 5
    - id: sentiment
      label: Customer sentiment
      type: choice
      choices: [positive, neutral, negative]
      ai_extractable: true
      display_order: 6
    - id: vip
      label: VIP customer
      type: boolean
      display_order: 7
    - id: follow_up_on
      label: Follow up on
      type: date
      display_order: 8
    - id: topics
      label: Topics
      type: tags
      ai_extractable: true
      display_order: 9

  statuses:
    - id: new
      label: New
      color: blue
    - id: in_progress
      label: In progress
      color: yellow
    - id: waiting_on_customer
      label: Waiting on customer
      color: orange
    - id: resolved
      label: Resolved
      color: green
    - id: closed
      label: Closed
      color: gray
  initial: new
  transitions:
    new: [in_progress, closed]
    in_progress: [waiting_on_customer, resolved, closed]
    waiting_on_customer: [in_progress, resolved, closed]
    resolved: [closed, in_progress]

  priority:
    default: medium
    rules:
      - field: sentiment
        condition: equals
        value: negative
        priority: high
      - field: refund_amount
        condition: greater_than
        value: "500"
        priority: high
      - field: vip
        condition: equals
        value: "true"
        priority: high

server:
  addr: 127.0.0.1:8787
`
