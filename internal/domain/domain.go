package domain

// FieldType enumerates the value kinds a schema field can declare.
type FieldType string

const (
	FieldText        FieldType = "text"
	FieldTextarea    FieldType = "textarea"
	FieldChoice      FieldType = "choice"
	FieldMultiChoice FieldType = "multi_choice"
	FieldDate        FieldType = "date"
	FieldDatetime    FieldType = "datetime"
	FieldNumber      FieldType = "number"
	FieldDecimal     FieldType = "decimal"
	FieldBoolean     FieldType = "boolean"
	FieldEmail       FieldType = "email"
	FieldPhone       FieldType = "phone"
	FieldURL         FieldType = "url"
	FieldTags        FieldType = "tags"
)

// FieldTypes lists every valid field type.
var FieldTypes = []FieldType{
	FieldText, FieldTextarea, FieldChoice, FieldMultiChoice,
	FieldDate, FieldDatetime, FieldNumber, FieldDecimal,
	FieldBoolean, FieldEmail, FieldPhone, FieldURL, FieldTags,
}

// Priority levels, in ascending severity.
const (
	PriorityLow      = "low"
	PriorityMedium   = "medium"
	PriorityHigh     = "high"
	PriorityCritical = "critical"
)

// Priorities lists the valid priority levels.
var Priorities = []string{PriorityLow, PriorityMedium, PriorityHigh, PriorityCritical}

// Actor kinds for writes against a conversation context.
const (
	ActorAI     = "ai"
	ActorHuman  = "human"
	ActorSystem = "system"
)

type Workspace struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Status    string `json:"status"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

// FieldDefinition is one configurable slot in a context schema.
type FieldDefinition struct {
	ID            string    `json:"id"`
	Label         string    `json:"label"`
	Type          FieldType `json:"type" enum:"text,textarea,choice,multi_choice,date,datetime,number,decimal,boolean,email,phone,url,tags"`
	Required      bool      `json:"required,omitempty"`
	Choices       []string  `json:"choices,omitempty"`
	AIExtractable bool      `json:"ai_extractable,omitempty"`
	HelpText      string    `json:"help_text,omitempty"`
	DisplayOrder  int       `json:"display_order,omitempty"`
}

type Status struct {
	ID    string `json:"id"`
	Label string `json:"label"`
	Color string `json:"color,omitempty"`
}

// StatusWorkflow is a directed graph over statuses. A status with no outgoing
// entry in Transitions is terminal; self-transitions are always permitted.
type StatusWorkflow struct {
	Statuses    []Status            `json:"statuses"`
	Transitions map[string][]string `json:"transitions,omitempty"`
	Initial     string              `json:"initial,omitempty"`
}

// InitialStatus returns the configured initial status, defaulting to the
// first entry of Statuses.
func (w StatusWorkflow) InitialStatus() string {
	if w.Initial != "" {
		return w.Initial
	}
	if len(w.Statuses) > 0 {
		return w.Statuses[0].ID
	}
	return ""
}

// HasStatus reports whether id is a defined status.
func (w StatusWorkflow) HasStatus(id string) bool {
	for _, s := range w.Statuses {
		if s.ID == id {
			return true
		}
	}
	return false
}

// Rule conditions for priority derivation.
const (
	CondEquals      = "equals"
	CondContains    = "contains"
	CondGreaterThan = "greater_than"
	CondLessThan    = "less_than"
	CondIsSet       = "is_set"
	CondIsEmpty     = "is_empty"
)

type PriorityRule struct {
	FieldID   string `json:"field_id"`
	Condition string `json:"condition" enum:"equals,contains,greater_than,less_than,is_set,is_empty"`
	Value     string `json:"value,omitempty"`
	Priority  string `json:"priority" enum:"low,medium,high,critical"`
}

// PriorityConfig derives a context's priority from its field values. Rules
// are walked in order and the first match wins.
type PriorityConfig struct {
	DefaultPriority string         `json:"default_priority" enum:"low,medium,high,critical"`
	Rules           []PriorityRule `json:"rules,omitempty"`
}

// ContextSchema is a workspace-defined field set, status workflow, and
// priority ruleset applied to conversations.
type ContextSchema struct {
	ID             string            `json:"id"`
	WorkspaceID    string            `json:"workspace_id"`
	Name           string            `json:"name"`
	Description    string            `json:"description,omitempty"`
	Fields         []FieldDefinition `json:"fields"`
	StatusWorkflow StatusWorkflow    `json:"status_workflow"`
	PriorityConfig PriorityConfig    `json:"priority_config"`
	IsActive       bool              `json:"is_active"`
	IsDefault      bool              `json:"is_default"`
	CreatedAt      string            `json:"created_at" format:"date-time"`
	UpdatedAt      string            `json:"updated_at" format:"date-time"`
}

// FieldByID looks up a field definition within the schema.
func (s ContextSchema) FieldByID(id string) (FieldDefinition, bool) {
	for _, f := range s.Fields {
		if f.ID == id {
			return f, true
		}
	}
	return FieldDefinition{}, false
}

// ConversationContext is one application of a schema to one conversation.
// ContextData is sparse: an absent key means "not set".
type ConversationContext struct {
	ID                   string             `json:"id"`
	ConversationID       string             `json:"conversation_id"`
	SchemaID             string             `json:"schema_id"`
	WorkspaceID          string             `json:"workspace_id"`
	ContextData          map[string]any     `json:"context_data"`
	Status               string             `json:"status"`
	Priority             string             `json:"priority" enum:"low,medium,high,critical"`
	PriorityOverride     *string            `json:"priority_override,omitempty"`
	CompletionPercentage int                `json:"completion_percentage"`
	Tags                 []string           `json:"tags"`
	AIConfidenceScores   map[string]float64 `json:"ai_confidence_scores,omitempty"`
	LastAIUpdateAt       *string            `json:"last_ai_update_at,omitempty" format:"date-time"`
	LastHumanUpdateAt    *string            `json:"last_human_update_at,omitempty" format:"date-time"`
	CreatedAt            string             `json:"created_at" format:"date-time"`
	UpdatedAt            string             `json:"updated_at" format:"date-time"`
}

// EffectivePriority returns the human override when present, otherwise the
// derived priority.
func (c ConversationContext) EffectivePriority() string {
	if c.PriorityOverride != nil && *c.PriorityOverride != "" {
		return *c.PriorityOverride
	}
	return c.Priority
}

type Event struct {
	ID          int64  `json:"id"`
	TS          string `json:"ts" format:"date-time"`
	Type        string `json:"type"`
	WorkspaceID string `json:"workspace_id,omitempty"`
	EntityKind  string `json:"entity_kind"`
	EntityID    string `json:"entity_id,omitempty"`
	ActorID     string `json:"actor_id"`
	ActorKind   string `json:"actor_kind" enum:"ai,human,system"`
	Payload     string `json:"payload_json"`
}

type APIKey struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"key_hash"`
	CreatedAt string `json:"created_at" format:"date-time"`
}
