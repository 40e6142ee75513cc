package server

import (
	"caseflow/internal/domain"
	"caseflow/internal/engine"
)

// Request payloads

type CreateWorkspaceRequest struct {
	ID   string `json:"id"`
	Name string `json:"name,omitempty"`
}

type CreateSchemaRequest struct {
	ID             string                   `json:"id,omitempty"`
	Name           string                   `json:"name"`
	Description    *string                  `json:"description,omitempty"`
	Fields         []domain.FieldDefinition `json:"fields"`
	StatusWorkflow domain.StatusWorkflow    `json:"status_workflow"`
	PriorityConfig domain.PriorityConfig    `json:"priority_config"`
	IsDefault      bool                     `json:"is_default,omitempty"`
}

type UpdateSchemaRequest struct {
	Name           *string                   `json:"name,omitempty"`
	Description    *string                   `json:"description,omitempty"`
	Fields         *[]domain.FieldDefinition `json:"fields,omitempty"`
	StatusWorkflow *domain.StatusWorkflow    `json:"status_workflow,omitempty"`
	PriorityConfig *domain.PriorityConfig    `json:"priority_config,omitempty"`
	IsDefault      *bool                     `json:"is_default,omitempty"`
}

type ResolveContextRequest struct {
	SchemaID    string `json:"schema_id,omitempty"`
	WorkspaceID string `json:"workspace_id,omitempty"`
}

type FieldUpdateEntry struct {
	FieldID    string   `json:"field_id"`
	Value      any      `json:"value"`
	Confidence *float64 `json:"confidence,omitempty" minimum:"0" maximum:"1"`
}

type UpdateFieldsRequest struct {
	Updates []FieldUpdateEntry `json:"updates"`
}

type ChangeStatusRequest struct {
	Status string `json:"status"`
}

type SetPriorityRequest struct {
	Priority *string `json:"priority" enum:"low,medium,high,critical"`
}

type SetTagsRequest struct {
	Tags []string `json:"tags"`
}

type DevLoginRequest struct {
	ActorID   string `json:"actor_id"`
	ActorKind string `json:"actor_kind,omitempty" enum:"ai,human"`
}

type DevLoginResponse struct {
	Token string `json:"token"`
}

// Response payloads

type WorkspaceResponse struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Status    string `json:"status"`
	CreatedAt string `json:"created_at"`
}

type SchemaResponse struct {
	ID             string                   `json:"id"`
	WorkspaceID    string                   `json:"workspace_id"`
	Name           string                   `json:"name"`
	Description    string                   `json:"description,omitempty"`
	Fields         []domain.FieldDefinition `json:"fields"`
	StatusWorkflow domain.StatusWorkflow    `json:"status_workflow"`
	PriorityConfig domain.PriorityConfig    `json:"priority_config"`
	IsActive       bool                     `json:"is_active"`
	IsDefault      bool                     `json:"is_default"`
	CreatedAt      string                   `json:"created_at"`
	UpdatedAt      string                   `json:"updated_at"`
}

type ContextResponse struct {
	ID                   string             `json:"id"`
	ConversationID       string             `json:"conversation_id"`
	SchemaID             string             `json:"schema_id"`
	WorkspaceID          string             `json:"workspace_id"`
	ContextData          map[string]any     `json:"context_data"`
	Status               string             `json:"status"`
	Priority             string             `json:"priority"`
	PriorityOverride     *string            `json:"priority_override,omitempty"`
	EffectivePriority    string             `json:"effective_priority"`
	CompletionPercentage int                `json:"completion_percentage"`
	Tags                 []string           `json:"tags"`
	AIConfidenceScores   map[string]float64 `json:"ai_confidence_scores,omitempty"`
	LastAIUpdateAt       *string            `json:"last_ai_update_at,omitempty"`
	LastHumanUpdateAt    *string            `json:"last_human_update_at,omitempty"`
	CreatedAt            string             `json:"created_at"`
	UpdatedAt            string             `json:"updated_at"`
}

type TransitionResponse struct {
	Allowed bool            `json:"allowed"`
	From    string          `json:"from"`
	To      string          `json:"to"`
	Context ContextResponse `json:"context"`
}

type EventResponse struct {
	ID          int64  `json:"id"`
	TS          string `json:"ts"`
	Type        string `json:"type"`
	WorkspaceID string `json:"workspace_id,omitempty"`
	EntityKind  string `json:"entity_kind"`
	EntityID    string `json:"entity_id,omitempty"`
	ActorID     string `json:"actor_id"`
	ActorKind   string `json:"actor_kind"`
	Payload     string `json:"payload_json"`
}

type WorkspaceStatusResponse struct {
	WorkspaceID  string         `json:"workspace_id"`
	Status       string         `json:"status"`
	ContextCount map[string]int `json:"context_counts"`
}

type paginatedContexts struct {
	Items      []ContextResponse `json:"items"`
	NextCursor string            `json:"next_cursor,omitempty"`
}

type paginatedEvents struct {
	Items      []EventResponse `json:"items"`
	NextCursor string          `json:"next_cursor,omitempty"`
}

func workspaceResponse(w domain.Workspace) WorkspaceResponse {
	return WorkspaceResponse{ID: w.ID, Name: w.Name, Status: w.Status, CreatedAt: w.CreatedAt}
}

func schemaResponse(s domain.ContextSchema) SchemaResponse {
	return SchemaResponse{
		ID:             s.ID,
		WorkspaceID:    s.WorkspaceID,
		Name:           s.Name,
		Description:    s.Description,
		Fields:         nonNilSlice(s.Fields),
		StatusWorkflow: s.StatusWorkflow,
		PriorityConfig: s.PriorityConfig,
		IsActive:       s.IsActive,
		IsDefault:      s.IsDefault,
		CreatedAt:      s.CreatedAt,
		UpdatedAt:      s.UpdatedAt,
	}
}

func contextResponse(c domain.ConversationContext) ContextResponse {
	data := c.ContextData
	if data == nil {
		data = map[string]any{}
	}
	return ContextResponse{
		ID:                   c.ID,
		ConversationID:       c.ConversationID,
		SchemaID:             c.SchemaID,
		WorkspaceID:          c.WorkspaceID,
		ContextData:          data,
		Status:               c.Status,
		Priority:             c.Priority,
		PriorityOverride:     c.PriorityOverride,
		EffectivePriority:    c.EffectivePriority(),
		CompletionPercentage: c.CompletionPercentage,
		Tags:                 nonNilSlice(c.Tags),
		AIConfidenceScores:   c.AIConfidenceScores,
		LastAIUpdateAt:       c.LastAIUpdateAt,
		LastHumanUpdateAt:    c.LastHumanUpdateAt,
		CreatedAt:            c.CreatedAt,
		UpdatedAt:            c.UpdatedAt,
	}
}

func transitionResponse(c domain.ConversationContext, res engine.TransitionResult) TransitionResponse {
	return TransitionResponse{
		Allowed: res.Allowed,
		From:    res.From,
		To:      res.To,
		Context: contextResponse(c),
	}
}

func eventResponse(e domain.Event) EventResponse {
	return EventResponse{
		ID:          e.ID,
		TS:          e.TS,
		Type:        e.Type,
		WorkspaceID: e.WorkspaceID,
		EntityKind:  e.EntityKind,
		EntityID:    e.EntityID,
		ActorID:     e.ActorID,
		ActorKind:   e.ActorKind,
		Payload:     e.Payload,
	}
}

func mapContexts(items []domain.ConversationContext) []ContextResponse {
	res := make([]ContextResponse, 0, len(items))
	for _, c := range items {
		res = append(res, contextResponse(c))
	}
	return res
}

func mapSchemas(items []domain.ContextSchema) []SchemaResponse {
	res := make([]SchemaResponse, 0, len(items))
	for _, s := range items {
		res = append(res, schemaResponse(s))
	}
	return res
}

func mapWorkspaces(items []domain.Workspace) []WorkspaceResponse {
	res := make([]WorkspaceResponse, 0, len(items))
	for _, w := range items {
		res = append(res, workspaceResponse(w))
	}
	return res
}

func nonNilSlice[T any](in []T) []T {
	if in == nil {
		return []T{}
	}
	return in
}

func stringOrEmpty(ptr *string) string {
	if ptr == nil {
		return ""
	}
	return *ptr
}
