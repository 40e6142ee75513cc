package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"caseflow/internal/config"
	"caseflow/internal/domain"
	"caseflow/internal/engine/eval"
	"caseflow/internal/events"
	"caseflow/internal/repo"
)

type Engine struct {
	DB     *sql.DB
	Repo   repo.Repo
	Events events.Writer
	Config *config.Config
	Now    func() time.Time

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func New(db *sql.DB, cfg *config.Config) *Engine {
	return &Engine{
		DB:     db,
		Repo:   repo.Repo{DB: db},
		Events: events.Writer{DB: db},
		Config: cfg,
		Now:    time.Now,
		locks:  map[string]*sync.Mutex{},
	}
}

func (e *Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

// lockFor serializes writers of one context so batches from concurrent
// actors apply whole, in some order.
func (e *Engine) lockFor(key string) *sync.Mutex {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.locks == nil {
		e.locks = map[string]*sync.Mutex{}
	}
	m, ok := e.locks[key]
	if !ok {
		m = &sync.Mutex{}
		e.locks[key] = m
	}
	return m
}

// ErrSchemaInactive is returned when a deactivated schema is used for a new
// conversation context.
var ErrSchemaInactive = errors.New("schema is deactivated")

// UpdateRejectedError carries every field failure from a batch that was
// rejected as a whole.
type UpdateRejectedError struct {
	Fields []eval.FieldError
}

func (e UpdateRejectedError) Error() string {
	parts := make([]string, 0, len(e.Fields))
	for _, f := range e.Fields {
		parts = append(parts, f.Error())
	}
	return "update rejected: " + strings.Join(parts, "; ")
}

// TransitionResult reports the outcome of a status change attempt. A
// disallowed transition is an outcome, not an error.
type TransitionResult struct {
	Allowed bool   `json:"allowed"`
	From    string `json:"from"`
	To      string `json:"to"`
}

// InitWorkspace creates a workspace and seeds its default schema from config.
func (e *Engine) InitWorkspace(ctx context.Context, workspaceID, name, actorID string) (domain.Workspace, error) {
	if e.Config == nil {
		return domain.Workspace{}, errors.New("config not loaded")
	}
	if name == "" {
		name = workspaceID
	}
	w := domain.Workspace{
		ID:        workspaceID,
		Name:      name,
		Status:    "active",
		CreatedAt: e.now().UTC().Format(time.RFC3339),
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Workspace{}, err
	}
	defer tx.Rollback()

	if err := e.Repo.InsertWorkspaceTx(ctx, tx, w); err != nil {
		return domain.Workspace{}, fmt.Errorf("insert workspace: %w", err)
	}
	seed := e.Config.SeedSchema(workspaceID)
	seed.CreatedAt = w.CreatedAt
	seed.UpdatedAt = w.CreatedAt
	if err := eval.ValidateDefinition(seed.Fields, seed.StatusWorkflow, seed.PriorityConfig); err != nil {
		return domain.Workspace{}, fmt.Errorf("seed schema: %w", err)
	}
	if err := e.Repo.InsertSchemaTx(ctx, tx, seed); err != nil {
		return domain.Workspace{}, fmt.Errorf("insert seed schema: %w", err)
	}
	if err := e.Events.Append(ctx, tx, "workspace.init", w.ID, "workspace", w.ID, actorID, domain.ActorSystem, events.EventPayload{"name": w.Name}); err != nil {
		return domain.Workspace{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Workspace{}, err
	}
	return w, nil
}

// SchemaCreateOptions are parameters for creating a context schema.
type SchemaCreateOptions struct {
	ID             string
	WorkspaceID    string
	Name           string
	Description    string
	Fields         []domain.FieldDefinition
	StatusWorkflow domain.StatusWorkflow
	PriorityConfig domain.PriorityConfig
	IsDefault      bool
	ActorID        string
	ActorKind      string
}

func (e *Engine) CreateSchema(ctx context.Context, opts SchemaCreateOptions) (domain.ContextSchema, error) {
	if opts.Name == "" {
		return domain.ContextSchema{}, errors.New("name is required")
	}
	if opts.WorkspaceID == "" {
		return domain.ContextSchema{}, errors.New("workspace is required")
	}
	if _, err := e.Repo.GetWorkspace(ctx, opts.WorkspaceID); err != nil {
		return domain.ContextSchema{}, err
	}
	if err := eval.ValidateDefinition(opts.Fields, opts.StatusWorkflow, opts.PriorityConfig); err != nil {
		return domain.ContextSchema{}, err
	}
	now := e.now().UTC().Format(time.RFC3339)
	id := opts.ID
	if id == "" {
		id = uuid.New().String()
	}
	s := domain.ContextSchema{
		ID:             id,
		WorkspaceID:    opts.WorkspaceID,
		Name:           opts.Name,
		Description:    opts.Description,
		Fields:         eval.SortFields(opts.Fields),
		StatusWorkflow: opts.StatusWorkflow,
		PriorityConfig: opts.PriorityConfig,
		IsActive:       true,
		IsDefault:      opts.IsDefault,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return s, err
	}
	defer tx.Rollback()

	if err := e.Repo.InsertSchemaTx(ctx, tx, s); err != nil {
		return s, err
	}
	if s.IsDefault {
		if err := e.Repo.ClearDefaultSchemasTx(ctx, tx, s.WorkspaceID, s.ID); err != nil {
			return s, err
		}
	}
	if err := e.Events.Append(ctx, tx, "schema.created", s.WorkspaceID, "schema", s.ID, opts.ActorID, opts.ActorKind, events.EventPayload{
		"name":       s.Name,
		"is_default": s.IsDefault,
	}); err != nil {
		return s, err
	}
	if err := tx.Commit(); err != nil {
		return s, err
	}
	return s, nil
}

// SchemaUpdateOptions encapsulates partial schema updates. Nil means leave
// unchanged.
type SchemaUpdateOptions struct {
	ID             string
	Name           *string
	Description    *string
	Fields         *[]domain.FieldDefinition
	StatusWorkflow *domain.StatusWorkflow
	PriorityConfig *domain.PriorityConfig
	SetDefault     *bool
	SetActive      *bool
	ActorID        string
	ActorKind      string
}

func (e *Engine) UpdateSchema(ctx context.Context, opts SchemaUpdateOptions) (domain.ContextSchema, error) {
	s, err := e.Repo.GetSchema(ctx, opts.ID)
	if err != nil {
		return s, err
	}
	if opts.Name != nil {
		if *opts.Name == "" {
			return s, errors.New("name cannot be empty")
		}
		s.Name = *opts.Name
	}
	if opts.Description != nil {
		s.Description = *opts.Description
	}
	if opts.Fields != nil {
		s.Fields = eval.SortFields(*opts.Fields)
	}
	if opts.StatusWorkflow != nil {
		s.StatusWorkflow = *opts.StatusWorkflow
	}
	if opts.PriorityConfig != nil {
		s.PriorityConfig = *opts.PriorityConfig
	}
	if err := eval.ValidateDefinition(s.Fields, s.StatusWorkflow, s.PriorityConfig); err != nil {
		return s, err
	}
	if opts.SetDefault != nil {
		s.IsDefault = *opts.SetDefault
	}
	if opts.SetActive != nil {
		s.IsActive = *opts.SetActive
		if !s.IsActive {
			s.IsDefault = false
		}
	}
	s.UpdatedAt = e.now().UTC().Format(time.RFC3339)

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return s, err
	}
	defer tx.Rollback()

	if err := e.Repo.UpdateSchemaTx(ctx, tx, s); err != nil {
		return s, err
	}
	if s.IsDefault {
		if err := e.Repo.ClearDefaultSchemasTx(ctx, tx, s.WorkspaceID, s.ID); err != nil {
			return s, err
		}
	}
	if err := e.Events.Append(ctx, tx, "schema.updated", s.WorkspaceID, "schema", s.ID, opts.ActorID, opts.ActorKind, events.EventPayload{
		"is_default": s.IsDefault,
		"is_active":  s.IsActive,
	}); err != nil {
		return s, err
	}
	if err := tx.Commit(); err != nil {
		return s, err
	}
	return s, nil
}

// DeactivateSchema retires a schema from new conversations. Existing contexts
// keep working against it.
func (e *Engine) DeactivateSchema(ctx context.Context, id, actorID, actorKind string) (domain.ContextSchema, error) {
	off := false
	return e.UpdateSchema(ctx, SchemaUpdateOptions{
		ID:        id,
		SetActive: &off,
		ActorID:   actorID,
		ActorKind: actorKind,
	})
}

// ContextOptions are parameters for resolving a conversation's context.
type ContextOptions struct {
	ConversationID string
	SchemaID       string
	WorkspaceID    string
	ActorID        string
	ActorKind      string
}

// GetOrCreateContext returns the context binding a conversation to a schema,
// creating it on first touch. SchemaID empty means the workspace default.
func (e *Engine) GetOrCreateContext(ctx context.Context, opts ContextOptions) (domain.ConversationContext, bool, error) {
	if opts.ConversationID == "" {
		return domain.ConversationContext{}, false, errors.New("conversation is required")
	}
	var schema domain.ContextSchema
	var err error
	if opts.SchemaID != "" {
		schema, err = e.Repo.GetSchema(ctx, opts.SchemaID)
	} else {
		if opts.WorkspaceID == "" {
			return domain.ConversationContext{}, false, errors.New("workspace or schema is required")
		}
		schema, err = e.Repo.DefaultSchema(ctx, opts.WorkspaceID)
	}
	if err != nil {
		return domain.ConversationContext{}, false, err
	}

	lock := e.lockFor(opts.ConversationID + "|" + schema.ID)
	lock.Lock()
	defer lock.Unlock()

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.ConversationContext{}, false, err
	}
	defer tx.Rollback()

	existing, err := e.Repo.GetContextByConversationTx(ctx, tx, opts.ConversationID, schema.ID)
	if err == nil {
		return existing, false, nil
	}
	if !errors.Is(err, repo.ErrNotFound) {
		return domain.ConversationContext{}, false, err
	}
	if !schema.IsActive {
		return domain.ConversationContext{}, false, ErrSchemaInactive
	}

	now := e.now().UTC().Format(time.RFC3339)
	c := domain.ConversationContext{
		ID:                   uuid.New().String(),
		ConversationID:       opts.ConversationID,
		SchemaID:             schema.ID,
		WorkspaceID:          schema.WorkspaceID,
		ContextData:          map[string]any{},
		Status:               schema.StatusWorkflow.InitialStatus(),
		Priority:             eval.EvaluatePriority(schema.PriorityConfig, map[string]any{}),
		CompletionPercentage: eval.ComputeCompletion(schema, map[string]any{}),
		Tags:                 []string{},
		CreatedAt:            now,
		UpdatedAt:            now,
	}
	if err := e.Repo.InsertContextTx(ctx, tx, c); err != nil {
		return c, false, err
	}
	if err := e.Events.Append(ctx, tx, "context.created", c.WorkspaceID, "context", c.ID, opts.ActorID, opts.ActorKind, events.EventPayload{
		"conversation_id": c.ConversationID,
		"schema_id":       c.SchemaID,
		"status":          c.Status,
	}); err != nil {
		return c, false, err
	}
	if err := tx.Commit(); err != nil {
		return c, false, err
	}
	return c, true, nil
}

// FieldUpdate is one field write inside a batch. A nil Value clears the
// field. Confidence only applies to ai writes.
type FieldUpdate struct {
	FieldID    string   `json:"field_id"`
	Value      any      `json:"value"`
	Confidence *float64 `json:"confidence,omitempty"`
}

// FieldUpdateOptions are parameters for an atomic batch of field writes.
type FieldUpdateOptions struct {
	ContextID string
	Updates   []FieldUpdate
	ActorID   string
	ActorKind string
}

// ApplyFieldUpdates validates and applies a batch of field writes. Any
// invalid entry rejects the whole batch with every failure reported.
func (e *Engine) ApplyFieldUpdates(ctx context.Context, opts FieldUpdateOptions) (domain.ConversationContext, error) {
	if len(opts.Updates) == 0 {
		return domain.ConversationContext{}, errors.New("no field updates given")
	}
	lock := e.lockFor(opts.ContextID)
	lock.Lock()
	defer lock.Unlock()

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.ConversationContext{}, err
	}
	defer tx.Rollback()

	c, err := e.Repo.GetContextTx(ctx, tx, opts.ContextID)
	if err != nil {
		return c, err
	}
	schema, err := e.Repo.GetSchemaTx(ctx, tx, c.SchemaID)
	if err != nil {
		return c, err
	}

	type applied struct {
		fieldID string
		value   any
		clear   bool
	}
	var fieldErrs []eval.FieldError
	var writes []applied
	for _, u := range opts.Updates {
		field, ok := schema.FieldByID(u.FieldID)
		if !ok {
			fieldErrs = append(fieldErrs, eval.FieldError{FieldID: u.FieldID, Reason: eval.ReasonUnknownField})
			continue
		}
		if opts.ActorKind == domain.ActorAI && !field.AIExtractable {
			fieldErrs = append(fieldErrs, eval.FieldError{FieldID: u.FieldID, Reason: eval.ReasonNotAIExtractable})
			continue
		}
		if u.Value == nil {
			writes = append(writes, applied{fieldID: u.FieldID, clear: true})
			continue
		}
		normalized, err := eval.ValidateFieldValue(field, u.Value)
		if err != nil {
			var fe eval.FieldError
			if errors.As(err, &fe) {
				fieldErrs = append(fieldErrs, fe)
			} else {
				fieldErrs = append(fieldErrs, eval.FieldError{FieldID: u.FieldID, Reason: eval.ReasonInvalidFormat})
			}
			continue
		}
		writes = append(writes, applied{fieldID: u.FieldID, value: normalized})
	}
	if len(fieldErrs) > 0 {
		return c, UpdateRejectedError{Fields: fieldErrs}
	}

	if c.ContextData == nil {
		c.ContextData = map[string]any{}
	}
	touched := make([]string, 0, len(writes))
	for i, w := range writes {
		touched = append(touched, w.fieldID)
		if w.clear {
			delete(c.ContextData, w.fieldID)
			delete(c.AIConfidenceScores, w.fieldID)
			continue
		}
		c.ContextData[w.fieldID] = w.value
		// A later human edit leaves any existing score alone: it still
		// records the AI's confidence when it wrote the field.
		if opts.ActorKind == domain.ActorAI && opts.Updates[i].Confidence != nil {
			if c.AIConfidenceScores == nil {
				c.AIConfidenceScores = map[string]float64{}
			}
			c.AIConfidenceScores[w.fieldID] = *opts.Updates[i].Confidence
		}
	}

	c.CompletionPercentage = eval.ComputeCompletion(schema, c.ContextData)
	c.Priority = eval.EvaluatePriority(schema.PriorityConfig, c.ContextData)
	now := e.now().UTC().Format(time.RFC3339)
	c.UpdatedAt = now
	switch opts.ActorKind {
	case domain.ActorAI:
		c.LastAIUpdateAt = &now
	case domain.ActorHuman:
		c.LastHumanUpdateAt = &now
	}

	if err := e.Repo.UpdateContextTx(ctx, tx, c); err != nil {
		return c, err
	}
	if err := e.Events.Append(ctx, tx, "context.fields.updated", c.WorkspaceID, "context", c.ID, opts.ActorID, opts.ActorKind, events.EventPayload{
		"fields":     touched,
		"completion": c.CompletionPercentage,
		"priority":   c.Priority,
	}); err != nil {
		return c, err
	}
	if err := tx.Commit(); err != nil {
		return c, err
	}
	return c, nil
}

// ChangeStatus attempts a workflow transition. A target outside the current
// status's allowed set yields Allowed=false with the context unchanged.
func (e *Engine) ChangeStatus(ctx context.Context, contextID, to, actorID, actorKind string) (domain.ConversationContext, TransitionResult, error) {
	lock := e.lockFor(contextID)
	lock.Lock()
	defer lock.Unlock()

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.ConversationContext{}, TransitionResult{}, err
	}
	defer tx.Rollback()

	c, err := e.Repo.GetContextTx(ctx, tx, contextID)
	if err != nil {
		return c, TransitionResult{}, err
	}
	schema, err := e.Repo.GetSchemaTx(ctx, tx, c.SchemaID)
	if err != nil {
		return c, TransitionResult{}, err
	}
	if !schema.StatusWorkflow.HasStatus(to) {
		return c, TransitionResult{}, eval.SchemaError{Path: "status", Reason: "unknown_status"}
	}
	res := TransitionResult{
		Allowed: eval.ValidateStatusTransition(schema.StatusWorkflow, c.Status, to),
		From:    c.Status,
		To:      to,
	}
	if !res.Allowed {
		if err := e.Events.Append(ctx, tx, "context.status.rejected", c.WorkspaceID, "context", c.ID, actorID, actorKind, events.EventPayload{
			"from": res.From,
			"to":   res.To,
		}); err != nil {
			return c, res, err
		}
		return c, res, tx.Commit()
	}
	c.Status = to
	now := e.now().UTC().Format(time.RFC3339)
	c.UpdatedAt = now
	switch actorKind {
	case domain.ActorAI:
		c.LastAIUpdateAt = &now
	case domain.ActorHuman:
		c.LastHumanUpdateAt = &now
	}
	if err := e.Repo.UpdateContextTx(ctx, tx, c); err != nil {
		return c, res, err
	}
	if err := e.Events.Append(ctx, tx, "context.status.changed", c.WorkspaceID, "context", c.ID, actorID, actorKind, events.EventPayload{
		"from": res.From,
		"to":   res.To,
	}); err != nil {
		return c, res, err
	}
	return c, res, tx.Commit()
}

// SetPriority sets or clears the human priority override. nil clears.
func (e *Engine) SetPriority(ctx context.Context, contextID string, override *string, actorID, actorKind string) (domain.ConversationContext, error) {
	if override != nil && *override != "" {
		valid := false
		for _, p := range domain.Priorities {
			if p == *override {
				valid = true
			}
		}
		if !valid {
			return domain.ConversationContext{}, fmt.Errorf("invalid priority %q", *override)
		}
	}
	lock := e.lockFor(contextID)
	lock.Lock()
	defer lock.Unlock()

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.ConversationContext{}, err
	}
	defer tx.Rollback()

	c, err := e.Repo.GetContextTx(ctx, tx, contextID)
	if err != nil {
		return c, err
	}
	evtType := "context.priority.overridden"
	if override == nil || *override == "" {
		c.PriorityOverride = nil
		evtType = "context.priority.cleared"
	} else {
		c.PriorityOverride = override
	}
	c.UpdatedAt = e.now().UTC().Format(time.RFC3339)
	if err := e.Repo.UpdateContextTx(ctx, tx, c); err != nil {
		return c, err
	}
	if err := e.Events.Append(ctx, tx, evtType, c.WorkspaceID, "context", c.ID, actorID, actorKind, events.EventPayload{
		"effective_priority": c.EffectivePriority(),
	}); err != nil {
		return c, err
	}
	return c, tx.Commit()
}

// TagOptions are parameters for a tag mutation.
type TagOptions struct {
	ContextID string
	Tag       string
	Tags      []string
	ActorID   string
	ActorKind string
}

// AddTag appends a tag if absent. Adding an existing tag is a no-op.
func (e *Engine) AddTag(ctx context.Context, opts TagOptions) (domain.ConversationContext, error) {
	return e.mutateTags(ctx, opts, func(tags []string) ([]string, bool) {
		for _, t := range tags {
			if t == opts.Tag {
				return tags, false
			}
		}
		return append(tags, opts.Tag), true
	}, "context.tag.added")
}

// RemoveTag drops a tag if present. Removing a missing tag is a no-op.
func (e *Engine) RemoveTag(ctx context.Context, opts TagOptions) (domain.ConversationContext, error) {
	return e.mutateTags(ctx, opts, func(tags []string) ([]string, bool) {
		out := tags[:0]
		found := false
		for _, t := range tags {
			if t == opts.Tag {
				found = true
				continue
			}
			out = append(out, t)
		}
		return out, found
	}, "context.tag.removed")
}

// SetTags replaces the whole tag list, deduplicating in order.
func (e *Engine) SetTags(ctx context.Context, opts TagOptions) (domain.ConversationContext, error) {
	return e.mutateTags(ctx, opts, func(tags []string) ([]string, bool) {
		seen := map[string]bool{}
		var out []string
		for _, t := range opts.Tags {
			if t == "" || seen[t] {
				continue
			}
			seen[t] = true
			out = append(out, t)
		}
		if out == nil {
			out = []string{}
		}
		return out, true
	}, "context.tags.set")
}

func (e *Engine) mutateTags(ctx context.Context, opts TagOptions, apply func([]string) ([]string, bool), evtType string) (domain.ConversationContext, error) {
	lock := e.lockFor(opts.ContextID)
	lock.Lock()
	defer lock.Unlock()

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.ConversationContext{}, err
	}
	defer tx.Rollback()

	c, err := e.Repo.GetContextTx(ctx, tx, opts.ContextID)
	if err != nil {
		return c, err
	}
	next, changed := apply(append([]string{}, c.Tags...))
	if !changed {
		return c, nil
	}
	c.Tags = next
	c.UpdatedAt = e.now().UTC().Format(time.RFC3339)
	if err := e.Repo.UpdateContextTx(ctx, tx, c); err != nil {
		return c, err
	}
	if err := e.Events.Append(ctx, tx, evtType, c.WorkspaceID, "context", c.ID, opts.ActorID, opts.ActorKind, events.EventPayload{
		"tag":  opts.Tag,
		"tags": c.Tags,
	}); err != nil {
		return c, err
	}
	return c, tx.Commit()
}
