package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"caseflow/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

// --- workspaces ---

func (r Repo) InsertWorkspace(ctx context.Context, w domain.Workspace) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO workspaces(id,name,status,created_at) VALUES (?,?,?,?)`,
		w.ID, w.Name, w.Status, w.CreatedAt)
	return err
}

func (r Repo) InsertWorkspaceTx(ctx context.Context, tx *sql.Tx, w domain.Workspace) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO workspaces(id,name,status,created_at) VALUES (?,?,?,?)`,
		w.ID, w.Name, w.Status, w.CreatedAt)
	return err
}

func (r Repo) GetWorkspace(ctx context.Context, id string) (domain.Workspace, error) {
	var w domain.Workspace
	err := r.DB.QueryRowContext(ctx, `SELECT id,name,status,created_at FROM workspaces WHERE id=?`, id).
		Scan(&w.ID, &w.Name, &w.Status, &w.CreatedAt)
	if err == sql.ErrNoRows {
		return w, ErrNotFound
	}
	return w, err
}

func (r Repo) ListWorkspaces(ctx context.Context) ([]domain.Workspace, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,name,status,created_at FROM workspaces ORDER BY created_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Workspace
	for rows.Next() {
		var w domain.Workspace
		if err := rows.Scan(&w.ID, &w.Name, &w.Status, &w.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, w)
	}
	return res, rows.Err()
}

// SingleWorkspace returns the only workspace, for CLI use without --workspace.
func (r Repo) SingleWorkspace(ctx context.Context) (domain.Workspace, error) {
	items, err := r.ListWorkspaces(ctx)
	if err != nil {
		return domain.Workspace{}, err
	}
	if len(items) == 0 {
		return domain.Workspace{}, ErrNotFound
	}
	if len(items) > 1 {
		return domain.Workspace{}, fmt.Errorf("multiple workspaces exist; specify --workspace")
	}
	return items[0], nil
}

// --- schemas ---

func scanSchema(scan func(dest ...any) error) (domain.ContextSchema, error) {
	var s domain.ContextSchema
	var desc sql.NullString
	var fieldsJSON, workflowJSON, priorityJSON string
	var active, def int
	err := scan(&s.ID, &s.WorkspaceID, &s.Name, &desc, &fieldsJSON, &workflowJSON, &priorityJSON,
		&active, &def, &s.CreatedAt, &s.UpdatedAt)
	if err == sql.ErrNoRows {
		return s, ErrNotFound
	}
	if err != nil {
		return s, err
	}
	if desc.Valid {
		s.Description = desc.String
	}
	s.IsActive = active != 0
	s.IsDefault = def != 0
	if err := json.Unmarshal([]byte(fieldsJSON), &s.Fields); err != nil {
		return s, fmt.Errorf("decode schema fields: %w", err)
	}
	if err := json.Unmarshal([]byte(workflowJSON), &s.StatusWorkflow); err != nil {
		return s, fmt.Errorf("decode schema workflow: %w", err)
	}
	if err := json.Unmarshal([]byte(priorityJSON), &s.PriorityConfig); err != nil {
		return s, fmt.Errorf("decode schema priority config: %w", err)
	}
	return s, nil
}

func schemaArgs(s domain.ContextSchema) ([]any, error) {
	fieldsJSON, err := json.Marshal(s.Fields)
	if err != nil {
		return nil, err
	}
	workflowJSON, err := json.Marshal(s.StatusWorkflow)
	if err != nil {
		return nil, err
	}
	priorityJSON, err := json.Marshal(s.PriorityConfig)
	if err != nil {
		return nil, err
	}
	return []any{
		s.WorkspaceID, s.Name, nullable(s.Description), string(fieldsJSON), string(workflowJSON),
		string(priorityJSON), boolInt(s.IsActive), boolInt(s.IsDefault), s.CreatedAt, s.UpdatedAt,
	}, nil
}

func (r Repo) InsertSchemaTx(ctx context.Context, tx *sql.Tx, s domain.ContextSchema) error {
	args, err := schemaArgs(s)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO schemas(workspace_id,name,description,fields_json,workflow_json,priority_json,is_active,is_default,created_at,updated_at,id)
VALUES (?,?,?,?,?,?,?,?,?,?,?)`, append(args, s.ID)...)
	return err
}

func (r Repo) UpdateSchemaTx(ctx context.Context, tx *sql.Tx, s domain.ContextSchema) error {
	args, err := schemaArgs(s)
	if err != nil {
		return err
	}
	res, err := tx.ExecContext(ctx, `UPDATE schemas SET workspace_id=?,name=?,description=?,fields_json=?,workflow_json=?,priority_json=?,is_active=?,is_default=?,created_at=?,updated_at=? WHERE id=?`,
		append(args, s.ID)...)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ClearDefaultSchemasTx demotes every default schema in the workspace except
// the given one. Runs inside the same transaction as the promotion.
func (r Repo) ClearDefaultSchemasTx(ctx context.Context, tx *sql.Tx, workspaceID, exceptID string) error {
	_, err := tx.ExecContext(ctx, `UPDATE schemas SET is_default=0 WHERE workspace_id=? AND id<>?`, workspaceID, exceptID)
	return err
}

func (r Repo) GetSchema(ctx context.Context, id string) (domain.ContextSchema, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT id,workspace_id,name,description,fields_json,workflow_json,priority_json,is_active,is_default,created_at,updated_at FROM schemas WHERE id=?`, id)
	return scanSchema(row.Scan)
}

func (r Repo) GetSchemaTx(ctx context.Context, tx *sql.Tx, id string) (domain.ContextSchema, error) {
	row := tx.QueryRowContext(ctx, `SELECT id,workspace_id,name,description,fields_json,workflow_json,priority_json,is_active,is_default,created_at,updated_at FROM schemas WHERE id=?`, id)
	return scanSchema(row.Scan)
}

// DefaultSchema returns the workspace's default schema if one exists.
func (r Repo) DefaultSchema(ctx context.Context, workspaceID string) (domain.ContextSchema, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT id,workspace_id,name,description,fields_json,workflow_json,priority_json,is_active,is_default,created_at,updated_at FROM schemas WHERE workspace_id=? AND is_default=1 LIMIT 1`, workspaceID)
	return scanSchema(row.Scan)
}

func (r Repo) ListSchemas(ctx context.Context, workspaceID string) ([]domain.ContextSchema, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,workspace_id,name,description,fields_json,workflow_json,priority_json,is_active,is_default,created_at,updated_at FROM schemas WHERE workspace_id=? ORDER BY created_at DESC, id DESC`, workspaceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.ContextSchema
	for rows.Next() {
		s, err := scanSchema(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, s)
	}
	return res, rows.Err()
}

// --- conversation contexts ---

func scanContext(scan func(dest ...any) error) (domain.ConversationContext, error) {
	var c domain.ConversationContext
	var override, lastAI, lastHuman sql.NullString
	var dataJSON, tagsJSON, confJSON string
	err := scan(&c.ID, &c.ConversationID, &c.SchemaID, &c.WorkspaceID, &dataJSON, &c.Status,
		&c.Priority, &override, &c.CompletionPercentage, &tagsJSON, &confJSON,
		&lastAI, &lastHuman, &c.CreatedAt, &c.UpdatedAt)
	if err == sql.ErrNoRows {
		return c, ErrNotFound
	}
	if err != nil {
		return c, err
	}
	if override.Valid {
		c.PriorityOverride = &override.String
	}
	if lastAI.Valid {
		c.LastAIUpdateAt = &lastAI.String
	}
	if lastHuman.Valid {
		c.LastHumanUpdateAt = &lastHuman.String
	}
	if err := json.Unmarshal([]byte(dataJSON), &c.ContextData); err != nil {
		return c, fmt.Errorf("decode context data: %w", err)
	}
	if err := json.Unmarshal([]byte(tagsJSON), &c.Tags); err != nil {
		return c, fmt.Errorf("decode context tags: %w", err)
	}
	if err := json.Unmarshal([]byte(confJSON), &c.AIConfidenceScores); err != nil {
		return c, fmt.Errorf("decode confidence scores: %w", err)
	}
	if c.ContextData == nil {
		c.ContextData = map[string]any{}
	}
	if c.Tags == nil {
		c.Tags = []string{}
	}
	return c, nil
}

const contextColumns = `id,conversation_id,schema_id,workspace_id,context_data_json,status,priority,priority_override,completion_percentage,tags_json,confidence_json,last_ai_update_at,last_human_update_at,created_at,updated_at`

func contextArgs(c domain.ConversationContext) ([]any, error) {
	dataJSON, err := json.Marshal(c.ContextData)
	if err != nil {
		return nil, err
	}
	tags := c.Tags
	if tags == nil {
		tags = []string{}
	}
	tagsJSON, err := json.Marshal(tags)
	if err != nil {
		return nil, err
	}
	confJSON, err := json.Marshal(c.AIConfidenceScores)
	if err != nil {
		return nil, err
	}
	return []any{
		c.ConversationID, c.SchemaID, c.WorkspaceID, string(dataJSON), c.Status, c.Priority,
		nullableStringPtr(c.PriorityOverride), c.CompletionPercentage, string(tagsJSON), string(confJSON),
		nullableStringPtr(c.LastAIUpdateAt), nullableStringPtr(c.LastHumanUpdateAt), c.CreatedAt, c.UpdatedAt,
	}, nil
}

func (r Repo) InsertContextTx(ctx context.Context, tx *sql.Tx, c domain.ConversationContext) error {
	args, err := contextArgs(c)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO contexts(conversation_id,schema_id,workspace_id,context_data_json,status,priority,priority_override,completion_percentage,tags_json,confidence_json,last_ai_update_at,last_human_update_at,created_at,updated_at,id)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`, append(args, c.ID)...)
	return err
}

func (r Repo) UpdateContextTx(ctx context.Context, tx *sql.Tx, c domain.ConversationContext) error {
	args, err := contextArgs(c)
	if err != nil {
		return err
	}
	res, err := tx.ExecContext(ctx, `UPDATE contexts SET conversation_id=?,schema_id=?,workspace_id=?,context_data_json=?,status=?,priority=?,priority_override=?,completion_percentage=?,tags_json=?,confidence_json=?,last_ai_update_at=?,last_human_update_at=?,created_at=?,updated_at=? WHERE id=?`,
		append(args, c.ID)...)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) GetContext(ctx context.Context, id string) (domain.ConversationContext, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+contextColumns+` FROM contexts WHERE id=?`, id)
	return scanContext(row.Scan)
}

func (r Repo) GetContextTx(ctx context.Context, tx *sql.Tx, id string) (domain.ConversationContext, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+contextColumns+` FROM contexts WHERE id=?`, id)
	return scanContext(row.Scan)
}

// GetContextByConversationTx enforces the one-context-per-(conversation,
// schema) invariant at lookup time.
func (r Repo) GetContextByConversationTx(ctx context.Context, tx *sql.Tx, conversationID, schemaID string) (domain.ConversationContext, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+contextColumns+` FROM contexts WHERE conversation_id=? AND schema_id=?`, conversationID, schemaID)
	return scanContext(row.Scan)
}

type ContextFilters struct {
	WorkspaceID     string
	SchemaID        string
	Status          string
	Priority        string
	Limit           int
	CursorCreatedAt string
	CursorID        string
}

func (r Repo) ListContexts(ctx context.Context, f ContextFilters) ([]domain.ConversationContext, error) {
	var clauses []string
	var args []any
	if f.WorkspaceID != "" {
		clauses = append(clauses, "workspace_id=?")
		args = append(args, f.WorkspaceID)
	}
	if f.SchemaID != "" {
		clauses = append(clauses, "schema_id=?")
		args = append(args, f.SchemaID)
	}
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	if f.Priority != "" {
		clauses = append(clauses, "(COALESCE(priority_override, priority))=?")
		args = append(args, f.Priority)
	}
	if f.CursorCreatedAt != "" && f.CursorID != "" {
		clauses = append(clauses, "(created_at < ? OR (created_at = ? AND id < ?))")
		args = append(args, f.CursorCreatedAt, f.CursorCreatedAt, f.CursorID)
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	query := `SELECT ` + contextColumns + ` FROM contexts ` + where + ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.ConversationContext
	for rows.Next() {
		c, err := scanContext(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, c)
	}
	return res, rows.Err()
}

// CountContextsBySchema reports how many contexts reference a schema.
func (r Repo) CountContextsBySchema(ctx context.Context, schemaID string) (int, error) {
	var n int
	err := r.DB.QueryRowContext(ctx, `SELECT count(*) FROM contexts WHERE schema_id=?`, schemaID).Scan(&n)
	return n, err
}

// CountContextsByStatus groups a workspace's contexts by status for the
// dashboard tiles.
func (r Repo) CountContextsByStatus(ctx context.Context, workspaceID string) (map[string]int, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT status, count(*) FROM contexts WHERE workspace_id=? GROUP BY status`, workspaceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := map[string]int{}
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		res[status] = count
	}
	return res, rows.Err()
}

// --- events ---

type EventFilters struct {
	WorkspaceID string
	Type        string
	EntityKind  string
	EntityID    string
	Limit       int
	Cursor      int64
}

// LatestEvents returns events newest-first, optionally filtered, paging via
// an id cursor.
func (r Repo) LatestEvents(ctx context.Context, f EventFilters) ([]domain.Event, error) {
	clauses := []string{"1=1"}
	var args []any
	if f.WorkspaceID != "" {
		clauses = append(clauses, "workspace_id=?")
		args = append(args, f.WorkspaceID)
	}
	if f.Type != "" {
		clauses = append(clauses, "type=?")
		args = append(args, f.Type)
	}
	if f.EntityKind != "" {
		clauses = append(clauses, "entity_kind=?")
		args = append(args, f.EntityKind)
	}
	if f.EntityID != "" {
		clauses = append(clauses, "entity_id=?")
		args = append(args, f.EntityID)
	}
	if f.Cursor > 0 {
		clauses = append(clauses, "id<?")
		args = append(args, f.Cursor)
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}
	where := "WHERE " + strings.Join(clauses, " AND ")
	query := fmt.Sprintf(`SELECT id,ts,type,workspace_id,entity_kind,entity_id,actor_id,actor_kind,payload_json FROM events %s ORDER BY id DESC LIMIT ?`, where)
	args = append(args, limit)
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		var workspaceID, entityID, payload sql.NullString
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &workspaceID, &e.EntityKind, &entityID, &e.ActorID, &e.ActorKind, &payload); err != nil {
			return nil, err
		}
		if workspaceID.Valid {
			e.WorkspaceID = workspaceID.String
		}
		if entityID.Valid {
			e.EntityID = entityID.String
		}
		if payload.Valid {
			e.Payload = payload.String
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

// --- helpers ---

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableStringPtr(v *string) any {
	if v == nil || *v == "" {
		return nil
	}
	return *v
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
