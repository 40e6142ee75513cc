package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"caseflow/internal/config"
	"caseflow/internal/domain"
	"caseflow/internal/engine/eval"
	"caseflow/internal/repo"
)

// ResolveWorkspaceAndConfig picks the active workspace and ensures it exists
// in DB, seeding the default schema if missing. It prefers overrides, then
// the config file, then a single-workspace DB. A missing workspace is
// created on the fly.
func ResolveWorkspaceAndConfig(ctx context.Context, dir, workspaceOverride string, r repo.Repo) (string, *config.Config, error) {
	cfg, err := config.LoadOptional(dir)
	if err != nil {
		return "", nil, err
	}
	workspaceID := workspaceOverride
	if workspaceID == "" && cfg != nil {
		workspaceID = cfg.Workspace.ID
	}
	if workspaceID == "" {
		if w, err := r.SingleWorkspace(ctx); err == nil {
			workspaceID = w.ID
		} else {
			return "", nil, fmt.Errorf("workspace not specified; use --workspace")
		}
	}
	if cfg == nil {
		cfg = config.Default(workspaceID)
	}

	if _, err := r.GetWorkspace(ctx, workspaceID); err != nil {
		if !errors.Is(err, repo.ErrNotFound) {
			return "", nil, err
		}
		if err := createWorkspace(ctx, r, workspaceID, cfg); err != nil {
			return "", nil, err
		}
	}
	cfg.Workspace.ID = workspaceID
	return workspaceID, cfg, nil
}

// createWorkspace inserts a workspace plus its seed default schema.
func createWorkspace(ctx context.Context, r repo.Repo, workspaceID string, cfg *config.Config) error {
	if cfg == nil {
		cfg = config.Default(workspaceID)
	}
	now := time.Now().UTC().Format(time.RFC3339)
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	name := cfg.Workspace.Name
	if name == "" {
		name = workspaceID
	}
	w := domain.Workspace{
		ID:        workspaceID,
		Name:      name,
		Status:    "active",
		CreatedAt: now,
	}
	if err := r.InsertWorkspaceTx(ctx, tx, w); err != nil {
		return fmt.Errorf("insert workspace: %w", err)
	}
	seed := cfg.SeedSchema(workspaceID)
	seed.CreatedAt = now
	seed.UpdatedAt = now
	if err := eval.ValidateDefinition(seed.Fields, seed.StatusWorkflow, seed.PriorityConfig); err != nil {
		return fmt.Errorf("seed schema: %w", err)
	}
	if err := r.InsertSchemaTx(ctx, tx, seed); err != nil {
		return fmt.Errorf("insert seed schema: %w", err)
	}
	return tx.Commit()
}
