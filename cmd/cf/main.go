package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"caseflow/internal/app"
	"caseflow/internal/config"
	"caseflow/internal/db"
	"caseflow/internal/domain"
	"caseflow/internal/engine"
	"caseflow/internal/migrate"
	"caseflow/internal/repo"
	"caseflow/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "cf",
	Short: "Caseflow CLI",
	Long: `Caseflow keeps structured case data alongside customer conversations.
Core concepts:
- Workspace: a tenant. Its .caseflow directory holds the database; caseflow.yml seeds the default schema.
- Schema: the shape of a case. Field definitions, a status workflow, and priority rules, versioned per workspace.
- Context: the structured record attached to one conversation. Fields fill in over time from AI extraction and human edits.
- Actors: AI pipelines authenticate with API keys, humans with bearer tokens; every write records who made it and what kind of actor they are.
- Priority: derived from rules over field values, with an optional manual override on top.
- Event log: every mutation, including rejected status transitions, lands in the log ('cf log tail').`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if _, err := db.EnsureDir(viper.GetString("dir")); err != nil {
			return err
		}
		return nil
	},
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	if err := rootCmd.Execute(); err != nil {
		fmt.Println("error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("CASEFLOW")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("dir", "d", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local-user", "actor identifier")
	rootCmd.PersistentFlags().String("actor-kind", domain.ActorHuman, "actor kind (ai, human)")
	rootCmd.PersistentFlags().String("workspace", "", "workspace id (overrides config)")
	_ = viper.BindPFlag("dir", rootCmd.PersistentFlags().Lookup("dir"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor-id", rootCmd.PersistentFlags().Lookup("actor-id"))
	_ = viper.BindPFlag("actor-kind", rootCmd.PersistentFlags().Lookup("actor-kind"))
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
}

func registerCommands() {
	rootCmd.AddCommand(workspaceCmd())
	rootCmd.AddCommand(schemaCmd())
	rootCmd.AddCommand(contextCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(keysCmd())
	rootCmd.AddCommand(serveCmd())
}

func workspaceCmd() *cobra.Command {
	ws := &cobra.Command{Use: "workspace", Short: "Manage workspaces"}
	ws.AddCommand(workspaceInitCmd())
	ws.AddCommand(workspaceListCmd())
	ws.AddCommand(workspaceShowCmd())
	ws.AddCommand(workspaceStatusCmd())
	return ws
}

func workspaceInitCmd() *cobra.Command {
	var id, name string
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Create a workspace and seed its default schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			if id == "" {
				return fmt.Errorf("--id required")
			}
			dir := viper.GetString("dir")
			if _, err := db.EnsureDir(dir); err != nil {
				return err
			}
			cfgPath := config.Path(dir)
			if _, err := os.Stat(cfgPath); os.IsNotExist(err) {
				if err := os.WriteFile(cfgPath, []byte(config.GenerateDefault(id)), 0o644); err != nil {
					return err
				}
				fmt.Printf("Wrote %s\n", cfgPath)
			}
			conn, err := db.Open(db.Config{Dir: dir})
			if err != nil {
				return err
			}
			defer conn.Close()
			if err := migrate.Migrate(conn); err != nil {
				return err
			}
			cfg, err := config.Load(dir)
			if err != nil {
				return err
			}
			cfg.Workspace.ID = id
			e := engine.New(conn, cfg)
			w, err := e.InitWorkspace(cmd.Context(), id, name, viper.GetString("actor-id"))
			if err != nil {
				return err
			}
			return printJSONOrTable(w)
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "workspace id")
	cmd.Flags().StringVar(&name, "name", "", "display name")
	_ = cmd.MarkFlagRequired("id")
	return cmd
}

func workspaceListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List workspaces",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListWorkspaces(ctx)
				if err != nil {
					return err
				}
				return printJSONOrTable(items)
			})
		},
	}
	return cmd
}

func workspaceShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show a workspace",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine, workspaceID string) error {
				w, err := e.Repo.GetWorkspace(ctx, workspaceID)
				if err != nil {
					return err
				}
				return printJSONOrTable(w)
			})
		},
	}
	return cmd
}

func workspaceStatusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show context counts by status",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine, workspaceID string) error {
				w, err := e.Repo.GetWorkspace(ctx, workspaceID)
				if err != nil {
					return err
				}
				counts, err := e.Repo.CountContextsByStatus(ctx, workspaceID)
				if err != nil {
					return err
				}
				out := map[string]any{
					"workspace_id":   w.ID,
					"status":         w.Status,
					"context_counts": counts,
				}
				if viper.GetBool("json") {
					return printJSON(out)
				}
				fmt.Printf("Workspace: %s (%s)\n", w.ID, w.Status)
				fmt.Println("Contexts:")
				for status, c := range counts {
					fmt.Printf("  %s: %d\n", status, c)
				}
				return nil
			})
		},
	}
	return cmd
}

func schemaCmd() *cobra.Command {
	s := &cobra.Command{
		Use:   "schema",
		Short: "Manage context schemas",
		Long:  "Schemas define the fields a case context can hold, the legal status transitions, and the rules that derive priority. One schema per workspace is the default and receives new conversations.",
	}
	s.AddCommand(schemaCreateCmd())
	s.AddCommand(schemaListCmd())
	s.AddCommand(schemaGetCmd())
	s.AddCommand(schemaSetDefaultCmd())
	s.AddCommand(schemaDeactivateCmd())
	return s
}

func schemaCreateCmd() *cobra.Command {
	var filePath string
	var isDefault bool
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a schema from a YAML definition",
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(filePath)
			if err != nil {
				return err
			}
			var spec config.SchemaSpec
			if err := yaml.Unmarshal(data, &spec); err != nil {
				return fmt.Errorf("parse schema yaml: %w", err)
			}
			fields, workflow, priority := spec.Definition()
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine, workspaceID string) error {
				s, err := e.CreateSchema(ctx, engine.SchemaCreateOptions{
					WorkspaceID:    workspaceID,
					Name:           spec.Name,
					Description:    spec.Description,
					Fields:         fields,
					StatusWorkflow: workflow,
					PriorityConfig: priority,
					IsDefault:      isDefault,
					ActorID:        viper.GetString("actor-id"),
					ActorKind:      viper.GetString("actor-kind"),
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(s)
			})
		},
	}
	cmd.Flags().StringVar(&filePath, "file", "", "path to schema YAML")
	cmd.Flags().BoolVar(&isDefault, "default", false, "make this the workspace default")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func schemaListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List schemas",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine, workspaceID string) error {
				items, err := e.Repo.ListSchemas(ctx, workspaceID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Name", "Fields", "Contexts", "Active", "Default"})
				for _, s := range items {
					n, err := e.Repo.CountContextsBySchema(ctx, s.ID)
					if err != nil {
						return err
					}
					tw.AppendRow(table.Row{s.ID, s.Name, len(s.Fields), n, s.IsActive, s.IsDefault})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func schemaGetCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "get <id>",
		Short: "Get schema",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine, _ string) error {
				s, err := e.Repo.GetSchema(ctx, id)
				if err != nil {
					return err
				}
				return printJSONOrTable(s)
			})
		},
	}
	return cmd
}

func schemaSetDefaultCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "set-default <id>",
		Short: "Make a schema the workspace default",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
			makeDefault := true
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine, _ string) error {
				s, err := e.UpdateSchema(ctx, engine.SchemaUpdateOptions{
					ID:         id,
					SetDefault: &makeDefault,
					ActorID:    viper.GetString("actor-id"),
					ActorKind:  viper.GetString("actor-kind"),
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(s)
			})
		},
	}
	return cmd
}

func schemaDeactivateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "deactivate <id>",
		Short: "Deactivate a schema (existing contexts keep working)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine, _ string) error {
				s, err := e.DeactivateSchema(ctx, id, viper.GetString("actor-id"), viper.GetString("actor-kind"))
				if err != nil {
					return err
				}
				return printJSONOrTable(s)
			})
		},
	}
	return cmd
}

func contextCmd() *cobra.Command {
	c := &cobra.Command{
		Use:   "context",
		Short: "Manage conversation contexts",
		Long:  "A context is the structured case record for one conversation. Resolve one with 'cf context resolve', fill fields with 'cf context set', and move it through the workflow with 'cf context status'.",
	}
	c.AddCommand(contextResolveCmd())
	c.AddCommand(contextGetCmd())
	c.AddCommand(contextListCmd())
	c.AddCommand(contextSetCmd())
	c.AddCommand(contextClearCmd())
	c.AddCommand(contextStatusCmd())
	c.AddCommand(contextPriorityCmd())
	c.AddCommand(contextTagCmd())
	return c
}

func contextResolveCmd() *cobra.Command {
	var schemaID string
	cmd := &cobra.Command{
		Use:   "resolve <conversation-id>",
		Short: "Get or create the context for a conversation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			conversationID := args[0]
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine, workspaceID string) error {
				c, created, err := e.GetOrCreateContext(ctx, engine.ContextOptions{
					ConversationID: conversationID,
					SchemaID:       schemaID,
					WorkspaceID:    workspaceID,
					ActorID:        viper.GetString("actor-id"),
					ActorKind:      viper.GetString("actor-kind"),
				})
				if err != nil {
					return err
				}
				if !viper.GetBool("json") && created {
					fmt.Println("created new context")
				}
				return printJSONOrTable(c)
			})
		},
	}
	cmd.Flags().StringVar(&schemaID, "schema", "", "schema id (defaults to the workspace default schema)")
	return cmd
}

func contextGetCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "get <id>",
		Short: "Get a context",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine, _ string) error {
				c, err := e.Repo.GetContext(ctx, id)
				if err != nil {
					return err
				}
				return printJSONOrTable(c)
			})
		},
	}
	return cmd
}

func contextListCmd() *cobra.Command {
	var f repo.ContextFilters
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List contexts",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine, workspaceID string) error {
				if f.WorkspaceID == "" {
					f.WorkspaceID = workspaceID
				}
				items, err := e.Repo.ListContexts(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Conversation", "Status", "Priority", "Complete"})
				for _, c := range items {
					tw.AppendRow(table.Row{c.ID, c.ConversationID, c.Status, c.EffectivePriority(), fmt.Sprintf("%d%%", c.CompletionPercentage)})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.SchemaID, "schema", "", "schema filter")
	cmd.Flags().StringVar(&f.Status, "status", "", "status filter")
	cmd.Flags().StringVar(&f.Priority, "priority", "", "effective priority filter")
	cmd.Flags().IntVar(&f.Limit, "limit", 50, "max results")
	return cmd
}

func contextSetCmd() *cobra.Command {
	var sets []string
	var updatesJSON string
	var confidence float64
	cmd := &cobra.Command{
		Use:   "set <id>",
		Short: "Apply field updates",
		Long:  "Apply a batch of field updates. The whole batch is rejected if any value is invalid. Use --set field=value for strings, or --updates-json for typed values and per-field confidence.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
			var updates []engine.FieldUpdate
			for _, s := range sets {
				fieldID, value, ok := strings.Cut(s, "=")
				if !ok || fieldID == "" {
					return fmt.Errorf("invalid --set %q, expected field=value", s)
				}
				u := engine.FieldUpdate{FieldID: fieldID, Value: value}
				if cmd.Flags().Changed("confidence") {
					u.Confidence = &confidence
				}
				updates = append(updates, u)
			}
			if updatesJSON != "" {
				var typed []engine.FieldUpdate
				if err := json.Unmarshal([]byte(updatesJSON), &typed); err != nil {
					return fmt.Errorf("parse --updates-json: %w", err)
				}
				updates = append(updates, typed...)
			}
			if len(updates) == 0 {
				return fmt.Errorf("nothing to update; use --set or --updates-json")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine, _ string) error {
				c, err := e.ApplyFieldUpdates(ctx, engine.FieldUpdateOptions{
					ContextID: id,
					Updates:   updates,
					ActorID:   viper.GetString("actor-id"),
					ActorKind: viper.GetString("actor-kind"),
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(c)
			})
		},
	}
	cmd.Flags().StringArrayVar(&sets, "set", []string{}, "field=value (repeatable)")
	cmd.Flags().StringVar(&updatesJSON, "updates-json", "", `typed updates, e.g. [{"field_id":"refund_amount","value":120.5,"confidence":0.9}]`)
	cmd.Flags().Float64Var(&confidence, "confidence", 0, "confidence for all --set values (AI actors only)")
	return cmd
}

func contextClearCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "clear <id> <field-id>...",
		Short: "Clear field values",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
			var updates []engine.FieldUpdate
			for _, fieldID := range args[1:] {
				updates = append(updates, engine.FieldUpdate{FieldID: fieldID, Value: nil})
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine, _ string) error {
				c, err := e.ApplyFieldUpdates(ctx, engine.FieldUpdateOptions{
					ContextID: id,
					Updates:   updates,
					ActorID:   viper.GetString("actor-id"),
					ActorKind: viper.GetString("actor-kind"),
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(c)
			})
		},
	}
	return cmd
}

func contextStatusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status <id> <status>",
		Short: "Attempt a status transition",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, to := args[0], args[1]
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine, _ string) error {
				c, res, err := e.ChangeStatus(ctx, id, to, viper.GetString("actor-id"), viper.GetString("actor-kind"))
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"allowed": res.Allowed, "from": res.From, "to": res.To, "context": c})
				}
				if !res.Allowed {
					fmt.Printf("transition %s -> %s rejected; context stays %s\n", res.From, res.To, c.Status)
					return nil
				}
				fmt.Printf("transition %s -> %s\n", res.From, res.To)
				return nil
			})
		},
	}
	return cmd
}

func contextPriorityCmd() *cobra.Command {
	var clear bool
	cmd := &cobra.Command{
		Use:   "priority <id> [priority]",
		Short: "Set or clear the priority override",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
			var override *string
			if len(args) == 2 {
				override = &args[1]
			} else if !clear {
				return fmt.Errorf("provide a priority or --clear")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine, _ string) error {
				c, err := e.SetPriority(ctx, id, override, viper.GetString("actor-id"), viper.GetString("actor-kind"))
				if err != nil {
					return err
				}
				return printJSONOrTable(c)
			})
		},
	}
	cmd.Flags().BoolVar(&clear, "clear", false, "remove the override and fall back to derived priority")
	return cmd
}

func contextTagCmd() *cobra.Command {
	tag := &cobra.Command{Use: "tag", Short: "Manage context tags"}
	tag.AddCommand(&cobra.Command{
		Use:   "add <id> <tag>",
		Short: "Add a tag",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine, _ string) error {
				c, err := e.AddTag(ctx, engine.TagOptions{
					ContextID: args[0],
					Tag:       args[1],
					ActorID:   viper.GetString("actor-id"),
					ActorKind: viper.GetString("actor-kind"),
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(c)
			})
		},
	})
	tag.AddCommand(&cobra.Command{
		Use:   "remove <id> <tag>",
		Short: "Remove a tag",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine, _ string) error {
				c, err := e.RemoveTag(ctx, engine.TagOptions{
					ContextID: args[0],
					Tag:       args[1],
					ActorID:   viper.GetString("actor-id"),
					ActorKind: viper.GetString("actor-kind"),
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(c)
			})
		},
	})
	tag.AddCommand(&cobra.Command{
		Use:   "set <id> <tag>...",
		Short: "Replace all tags",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine, _ string) error {
				c, err := e.SetTags(ctx, engine.TagOptions{
					ContextID: args[0],
					Tags:      args[1:],
					ActorID:   viper.GetString("actor-id"),
					ActorKind: viper.GetString("actor-kind"),
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(c)
			})
		},
	})
	return tag
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{
		Use:   "config",
		Short: "Inspect workspace config",
		Long:  "caseflow.yml seeds the workspace's default schema on 'cf workspace init': field definitions, the status workflow, and priority rules.",
	}
	cfg.AddCommand(configShowCmd())
	cfg.AddCommand(configValidateCmd())
	return cfg
}

func configShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show loaded config",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(viper.GetString("dir"))
			if err != nil {
				return err
			}
			return printJSONOrTable(cfg)
		},
	}
	return cmd
}

func configValidateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate caseflow.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(viper.GetString("dir"))
			if err == nil {
				err = cfg.Validate()
			}
			if viper.GetBool("json") {
				return printJSON(map[string]any{"ok": err == nil, "error": fmt.Sprint(err)})
			}
			if err != nil {
				return err
			}
			fmt.Println("config OK")
			return nil
		},
	}
	return cmd
}

func logCmd() *cobra.Command {
	log := &cobra.Command{
		Use:   "log",
		Short: "Event log",
		Long:  "Everything that happened: schema changes, field updates with actor attribution, and status transitions including the rejected ones.",
	}
	log.AddCommand(logTailCmd())
	return log
}

func logTailCmd() *cobra.Command {
	var n int
	var evtType, entityKind, entityID string
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine, workspaceID string) error {
				events, err := e.Repo.LatestEvents(ctx, repo.EventFilters{
					WorkspaceID: workspaceID,
					Type:        evtType,
					EntityKind:  entityKind,
					EntityID:    entityID,
					Limit:       n,
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(events)
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	cmd.Flags().StringVar(&evtType, "type", "", "event type filter")
	cmd.Flags().StringVar(&entityKind, "entity-kind", "", "entity kind (workspace, schema, context)")
	cmd.Flags().StringVar(&entityID, "entity-id", "", "entity id")
	return cmd
}

func keysCmd() *cobra.Command {
	keys := &cobra.Command{
		Use:   "keys",
		Short: "Manage API keys",
		Long:  "API keys authenticate AI extraction pipelines against the HTTP API. Requests carrying a key are attributed to the key's actor as kind 'ai'.",
	}
	keys.AddCommand(keysCreateCmd())
	keys.AddCommand(keysListCmd())
	keys.AddCommand(keysDeleteCmd())
	return keys
}

func keysCreateCmd() *cobra.Command {
	var actorID, name string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create an API key (the secret is printed once)",
		RunE: func(cmd *cobra.Command, args []string) error {
			if actorID == "" {
				return fmt.Errorf("--actor required")
			}
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				secret := "cfk_" + strings.ReplaceAll(uuid.NewString(), "-", "")
				key := domain.APIKey{
					ID:        uuid.NewString(),
					ActorID:   actorID,
					Name:      name,
					KeyHash:   repo.HashAPIKey(secret),
					CreatedAt: time.Now().UTC().Format(time.RFC3339),
				}
				tx, err := r.DB.BeginTx(ctx, nil)
				if err != nil {
					return err
				}
				defer tx.Rollback()
				if err := r.InsertAPIKey(ctx, tx, key); err != nil {
					return err
				}
				if err := tx.Commit(); err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"id": key.ID, "actor_id": key.ActorID, "name": key.Name, "key": secret})
				}
				fmt.Printf("API key created for %s\n", actorID)
				fmt.Printf("  id:  %s\n", key.ID)
				fmt.Printf("  key: %s\n", secret)
				fmt.Println("Store the key now; only its hash is kept.")
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&actorID, "actor", "", "actor id the key authenticates as")
	cmd.Flags().StringVar(&name, "name", "", "key name")
	return cmd
}

func keysListCmd() *cobra.Command {
	var actorID string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List API keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListAPIKeys(ctx, actorID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Actor", "Name", "Created"})
				for _, k := range items {
					tw.AppendRow(table.Row{k.ID, k.ActorID, k.Name, k.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&actorID, "actor", "", "filter by actor id")
	return cmd
}

func keysDeleteCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				return r.DeleteAPIKey(ctx, args[0])
			})
		},
	}
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			dir := viper.GetString("dir")
			if _, err := db.EnsureDir(dir); err != nil {
				return err
			}
			conn, err := db.Open(db.Config{Dir: dir})
			if err != nil {
				return err
			}
			defer conn.Close()
			if err := migrate.Migrate(conn); err != nil {
				return err
			}
			r := repo.Repo{DB: conn}
			_, cfg, err := app.ResolveWorkspaceAndConfig(cmd.Context(), dir, viper.GetString("workspace"), r)
			if err != nil {
				return err
			}
			e := engine.New(conn, cfg)
			secret := os.Getenv("CASEFLOW_JWT_SECRET")
			if secret == "" {
				secret = cfg.Server.JWTSecret
			}
			if secret == "" {
				return fmt.Errorf("CASEFLOW_JWT_SECRET is required for bearer auth")
			}
			if addr == "" {
				addr = cfg.Server.Addr
			}
			handler, err := server.New(server.Config{
				Engine:   e,
				BasePath: basePath,
				Auth:     server.AuthConfig{JWTSecret: secret},
			})
			if err != nil {
				return err
			}
			srv := &http.Server{Addr: addr, Handler: handler}
			go func() {
				<-cmd.Context().Done()
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(ctx)
			}()
			fmt.Printf("Serving Caseflow API on http://%s%s (OpenAPI at %s/openapi.json, Swagger UI at /docs)\n", addr, basePath, basePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (defaults to config)")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	return cmd
}

// --- helpers ---

func withEngine(ctx context.Context, fn func(context.Context, *engine.Engine, string) error) error {
	dir := viper.GetString("dir")
	conn, err := db.Open(db.Config{Dir: dir})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	r := repo.Repo{DB: conn}
	workspaceID, cfg, err := app.ResolveWorkspaceAndConfig(ctx, dir, viper.GetString("workspace"), r)
	if err != nil {
		return err
	}
	e := engine.New(conn, cfg)
	return fn(ctx, e, workspaceID)
}

func withRepo(ctx context.Context, fn func(context.Context, repo.Repo) error) error {
	conn, err := db.Open(db.Config{Dir: viper.GetString("dir")})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	return fn(ctx, repo.Repo{DB: conn})
}

func printJSONOrTable(v any) error {
	if viper.GetBool("json") {
		return printJSON(v)
	}
	b, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(b))
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
