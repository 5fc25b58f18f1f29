package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"batchseal/internal/app"
	"batchseal/internal/config"
	"batchseal/internal/db"
	"batchseal/internal/domain"
	"batchseal/internal/engine"
	"batchseal/internal/migrate"
	"batchseal/internal/repo"
	"batchseal/internal/scheduler"
	"batchseal/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "bseal",
	Short: "Batchseal CLI",
	Long: `Batchseal coordinates evaluation batches from admission to sealed report.
Core concepts:
- Workspace: the .batchseal directory holding the database and issued report artifacts.
- Batch: a group of evaluations that moves draft -> active -> completed (or canceled).
- Evaluation: one subject's participation; started -> in_progress -> completed, with
  deactivation as the exit. One live evaluation per subject per batch, enforced.
- Readiness: a batch completes when every active evaluation is completed.
- Emission: a completed batch is queued for report issuance, either on request or
  automatically after the grace window; exactly one queue entry per batch.
- Report: rendered, hashed and sealed write-once; resets are refused afterwards.
- Reset: wipes one evaluation's responses, once per evaluation per batch.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		workspace := viper.GetString("workspace")
		if _, err := db.EnsureWorkspace(workspace); err != nil {
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
	viper.SetEnvPrefix("BATCHSEAL")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local-user", "actor identifier")
	rootCmd.PersistentFlags().String("role", "manager", "actor role for gated operations")
	rootCmd.PersistentFlags().String("tenant", "", "tenant id (overrides config default)")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor-id", rootCmd.PersistentFlags().Lookup("actor-id"))
	_ = viper.BindPFlag("role", rootCmd.PersistentFlags().Lookup("role"))
	_ = viper.BindPFlag("tenant", rootCmd.PersistentFlags().Lookup("tenant"))
}

func registerCommands() {
	rootCmd.AddCommand(tenantCmd())
	rootCmd.AddCommand(batchCmd())
	rootCmd.AddCommand(evalCmd())
	rootCmd.AddCommand(emissionCmd())
	rootCmd.AddCommand(reportCmd())
	rootCmd.AddCommand(resetCmd())
	rootCmd.AddCommand(roleCmd())
	rootCmd.AddCommand(keyCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(workerCmd())
}

func tenantCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "tenant", Short: "Manage tenants"}
	cmd.AddCommand(tenantInitCmd())
	cmd.AddCommand(tenantConfigCmd())
	return cmd
}

func tenantInitCmd() *cobra.Command {
	var id, name string
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Initialize tenant",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			conn, err := db.Open(db.Config{Workspace: workspace})
			if err != nil {
				return err
			}
			defer conn.Close()
			if err := migrate.Migrate(conn); err != nil {
				return err
			}
			cfg := config.Default(id)
			cfg.Tenant.Name = name
			e := engine.New(conn, cfg, workspace)
			tenantID, err := e.InitTenant(cmd.Context(), id, name, viper.GetString("actor-id"))
			if err != nil {
				return err
			}
			fmt.Printf("Initialized tenant %s\n", tenantID)
			return nil
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "tenant id")
	cmd.Flags().StringVar(&name, "name", "", "tenant name")
	_ = cmd.MarkFlagRequired("id")
	return cmd
}

func tenantConfigCmd() *cobra.Command {
	cfg := &cobra.Command{Use: "config", Short: "Manage tenant config"}

	show := &cobra.Command{
		Use:   "show",
		Short: "Show effective config",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return printJSONOrTable(e.Config)
			})
		},
	}

	var tenantID string
	generate := &cobra.Command{
		Use:   "generate",
		Short: "Print default config YAML",
		RunE: func(cmd *cobra.Command, args []string) error {
			id := tenantID
			if id == "" {
				id = "default"
			}
			fmt.Print(config.GenerateDefault(id))
			return nil
		},
	}
	generate.Flags().StringVar(&tenantID, "id", "", "tenant id")

	var file string
	importCmd := &cobra.Command{
		Use:   "import",
		Short: "Import config YAML into the tenant",
		RunE: func(cmd *cobra.Command, args []string) error {
			if file == "" {
				return fmt.Errorf("--file required")
			}
			cfg, err := config.FromFile(file)
			if err != nil {
				return err
			}
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				if err := r.UpsertTenantConfig(ctx, cfg.Tenant.ID, cfg); err != nil {
					return err
				}
				fmt.Printf("Imported config for tenant %s\n", cfg.Tenant.ID)
				return nil
			})
		},
	}
	importCmd.Flags().StringVar(&file, "file", "", "config yaml path")

	cfg.AddCommand(show, generate, importCmd)
	return cfg
}

func batchCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "batch", Short: "Manage evaluation batches"}
	cmd.AddCommand(batchCreateCmd())
	cmd.AddCommand(batchListCmd())
	cmd.AddCommand(batchShowCmd())
	cmd.AddCommand(batchReleaseCmd())
	cmd.AddCommand(batchCancelCmd())
	cmd.AddCommand(batchReadinessCmd())
	return cmd
}

func batchCreateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "create",
		Short: "Create batch (with its draft report reserved)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				b, err := e.CreateBatch(ctx, e.Config.Tenant.ID, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(b)
			})
		},
	}
}

func batchListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List batches",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Repo.ListBatches(ctx, e.Config.Tenant.ID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Seq", "Status", "Created", "Completed", "Auto emission"})
				for _, b := range items {
					completed := ""
					if b.CompletedAt != nil {
						completed = *b.CompletedAt
					}
					tw.AppendRow(table.Row{b.ID, b.Seq, b.Status, b.CreatedAt, completed, b.AutoEmissionScheduled})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func batchShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Show a batch",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseBatchID(args[0])
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				b, err := e.Repo.GetBatch(ctx, id)
				if err != nil {
					return err
				}
				return printJSONOrTable(b)
			})
		},
	}
}

func batchReleaseCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "release <id>",
		Short: "Release batch for evaluations",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseBatchID(args[0])
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				b, err := e.ReleaseBatch(ctx, id, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(b)
			})
		},
	}
}

func batchCancelCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <id>",
		Short: "Cancel batch",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseBatchID(args[0])
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				b, err := e.CancelBatch(ctx, id, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(b)
			})
		},
	}
}

func batchReadinessCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "readiness <id>",
		Short: "Show batch readiness",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseBatchID(args[0])
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				b, counts, res, err := e.GetReadiness(ctx, id)
				if err != nil {
					return err
				}
				return printJSONOrTable(map[string]any{
					"batch_id":     b.ID,
					"batch_status": b.Status,
					"total":        counts.Total,
					"active":       res.Active,
					"completed":    counts.Completed,
					"deactivated":  counts.Deactivated,
					"ratio":        res.Ratio,
					"ready":        res.Ready,
					"reasons":      res.Reasons,
				})
			})
		},
	}
}

func evalCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "eval", Short: "Manage evaluations"}
	cmd.AddCommand(evalStartCmd())
	cmd.AddCommand(evalListCmd())
	cmd.AddCommand(evalShowCmd())
	cmd.AddCommand(evalAdvanceCmd())
	cmd.AddCommand(evalRespondCmd())
	return cmd
}

func evalStartCmd() *cobra.Command {
	var batch int64
	var subject string
	cmd := &cobra.Command{
		Use:   "start",
		Short: "Admit a subject and start their evaluation",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				ev, err := e.AdmitSubject(ctx, batch, subject, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(ev)
			})
		},
	}
	cmd.Flags().Int64Var(&batch, "batch", 0, "batch id")
	cmd.Flags().StringVar(&subject, "subject", "", "subject id")
	_ = cmd.MarkFlagRequired("batch")
	_ = cmd.MarkFlagRequired("subject")
	return cmd
}

func evalListCmd() *cobra.Command {
	var batch int64
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List evaluations in a batch",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Repo.ListEvaluations(ctx, batch)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Subject", "Status", "Started", "Completed"})
				for _, ev := range items {
					completed := ""
					if ev.CompletedAt != nil {
						completed = *ev.CompletedAt
					}
					tw.AppendRow(table.Row{ev.ID, ev.SubjectID, ev.Status, ev.StartedAt, completed})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().Int64Var(&batch, "batch", 0, "batch id")
	_ = cmd.MarkFlagRequired("batch")
	return cmd
}

func evalShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Show an evaluation and its responses",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				ev, err := e.Repo.GetEvaluation(ctx, args[0])
				if err != nil {
					return err
				}
				resps, err := e.Repo.ListResponses(ctx, ev.ID)
				if err != nil {
					return err
				}
				return printJSONOrTable(map[string]any{
					"evaluation": ev,
					"responses":  resps,
				})
			})
		},
	}
}

func evalAdvanceCmd() *cobra.Command {
	var to string
	cmd := &cobra.Command{
		Use:   "advance <id>",
		Short: "Advance evaluation status",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				ev, err := e.AdvanceEvaluation(ctx, args[0], to, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(ev)
			})
		},
	}
	cmd.Flags().StringVar(&to, "to", "", "target status (in_progress, completed, deactivated)")
	_ = cmd.MarkFlagRequired("to")
	return cmd
}

func evalRespondCmd() *cobra.Command {
	var item string
	var value int
	cmd := &cobra.Command{
		Use:   "respond <id>",
		Short: "Submit a response for an evaluation item",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				ev, err := e.SubmitResponse(ctx, args[0], item, value, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(ev)
			})
		},
	}
	cmd.Flags().StringVar(&item, "item", "", "item key")
	cmd.Flags().IntVar(&value, "value", 0, "response value")
	_ = cmd.MarkFlagRequired("item")
	return cmd
}

func emissionCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "emission", Short: "Manage report emission"}
	cmd.AddCommand(emissionRequestCmd())
	cmd.AddCommand(emissionShowCmd())
	cmd.AddCommand(emissionProcessCmd())
	return cmd
}

func emissionRequestCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "request <batch-id>",
		Short: "Request emission for a completed batch",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseBatchID(args[0])
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				entry, err := e.RequestEmission(ctx, id, viper.GetString("actor-id"), viper.GetString("role"))
				if err != nil {
					return err
				}
				return printJSONOrTable(entry)
			})
		},
	}
}

func emissionShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <batch-id>",
		Short: "Show the emission queue entry for a batch",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseBatchID(args[0])
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				entry, err := e.Repo.GetQueueEntryByBatch(ctx, id)
				if err != nil {
					return err
				}
				return printJSONOrTable(entry)
			})
		},
	}
}

func emissionProcessCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "process",
		Short: "Run one scheduler pass (auto timers + queue)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				fired, err := e.FireDueAutoEmissions(ctx)
				if err != nil {
					return err
				}
				processed, failed, err := e.ProcessEmissionQueue(ctx)
				if err != nil {
					return err
				}
				return printJSONOrTable(map[string]int{
					"auto_enqueued": fired,
					"processed":     processed,
					"failed":        failed,
				})
			})
		},
	}
}

func reportCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "report", Short: "Manage reports"}
	cmd.AddCommand(reportShowCmd())
	cmd.AddCommand(reportIssueCmd())
	cmd.AddCommand(reportDeliverCmd())
	return cmd
}

func reportShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <batch-id>",
		Short: "Show the report for a batch",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseBatchID(args[0])
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				rep, err := e.GetReport(ctx, id)
				if err != nil {
					return err
				}
				return printJSONOrTable(rep)
			})
		},
	}
}

func reportIssueCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "issue <batch-id>",
		Short: "Render, hash and seal the report now",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseBatchID(args[0])
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				rep, err := e.EmitReport(ctx, id, viper.GetString("actor-id"), viper.GetString("role"))
				if err != nil {
					return err
				}
				return printJSONOrTable(rep)
			})
		},
	}
}

func reportDeliverCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "deliver <batch-id>",
		Short: "Mark the report delivered",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseBatchID(args[0])
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				rep, err := e.MarkReportDelivered(ctx, id, viper.GetString("actor-id"), viper.GetString("role"))
				if err != nil {
					return err
				}
				return printJSONOrTable(rep)
			})
		},
	}
}

func resetCmd() *cobra.Command {
	var batch int64
	var reason string
	cmd := &cobra.Command{
		Use:   "reset <evaluation-id>",
		Short: "Reset an evaluation (once per batch, before emission)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				batchID := batch
				if batchID == 0 {
					ev, err := e.Repo.GetEvaluation(ctx, args[0])
					if err != nil {
						return err
					}
					batchID = ev.BatchID
				}
				rec, err := e.ResetEvaluation(ctx, args[0], batchID, viper.GetString("actor-id"), viper.GetString("role"), reason)
				if err != nil {
					return err
				}
				return printJSONOrTable(rec)
			})
		},
	}
	cmd.Flags().Int64Var(&batch, "batch", 0, "batch id (defaults to the evaluation's batch)")
	cmd.Flags().StringVar(&reason, "reason", "", "reset justification")
	_ = cmd.MarkFlagRequired("reason")
	return cmd
}

func roleCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "role", Short: "Manage actor roles"}

	var actor, role string
	grant := &cobra.Command{
		Use:   "grant",
		Short: "Grant role to actor",
		RunE: func(cmd *cobra.Command, args []string) error {
			if actor == "" || role == "" {
				return fmt.Errorf("--actor and --role-id required")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				tx, err := e.DB.BeginTx(ctx, nil)
				if err != nil {
					return err
				}
				defer tx.Rollback()
				now := time.Now().UTC().Format(time.RFC3339)
				if err := e.Repo.EnsureActor(ctx, tx, actor, now); err != nil {
					return err
				}
				if err := e.Repo.AssignRole(ctx, tx, e.Config.Tenant.ID, actor, role); err != nil {
					return err
				}
				return tx.Commit()
			})
		},
	}
	grant.Flags().StringVar(&actor, "actor", "", "actor id")
	grant.Flags().StringVar(&role, "role-id", "", "role id")

	var rActor, rRole string
	revoke := &cobra.Command{
		Use:   "revoke",
		Short: "Revoke role from actor",
		RunE: func(cmd *cobra.Command, args []string) error {
			if rActor == "" || rRole == "" {
				return fmt.Errorf("--actor and --role-id required")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				tx, err := e.DB.BeginTx(ctx, nil)
				if err != nil {
					return err
				}
				defer tx.Rollback()
				if err := e.Repo.RevokeRole(ctx, tx, e.Config.Tenant.ID, rActor, rRole); err != nil {
					return err
				}
				return tx.Commit()
			})
		},
	}
	revoke.Flags().StringVar(&rActor, "actor", "", "actor id")
	revoke.Flags().StringVar(&rRole, "role-id", "", "role id")

	whoami := &cobra.Command{
		Use:   "whoami",
		Short: "Show current actor roles",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				roles, err := e.Repo.ActorRoles(ctx, e.Config.Tenant.ID, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(map[string]any{
					"actor_id": viper.GetString("actor-id"),
					"roles":    roles,
				})
			})
		},
	}

	cmd.AddCommand(grant, revoke, whoami)
	return cmd
}

func keyCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "key", Short: "Manage API keys"}

	var name string
	create := &cobra.Command{
		Use:   "create",
		Short: "Create an API key for the current actor",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				secret := uuid.New().String()
				key := domain.APIKey{
					ID:        uuid.New().String(),
					ActorID:   viper.GetString("actor-id"),
					Name:      name,
					KeyHash:   repo.HashAPIKey(secret),
					CreatedAt: time.Now().UTC().Format(time.RFC3339),
				}
				tx, err := e.DB.BeginTx(ctx, nil)
				if err != nil {
					return err
				}
				defer tx.Rollback()
				if err := e.Repo.EnsureActor(ctx, tx, key.ActorID, key.CreatedAt); err != nil {
					return err
				}
				if err := e.Repo.InsertAPIKey(ctx, tx, key); err != nil {
					return err
				}
				if err := tx.Commit(); err != nil {
					return err
				}
				// The secret is shown once and never stored.
				return printJSONOrTable(map[string]string{
					"id":      key.ID,
					"api_key": secret,
				})
			})
		},
	}
	create.Flags().StringVar(&name, "name", "", "key label")

	list := &cobra.Command{
		Use:   "list",
		Short: "List API keys for the current actor",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				keys, err := r.ListAPIKeys(ctx, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(keys)
			})
		},
	}

	revoke := &cobra.Command{
		Use:   "revoke <id>",
		Short: "Delete an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				return r.DeleteAPIKey(ctx, args[0])
			})
		},
	}

	cmd.AddCommand(create, list, revoke)
	return cmd
}

func logCmd() *cobra.Command {
	log := &cobra.Command{Use: "log", Short: "Event log"}
	var kind, id string
	var n int
	tail := &cobra.Command{
		Use:   "tail",
		Short: "Tail entity events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				events, err := e.Repo.ListEntityEvents(ctx, kind, id, n)
				if err != nil {
					return err
				}
				return printJSONOrTable(events)
			})
		},
	}
	tail.Flags().StringVar(&kind, "entity-kind", "batch", "entity kind (batch, evaluation, report)")
	tail.Flags().StringVar(&id, "entity-id", "", "entity id")
	tail.Flags().IntVar(&n, "n", 20, "number of events")
	_ = tail.MarkFlagRequired("entity-id")
	log.AddCommand(tail)
	return log
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	var noScheduler bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server (with the emission scheduler)",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			conn, err := db.Open(db.Config{Workspace: workspace})
			if err != nil {
				return err
			}
			defer conn.Close()
			if err := migrate.Migrate(conn); err != nil {
				return err
			}
			r := repo.Repo{DB: conn}
			_, cfg, err := app.ResolveTenantAndConfig(cmd.Context(), viper.GetString("tenant"), viper.GetString("actor-id"), r)
			if err != nil {
				return err
			}
			e := engine.New(conn, cfg, workspace)
			authCfg := server.AuthConfig{JWTSecret: os.Getenv("BATCHSEAL_JWT_SECRET")}
			if authCfg.JWTSecret == "" {
				return fmt.Errorf("BATCHSEAL_JWT_SECRET is required for bearer auth")
			}
			handler, err := server.New(server.Config{Engine: e, BasePath: basePath, Auth: authCfg})
			if err != nil {
				return err
			}
			if !noScheduler {
				go scheduler.New(e).Run(cmd.Context())
			}
			srv := &http.Server{Addr: addr, Handler: handler}
			go func() {
				<-cmd.Context().Done()
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(ctx)
			}()
			fmt.Printf("Serving Batchseal API on http://%s%s (OpenAPI at /openapi.json, Swagger UI at /docs)\n", addr, basePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	cmd.Flags().BoolVar(&noScheduler, "no-scheduler", false, "disable the in-process emission scheduler")
	return cmd
}

func workerCmd() *cobra.Command {
	var interval time.Duration
	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Run only the emission scheduler",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				s := scheduler.New(e)
				s.Interval = interval
				fmt.Printf("Running emission scheduler every %s\n", interval)
				s.Run(ctx)
				return nil
			})
		},
	}
	cmd.Flags().DurationVar(&interval, "interval", scheduler.DefaultInterval, "scheduler tick interval")
	return cmd
}

// --- helpers ---

func withEngine(ctx context.Context, fn func(context.Context, engine.Engine) error) error {
	workspace := viper.GetString("workspace")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	r := repo.Repo{DB: conn}
	_, cfg, err := app.ResolveTenantAndConfig(ctx, viper.GetString("tenant"), viper.GetString("actor-id"), r)
	if err != nil {
		return err
	}
	e := engine.New(conn, cfg, workspace)
	return fn(ctx, e)
}

func withRepo(ctx context.Context, fn func(context.Context, repo.Repo) error) error {
	workspace := viper.GetString("workspace")
	conn, err := db.Open(db.Config{Workspace: workspace})
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

func parseBatchID(arg string) (int64, error) {
	id, err := strconv.ParseInt(strings.TrimSpace(arg), 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid batch id %q", arg)
	}
	return id, nil
}
