package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"controlroom/internal/app"
	"controlroom/internal/audit"
	"controlroom/internal/budget"
	"controlroom/internal/config"
	"controlroom/internal/db"
	"controlroom/internal/engine"
	"controlroom/internal/repo"
	"controlroom/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "cr",
	Short: "Controlroom CLI",
	Long: `Controlroom runs a project's pre-flight validation sequence, shows whether the
project is ready to ship, and keeps agent spend inside its budget.
- Workspace: a .controlroom directory holding the SQLite database.
- Project: owns a config (runner, tabs, safety categories, budget) and its last validation snapshot.
- Validation run: the external runner streams check results; the run ends ready or blocked.
- Budget: spend is recorded per phase, agent and item; warning, critical and exceeded levels raise alerts.
- Audit log: every run, alert and budget change, view with 'cr audit tail'.`,
	SilenceUsage: true,
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("CONTROLROOM")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
	if viper.GetBool("no-color") {
		color.NoColor = true
	}
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local-user", "actor identifier")
	rootCmd.PersistentFlags().String("project", "", "project id")
	rootCmd.PersistentFlags().Bool("no-color", false, "disable colored output")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor-id", rootCmd.PersistentFlags().Lookup("actor-id"))
	_ = viper.BindPFlag("project", rootCmd.PersistentFlags().Lookup("project"))
	_ = viper.BindPFlag("no-color", rootCmd.PersistentFlags().Lookup("no-color"))
}

func registerCommands() {
	rootCmd.AddCommand(projectCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(validateCmd())
	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(budgetCmd())
	rootCmd.AddCommand(auditCmd())
	rootCmd.AddCommand(apikeyCmd())
	rootCmd.AddCommand(tokenCmd())
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(remoteCmd())
}

func projectCmd() *cobra.Command {
	prj := &cobra.Command{Use: "project", Short: "Manage projects"}
	prj.AddCommand(projectListCmd())
	prj.AddCommand(projectCreateCmd())
	return prj
}

func projectListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List projects",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Repo.ListProjects(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"ID", "Description", "Created"})
				for _, p := range items {
					tw.AppendRow(table.Row{p.ID, p.Description, p.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func projectCreateCmd() *cobra.Command {
	var id, desc string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create project with the default config",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				p, err := e.CreateProject(ctx, id, desc, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSON(p)
			})
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "project id")
	cmd.Flags().StringVar(&desc, "description", "", "description")
	_ = cmd.MarkFlagRequired("id")
	return cmd
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{Use: "config", Short: "Manage project config"}
	cfg.AddCommand(configShowCmd())
	cfg.AddCommand(configImportCmd())
	cfg.AddCommand(configInitCmd())
	return cfg
}

func configShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Show project config stored in DB",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withProject(cmd.Context(), func(ctx context.Context, e engine.Engine, projectID string, cfg *config.Config) error {
				if viper.GetBool("json") {
					return printJSON(cfg)
				}
				data, err := cfg.ToYAML()
				if err != nil {
					return err
				}
				fmt.Print(string(data))
				return nil
			})
		},
	}
}

func configImportCmd() *cobra.Command {
	var filePath string
	cmd := &cobra.Command{
		Use:   "import",
		Short: "Import project config from YAML into the DB",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.FromFile(filePath)
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if _, err := e.Repo.GetProject(ctx, cfg.Project.ID); errors.Is(err, repo.ErrNotFound) {
					if _, err := e.CreateProject(ctx, cfg.Project.ID, "", viper.GetString("actor-id")); err != nil {
						return err
					}
				} else if err != nil {
					return err
				}
				if err := e.ImportConfig(ctx, cfg.Project.ID, cfg); err != nil {
					return err
				}
				fmt.Printf("Imported config for %s\n", cfg.Project.ID)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&filePath, "file", config.FileName, "path to YAML config")
	return cmd
}

func configInitCmd() *cobra.Command {
	var id string
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default controlroom.yml into the workspace",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.Path(viper.GetString("workspace"))
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists; use --force to overwrite", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault(id)), 0o644); err != nil {
				return err
			}
			fmt.Printf("Wrote %s\n", path)
			return nil
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "project id")
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")
	_ = cmd.MarkFlagRequired("id")
	return cmd
}

func validateCmd() *cobra.Command {
	var params []string
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Run the validation sequence and wait for the verdict",
		RunE: func(cmd *cobra.Command, args []string) error {
			overrides, err := parseKeyValues(params)
			if err != nil {
				return err
			}
			return withProject(cmd.Context(), func(ctx context.Context, e engine.Engine, projectID string, _ *config.Config) error {
				v, runErr := e.Validate(ctx, engine.ValidateOptions{
					ProjectID: projectID,
					Config:    overrides,
					ActorID:   viper.GetString("actor-id"),
					ActorType: audit.ActorUser,
				})
				var fe *engine.FeedError
				if runErr != nil && !errors.As(runErr, &fe) {
					return runErr
				}
				if viper.GetBool("json") {
					if err := printJSON(v); err != nil {
						return err
					}
				} else {
					renderView(os.Stdout, v)
				}
				return runErr
			})
		},
	}
	cmd.Flags().StringArrayVar(&params, "set", nil, "runner parameter key=value (repeatable)")
	return cmd
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the readiness board",
		Long:  "Shows the last known run, category and tab rollups, the readiness verdict and budget level.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withProject(cmd.Context(), func(ctx context.Context, e engine.Engine, projectID string, _ *config.Config) error {
				v, err := e.Readiness(ctx, projectID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(v)
				}
				renderView(os.Stdout, v)
				return nil
			})
		},
	}
}

func budgetCmd() *cobra.Command {
	b := &cobra.Command{Use: "budget", Short: "Inspect and govern spend"}
	b.AddCommand(budgetStatusCmd())
	b.AddCommand(budgetSetCmd())
	b.AddCommand(budgetSpendCmd())
	b.AddCommand(budgetResetCmd())
	return b
}

func budgetStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Evaluate the budget",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withProject(cmd.Context(), func(ctx context.Context, e engine.Engine, projectID string, _ *config.Config) error {
				st, err := e.BudgetStatus(ctx, projectID)
				if err != nil {
					return err
				}
				return printBudget(st)
			})
		},
	}
}

func budgetSetCmd() *cobra.Command {
	var (
		projectBudget, phaseBudget, defaultAgent float64
		warning, critical, autoPause             float64
		pauseOnCritical, anomaly                 bool
		agents                                   []string
	)
	cmd := &cobra.Command{
		Use:   "set",
		Short: "Change budget ceilings and thresholds",
		Long:  "Only flags that are given change. --agent name=amount sets one agent ceiling; a negative amount removes it.",
		RunE: func(cmd *cobra.Command, args []string) error {
			f := cmd.Flags()
			var patch budget.Patch
			if f.Changed("project-budget") {
				patch.ProjectBudget = &projectBudget
			}
			if f.Changed("phase-budget") {
				patch.PhaseBudget = &phaseBudget
			}
			if f.Changed("default-agent-budget") {
				patch.DefaultAgentBudget = &defaultAgent
			}
			if f.Changed("pause-on-critical") {
				patch.PauseOnCritical = &pauseOnCritical
			}
			if f.Changed("warning") || f.Changed("critical") || f.Changed("auto-pause") {
				patch.Thresholds = &budget.ThresholdsPatch{}
				if f.Changed("warning") {
					patch.Thresholds.Warning = &warning
				}
				if f.Changed("critical") {
					patch.Thresholds.Critical = &critical
				}
				if f.Changed("auto-pause") {
					patch.Thresholds.AutoPause = &autoPause
				}
			}
			if f.Changed("anomaly") {
				patch.Anomaly = &budget.AnomalyPatch{Enabled: &anomaly}
			}
			if len(agents) > 0 {
				kv, err := parseKeyValues(agents)
				if err != nil {
					return err
				}
				patch.AgentBudgets = make(map[string]float64, len(kv))
				for name, raw := range kv {
					v, err := strconv.ParseFloat(raw, 64)
					if err != nil {
						return fmt.Errorf("invalid --agent amount for %s: %w", name, err)
					}
					patch.AgentBudgets[name] = v
				}
			}
			return withProject(cmd.Context(), func(ctx context.Context, e engine.Engine, projectID string, _ *config.Config) error {
				st, err := e.SetBudgetConfig(ctx, projectID, patch, viper.GetString("actor-id"), audit.ActorUser)
				if err != nil {
					return err
				}
				return printBudget(st)
			})
		},
	}
	f := cmd.Flags()
	f.Float64Var(&projectBudget, "project-budget", 0, "project ceiling (0 = unlimited)")
	f.Float64Var(&phaseBudget, "phase-budget", 0, "per-phase ceiling (0 = unlimited)")
	f.Float64Var(&defaultAgent, "default-agent-budget", 0, "ceiling for agents without their own")
	f.StringArrayVar(&agents, "agent", nil, "agent ceiling name=amount (repeatable)")
	f.Float64Var(&warning, "warning", 0, "warning threshold fraction")
	f.Float64Var(&critical, "critical", 0, "critical threshold fraction")
	f.Float64Var(&autoPause, "auto-pause", 0, "exceeded threshold fraction")
	f.BoolVar(&pauseOnCritical, "pause-on-critical", false, "block readiness at critical")
	f.BoolVar(&anomaly, "anomaly", false, "enable spend anomaly detection")
	return cmd
}

func budgetSpendCmd() *cobra.Command {
	var opts engine.SpendOptions
	cmd := &cobra.Command{
		Use:   "spend",
		Short: "Record spend",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withProject(cmd.Context(), func(ctx context.Context, e engine.Engine, projectID string, _ *config.Config) error {
				opts.ProjectID = projectID
				opts.ActorID = viper.GetString("actor-id")
				st, err := e.RecordSpend(ctx, opts)
				if err != nil {
					return err
				}
				return printBudget(st)
			})
		},
	}
	cmd.Flags().StringVar(&opts.Phase, "phase", "", "phase name")
	cmd.Flags().StringVar(&opts.Agent, "agent", "", "agent name")
	cmd.Flags().StringVar(&opts.Item, "item", "", "item name")
	cmd.Flags().Float64Var(&opts.Amount, "amount", 0, "amount spent")
	_ = cmd.MarkFlagRequired("amount")
	return cmd
}

func budgetResetCmd() *cobra.Command {
	var scope string
	cmd := &cobra.Command{
		Use:   "reset",
		Short: "Clear alerted levels so scopes alert again",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withProject(cmd.Context(), func(ctx context.Context, e engine.Engine, projectID string, _ *config.Config) error {
				st, err := e.ResetBudgetAlerts(ctx, projectID, scope, viper.GetString("actor-id"), audit.ActorUser)
				if err != nil {
					return err
				}
				return printBudget(st)
			})
		},
	}
	cmd.Flags().StringVar(&scope, "scope", "", "project, phase:<name> or agent:<name>; empty resets all")
	return cmd
}

func auditCmd() *cobra.Command {
	a := &cobra.Command{Use: "audit", Short: "Read the audit log"}
	a.AddCommand(auditTailCmd())
	return a
}

func auditTailCmd() *cobra.Command {
	var n int
	var evtType string
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Show the newest audit entries",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withProject(cmd.Context(), func(ctx context.Context, e engine.Engine, projectID string, _ *config.Config) error {
				items, err := e.Repo.ListAudit(ctx, repo.AuditFilter{ProjectID: projectID, EventType: evtType, Limit: n})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				renderAudit(os.Stdout, items)
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of entries")
	cmd.Flags().StringVar(&evtType, "type", "", "event type filter")
	return cmd
}

func apikeyCmd() *cobra.Command {
	k := &cobra.Command{Use: "apikey", Short: "Manage API keys for agents and runners"}
	k.AddCommand(apikeyCreateCmd())
	k.AddCommand(apikeyListCmd())
	k.AddCommand(apikeyDeleteCmd())
	return k
}

func apikeyCreateCmd() *cobra.Command {
	var actorID, name string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create an API key; the key is shown once",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				plain, key, err := e.Repo.IssueAPIKey(ctx, actorID, name)
				if err != nil {
					return err
				}
				return printJSON(map[string]any{
					"id":       key.ID,
					"actor_id": key.ActorID,
					"name":     key.Name,
					"key":      plain,
				})
			})
		},
	}
	cmd.Flags().StringVar(&actorID, "actor", "", "actor the key authenticates as")
	cmd.Flags().StringVar(&name, "name", "", "label")
	_ = cmd.MarkFlagRequired("actor")
	return cmd
}

func apikeyListCmd() *cobra.Command {
	var actorID string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List API keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				keys, err := e.Repo.ListAPIKeys(ctx, actorID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(keys)
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"ID", "Actor", "Name", "Created"})
				for _, k := range keys {
					tw.AppendRow(table.Row{k.ID, k.ActorID, k.Name, k.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&actorID, "actor", "", "filter by actor")
	return cmd
}

func apikeyDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <id>",
		Short: "Revoke an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return e.Repo.DeleteAPIKey(ctx, args[0])
			})
		},
	}
}

func tokenCmd() *cobra.Command {
	var subject string
	var roles []string
	var ttl time.Duration
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint a bearer token signed with CONTROLROOM_JWT_SECRET",
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := config.LoadRuntime()
			if err != nil {
				return err
			}
			if subject == "" {
				subject = viper.GetString("actor-id")
			}
			token, err := server.SignToken(rt.JWTSecret, subject, roles, ttl)
			if err != nil {
				return err
			}
			fmt.Println(token)
			return nil
		},
	}
	cmd.Flags().StringVar(&subject, "subject", "", "token subject (defaults to --actor-id)")
	cmd.Flags().StringSliceVar(&roles, "roles", nil, "roles claim")
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime (0 = no expiry)")
	return cmd
}

// --- helpers ---

func cliLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
}

func withEngine(ctx context.Context, fn func(context.Context, engine.Engine) error) error {
	conn, err := db.Open(db.Config{Workspace: viper.GetString("workspace")})
	if err != nil {
		return err
	}
	defer conn.Close()
	e := engine.New(conn)
	e.Logger = cliLogger()
	defer e.Close()
	return fn(ctx, e)
}

func withProject(ctx context.Context, fn func(context.Context, engine.Engine, string, *config.Config) error) error {
	return withEngine(ctx, func(ctx context.Context, e engine.Engine) error {
		projectID, cfg, err := app.ResolveProjectAndConfig(ctx, e, viper.GetString("workspace"), viper.GetString("project"), viper.GetString("actor-id"))
		if err != nil {
			return err
		}
		return fn(ctx, e, projectID, cfg)
	})
}

// parseKeyValues turns ["a=1","b=2"] into a map. Later keys win.
func parseKeyValues(items []string) (map[string]string, error) {
	if len(items) == 0 {
		return nil, nil
	}
	out := make(map[string]string, len(items))
	for _, item := range items {
		k, v, ok := strings.Cut(item, "=")
		k = strings.TrimSpace(k)
		if !ok || k == "" {
			return nil, fmt.Errorf("expected key=value, got %q", item)
		}
		out[k] = strings.TrimSpace(v)
	}
	return out, nil
}

func printBudget(st budget.Status) error {
	if viper.GetBool("json") {
		return printJSON(st)
	}
	renderBudget(os.Stdout, st)
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
