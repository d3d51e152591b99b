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

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"goalline/internal/config"
	"goalline/internal/db"
	"goalline/internal/domain"
	"goalline/internal/engine"
	"goalline/internal/migrate"
	"goalline/internal/observer"
	"goalline/internal/repo"
	"goalline/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "gl",
	Short: "Goalline CLI",
	Long: `Goalline tracks hierarchical goals through a typed lifecycle.
- Goals: units of work with a type (achievable, continuous, directional,
  exploratory, meta) and a completion mode (manual, aggregate, automatic).
- Statuses move pending -> active -> ... through a closed transition table;
  done, frozen and permanent are terminal.
- Continuous goals never finish: they settle as ongoing. Directional goals
  settle as permanent.
- Manual-mode goals reach done only through an explicit completion approval
  ('gl goal approve'), recorded once per goal.
- Every transition attempt, applied or blocked, lands in the audit history
  ('gl goal history'); 'gl audit scan' checks stored state for drift.`,
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
	viper.SetEnvPrefix("GOALLINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local-user", "actor identifier")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor-id", rootCmd.PersistentFlags().Lookup("actor-id"))
}

func registerCommands() {
	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(goalCmd())
	rootCmd.AddCommand(auditCmd())
	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(serveCmd())
}

func initCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Initialize workspace database and config",
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
			cfgPath := config.Path(workspace)
			if _, err := os.Stat(cfgPath); os.IsNotExist(err) {
				if err := os.WriteFile(cfgPath, []byte(config.GenerateDefault()), 0o644); err != nil {
					return err
				}
				fmt.Printf("Wrote %s\n", cfgPath)
			}
			fmt.Printf("Initialized %s\n", db.Path(workspace))
			return nil
		},
	}
}

func goalCmd() *cobra.Command {
	goal := &cobra.Command{Use: "goal", Short: "Manage goals"}
	goal.AddCommand(goalCreateCmd())
	goal.AddCommand(goalShowCmd())
	goal.AddCommand(goalListCmd())
	goal.AddCommand(goalTreeCmd())
	goal.AddCommand(goalTransitionCmd())
	goal.AddCommand(goalBulkCmd())
	goal.AddCommand(goalApproveCmd())
	goal.AddCommand(goalHistoryCmd())
	return goal
}

func goalCreateCmd() *cobra.Command {
	var id, typ, mode, parent, description string
	var atomic bool
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a goal in pending state",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				rec, err := e.CreateGoal(ctx, engine.GoalCreateOptions{
					ID:          id,
					Type:        domain.GoalType(typ),
					Mode:        domain.CompletionMode(mode),
					ParentID:    parent,
					Description: description,
					IsAtomic:    atomic,
					Actor:       viper.GetString("actor-id"),
				})
				if err != nil {
					return err
				}
				return printJSON(rec)
			})
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "goal id (generated when empty)")
	cmd.Flags().StringVar(&typ, "type", "achievable", "goal type (achievable, continuous, directional, exploratory, meta)")
	cmd.Flags().StringVar(&mode, "mode", "", "completion mode (manual, aggregate, automatic); defaults per type from config")
	cmd.Flags().StringVar(&parent, "parent", "", "parent goal id")
	cmd.Flags().StringVar(&description, "description", "", "description")
	cmd.Flags().BoolVar(&atomic, "atomic", false, "mark goal as atomic")
	return cmd
}

func goalShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Show a goal",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				rec, err := r.GetGoal(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSON(rec)
			})
		},
	}
}

func goalListCmd() *cobra.Command {
	var status, typ, parent string
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List goals",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListGoals(ctx, repo.GoalFilters{
					Status:   status,
					GoalType: typ,
					ParentID: parent,
					Limit:    limit,
				})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				renderGoalsTable(items)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "status filter")
	cmd.Flags().StringVar(&typ, "type", "", "goal type filter")
	cmd.Flags().StringVar(&parent, "parent", "", "parent goal id filter")
	cmd.Flags().IntVar(&limit, "limit", 0, "max results")
	return cmd
}

func goalTreeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "tree",
		Short: "Print the goal hierarchy",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListGoals(ctx, repo.GoalFilters{})
				if err != nil {
					return err
				}
				children := map[string][]domain.Record{}
				var roots []domain.Record
				for _, g := range items {
					if g.ParentID != nil {
						children[*g.ParentID] = append(children[*g.ParentID], g)
					} else {
						roots = append(roots, g)
					}
				}
				for i, root := range roots {
					printGoalTree(root, children, "", i == len(roots)-1)
				}
				return nil
			})
		},
	}
}

func goalTransitionCmd() *cobra.Command {
	var to, reason string
	var artifacts bool
	cmd := &cobra.Command{
		Use:   "transition <id>",
		Short: "Request a status transition",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if to == "" {
				return fmt.Errorf("--to required")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				res, err := e.Transition(ctx, engine.TransitionRequest{
					GoalID:         args[0],
					To:             domain.Status(to),
					Reason:         reason,
					ArtifactsAdded: artifacts,
				}, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSON(res)
			})
		},
	}
	cmd.Flags().StringVar(&to, "to", "", "target status")
	cmd.Flags().StringVar(&reason, "reason", "", "reason recorded in the audit log")
	cmd.Flags().BoolVar(&artifacts, "artifacts-added", false, "assert artifacts exist (incomplete -> done)")
	return cmd
}

func goalBulkCmd() *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "bulk",
		Short: "Apply many transitions from a JSON file in one transaction",
		RunE: func(cmd *cobra.Command, args []string) error {
			if file == "" {
				return fmt.Errorf("--file required")
			}
			data, err := os.ReadFile(file)
			if err != nil {
				return err
			}
			var reqs []engine.TransitionRequest
			if err := json.Unmarshal(data, &reqs); err != nil {
				return fmt.Errorf("parse %s: %w", file, err)
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				res, err := e.TransitionMany(ctx, reqs, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSON(res)
			})
		},
	}
	cmd.Flags().StringVar(&file, "file", "", "JSON file with an array of transition requests")
	return cmd
}

func goalApproveCmd() *cobra.Command {
	var by, comment string
	var level int
	cmd := &cobra.Command{
		Use:   "approve <id>",
		Short: "Approve manual completion of a goal",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if by == "" {
				by = viper.GetString("actor-id")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				approval, err := e.ApproveCompletion(ctx, engine.ApprovalRequest{
					GoalID:         args[0],
					ApprovedBy:     by,
					AuthorityLevel: level,
					Comment:        comment,
				})
				if err != nil {
					return err
				}
				return printJSON(approval)
			})
		},
	}
	cmd.Flags().StringVar(&by, "by", "", "approver (defaults to --actor-id)")
	cmd.Flags().IntVar(&level, "level", 1, "authority level")
	cmd.Flags().StringVar(&comment, "comment", "", "approval comment")
	return cmd
}

func goalHistoryCmd() *cobra.Command {
	var n int
	cmd := &cobra.Command{
		Use:   "history <id>",
		Short: "Show transition audit history",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListTransitions(ctx, args[0], n)
				if err != nil {
					return err
				}
				return printJSON(items)
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 50, "number of entries")
	return cmd
}

func auditCmd() *cobra.Command {
	audit := &cobra.Command{Use: "audit", Short: "Audit persisted state"}
	audit.AddCommand(&cobra.Command{
		Use:   "scan",
		Short: "Scan for invariant drift",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				findings, err := observer.New(r.DB).Scan(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(findings)
				}
				renderFindingsTable(findings)
				return nil
			})
		},
	})
	return audit
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Goal counts by status",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				counts, err := r.CountGoalsByStatus(ctx)
				if err != nil {
					return err
				}
				return printJSON(counts)
			})
		},
	}
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	var allowActorHeader bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
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
			cfg, err := config.LoadOrDefault(workspace)
			if err != nil {
				return err
			}
			e := engine.New(conn, cfg)
			authCfg := server.AuthConfig{
				JWTSecret:              os.Getenv("GOALLINE_JWT_SECRET"),
				AllowLegacyActorHeader: allowActorHeader,
			}
			if authCfg.JWTSecret == "" && !allowActorHeader {
				return fmt.Errorf("GOALLINE_JWT_SECRET is required for bearer auth (or pass --allow-actor-header for local use)")
			}
			handler, err := server.New(server.Config{Engine: e, BasePath: basePath, Auth: authCfg})
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
			fmt.Printf("Serving Goalline API on http://%s%s (OpenAPI at %s/openapi.json)\n", addr, basePath, basePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	cmd.Flags().BoolVar(&allowActorHeader, "allow-actor-header", false, "accept X-Actor-Id without auth (local/dev)")
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
	cfg, err := config.LoadOrDefault(workspace)
	if err != nil {
		return err
	}
	return fn(ctx, engine.New(conn, cfg))
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

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func renderGoalsTable(items []domain.Record) {
	t := table.NewWriter()
	t.SetOutputMirror(os.Stdout)
	t.AppendHeader(table.Row{"ID", "TYPE", "MODE", "STATUS", "PARENT", "PROGRESS", "UPDATED"})
	for _, g := range items {
		parent := ""
		if g.ParentID != nil {
			parent = *g.ParentID
		}
		t.AppendRow(table.Row{g.ID, g.GoalType, g.CompletionMode, g.Status, parent, fmt.Sprintf("%.0f%%", g.Progress*100), g.UpdatedAt})
	}
	t.Render()
}

func renderFindingsTable(findings []observer.Finding) {
	if len(findings) == 0 {
		fmt.Println("no findings")
		return
	}
	t := table.NewWriter()
	t.SetOutputMirror(os.Stdout)
	t.AppendHeader(table.Row{"SEVERITY", "CHECK", "GOAL", "DETAIL"})
	for _, f := range findings {
		t.AppendRow(table.Row{f.Severity, f.Check, f.GoalID, f.Detail})
	}
	t.Render()
}

func printGoalTree(g domain.Record, children map[string][]domain.Record, prefix string, last bool) {
	connector := "├── "
	newPrefix := prefix + "│   "
	if last {
		connector = "└── "
		newPrefix = prefix + "    "
	}
	label := g.Description
	if label == "" {
		label = g.ID
	}
	fmt.Printf("%s%s%s [%s/%s]\n", prefix, connector, label, g.GoalType, g.Status)
	for i, c := range children[g.ID] {
		printGoalTree(c, children, newPrefix, i == len(children[g.ID])-1)
	}
}
