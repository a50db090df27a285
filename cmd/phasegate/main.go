package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"phasegate/internal/app"
	"phasegate/internal/config"
	"phasegate/internal/db"
)

var version = "dev"

var rootCmd = &cobra.Command{
	Use:   "phasegate",
	Short: "Phase-gated task approvals",
	Long: `phasegate moves tasks through a fixed lifecycle:
requirement_refiner -> design_guidance -> build_guidance -> acceptance_criteria -> deployment -> closed.

The assignee requests validation when a phase is done. An approver (team lead,
manager or executive) approves, which advances the task one phase, or rejects
with a reason, which sends it back to work in the same phase. Every decision is
written to an append-only ledger.

Workspace: phasegate.yml plus a .phasegate directory holding the SQLite database.`,
	SilenceUsage: true,
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
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("PHASEGATE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "", "acting actor id (directory entry)")
	rootCmd.PersistentFlags().String("log-level", "", "override log.level (debug, info, warn, error)")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor-id", rootCmd.PersistentFlags().Lookup("actor-id"))
	_ = viper.BindPFlag("log-level", rootCmd.PersistentFlags().Lookup("log-level"))
}

func registerCommands() {
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(actorCmd())
	rootCmd.AddCommand(taskCmd())
	rootCmd.AddCommand(queueCmd())
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(tokenCmd())
	rootCmd.AddCommand(keyCmd())
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{
		Use:   "config",
		Short: "Inspect workspace config",
		Long:  "Config lives in phasegate.yml at the workspace root: organization, gate scope and approver roles, queue strategy, store tuning, webhooks, logging and telemetry.",
	}
	cfg.AddCommand(configShowCmd())
	cfg.AddCommand(configValidateCmd())
	cfg.AddCommand(configInitCmd())
	return cfg
}

func configShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show loaded config (defaults when phasegate.yml is absent)",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadOrDefault(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(cfg)
			}
			out, err := yaml.Marshal(cfg)
			if err != nil {
				return err
			}
			fmt.Print(string(out))
			return nil
		},
	}
	return cmd
}

func configValidateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate phasegate.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := config.Load(viper.GetString("workspace"))
			if viper.GetBool("json") {
				msg := ""
				if err != nil {
					msg = err.Error()
				}
				return printJSON(map[string]any{"ok": err == nil, "error": msg})
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

func configInitCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default phasegate.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.Path(viper.GetString("workspace"))
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists; use --force to overwrite", path)
			} else if err != nil && !errors.Is(err, os.ErrNotExist) {
				return err
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
				return err
			}
			fmt.Println("wrote", path)
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")
	return cmd
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply schema migrations to the workspace database",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				if viper.GetBool("json") {
					return printJSON(map[string]any{"schema_version": a.SchemaVersion, "path": db.Path(a.Workspace)})
				}
				fmt.Printf("schema version %d (%s)\n", a.SchemaVersion, db.Path(a.Workspace))
				return nil
			})
		},
	}
	return cmd
}

// --- helpers ---

func withApp(ctx context.Context, fn func(context.Context, *app.App) error) error {
	a, err := app.Open(ctx, app.Options{
		Workspace: viper.GetString("workspace"),
		LogLevel:  viper.GetString("log-level"),
		Version:   version,
	})
	if err != nil {
		return err
	}
	defer a.Close(context.WithoutCancel(ctx))
	return fn(ctx, a)
}

func requireActor() (string, error) {
	id := strings.TrimSpace(viper.GetString("actor-id"))
	if id == "" {
		return "", errors.New("--actor-id (or PHASEGATE_ACTOR_ID) is required")
	}
	return id, nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
