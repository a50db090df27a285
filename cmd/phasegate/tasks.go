package main

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"phasegate/internal/app"
	"phasegate/internal/db"
	"phasegate/internal/domain"
	"phasegate/internal/engine"
	"phasegate/internal/repo"
	"phasegate/internal/watch"
)

func actorCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "actor",
		Short: "Maintain the actor directory",
		Long:  "Actors carry a display name, a role (employee, team_lead, manager, executive) and an organization. With --actor-id the caller must be an executive; without it the entry is written directly, which is how a fresh workspace is bootstrapped.",
	}
	cmd.AddCommand(actorPutCmd())
	cmd.AddCommand(actorListCmd())
	return cmd
}

func actorPutCmd() *cobra.Command {
	var a domain.Actor
	var role string
	cmd := &cobra.Command{
		Use:   "put <id>",
		Short: "Create or replace a directory entry",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a.ID = args[0]
			a.Role = domain.Role(role)
			return withApp(cmd.Context(), func(ctx context.Context, ap *app.App) error {
				var saved domain.Actor
				var err error
				if caller := viper.GetString("actor-id"); caller != "" {
					saved, err = ap.Engine.PutActor(ctx, caller, a)
				} else {
					saved, err = ap.Engine.SaveActor(ctx, a)
				}
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(saved)
				}
				renderActors([]domain.Actor{saved})
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&a.DisplayName, "name", "", "display name")
	cmd.Flags().StringVar(&role, "role", string(domain.RoleEmployee), "employee, team_lead, manager or executive")
	cmd.Flags().StringVar(&a.OrgID, "org", "", "organization id (defaults to org.id)")
	return cmd
}

func actorListCmd() *cobra.Command {
	var orgID string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List directory entries",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, ap *app.App) error {
				actors, err := ap.Engine.Repo.ListActors(ctx, orgID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					if actors == nil {
						actors = []domain.Actor{}
					}
					return printJSON(actors)
				}
				renderActors(actors)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&orgID, "org", "", "organization filter")
	return cmd
}

func taskCmd() *cobra.Command {
	task := &cobra.Command{
		Use:   "task",
		Short: "Create tasks and move them through phases",
	}
	task.AddCommand(taskCreateCmd())
	task.AddCommand(taskGetCmd())
	task.AddCommand(taskListCmd())
	task.AddCommand(taskRequestCmd())
	task.AddCommand(taskApproveCmd())
	task.AddCommand(taskRejectCmd())
	task.AddCommand(taskHistoryCmd())
	return task
}

func taskCreateCmd() *cobra.Command {
	var opts engine.TaskCreateOptions
	var phase string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a task",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.Phase = domain.Phase(phase)
			return withApp(cmd.Context(), func(ctx context.Context, ap *app.App) error {
				t, err := ap.Engine.CreateTask(ctx, opts)
				if err != nil {
					return err
				}
				return printTask(t)
			})
		},
	}
	cmd.Flags().StringVar(&opts.ID, "id", "", "task id (generated when empty)")
	cmd.Flags().StringVar(&opts.Title, "title", "", "task title")
	cmd.Flags().StringVar(&opts.Description, "description", "", "task description")
	cmd.Flags().StringVar(&opts.AssignedTo, "assignee", "", "assignee actor id")
	cmd.Flags().StringVar(&opts.OrgID, "org", "", "organization id (defaults to org.id)")
	cmd.Flags().StringVar(&phase, "phase", "", "starting phase (defaults to requirement_refiner)")
	return cmd
}

func taskGetCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "get <id>",
		Short: "Get task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
			return withApp(cmd.Context(), func(ctx context.Context, ap *app.App) error {
				t, err := ap.Engine.GetTask(ctx, id)
				if err != nil {
					return err
				}
				return printTask(t)
			})
		},
	}
	return cmd
}

func taskListCmd() *cobra.Command {
	var f repo.TaskFilters
	var phase, subState string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List tasks",
		RunE: func(cmd *cobra.Command, args []string) error {
			f.Phase = domain.Phase(phase)
			f.SubState = domain.SubState(subState)
			return withApp(cmd.Context(), func(ctx context.Context, ap *app.App) error {
				tasks, err := ap.Engine.Repo.ListTasks(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					if tasks == nil {
						tasks = []domain.Task{}
					}
					return printJSON(tasks)
				}
				renderTasks(tasks)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.OrgID, "org", "", "organization filter")
	cmd.Flags().StringVar(&phase, "phase", "", "phase filter")
	cmd.Flags().StringVar(&subState, "sub-state", "", "sub-state filter")
	cmd.Flags().StringVar(&f.AssignedTo, "assignee", "", "assignee filter")
	cmd.Flags().IntVar(&f.Limit, "limit", 0, "maximum rows")
	return cmd
}

func taskRequestCmd() *cobra.Command {
	var evidence string
	cmd := &cobra.Command{
		Use:   "request <id>",
		Short: "Submit the current phase for validation (assignee only)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			actorID, err := requireActor()
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), func(ctx context.Context, ap *app.App) error {
				t, err := ap.Engine.RequestValidation(ctx, args[0], actorID, evidence)
				if err != nil {
					return err
				}
				return printTask(t)
			})
		},
	}
	cmd.Flags().StringVar(&evidence, "evidence", "", "reference to the submitted work")
	return cmd
}

func taskApproveCmd() *cobra.Command {
	var comment string
	cmd := &cobra.Command{
		Use:   "approve <id>",
		Short: "Approve the pending phase and advance the task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			actorID, err := requireActor()
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), func(ctx context.Context, ap *app.App) error {
				st, err := ap.Engine.Approve(ctx, args[0], actorID, comment)
				if err != nil {
					return err
				}
				return printState(st)
			})
		},
	}
	cmd.Flags().StringVar(&comment, "comment", "", "optional comment")
	return cmd
}

func taskRejectCmd() *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "reject <id>",
		Short: "Reject the pending phase; the task returns to work in the same phase",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			actorID, err := requireActor()
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), func(ctx context.Context, ap *app.App) error {
				st, err := ap.Engine.Reject(ctx, args[0], actorID, reason)
				if err != nil {
					return err
				}
				return printState(st)
			})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "why the phase is rejected (required)")
	return cmd
}

func taskHistoryCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "history <id>",
		Short: "Show the task's decisions, oldest first",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, ap *app.App) error {
				entries, err := ap.Engine.History(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(entries)
				}
				renderHistory(entries)
				return nil
			})
		},
	}
	return cmd
}

func queueCmd() *cobra.Command {
	var follow bool
	cmd := &cobra.Command{
		Use:   "queue",
		Short: "Show tasks awaiting the acting approver's decision",
		RunE: func(cmd *cobra.Command, args []string) error {
			actorID, err := requireActor()
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), func(ctx context.Context, ap *app.App) error {
				show := func() error {
					items, err := ap.Engine.ValidationQueue(ctx, actorID)
					if err != nil {
						return err
					}
					if viper.GetBool("json") {
						if items == nil {
							items = []domain.QueueItem{}
						}
						return printJSON(items)
					}
					renderQueue(items)
					return nil
				}
				if err := show(); err != nil {
					return err
				}
				if !follow {
					return nil
				}
				dbFile := db.Path(ap.Workspace)
				w := watch.Watcher{
					Dir:    filepath.Dir(dbFile),
					Prefix: filepath.Base(dbFile),
					Logger: ap.Logger,
				}
				return w.Run(ctx, func() {
					if !viper.GetBool("json") {
						fmt.Print("\033[H\033[2J")
					}
					if err := show(); err != nil {
						ap.Logger.WarnContext(ctx, "queue refresh failed", "error", err)
					}
				})
			})
		},
	}
	cmd.Flags().BoolVar(&follow, "watch", false, "re-read the queue whenever the workspace database changes")
	return cmd
}
