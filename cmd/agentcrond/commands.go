package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"AgentCron-Chain/internal/energy"
	"AgentCron-Chain/internal/observability/metrics"
	"AgentCron-Chain/internal/task"
	"AgentCron-Chain/pkg/logger"
)

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the scheduler, periodic jobs and metrics endpoint",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd.Context(), serve)
		},
	}
}

func serve(ctx context.Context, a *app) error {
	log := logger.L()
	a.scheduler.Start(ctx)
	defer a.scheduler.Stop()
	a.jobs.Start(ctx)
	defer a.jobs.Stop()

	errCh := make(chan error, 1)
	if addr := a.cfg.Metrics.Address; addr != "" {
		go func() {
			errCh <- metrics.StartServer(ctx, addr)
		}()
	}

	log.Info("AgentCron 守护进程已启动",
		slog.Duration("tick_interval", a.cfg.Scheduler.TickInterval),
		slog.Int("agents", len(a.cfg.Agents)),
		slog.Any("jobs", a.jobs.Jobs()),
	)

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil && !errors.Is(err, context.Canceled) {
			return fmt.Errorf("指标服务退出: %w", err)
		}
	}
	log.Info("AgentCron 守护进程正在关闭")
	return nil
}

func sweepCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Delete finished one-shot tasks past the retention window",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app) error {
				deleted, err := a.sweeper.Sweep(ctx)
				if err != nil {
					return err
				}
				return printJSONOrTable(map[string]any{"deleted": deleted},
					[]any{"deleted"}, [][]any{{deleted}})
			})
		},
	}
}

func rewardsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "rewards",
		Short: "Apply today's staking rewards once",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app) error {
				ran, err := a.jobs.RunOnce(ctx, jobRewards)
				if err != nil {
					return err
				}
				return printJSONOrTable(map[string]any{"job": jobRewards, "ran": ran},
					[]any{"job", "ran"}, [][]any{{jobRewards, ran}})
			})
		},
	}
}

func energyCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "energy", Short: "Inspect and adjust energy accounts"}

	cmd.AddCommand(&cobra.Command{
		Use:   "balance <account>",
		Short: "Show an account",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app) error {
				account, err := a.ledger.Account(ctx, args[0])
				if err != nil {
					return err
				}
				return printAccount(account)
			})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "credit <account> <amount>",
		Short: "Grant energy manually",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			amount, err := parseAmount(args[1])
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app) error {
				balance, err := a.ledger.Credit(ctx, args[0], amount, energy.SourceManual)
				if err != nil {
					return err
				}
				return printJSONOrTable(map[string]any{"account_id": args[0], "balance": balance},
					[]any{"account", "balance"}, [][]any{{args[0], balance}})
			})
		},
	})

	stakeRun := func(unstake bool) func(*cobra.Command, []string) error {
		return func(cmd *cobra.Command, args []string) error {
			amount, err := parseAmount(args[1])
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app) error {
				var res energy.StakeResult
				if unstake {
					res, err = a.ledger.Unstake(ctx, args[0], amount)
				} else {
					res, err = a.ledger.Stake(ctx, args[0], amount)
				}
				if err != nil {
					return err
				}
				return printJSONOrTable(res,
					[]any{"account", "balance", "staked"}, [][]any{{args[0], res.Balance, res.Staked}})
			})
		}
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "stake <account> <amount>",
		Short: "Stake tokens and receive the energy bonus",
		Args:  cobra.ExactArgs(2),
		RunE:  stakeRun(false),
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "unstake <account> <amount>",
		Short: "Reduce the staked amount",
		Args:  cobra.ExactArgs(2),
		RunE:  stakeRun(true),
	})

	history := &cobra.Command{
		Use:   "history <account>",
		Short: "List ledger transactions, newest first",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			limit, _ := cmd.Flags().GetInt("limit")
			offset, _ := cmd.Flags().GetInt("offset")
			return withApp(cmd.Context(), func(ctx context.Context, a *app) error {
				txs, err := a.ledger.History(ctx, args[0], limit, offset)
				if err != nil {
					return err
				}
				rows := make([][]any, 0, len(txs))
				for _, tx := range txs {
					rows = append(rows, []any{formatTime(tx.CreatedAt), tx.Direction, tx.Amount, tx.Source, tx.BalanceAfter, tx.ReferenceID})
				}
				return printJSONOrTable(txs,
					[]any{"time", "direction", "amount", "source", "balance_after", "reference"}, rows)
			})
		},
	}
	history.Flags().Int("limit", 20, "maximum rows")
	history.Flags().Int("offset", 0, "rows to skip")
	cmd.AddCommand(history)

	return cmd
}

func taskCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "task", Short: "Manage scheduled agent tasks"}

	create := &cobra.Command{
		Use:   "create",
		Short: "Create a recurring or one-shot task",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			flags := cmd.Flags()
			req := task.CreateRequest{}
			req.ID, _ = flags.GetString("id")
			req.Owner, _ = flags.GetString("owner")
			req.AgentID, _ = flags.GetString("agent")
			req.Name, _ = flags.GetString("name")
			req.Input, _ = flags.GetString("input")
			req.Schedule, _ = flags.GetString("schedule")
			req.Tags, _ = flags.GetStringSlice("tag")
			if at, _ := flags.GetString("at"); at != "" {
				parsed, err := time.Parse(time.RFC3339, at)
				if err != nil {
					return fmt.Errorf("--at 需要 RFC3339 时间: %w", err)
				}
				req.ExecutionTime = &parsed
			}
			if flags.Changed("cost") {
				cost, _ := flags.GetInt64("cost")
				req.EnergyCost = &cost
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app) error {
				created, err := a.service.Create(ctx, req)
				if err != nil {
					return err
				}
				return printTasks(created)
			})
		},
	}
	create.Flags().String("id", "", "explicit task id")
	create.Flags().String("owner", "", "owning account")
	create.Flags().String("agent", "", "agent id")
	create.Flags().String("name", "", "display name")
	create.Flags().String("input", "", "payload passed to the agent")
	create.Flags().String("schedule", "", "five-field cron expression")
	create.Flags().String("at", "", "one-shot execution time (RFC3339)")
	create.Flags().Int64("cost", 0, "energy cost per execution")
	create.Flags().StringSlice("tag", nil, "tags")
	cmd.AddCommand(create)

	list := &cobra.Command{
		Use:   "list",
		Short: "List tasks",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			flags := cmd.Flags()
			var opts []task.ListOption
			if owner, _ := flags.GetString("owner"); owner != "" {
				opts = append(opts, task.WithOwner(owner))
			}
			if agentID, _ := flags.GetString("agent"); agentID != "" {
				opts = append(opts, task.WithAgent(agentID))
			}
			if flags.Changed("active") {
				active, _ := flags.GetBool("active")
				opts = append(opts, task.WithActive(active))
			}
			if limit, _ := flags.GetInt("limit"); limit > 0 {
				opts = append(opts, task.WithLimit(limit))
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app) error {
				tasks, err := a.service.List(ctx, opts...)
				if err != nil {
					return err
				}
				return printTasks(tasks...)
			})
		},
	}
	list.Flags().String("owner", "", "filter by owner")
	list.Flags().String("agent", "", "filter by agent")
	list.Flags().Bool("active", false, "only active (true) or inactive (false) tasks")
	list.Flags().Int("limit", 0, "maximum rows")
	cmd.AddCommand(list)

	cmd.AddCommand(&cobra.Command{
		Use:   "get <id>",
		Short: "Show a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app) error {
				t, err := a.service.Get(ctx, args[0])
				if err != nil {
					return err
				}
				return printTasks(t)
			})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "run <id>",
		Short: "Execute a task immediately",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app) error {
				t, err := a.service.RunNow(ctx, args[0])
				if t != nil {
					if perr := printTasks(t); perr != nil {
						return perr
					}
				}
				return err
			})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "delete <id>",
		Short: "Delete a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app) error {
				return a.service.Delete(ctx, args[0])
			})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "stats",
		Short: "Summarise tasks",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app) error {
				stats, err := a.service.Stats(ctx)
				if err != nil {
					return err
				}
				next := ""
				if stats.NextExecution != nil {
					next = formatTime(*stats.NextExecution)
				}
				return printJSONOrTable(stats,
					[]any{"total", "active", "recurring", "pending", "succeeded", "failed", "executions", "next"},
					[][]any{{stats.Total, stats.Active, stats.Recurring, stats.Pending, stats.Succeeded, stats.Failed, stats.TotalExecutions, next}})
			})
		},
	})

	return cmd
}

func parseAmount(raw string) (int64, error) {
	amount, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || amount <= 0 {
		return 0, fmt.Errorf("数量必须是正整数: %q", raw)
	}
	return amount, nil
}
