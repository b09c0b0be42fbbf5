package cli

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/dwizi/action-governor/internal/config"
	"github.com/dwizi/action-governor/internal/policy"
	"github.com/dwizi/action-governor/internal/quota"
	"github.com/dwizi/action-governor/internal/store"
)

const adminTimeout = 10 * time.Second

func newPlanCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "plan",
		Short: "Inspect and change account subscription tiers",
	}
	cmd.AddCommand(newPlanSetCommand())
	cmd.AddCommand(newPlanShowCommand())
	return cmd
}

func newPlanSetCommand() *cobra.Command {
	var accountID, tier string
	cmd := &cobra.Command{
		Use:   "set",
		Short: "Assign a tier to an account",
		RunE: func(cmd *cobra.Command, args []string) error {
			tier = strings.ToLower(strings.TrimSpace(tier))
			if quota.ParseTier(tier) != quota.Tier(tier) {
				return fmt.Errorf("tier must be one of free, trial, pro (got %q)", tier)
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), adminTimeout)
			defer cancel()
			sqlStore, err := openStore(ctx, config.FromEnv())
			if err != nil {
				return err
			}
			defer sqlStore.Close()

			if err := sqlStore.SetPlan(ctx, accountID, tier); err != nil {
				return err
			}
			cmd.Printf("Account %s is now on tier %s\n", strings.TrimSpace(accountID), tier)
			return nil
		},
	}
	cmd.Flags().StringVar(&accountID, "account", "", "account id")
	cmd.Flags().StringVar(&tier, "tier", "", "tier name: free, trial or pro")
	_ = cmd.MarkFlagRequired("account")
	_ = cmd.MarkFlagRequired("tier")
	return cmd
}

func newPlanShowCommand() *cobra.Command {
	var accountID string
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Print an account's tier and today's usage",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.FromEnv()
			active, err := policy.Load(cfg.PolicyFile)
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), adminTimeout)
			defer cancel()
			sqlStore, err := openStore(ctx, cfg)
			if err != nil {
				return err
			}
			defer sqlStore.Close()

			rawTier, err := sqlStore.GetPlan(ctx, accountID)
			if err != nil {
				return err
			}
			used, err := sqlStore.GetDailyCount(ctx, accountID)
			if err != nil {
				return err
			}
			tier := quota.ParseTier(rawTier)
			cmd.Printf("Account: %s\n", strings.TrimSpace(accountID))
			cmd.Printf("Tier: %s\n", tier)
			cmd.Printf("Used today: %d/%d\n", used, active.QuotaCeilings()[tier])
			return nil
		},
	}
	cmd.Flags().StringVar(&accountID, "account", "", "account id")
	_ = cmd.MarkFlagRequired("account")
	return cmd
}

func newTasksCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tasks",
		Short: "Inspect and cancel scheduled actions",
	}
	cmd.AddCommand(newTasksListCommand())
	cmd.AddCommand(newTasksCancelCommand())
	return cmd
}

func newTasksListCommand() *cobra.Command {
	var (
		accountID string
		status    string
		limit     int
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List scheduled tasks for an account",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), adminTimeout)
			defer cancel()
			sqlStore, err := openStore(ctx, config.FromEnv())
			if err != nil {
				return err
			}
			defer sqlStore.Close()

			tasks, err := sqlStore.ListScheduledTasks(ctx, store.ListScheduledTasksInput{
				AccountID: accountID,
				Status:    status,
				Limit:     limit,
			})
			if err != nil {
				return err
			}
			if len(tasks) == 0 {
				cmd.Println("No scheduled tasks.")
				return nil
			}
			for _, task := range tasks {
				cmd.Printf("%s\t%s\t%s\t%s\t%s\tretries=%d\n",
					task.ID,
					task.Status,
					task.ActionKind,
					valueOrDash(task.TargetHandle),
					task.ExecuteAfter.UTC().Format(time.RFC3339),
					task.Retries,
				)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&accountID, "account", "", "account id")
	cmd.Flags().StringVar(&status, "status", "", "filter by status (pending, claimed, done, failed, cancelled)")
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum tasks to print")
	_ = cmd.MarkFlagRequired("account")
	return cmd
}

func newTasksCancelCommand() *cobra.Command {
	var accountID string
	cmd := &cobra.Command{
		Use:   "cancel <task-id>",
		Short: "Cancel a pending scheduled task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), adminTimeout)
			defer cancel()
			sqlStore, err := openStore(ctx, config.FromEnv())
			if err != nil {
				return err
			}
			defer sqlStore.Close()

			taskID := strings.TrimSpace(args[0])
			if err := sqlStore.CancelScheduledTask(ctx, accountID, taskID); err != nil {
				return err
			}
			cmd.Printf("Task %s cancelled\n", taskID)
			return nil
		},
	}
	cmd.Flags().StringVar(&accountID, "account", "", "account id")
	_ = cmd.MarkFlagRequired("account")
	return cmd
}

func newPolicyCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "policy",
		Short: "Work with policy documents",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "check <file>",
		Short: "Validate a policy document without starting the service",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			loaded, err := policy.Load(args[0])
			if err != nil {
				return err
			}
			cmd.Printf("Policy OK: %d tiers, %d delay windows, max likes %d, cooldown %s\n",
				len(loaded.Tiers),
				len(loaded.Delays),
				loaded.Sequence.MaxLikes,
				loaded.Cooldown(),
			)
			return nil
		},
	})
	return cmd
}

func openStore(ctx context.Context, cfg config.Config) (*store.Store, error) {
	if err := os.MkdirAll(filepath.Dir(cfg.DBPath), 0o755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}
	sqlStore, err := store.New(cfg.DBPath)
	if err != nil {
		return nil, err
	}
	if err := sqlStore.AutoMigrate(ctx); err != nil {
		sqlStore.Close()
		return nil, err
	}
	if location, err := time.LoadLocation(cfg.QuotaTimezone); err == nil {
		sqlStore.SetUsageLocation(location)
	}
	return sqlStore, nil
}

func valueOrDash(value string) string {
	if strings.TrimSpace(value) == "" {
		return "-"
	}
	return value
}
