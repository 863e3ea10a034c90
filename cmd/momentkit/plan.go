package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"momentkit/internal/app"
	"momentkit/internal/background"
)

func newPlanCommand(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "plan",
		Short: "Inspect or apply the notification plan",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "apply <file>",
		Short: "Apply a plan file (json or yaml) within one execution budget",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), opts, func(ctx context.Context, a *app.App) error {
				out, err := a.ApplyPlanFile(ctx, args[0])
				if err != nil {
					return err
				}
				return printOutcome(cmd, opts, out)
			})
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Show the stored plan and what is scheduled",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), opts, func(ctx context.Context, a *app.App) error {
				plan, _ := a.Coordinator().CurrentNotificationPlan()
				scheduled, err := a.Store().List(ctx, a.Scheduler().Namespace())
				if err != nil {
					return err
				}
				if opts.Format == "json" {
					return writeJSON(cmd.OutOrStdout(), map[string]any{
						"plan":      plan,
						"scheduled": scheduled,
						"pending":   a.Scheduler().PendingEdits(),
					})
				}
				w := cmd.OutOrStdout()
				fmt.Fprintf(w, "plan: %d notifications (fingerprint %s)\n", len(plan.Notifications), plan.Fingerprint())
				fmt.Fprintf(w, "pending edits: %d\n", a.Scheduler().PendingEdits())
				for _, n := range scheduled {
					fmt.Fprintf(w, "  %s  %d  %s\n", n.ID, n.FireEpochSeconds, n.Title)
				}
				return nil
			})
		},
	})
	return cmd
}

func printOutcome(cmd *cobra.Command, opts *rootOptions, out background.Outcome) error {
	if opts.Format == "json" {
		return writeJSON(cmd.OutOrStdout(), map[string]any{
			"episode":   out.Episode,
			"state":     out.State.String(),
			"result":    out.Result,
			"next_wake": out.NextWake,
		})
	}
	r := out.Result
	fmt.Fprintf(cmd.OutOrStdout(), "%s: upserted=%d removed=%d skipped=%d failed=%d pending=%d next_wake=%s\n",
		out.State, r.Upserted, r.Removed, len(r.Skipped), len(r.Failures), r.Pending, out.NextWake.Format("2006-01-02 15:04:05"))
	if out.State == background.StateExpired {
		return fmt.Errorf("plan not fully applied: %d edits pending", r.Pending)
	}
	return nil
}
