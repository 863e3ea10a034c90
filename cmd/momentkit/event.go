package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"momentkit/internal/app"
)

func newEventCommand(opts *rootOptions) *cobra.Command {
	var builtin bool
	cmd := &cobra.Command{
		Use:   "event",
		Short: "Record and list events",
	}
	send := &cobra.Command{
		Use:   "send <name>",
		Short: "Record a custom (or --builtin) event",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), opts, func(ctx context.Context, a *app.App) error {
				return a.Events().SendEvent(ctx, args[0], builtin)
			})
		},
	}
	send.Flags().BoolVar(&builtin, "builtin", false, "name is a built-in event")

	var limit int
	list := &cobra.Command{
		Use:   "list",
		Short: "List recent events",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), opts, func(ctx context.Context, a *app.App) error {
				recent, err := a.Store().RecentEvents(ctx, limit)
				if err != nil {
					return err
				}
				if opts.Format == "json" {
					return writeJSON(cmd.OutOrStdout(), recent)
				}
				for _, e := range recent {
					fmt.Fprintf(cmd.OutOrStdout(), "%s  %s\n", e.At.Format("2006-01-02 15:04:05"), e.Name)
				}
				return nil
			})
		},
	}
	list.Flags().IntVarP(&limit, "limit", "n", 50, "number of events")

	cmd.AddCommand(send, list)
	return cmd
}
