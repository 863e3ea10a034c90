package main

import (
	"context"
	"fmt"
	"sort"

	"github.com/spf13/cobra"

	"momentkit/internal/app"
)

func newResolveCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "resolve [name...]",
		Short: "Resolve properties; all registered names when none are given",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), opts, func(ctx context.Context, a *app.App) error {
				names := args
				if len(names) == 0 {
					names = a.Registry().Names()
				}
				res := a.Resolve(ctx, names)
				if opts.Format == "json" {
					return writeJSON(cmd.OutOrStdout(), res.Known())
				}
				keys := make([]string, 0, len(res))
				for k := range res {
					keys = append(keys, k)
				}
				sort.Strings(keys)
				for _, k := range keys {
					fmt.Fprintln(cmd.OutOrStdout(), res[k].Display())
				}
				return nil
			})
		},
	}
}
