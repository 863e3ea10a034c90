package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"momentkit/internal/app"
)

func newCheckSetupCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "check-setup",
		Short: "Check the background manifest for the refresh task",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := app.New(opts.ConfigPath)
			if err != nil {
				return err
			}
			defer func() { _ = stopApp(a, app.StopCommand) }()
			if err := a.CheckSetup(); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "background setup ok")
			return nil
		},
	}
}
