package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"momentkit/internal/app"
)

// rootOptions holds global flags for all commands.
type rootOptions struct {
	ConfigPath string
	Format     string // "json" | "text"
}

var validFormats = []string{"text", "json"}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:           "momentkit",
		Short:         "Device properties, notification plans and background refresh",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			for _, f := range validFormats {
				if f == opts.Format {
					return nil
				}
			}
			return fmt.Errorf("invalid format %q: must be one of %v", opts.Format, validFormats)
		},
	}

	cmd.PersistentFlags().StringVarP(&opts.ConfigPath, "config", "c", "./config.json", "path to config (json or yaml)")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")

	cmd.AddCommand(newRunCommand(opts))
	cmd.AddCommand(newResolveCommand(opts))
	cmd.AddCommand(newPlanCommand(opts))
	cmd.AddCommand(newEventCommand(opts))
	cmd.AddCommand(newCheckSetupCommand(opts))
	return cmd
}

// withApp starts the app without daemon loops, runs fn and stops it.
func withApp(ctx context.Context, opts *rootOptions, fn func(ctx context.Context, a *app.App) error) error {
	a, err := app.New(opts.ConfigPath)
	if err != nil {
		return err
	}
	if err := a.Start(ctx, false); err != nil {
		_ = stopApp(a, app.StopFatalError)
		return err
	}
	runErr := fn(ctx, a)
	if err := stopApp(a, app.StopCommand); err != nil && runErr == nil {
		runErr = err
	}
	return runErr
}

func stopApp(a *app.App, reason app.StopReason) error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return a.Stop(ctx, reason)
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
