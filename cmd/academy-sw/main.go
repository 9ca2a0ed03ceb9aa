// Command academy-sw runs the academy offline worker and manages its stores
// from the command line.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/Sternrassler/himmam-offline/internal/app"
	"github.com/Sternrassler/himmam-offline/internal/config"
	"github.com/Sternrassler/himmam-offline/pkg/logging"
	"github.com/spf13/cobra"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// options are the persistent flags shared by every command.
type options struct {
	configPath string
	logLevel   string
}

// load reads the configuration and applies flag overrides.
func (o *options) load() (*config.Config, error) {
	cfg, err := config.Load(o.configPath)
	if err != nil {
		return nil, err
	}
	if o.logLevel != "" {
		level := logging.LogLevel(o.logLevel)
		if err := logging.ValidateLevel(level); err != nil {
			return nil, err
		}
		cfg.Log.Level = level
	}
	logging.Setup(cfg.Log)
	return cfg, nil
}

// open loads the configuration and wires the worker.
func (o *options) open(ctx context.Context) (*app.App, error) {
	cfg, err := o.load()
	if err != nil {
		return nil, err
	}
	return app.New(ctx, cfg)
}

func newRootCmd() *cobra.Command {
	opts := &options{}

	root := &cobra.Command{
		Use:           "academy-sw",
		Short:         "Offline caching worker for the academy web app",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().StringVar(&opts.configPath, "config", "", "config file path (YAML)")
	root.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "log level (debug, info, warn, error)")

	root.AddCommand(newServeCmd(opts))
	root.AddCommand(newInstallCmd(opts))
	root.AddCommand(newActivateCmd(opts))
	root.AddCommand(newLessonsCmd(opts))
	root.AddCommand(newStoresCmd(opts))

	return root
}

func newInstallCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "install",
		Short: "Pre-cache the application shell into the primary store",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := opts.open(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			if err := a.Lifecycle.Install(cmd.Context()); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "installed %d entries into %s\n", len(a.Lifecycle.Manifest()), a.Config.Stores.Primary)
			return nil
		},
	}
}

func newActivateCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "activate",
		Short: "Drop stores left over from previous versions",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := opts.open(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			result, err := a.Lifecycle.Activate(cmd.Context())
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if len(result.Dropped) == 0 {
				fmt.Fprintln(out, "no stale stores")
				return nil
			}
			for _, name := range result.Dropped {
				fmt.Fprintln(out, "dropped", name)
			}
			return nil
		},
	}
}

func newStoresCmd(opts *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "stores",
		Short: "Inspect cache stores",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List existing stores and whether they are live",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := opts.open(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			names, err := a.Storage.Names(cmd.Context())
			if err != nil {
				return err
			}
			w := newTable(cmd.OutOrStdout())
			fmt.Fprintln(w, "STORE\tSTATUS\tENTRIES")
			for _, name := range names {
				store, err := a.Storage.Open(cmd.Context(), name)
				if err != nil {
					return err
				}
				keys, err := store.Keys(cmd.Context())
				if err != nil {
					return err
				}
				status := "stale"
				if a.Config.Stores.Contains(name) {
					status = "live"
				}
				fmt.Fprintf(w, "%s\t%s\t%d\n", name, status, len(keys))
			}
			return w.Flush()
		},
	})
	return cmd
}
