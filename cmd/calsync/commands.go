package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"calsync/internal/engine"
	appLog "calsync/internal/log"
	"calsync/internal/model"
	"calsync/internal/scheduler"
)

func newServeCmd(flags *rootFlags) *cobra.Command {
	var listen string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and the sync timer",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(flags)
			if err != nil {
				return err
			}
			defer a.Close()

			// --listen overrides the config file.
			if listen != "" {
				a.Config.Listen = listen
			}
			appLog.Info("calsync starting", "version", version,
				"listen", a.Config.Listen,
				"timezone", a.Config.Timezone,
				"database", a.Config.DatabasePath,
				"timer", a.Config.Scheduler.Timer,
				"max_syncs_per_day", a.Config.Scheduler.MaxSyncsPerDay,
			)

			ctx, cancel := signalContext()
			defer cancel()
			if err := a.Serve(ctx); err != nil {
				return err
			}
			appLog.Info("calsync exiting")
			return nil
		},
	}
	cmd.Flags().StringVar(&listen, "listen", "", "HTTP listen address (overrides config if set)")
	return cmd
}

func newSyncCmd(flags *rootFlags) *cobra.Command {
	var source, reason string
	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Run one sync for a user and print the report",
		RunE: func(cmd *cobra.Command, args []string) error {
			r, err := scheduler.ParseReason(reason)
			if err != nil {
				return err
			}
			a, err := openApp(flags)
			if err != nil {
				return err
			}
			defer a.Close()

			ctx, cancel := signalContext()
			defer cancel()
			out, runErr := a.Scheduler.Run(ctx, flags.user, r, source)
			if err := printJSON(cmd, out); err != nil {
				return err
			}
			if !out.Accepted {
				return fmt.Errorf("sync refused: %s", out.Reason)
			}
			return runErr
		},
	}
	cmd.Flags().StringVar(&source, "source", "", "Only fetch this source id")
	cmd.Flags().StringVar(&reason, "reason", string(scheduler.ReasonManual), "Trigger reason: manual, timer, page-load or user-activity")
	return cmd
}

func newRefreshCmd(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "refresh",
		Short: "Discover provider calendars and reconcile them into the registry",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(flags)
			if err != nil {
				return err
			}
			defer a.Close()

			ctx, cancel := signalContext()
			defer cancel()
			var res engine.RefreshResult
			err = a.Scheduler.Exclusive(flags.user, func() error {
				var err error
				res, err = a.Engine.RefreshSources(ctx, flags.user)
				return err
			})
			if err != nil {
				return err
			}
			return printJSON(cmd, res)
		},
	}
}

func newSourcesCmd(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "sources",
		Short: "Print a user's calendar sources",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(flags)
			if err != nil {
				return err
			}
			defer a.Close()

			sources, err := a.Registry.List(cmd.Context(), flags.user)
			if err != nil {
				return err
			}
			if sources == nil {
				sources = []model.CalendarSource{}
			}
			return printJSON(cmd, sources)
		},
	}
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "calsync version %s\n", version)
		},
	}
}
