package main

import (
	"context"
	"encoding/json"
	"errors"
	"io/fs"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"calsync/internal/app"
	"calsync/internal/config"
	appLog "calsync/internal/log"
	"calsync/internal/web"
)

type rootFlags struct {
	configPath string
	envFile    string
	user       string
}

func newRootCmd() *cobra.Command {
	flags := &rootFlags{}
	root := &cobra.Command{
		Use:   "calsync",
		Short: "Keeps a per-user registry of calendar sources in sync",
		Long: `calsync discovers a user's OAuth provider calendars, merges them with
subscribed feed and workflow sources, and keeps a cached copy of their
events fresh under per-user rate limits.`,
		Version:      version,
		SilenceUsage: true,
	}
	root.SetVersionTemplate(`{{printf "calsync version %s\n" .Version}}`)

	pf := root.PersistentFlags()
	pf.StringVar(&flags.configPath, "config", config.DefaultPath(), "Path to config file")
	pf.StringVar(&flags.envFile, "env-file", ".env", "Optional dotenv file with OAuth client secrets")
	pf.StringVar(&flags.user, "user", web.DefaultUser, "User id for one-shot commands")

	root.AddCommand(
		newServeCmd(flags),
		newSyncCmd(flags),
		newRefreshCmd(flags),
		newSourcesCmd(flags),
		newVersionCmd(),
	)
	return root
}

// loadConfig reads the dotenv file (if any), then the YAML config, and
// applies the log settings.
func loadConfig(flags *rootFlags) (*config.Config, error) {
	if flags.envFile != "" {
		if err := godotenv.Load(flags.envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, err
		}
	}
	cfg, err := config.Load(flags.configPath)
	if err != nil {
		return nil, err
	}
	app.ConfigureLogging(cfg)
	return cfg, nil
}

// openApp loads config and builds the application.
func openApp(flags *rootFlags) (*app.App, error) {
	cfg, err := loadConfig(flags)
	if err != nil {
		appLog.Error("failed to load config", err, "config_path", flags.configPath)
		return nil, err
	}
	return app.New(cfg)
}

// signalContext is cancelled on SIGINT/SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case sig := <-sigCh:
			appLog.Info("signal received, shutting down", "signal", sig.String())
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(sigCh)
	}()
	return ctx, cancel
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
