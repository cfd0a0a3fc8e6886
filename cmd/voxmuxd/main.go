package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/voxmux/voxmux/internal/config"
	"github.com/voxmux/voxmux/internal/daemon"
	"github.com/voxmux/voxmux/internal/readiness"
	"github.com/voxmux/voxmux/internal/registry"
	"github.com/voxmux/voxmux/internal/tmux"
)

var version = "dev"

func main() {
	root := newRootCmd()
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "voxmuxd",
		Short:         "Voice-driven agent session broker",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.AddCommand(
		newServeCmd(),
		newInstallHooksCmd(),
		newVersionCmd(),
	)
	return cmd
}

func newServeCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the broker daemon",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			if err := os.MkdirAll(cfg.StateDir, 0o755); err != nil {
				return fmt.Errorf("create state dir: %w", err)
			}

			ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()

			store, err := registry.Open(ctx, cfg.DBPath)
			if err != nil {
				return err
			}
			defer store.Close() //nolint:errcheck
			if err := registry.ApplyMigrations(ctx, store.DB()); err != nil {
				return err
			}

			muxClient := tmux.NewClient(tmux.NewExecutor(cfg))
			watch, err := readiness.NewWatcher(cfg.StateDir)
			if err != nil {
				return err
			}

			srv := daemon.NewServer(cfg, store, muxClient, watch)
			if err := srv.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "config file path (YAML)")
	return cmd
}

func newInstallHooksCmd() *cobra.Command {
	var configPath string
	var workingDir string
	var sessionName string

	cmd := &cobra.Command{
		Use:   "install-hooks",
		Short: "Install agent lifecycle hooks into a project directory",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			if workingDir == "" {
				workingDir, err = os.Getwd()
				if err != nil {
					return err
				}
			}
			if sessionName == "" {
				sessionName = registry.CanonicalName(workingDir)
			}
			res, err := readiness.InstallHooks(readiness.InstallOptions{
				WorkingDir: workingDir,
				StateFile:  readiness.StateFilePath(cfg.StateDir, sessionName),
			})
			if err != nil {
				return err
			}
			for _, path := range res.FilesWritten {
				fmt.Fprintf(cmd.OutOrStdout(), "wrote %s\n", path)
			}
			for _, path := range res.Backups {
				fmt.Fprintf(cmd.OutOrStdout(), "backed up %s\n", path)
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "config file path (YAML)")
	cmd.Flags().StringVar(&workingDir, "dir", "", "project directory (default: cwd)")
	cmd.Flags().StringVar(&sessionName, "session", "", "agent session name (default: canonical name of dir)")
	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the daemon version",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintln(cmd.OutOrStdout(), "voxmuxd", version)
		},
	}
}
