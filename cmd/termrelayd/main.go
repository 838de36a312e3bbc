package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/g960059/termrelay/internal/config"
	"github.com/g960059/termrelay/internal/daemon"
	"github.com/g960059/termrelay/internal/logging"
)

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "termrelayd",
		Short: "Terminal session daemon relaying agent replies to chat",
		Long: `termrelayd hosts terminal sessions for shells and AI coding agents,
tracks their status, extracts finished replies into chat messages and
delivers queued chat messages back into the sessions.

Configuration is read from the TOML file given with --config, then
TERMRELAY_* environment variables, then the flags below.`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			return run(cmd.Context(), cfg)
		},
	}
	flags := cmd.Flags()
	flags.String("config", "", "path to a TOML config file")
	flags.String("socket", "", "UDS path for termrelayd")
	flags.String("data-dir", "", "directory holding workspace databases")
	flags.String("log-level", "", "log level (debug, info, warn, error)")
	flags.Bool("log-dev", false, "human-readable console logs")
	return cmd
}

// loadConfig applies explicitly set flags on top of file and environment.
func loadConfig(cmd *cobra.Command) (config.Config, error) {
	flags := cmd.Flags()
	path, _ := flags.GetString("config")
	cfg, err := config.Load(path)
	if err != nil {
		return config.Config{}, err
	}
	if flags.Changed("socket") {
		cfg.SocketPath, _ = flags.GetString("socket")
	}
	if flags.Changed("data-dir") {
		cfg.DataDir, _ = flags.GetString("data-dir")
	}
	if flags.Changed("log-level") {
		cfg.LogLevel, _ = flags.GetString("log-level")
	}
	if flags.Changed("log-dev") {
		cfg.LogDevelopment, _ = flags.GetBool("log-dev")
	}
	if err := cfg.Validate(); err != nil {
		return config.Config{}, err
	}
	return cfg, nil
}

func run(ctx context.Context, cfg config.Config) error {
	logCfg := logging.DefaultConfig()
	logCfg.Level = cfg.LogLevel
	logCfg.Development = cfg.LogDevelopment
	logger, err := logging.New(logCfg)
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer logger.Sync() //nolint:errcheck

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	logger.Info("starting termrelayd",
		zap.String("socket", cfg.SocketPath),
		zap.String("data_dir", cfg.DataDir),
	)
	rt := daemon.NewRuntime(cfg, nil, logger)
	if err := rt.Run(ctx); err != nil {
		logger.Error("daemon stopped", zap.Error(err))
		return err
	}
	logger.Info("termrelayd stopped")
	return nil
}

func main() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
