package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/haasonsaas/vdsm-reg/pkg/config"
	"github.com/haasonsaas/vdsm-reg/pkg/enroll"
	"github.com/haasonsaas/vdsm-reg/pkg/health"
	"github.com/haasonsaas/vdsm-reg/pkg/logging"
	"github.com/haasonsaas/vdsm-reg/pkg/pidfile"
	"github.com/haasonsaas/vdsm-reg/pkg/telemetry"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

var Version = "dev"

// errNotRegistered is returned by an attended pass that did not register.
var errNotRegistered = errors.New("node not registered")

type options struct {
	configPath string
	attended   bool
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	opts := &options{}
	cmd := &cobra.Command{
		Use:     "vdsm-reg -c <config_file> [-l]",
		Short:   "Register this node with the management engine",
		Version: Version,
		Args:    cobra.NoArgs,
		PreRunE: func(cmd *cobra.Command, _ []string) error {
			if opts.configPath == "" {
				return errors.New("-c <config_file> is required")
			}
			if _, err := os.Stat(opts.configPath); err != nil {
				return fmt.Errorf("config file %s: %w", opts.configPath, err)
			}
			// Past argument checks, failures are runtime errors.
			cmd.SilenceUsage = true
			return nil
		},
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return run(ctx, opts)
		},
	}
	cmd.Flags().StringVarP(&opts.configPath, "config", "c", "", "registration config file")
	cmd.Flags().BoolVarP(&opts.attended, "attended", "l", false, "run a single registration pass in the foreground")
	return cmd
}

func run(ctx context.Context, opts *options) error {
	logger := logging.Bootstrap()
	logger.Info().Str("version", Version).Msg("vdsm-reg starting")

	cfg, err := config.Load(opts.configPath)
	if err != nil {
		logger.Error().Err(err).Msg("Failed to load config")
		return err
	}
	if err := cfg.Validate(); err != nil {
		logger.Error().Err(err).Msg("Invalid config")
		return err
	}

	logCfg, err := config.LoadLogging(cfg.Vars.LoggerConf)
	if err != nil {
		logger.Warn().Err(err).Str("path", cfg.Vars.LoggerConf).Msg("Logger config unreadable, keeping defaults")
	} else {
		applied, closer, err := logging.Apply(logCfg)
		if err != nil {
			logger.Warn().Err(err).Msg("Failed to apply logger config")
		} else {
			logger = applied
			defer closer.Close()
		}
	}

	tp, err := telemetry.SetupTracing(ctx, "vdsm-reg", Version, cfg.Tracing, logger)
	if err != nil {
		logger.Warn().Err(err).Msg("Tracing disabled")
	} else {
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := tp.Shutdown(shutdownCtx); err != nil {
				logger.Warn().Err(err).Msg("Tracer shutdown failed")
			}
		}()
	}

	if err := pidfile.Write(cfg.Vars.PIDFile); err != nil {
		logger.Error().Err(err).Str("pidfile", cfg.Vars.PIDFile).Msg("Failed to write PID file")
		return err
	}
	defer func() {
		if err := pidfile.Remove(cfg.Vars.PIDFile); err != nil {
			logger.Warn().Err(err).Msg("Failed to remove PID file")
		}
	}()

	agent := enroll.NewAgent(enroll.Options{
		CertFile:          cfg.Vars.CertFile,
		FingerprintDigest: cfg.Vars.FingerprintDigest,
		AuthorizedKeys:    cfg.Vars.AuthorizedKeys,
		SSHKeyURI:         cfg.Vars.SSHKeyURI,
	}, logger)
	if tp != nil {
		agent.Tracer = telemetry.Tracer(tp)
	}
	source := enroll.NewConfigSource(cfg.Path(), logger)

	preflight(ctx, source, cfg.Vars, logger)

	interval := time.Duration(cfg.Vars.RequestInterval) * time.Second
	driver := enroll.NewDriver(source, agent, source, interval, logger)
	driver.Attended = opts.attended

	outcome, err := driver.Run(ctx)
	switch {
	case errors.Is(err, context.Canceled):
		logger.Info().Msg("Interrupted, exiting")
		return nil
	case err != nil:
		logger.Error().Err(err).Msg("Registration stopped")
		return err
	case !outcome.Succeeded:
		logger.Warn().Msg("Attended pass finished without registering")
		return errNotRegistered
	}
	logger.Info().Msg("vdsm-reg finished")
	return nil
}

// preflight logs what a registration attempt is likely to trip over. It never
// stops the agent.
func preflight(ctx context.Context, source enroll.Source, vars config.VarsConfig, logger zerolog.Logger) {
	ec, err := source.Next(ctx)
	if err != nil {
		return
	}
	status := health.Check(ctx, ec, vars)
	if !status.Healthy {
		logger.Warn().Strs("issues", status.Issues).Msg("Health check reported issues")
	}
	if status.UpgradeImagePending {
		logger.Info().Str("path", vars.UpgradeISOFile).Msg("Upgrade image pending")
	}
}
