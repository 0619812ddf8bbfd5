package upgrader

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/oshokin/netbox-upgrade/internal/config"
	"github.com/oshokin/netbox-upgrade/internal/database"
	"github.com/oshokin/netbox-upgrade/internal/logger"
	"github.com/oshokin/netbox-upgrade/internal/prompt"
	"github.com/oshokin/netbox-upgrade/internal/systemd"
	"github.com/oshokin/netbox-upgrade/internal/upstream"
)

// Options are inputs accepted by the upgrader entry point.
type Options struct {
	// ConfigPath is the optional path to the settings YAML file.
	ConfigPath string
	// Target is the version to install; empty asks on the terminal.
	Target string
	// DryRun stops after version selection.
	DryRun bool
}

// Run loads the settings, wires the production collaborators and upgrades
// the installation. It is the entry point for the CLI.
func Run(ctx context.Context, opts *Options) error {
	// Set context with logger name for tracking.
	ctx = logger.WithName(ctx, "netbox-upgrade")

	cfg, err := config.Load(opts.ConfigPath)
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}

	ctx = logger.WithKV(ctx, "install_root", cfg.InstallRoot)

	deps := Dependencies{
		Source:   upstream.NewClient(ctx, cfg),
		Database: database.NewBackuper(cfg.Database),
		Services: systemd.NewManager(systemd.NewSystemConn),
		Output:   os.Stdout,
	}

	if opts.Target == "" {
		terminal, termErr := prompt.NewTerminal(os.Stdin, os.Stdout, os.Stderr)
		if termErr != nil {
			logger.WarnKV(ctx, "No interactive terminal available", "error", termErr)
		} else {
			defer func() {
				_ = terminal.Close()
			}()

			deps.Input = terminal
		}
	}

	report, err := New(cfg, deps).Run(ctx, Request{Target: opts.Target, DryRun: opts.DryRun})
	if err != nil {
		var upgradeErr *Error
		if errors.As(err, &upgradeErr) {
			logger.ErrorKV(ctx, "Upgrade aborted", "step", upgradeErr.Step, "kind", upgradeErr.Kind.String(), "error", upgradeErr.Err)
		}

		return err
	}

	if opts.DryRun {
		return nil
	}

	for _, state := range report.Services {
		if !state.Running() {
			logger.WarnKV(ctx, "Service is not running after restart", "unit", state.Name, "state", state.ActiveState)
		}
	}

	logger.InfoKV(ctx, "NetBox upgraded", "from", report.From.String(), "to", report.To.String(), "backup", report.Backup)

	return nil
}
