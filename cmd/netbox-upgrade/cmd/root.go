package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/oshokin/netbox-upgrade/internal/config"
	"github.com/oshokin/netbox-upgrade/internal/logger"
	"github.com/oshokin/netbox-upgrade/internal/service/upgrader"
	"github.com/oshokin/netbox-upgrade/internal/version"
)

var (
	// cfgPath stores the configuration file path.
	cfgPath string

	// target is the version to install without prompting.
	target string

	// dryRun stops the upgrade after version selection.
	dryRun bool

	// logLevel is the minimum level of printed log messages.
	logLevel string

	errUnknownLogLevel = errors.New("unknown log level")

	// rootCmd represents the base command for upgrading NetBox.
	rootCmd = &cobra.Command{
		Use:   "netbox-upgrade",
		Short: "Upgrade a self-hosted NetBox installation.",
		Long: `Upgrades a NetBox installation to a new release.

Detects the installed version, asks which release to install (or takes it from --target),
downloads and extracts the release next to the current one, relinks configuration files,
copies user data, backs up the database and switches the current version symlink.
The vendor upgrade script runs afterwards and the NetBox services are restarted.

Must be run as root.`,
		Args:          cobra.NoArgs,
		SilenceErrors: true,
		SilenceUsage:  true,
		RunE: func(_ *cobra.Command, _ []string) error {
			level, ok := logger.ParseLogLevel(logLevel)
			if !ok {
				return fmt.Errorf("%w: %q", errUnknownLogLevel, logLevel)
			}

			logger.SetLevel(level)

			// Setup graceful shutdown handling.
			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
			defer stop()

			options := &upgrader.Options{
				ConfigPath: cfgPath,
				Target:     target,
				DryRun:     dryRun,
			}

			return upgrader.Run(ctx, options)
		},
	}
)

// Execute runs the netbox-upgrade CLI and exits with the code matching the failure.
func Execute() {
	version.AttachCobraVersionCommand(rootCmd)

	if err := rootCmd.Execute(); err != nil {
		printFatal(err)
		os.Exit(upgrader.ExitCode(err))
	}
}

// printFatal writes the error highlighted to stderr.
func printFatal(err error) {
	highlight := color.New(color.FgRed, color.Bold)

	var upgradeErr *upgrader.Error
	if errors.As(err, &upgradeErr) {
		_, _ = highlight.Fprintf(os.Stderr, "upgrade failed at %s step: %v\n", upgradeErr.Step, upgradeErr.Err)
		return
	}

	_, _ = highlight.Fprintf(os.Stderr, "error: %v\n", err)
}

//nolint:gochecknoinits // Required by Cobra CLI framework architecture.
func init() {
	// Setup command flags with consistent naming and descriptions.
	rootCmd.Flags().StringVarP(&cfgPath, "config", "c", config.DefaultConfigFilename, "path to configuration file")
	rootCmd.Flags().StringVarP(&target, "target", "t", "", "version to install (x.y.z or latest), skips the prompt")
	rootCmd.Flags().BoolVar(&dryRun, "dry-run", false, "stop after version selection and print the plan")
	rootCmd.Flags().StringVar(&logLevel, "log-level", "info", "log level: debug, info, warn or error")
}
