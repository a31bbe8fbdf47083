package cmd

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/oshokin/service-core/internal/config"
	"github.com/oshokin/service-core/internal/service/runner"
	"github.com/oshokin/service-core/internal/version"
)

var (
	// configPath to the configuration YAML file.
	configPath string
	// logLevel overrides the level from the configuration file.
	logLevel string

	// rootCmd represents the base command for running the supervisor.
	rootCmd = &cobra.Command{
		Use:   "service-core",
		Short: "Keep the app and manage services updated and running.",
		Long: `Runs the supervisor of the app and manage services.

Each service is updated from its release feed, installed under the install root
and started as a child process bound to its configured port. A version that fails
to start or to answer its health check is marked and an older stable version is
started instead.

Exit codes: 0 normal shutdown, 2 store unreadable, 3 unknown boot error,
4 fatal error, 5 neither service started, 10 bad configuration,
100 relaunch requested.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(_ *cobra.Command, _ []string) error {
			// Setup graceful shutdown handling.
			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
			defer stop()

			options := &runner.Options{
				ConfigPath: configPath,
				LogLevel:   logLevel,
			}

			return runner.Run(ctx, options)
		},
	}
)

// Execute runs the service-core CLI and exits with the code Run chose.
func Execute() {
	version.AttachCobraVersionCommand(rootCmd)

	err := rootCmd.Execute()
	if err == nil {
		return
	}

	var exitErr *runner.ExitError
	if errors.As(err, &exitErr) {
		if exitErr.Err != nil {
			rootCmd.PrintErrln(exitErr.Err)
		}

		os.Exit(exitErr.Code)
	}

	rootCmd.PrintErrln(err)
	os.Exit(1)
}

//nolint:gochecknoinits // Required by Cobra CLI framework architecture.
func init() {
	// Setup command flags with consistent naming and descriptions.
	rootCmd.Flags().StringVarP(&configPath, "config", "c", config.DefaultConfigFilename, "path to configuration file")
	rootCmd.Flags().StringVarP(&logLevel, "log-level", "l", "", "log level override (debug, info, warn, error)")
}
