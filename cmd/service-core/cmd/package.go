package cmd

import (
	"github.com/spf13/cobra"

	"github.com/oshokin/service-core/internal/config"
	"github.com/oshokin/service-core/internal/service/packager"
)

var (
	// packageOptions collects the package command flags.
	packageOptions packager.Options

	// packageCmd builds a release bundle.
	packageCmd = &cobra.Command{
		Use:   "package <tag> [source-dir]",
		Short: "Build a release bundle and its checksum.",
		Long: `Packs a program directory into <tag><suffix> with a .sha512 companion.

Attach both files to the release <tag>; the supervisor picks the asset by its
suffix and verifies it against the checksum before installing. The source
directory defaults to the current directory and must contain the entry point.`,
		Args:         cobra.RangeArgs(1, 2),
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			packageOptions.Tag = args[0]
			if len(args) > 1 {
				packageOptions.SourceDir = args[1]
			}

			_, err := packager.Run(cmd.Context(), &packageOptions)

			return err
		},
	}
)

//nolint:gochecknoinits // Required by Cobra CLI framework architecture.
func init() {
	packageCmd.Flags().StringVarP(&packageOptions.OutputDir, "output", "o", "dist", "directory for the bundle files")
	packageCmd.Flags().
		StringVarP(&packageOptions.EntryPoint, "entry-point", "e", config.DefaultEntryPoint, "file that starts the program")
	packageCmd.Flags().
		StringVarP(&packageOptions.Suffix, "suffix", "s", config.DefaultAssetSuffix, "asset name suffix, must end in .zip")

	rootCmd.AddCommand(packageCmd)
}
