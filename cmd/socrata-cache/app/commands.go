// Package app provides the command line interface of the socrata-cache service.
package app

import (
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/stacklok/socrata-cache/internal/versions"
)

// LogLevel is the level of the process logger; --debug lowers it to debug
var LogLevel = new(slog.LevelVar)

// NewRootCmd creates the root command with every subcommand attached
func NewRootCmd() *cobra.Command {
	v := newViper()

	rootCmd := &cobra.Command{
		Use:               "socrata-cache",
		DisableAutoGenTag: true,
		SilenceUsage:      true,
		Short:             "Local cache of Socrata open data datasets",
		Long: `socrata-cache keeps an up-to-date local copy of configured Socrata datasets.

It polls the portal for new versions, downloads and compresses them, evicts old
copies by age and size, and serves the dataset records over a small HTTP API.`,
		PersistentPreRun: func(_ *cobra.Command, _ []string) {
			if v.GetBool("debug") {
				LogLevel.Set(slog.LevelDebug)
			}
		},
		Run: func(cmd *cobra.Command, _ []string) {
			if err := cmd.Help(); err != nil {
				slog.Error("Error displaying help", "error", err)
			}
		},
	}

	flags := rootCmd.PersistentFlags()
	flags.Bool("debug", false, "Enable debug logging")
	flags.String("config", "", "Path to the configuration file (YAML or JSON)")
	flags.String("data-dir", "", "Directory of the record file and the instance lock (default ./data)")
	flags.String("downloads-dir", "", "Directory of the dataset files (default <data-dir>/downloads)")
	for _, name := range []string{"debug", "config", "data-dir", "downloads-dir"} {
		if err := v.BindPFlag(name, flags.Lookup(name)); err != nil {
			slog.Error("Error binding flag", "flag", name, "error", err)
		}
	}

	rootCmd.AddCommand(newServeCmd(v))
	rootCmd.AddCommand(newRunCmd(v))
	rootCmd.AddCommand(newMigrateCmd(v))
	rootCmd.AddCommand(newVersionCmd())

	return rootCmd
}

func newVersionCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		RunE: func(cmd *cobra.Command, _ []string) error {
			info := versions.Get()
			format, err := cmd.Flags().GetString("format")
			if err != nil {
				return fmt.Errorf("failed to get format flag: %w", err)
			}

			if format == "json" {
				output, err := json.MarshalIndent(info, "", "  ")
				if err != nil {
					return fmt.Errorf("failed to format version info as JSON: %w", err)
				}
				_, err = fmt.Fprintln(cmd.OutOrStdout(), string(output))
				return err
			}

			_, err = fmt.Fprintln(cmd.OutOrStdout(), info.String())
			return err
		},
	}
	cmd.Flags().String("format", "", "Output format (json)")
	return cmd
}

// newViper binds the process settings to their environment variables
func newViper() *viper.Viper {
	v := viper.New()
	for key, env := range map[string]string{
		"config":        EnvConfigFile,
		"data-dir":      EnvDataDir,
		"downloads-dir": EnvDownloadsRootPath,
		"db-file-path":  EnvDBFilePath,
		"address":       EnvAddress,
		"debug":         EnvDebug,
	} {
		// BindEnv only fails without a key
		_ = v.BindEnv(key, env)
	}
	return v
}
