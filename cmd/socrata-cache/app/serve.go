package app

import (
	"errors"
	"log/slog"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

const defaultGracefulTimeout = 30 * time.Second

func newServeCmd(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the scheduled lifecycle and the HTTP API",
		Long: `Start the dataset cache: the freshness, download and retention procedures run on
their configured schedules and the dataset records are served over HTTP.

The configuration file (--config) lists the Socrata portal, the resources to cache
and the retention policy. See the examples/ directory for a sample configuration.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			cacheApp, err := newCacheApp(ctx, v)
			if err != nil {
				return err
			}

			runErr := cacheApp.Start(ctx)
			if runErr != nil {
				slog.Error("Server stopped with error", "error", runErr)
			}
			return errors.Join(runErr, cacheApp.Stop(defaultGracefulTimeout))
		},
	}

	cmd.Flags().String("address", ":8080", "Address to listen on")
	if err := v.BindPFlag("address", cmd.Flags().Lookup("address")); err != nil {
		slog.Error("Error binding address flag", "error", err)
	}

	return cmd
}
