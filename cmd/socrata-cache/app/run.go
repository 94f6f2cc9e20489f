package app

import (
	"errors"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/stacklok/socrata-cache/internal/coordinator"
)

func newRunCmd(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "run <freshness|download|retention>",
		Short: "Run one lifecycle procedure once and exit",
		Long: `Run a single lifecycle procedure and exit, for deployments where an external
scheduler such as cron or a Kubernetes CronJob drives the cache.

  freshness   register a new dataset for every resource that changed upstream
  download    publish the oldest pending dataset of every resource
  retention   evict datasets by age and by total size`,
		ValidArgs: []string{coordinator.ProcedureFreshness, coordinator.ProcedureDownload, coordinator.ProcedureRetention},
		Args:      cobra.MatchAll(cobra.ExactArgs(1), cobra.OnlyValidArgs),
		RunE: func(cmd *cobra.Command, args []string) error {
			cacheApp, err := newCacheApp(cmd.Context(), v)
			if err != nil {
				return err
			}

			runErr := cacheApp.RunProcedure(cmd.Context(), args[0])
			return errors.Join(runErr, cacheApp.Stop(defaultGracefulTimeout))
		},
	}
}
