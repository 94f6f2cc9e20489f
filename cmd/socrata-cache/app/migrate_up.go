package app

import (
	"errors"
	"fmt"
	"log/slog"
	"math"

	"github.com/golang-migrate/migrate/v4"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/stacklok/socrata-cache/database"
)

func newMigrateUpCmd(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "up",
		Short: "Apply pending database migrations",
		Long: `Apply pending database migrations to bring the schema of the record store up to date.

Examples:
  # Apply every pending migration
  socrata-cache migrate up --config config.yaml --yes`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			numSteps, err := cmd.Flags().GetUint("num-steps")
			if err != nil {
				return fmt.Errorf("failed to get num-steps flag: %w", err)
			}
			yes, err := cmd.Flags().GetBool("yes")
			if err != nil {
				return fmt.Errorf("failed to get yes flag: %w", err)
			}

			cfg, m, err := newMigrator(v)
			if err != nil {
				return err
			}
			defer closeMigrator(m)

			if !yes {
				prompt := fmt.Sprintf("About to apply migrations to %s@%s:%d/%s. Continue?",
					cfg.Database.User, cfg.Database.Host, cfg.Database.Port, cfg.Database.Database)
				if !confirm(cmd.InOrStdin(), cmd.OutOrStdout(), prompt) {
					slog.Info("Migration cancelled by user")
					return nil
				}
			}

			if err := executeMigrateUp(m, numSteps); err != nil {
				return err
			}
			displayMigrationVersion(m)
			return nil
		},
	}
}

func executeMigrateUp(m database.Migrator, numSteps uint) error {
	var err error
	if numSteps == 0 {
		slog.Info("Applying all pending migrations")
		err = m.Up()
	} else {
		if numSteps > math.MaxInt {
			return fmt.Errorf("number of steps exceeds maximum allowed value")
		}
		slog.Info("Applying migrations", "steps", numSteps)
		err = m.Steps(int(numSteps)) // #nosec G115 -- overflow checked above
	}

	if err != nil {
		if errors.Is(err, migrate.ErrNoChange) {
			slog.Info("No pending migrations, the schema is up to date")
			return nil
		}
		return fmt.Errorf("migration failed: %w", err)
	}

	slog.Info("Migrations applied successfully")
	return nil
}
