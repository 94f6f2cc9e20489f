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

func newMigrateDownCmd(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "down",
		Short: "Migrate the database down",
		Long: `Migrate the schema of the record store down by reverting migrations.

WARNING: This operation removes dataset records. Files in the downloads directory are left in place.

Examples:
  # Migrate down by 1 step
  socrata-cache migrate down --config config.yaml --num-steps 1 --yes

  # Migrate down all the way
  socrata-cache migrate down --config config.yaml --yes`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			numSteps, err := cmd.Flags().GetUint("num-steps")
			if err != nil {
				return fmt.Errorf("failed to get num-steps flag: %w", err)
			}
			yes, err := cmd.Flags().GetBool("yes")
			if err != nil {
				return fmt.Errorf("failed to get yes flag: %w", err)
			}

			_, m, err := newMigrator(v)
			if err != nil {
				return err
			}
			defer closeMigrator(m)

			if !yes && !confirm(cmd.InOrStdin(), cmd.OutOrStdout(), migrateDownPrompt(numSteps)) {
				slog.Info("Migration cancelled")
				return fmt.Errorf("migration cancelled by user")
			}

			if err := executeMigrateDown(m, numSteps); err != nil {
				return err
			}
			displayMigrationVersion(m)
			return nil
		},
	}
}

func migrateDownPrompt(numSteps uint) string {
	if numSteps == 0 {
		return "WARNING: This will migrate down ALL steps and delete every dataset record. Continue?"
	}
	return fmt.Sprintf("WARNING: This will migrate down %d step(s) and may delete dataset records. Continue?", numSteps)
}

func executeMigrateDown(m database.Migrator, numSteps uint) error {
	var err error
	if numSteps == 0 {
		slog.Warn("Migrating down all steps, this removes the whole schema")
		err = m.Down()
	} else {
		if numSteps > math.MaxInt {
			return fmt.Errorf("number of steps exceeds maximum allowed value")
		}
		slog.Info("Migrating down", "steps", numSteps)
		err = m.Steps(-1 * int(numSteps)) // #nosec G115 -- overflow checked above
	}

	if err != nil {
		if errors.Is(err, migrate.ErrNoChange) {
			slog.Info("No migrations to revert, the database is already at the oldest version")
			return nil
		}
		return fmt.Errorf("migration failed: %w", err)
	}

	slog.Info("Migration completed successfully")
	return nil
}
