package cmd

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	pgstore "github.com/JakeFAU/baseddata-vacuum/internal/storage/postgres"
)

// newMigrateCmd creates the 'migrate' subcommand group for the embedded
// schema migrations.
func newMigrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Manage the Postgres schema",
	}
	cmd.AddCommand(
		migrateAction("up", "Apply all pending migrations", func(m *pgstore.Migrator, _ *cobra.Command) error {
			return m.Up()
		}),
		migrateAction("down", "Roll back the latest migration", func(m *pgstore.Migrator, _ *cobra.Command) error {
			return m.Down()
		}),
		migrateAction("version", "Print the applied schema version", func(m *pgstore.Migrator, cmd *cobra.Command) error {
			v, dirty, err := m.Version()
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), map[string]any{"version": v, "dirty": dirty})
		}),
	)
	return cmd
}

func migrateAction(use, short string, fn func(*pgstore.Migrator, *cobra.Command) error) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			e, err := envFrom(cmd.Context())
			if err != nil {
				return err
			}
			if e.cfg.Database.DSN == "" {
				return errors.New("database.dsn is required")
			}
			m, err := pgstore.NewMigrator(e.cfg.Database.DSN, e.logger)
			if err != nil {
				return fmt.Errorf("open migrator: %w", err)
			}
			defer func() {
				if cerr := m.Close(); cerr != nil {
					e.logger.Warn("migrator close failed", zap.Error(cerr))
				}
			}()
			return fn(m, cmd)
		},
	}
}
