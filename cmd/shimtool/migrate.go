package main

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/banshee-data/shimtool/internal/db"
	"github.com/banshee-data/shimtool/internal/version"
)

func newMigrateCmd(opts *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Manage the sqlite schema",
	}

	// withDB opens the database without migrating it.
	withDB := func(f func(cmd *cobra.Command, database *db.DB, args []string) error) func(*cobra.Command, []string) error {
		return func(cmd *cobra.Command, args []string) error {
			database, err := db.OpenDB(opts.cfg.GetDBPath())
			if err != nil {
				return fmt.Errorf("failed to open database: %w", err)
			}
			defer database.Close()
			return f(cmd, database, args)
		}
	}

	cmd.AddCommand(
		&cobra.Command{
			Use:   "up",
			Short: "Apply all pending migrations",
			Args:  cobra.NoArgs,
			RunE: withDB(func(cmd *cobra.Command, database *db.DB, _ []string) error {
				migrations, err := db.MigrationsFS()
				if err != nil {
					return err
				}
				if err := database.MigrateUp(migrations); err != nil {
					return err
				}
				return printVersion(cmd, database)
			}),
		},
		&cobra.Command{
			Use:   "down",
			Short: "Roll back the most recent migration",
			Args:  cobra.NoArgs,
			RunE: withDB(func(cmd *cobra.Command, database *db.DB, _ []string) error {
				migrations, err := db.MigrationsFS()
				if err != nil {
					return err
				}
				if err := database.MigrateDown(migrations); err != nil {
					return err
				}
				return printVersion(cmd, database)
			}),
		},
		&cobra.Command{
			Use:   "version",
			Short: "Show the schema version",
			Args:  cobra.NoArgs,
			RunE: withDB(func(cmd *cobra.Command, database *db.DB, _ []string) error {
				return printVersion(cmd, database)
			}),
		},
		&cobra.Command{
			Use:   "force VERSION",
			Short: "Set the schema version after a failed migration",
			Args:  cobra.ExactArgs(1),
			RunE: withDB(func(cmd *cobra.Command, database *db.DB, args []string) error {
				v, err := strconv.Atoi(args[0])
				if err != nil {
					return fmt.Errorf("invalid version %q: %w", args[0], err)
				}
				migrations, err := db.MigrationsFS()
				if err != nil {
					return err
				}
				if err := database.MigrateForce(migrations, v); err != nil {
					return err
				}
				return printVersion(cmd, database)
			}),
		},
	)
	return cmd
}

func printVersion(cmd *cobra.Command, database *db.DB) error {
	migrations, err := db.MigrationsFS()
	if err != nil {
		return err
	}
	v, dirty, err := database.MigrateVersion(migrations)
	if err != nil {
		return err
	}
	if dirty {
		fmt.Fprintf(cmd.OutOrStdout(), "schema version %d (dirty)\n", v)
		return nil
	}
	fmt.Fprintf(cmd.OutOrStdout(), "schema version %d\n", v)
	return nil
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the build version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), version.String())
		},
	}
}
