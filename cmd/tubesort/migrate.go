package main

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/banshee-data/tubesort/internal/config"
	"github.com/banshee-data/tubesort/internal/db"
)

func init() {
	migrateCmd.AddCommand(migrateUpCmd, migrateDownCmd, migrateVersionCmd, migrateForceCmd)
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Manage the run state database schema",
	Long: `Apply, roll back or inspect the run state database schema. The database
path comes from server.state_db in the configuration.

Examples:
  tubesort migrate up
  tubesort migrate version
  tubesort migrate force 1`,
}

var migrateUpCmd = &cobra.Command{
	Use:   "up",
	Short: "Apply all pending migrations",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withStateDB(func(d *db.DB) error {
			if err := d.MigrateUp(); err != nil {
				return err
			}
			return printVersion(cmd, d)
		})
	},
}

var migrateDownCmd = &cobra.Command{
	Use:   "down",
	Short: "Roll back the most recent migration",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withStateDB(func(d *db.DB) error {
			if err := d.MigrateDown(); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "rolled back the most recent migration")
			return nil
		})
	},
}

var migrateVersionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the current schema version",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withStateDB(func(d *db.DB) error { return printVersion(cmd, d) })
	},
}

var migrateForceCmd = &cobra.Command{
	Use:   "force <version>",
	Short: "Set the schema version without running migrations",
	Long:  "Set the schema version and clear the dirty flag after a failed migration was repaired by hand.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		v, err := strconv.Atoi(args[0])
		if err != nil {
			return fmt.Errorf("invalid version %q: %w", args[0], err)
		}
		return withStateDB(func(d *db.DB) error {
			if err := d.MigrateForce(v); err != nil {
				return err
			}
			return printVersion(cmd, d)
		})
	},
}

func withStateDB(fn func(*db.DB) error) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	d, err := db.OpenDB(cfg.Server.GetStateDB())
	if err != nil {
		return err
	}
	defer d.Close()
	return fn(d)
}

func printVersion(cmd *cobra.Command, d *db.DB) error {
	v, dirty, err := d.MigrateVersion()
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s: schema version %d (dirty: %t)\n", d.Path(), v, dirty)
	return nil
}
