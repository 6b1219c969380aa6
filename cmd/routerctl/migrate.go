package main

import (
	"errors"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"smsrouter/internal/migrations"
)

func newMigrateCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply or roll back the database schema",
	}

	open := func() (*migrations.Migrator, error) {
		if a.dsn == "" {
			return nil, errors.New("no database: set DB_DSN or --dsn")
		}
		return migrations.New(a.dsn)
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "up",
		Short: "Apply all pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := open()
			if err != nil {
				return err
			}
			defer m.Close()
			return m.Up()
		},
	})

	var yes bool
	down := &cobra.Command{
		Use:   "down",
		Short: "Roll back every migration (drops all data)",
		RunE: func(cmd *cobra.Command, args []string) error {
			if !yes {
				return errors.New("refusing to drop the schema without --yes")
			}
			m, err := open()
			if err != nil {
				return err
			}
			defer m.Close()
			return m.Down()
		},
	}
	down.Flags().BoolVar(&yes, "yes", false, "confirm dropping all data")
	cmd.AddCommand(down)

	cmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print the applied schema version",
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := open()
			if err != nil {
				return err
			}
			defer m.Close()
			v, dirty, err := m.Version()
			if err != nil {
				return err
			}
			out := map[string]any{"version": v, "dirty": dirty}
			return render(cmd.OutOrStdout(), a.output, out, func(tw *tabwriter.Writer) {
				row(tw, "VERSION", "DIRTY")
				row(tw, v, dirty)
			})
		},
	})
	return cmd
}
