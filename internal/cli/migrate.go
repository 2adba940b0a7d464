package cli

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/solardome/vuln-importer/internal/store"
)

func newMigrateCmd(debug *bool) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or update the database schema",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := newApp(cmd.Context(), *debug)
			if err != nil {
				return err
			}
			defer a.close()

			pg, ok := a.store.(*store.Postgres)
			if !ok {
				return errors.New("migrate needs a Postgres DATABASE_URL")
			}
			if err := pg.Migrate(cmd.Context()); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "schema up to date")
			return nil
		},
	}
}
