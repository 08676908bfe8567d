package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"task-dispatch-engine/internal/config"
	"task-dispatch-engine/internal/store"
)

func newMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply the embedded database migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.Load()
			st, err := store.New(cmd.Context(), cfg.PostgresDSN)
			if err != nil {
				return err
			}
			defer st.Close()
			if err := st.RunMigrations(cmd.Context()); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "migrations applied")
			return nil
		},
	}
}
