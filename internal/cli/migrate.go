package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/konote/surveyengine/internal/bootstrap"
)

func newMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending schema migrations to the configured database",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			s := sessionFrom(cmd.Context())

			st, _, _, err := bootstrap.OpenStore(cmd.Context(), &s.cfg.Database)
			if err != nil {
				return err
			}
			defer func() { _ = st.Close() }()

			if err := st.Migrate(cmd.Context()); err != nil {
				return fmt.Errorf("migrate: %w", err)
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Migrations applied (%s)\n", s.cfg.Database.Driver)
			return nil
		},
	}
}
