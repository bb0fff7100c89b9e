package cli

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/konote/surveyengine/internal/bootstrap"
	"github.com/konote/surveyengine/internal/triggers"
)

func newRulesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "rules",
		Short: "Inspect trigger rules",
	}
	cmd.AddCommand(newRulesListCmd())
	return cmd
}

func newRulesListCmd() *cobra.Command {
	var activeOnly bool

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List trigger rules, flagging any that no longer compile",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			s := sessionFrom(cmd.Context())
			st, _, _, err := bootstrap.OpenStore(cmd.Context(), &s.cfg.Database)
			if err != nil {
				return err
			}
			defer func() { _ = st.Close() }()

			rules, err := st.ListRules(cmd.Context())
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
			_, _ = fmt.Fprintln(tw, "ID\tSURVEY\tTYPE\tREPEAT\tACTIVE\tVALID\tNAME")
			shown := 0
			for _, r := range rules {
				if activeOnly && !r.Active {
					continue
				}
				valid := "yes"
				if _, err := triggers.Compile(r); err != nil {
					valid = "no"
				}
				_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%t\t%s\t%s\n",
					r.ID, r.SurveyID, r.TriggerType, r.RepeatPolicy, r.Active, valid, r.Name)
				shown++
			}
			if shown == 0 {
				_, _ = fmt.Fprintln(out, "No rules.")
				return nil
			}
			return tw.Flush()
		},
	}

	cmd.Flags().BoolVar(&activeOnly, "active", false, "Only list active rules")
	return cmd
}
