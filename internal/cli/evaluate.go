package cli

import (
	"errors"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/konote/surveyengine/internal/bootstrap"
	"github.com/konote/surveyengine/internal/triggers"
)

func newEvaluateCmd() *cobra.Command {
	var participant string

	cmd := &cobra.Command{
		Use:   "evaluate",
		Short: "Evaluate every active rule for one participant, as a portal page load would",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if participant == "" {
				return errors.New("--participant is required")
			}
			id, err := uuid.Parse(participant)
			if err != nil {
				return fmt.Errorf("invalid --participant: %w", err)
			}

			s := sessionFrom(cmd.Context())
			svc, err := bootstrap.New(cmd.Context(), s.cfg, s.log)
			if err != nil {
				return err
			}
			defer func() { _ = svc.Close() }()

			out := cmd.OutOrStdout()
			if !svc.Dispatcher.Enabled() {
				_, _ = fmt.Fprintln(out, "Surveys are disabled; nothing evaluated.")
				return nil
			}

			created, err := svc.Dispatcher.EvaluateParticipant(cmd.Context(), id)
			if err != nil {
				return err
			}
			if len(created) == 0 {
				_, _ = fmt.Fprintln(out, "No new assignments.")
				return nil
			}
			return printAssignments(out, created)
		},
	}

	cmd.Flags().StringVar(&participant, "participant", "", "Participant ID")
	return cmd
}

func printAssignments(w io.Writer, assignments []triggers.Assignment) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "ASSIGNMENT\tSURVEY\tSTATUS\tREASON")
	for _, a := range assignments {
		_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", a.ID, a.SurveyID, a.Status, a.TriggerReason)
	}
	return tw.Flush()
}
