package cli

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/konote/surveyengine/internal/backfill"
	"github.com/konote/surveyengine/internal/bootstrap"
)

func newBackfillCmd() *cobra.Command {
	var (
		rule   string
		inline bool
	)

	cmd := &cobra.Command{
		Use:   "backfill",
		Short: "Apply an active include-existing rule to participants who already qualify",
		Long: "Queues a backfill job for the rule. With --inline, or when Redis is not\n" +
			"configured, the job runs in this process and the command waits for it.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if rule == "" {
				return errors.New("--rule is required")
			}
			id, err := uuid.Parse(rule)
			if err != nil {
				return fmt.Errorf("invalid --rule: %w", err)
			}

			s := sessionFrom(cmd.Context())
			svc, err := bootstrap.New(cmd.Context(), s.cfg, s.log)
			if err != nil {
				return err
			}
			defer func() { _ = svc.Close() }()

			job := backfill.Job{RuleID: id, RequestedAt: time.Now().UTC()}
			out := cmd.OutOrStdout()

			if !inline && svc.SharedQueue() {
				if err := svc.Queue.Push(cmd.Context(), job); err != nil {
					return fmt.Errorf("failed to enqueue backfill job: %w", err)
				}
				_, _ = fmt.Fprintf(out, "Backfill job queued for rule %s\n", id)
				return nil
			}

			created, err := svc.Worker().Process(cmd.Context(), job)
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintf(out, "Backfill for rule %s created %d assignment(s)\n", id, created)
			return nil
		},
	}

	cmd.Flags().StringVar(&rule, "rule", "", "Rule ID")
	cmd.Flags().BoolVar(&inline, "inline", false, "Run the backfill in this process instead of queueing it")
	return cmd
}
