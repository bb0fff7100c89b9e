// Package cli implements surveyctl, the operator command line for the survey engine.
package cli

import (
	"context"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/konote/surveyengine/internal/config"
	"github.com/konote/surveyengine/internal/logger"
)

type sessionKey struct{}

// session is what PersistentPreRunE resolves once for every subcommand.
type session struct {
	cfg *config.Config
	log *slog.Logger
}

func withSession(ctx context.Context, s *session) context.Context {
	return context.WithValue(ctx, sessionKey{}, s)
}

func sessionFrom(ctx context.Context) *session {
	s, ok := ctx.Value(sessionKey{}).(*session)
	if !ok {
		panic("cli: command run without a session")
	}
	return s
}

// NewRootCmd builds the surveyctl command tree. Configuration is read from the
// same KONOTE_* environment as the services.
func NewRootCmd(version string) *cobra.Command {
	var verbose bool

	cmd := &cobra.Command{
		Use:          "surveyctl",
		Short:        "Operate the KoNote survey trigger engine",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if verbose {
				cfg.App.LogLevel = "debug"
			}
			log := logger.NewWithWriter(&cfg.App, cmd.ErrOrStderr()).With(slog.String("component", "surveyctl"))
			cmd.SetContext(logger.WithContext(withSession(cmd.Context(), &session{cfg: cfg, log: log}), log))
			return nil
		},
	}

	cmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Log at debug level")

	cmd.AddCommand(newMigrateCmd())
	cmd.AddCommand(newEvaluateCmd())
	cmd.AddCommand(newRulesCmd())
	cmd.AddCommand(newBackfillCmd())

	cmd.SetOut(os.Stdout)
	cmd.SetErr(os.Stderr)

	cmd.SetVersionTemplate("{{.Version}}\n")
	if version == "" {
		version = "dev"
	}
	cmd.Version = version

	return cmd
}
