package commands

import (
	"github.com/spf13/cobra"
)

func newTerminateCommand(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "terminate",
		Short: "Stop a running launch of the job",
		Long: `Connect to the executor recorded by the last launch and ask it to stop
the launch. Executors that cannot do this report an error.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			orch, release, err := opts.orchestrator(cmd, false)
			if err != nil {
				return err
			}
			defer release()

			if err := orch.Terminate(cmd.Context()); err != nil {
				return err
			}
			opts.logger.Info().Str("job_id", orch.Job().ID()).Msg("Termination requested")
			return nil
		},
	}
}
