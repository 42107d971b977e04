package commands

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newLogsCommand(opts *options) *cobra.Command {
	var follow bool

	cmd := &cobra.Command{
		Use:   "logs",
		Short: "Print the executor log of the job",
		Long: `Connect to the executor recorded by the last launch and print its log.
With --follow, keep printing new lines until the launch ends.`,
		Example: `  aeolus -c job.yaml logs -f`,
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			orch, release, err := opts.orchestrator(cmd, false)
			if err != nil {
				return err
			}
			defer release()

			out := cmd.OutOrStdout()
			return orch.Logs(cmd.Context(), follow, func(line string) error {
				_, err := fmt.Fprintln(out, line)
				return err
			})
		},
	}

	cmd.Flags().BoolVarP(&follow, "follow", "f", false, "keep printing new lines while the job runs")

	return cmd
}
