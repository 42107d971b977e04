package commands

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
)

func newStatusCommand(opts *options) *cobra.Command {
	var current bool

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Print which stages of the job are done",
		Long: `Print a JSON object mapping every stage id, in job order, to "done" or
"pending". Only storage metadata is read; the executor is not contacted.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()

			orch, release, err := opts.orchestrator(cmd, false)
			if err != nil {
				return err
			}
			defer release()

			if current {
				step, err := orch.CurrentStep(ctx)
				if err != nil {
					return err
				}
				_, err = fmt.Fprintln(cmd.OutOrStdout(), step)
				return err
			}

			report, err := orch.Status(ctx)
			if err != nil {
				return err
			}
			out, err := json.MarshalIndent(report, "", "  ")
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), string(out))
			return err
		},
	}

	cmd.Flags().BoolVar(&current, "current", false, "print only the id of the stage the last launch was running")

	return cmd
}
