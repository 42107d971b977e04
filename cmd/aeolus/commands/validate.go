package commands

import (
	"errors"
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/aeolus-run/aeolus/pkg/policy"
)

func newValidateCommand(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Check the configuration without running anything",
		Long: `Parse the configuration, build every backend and print each stage with
the hash that identifies its stored artifacts. With --policy the definition
is also checked against the given Rego policies and every violation is
listed. Nothing is provisioned or contacted.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			doc, def, err := opts.load()
			if err != nil {
				return err
			}
			if _, err := opts.registry.Build(def); err != nil {
				return err
			}
			violations, admitErr := opts.admit(cmd.Context(), doc, def)
			if admitErr != nil && !errors.Is(admitErr, policy.ErrDenied) {
				return admitErr
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintf(w, "job\t%s\n", def.Job.ID())
			fmt.Fprintf(w, "executor\t%s\n", def.Executor.Kind)
			fmt.Fprintf(w, "storage\t%s\n", def.Storage.Kind)
			fmt.Fprintf(w, "repository\t%s\n", def.Repository.Kind)
			for step := range def.Job.Steps() {
				fmt.Fprintf(w, "step %s\t%s\n", step.ID, step.Hash())
			}
			for _, v := range violations {
				fmt.Fprintf(w, "%s\t%s\n", v.Severity, v)
			}
			if err := w.Flush(); err != nil {
				return err
			}
			return admitErr
		},
	}
}
