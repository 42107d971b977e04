package commands

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newShowCommand(opts *options) *cobra.Command {
	var format string

	cmd := &cobra.Command{
		Use:   "show",
		Short: "Print the merged configuration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			doc, _, err := opts.load()
			if err != nil {
				return err
			}

			var out []byte
			switch format {
			case "json":
				out, err = doc.Indent()
				out = append(out, '\n')
			case "yaml":
				out, err = doc.YAML()
			default:
				return fmt.Errorf("invalid format: %s (must be 'json' or 'yaml')", format)
			}
			if err != nil {
				return err
			}
			_, err = cmd.OutOrStdout().Write(out)
			return err
		},
	}

	cmd.Flags().StringVarP(&format, "format", "o", "json", "output format (json, yaml)")

	return cmd
}
