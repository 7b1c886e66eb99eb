package cli

import (
	"fmt"

	"github.com/danmuck/pklctl/internal/process"
	"github.com/spf13/cobra"
)

func newVersionCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the pklctl and engine versions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := rootOpts.loadConfig()
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "pklctl %s\n", Version)

			pcfg := cfg.Manager.Process.WithDefaults()
			path, err := process.Resolve(pcfg.Executable)
			if err != nil {
				return err
			}
			v, err := process.Probe(cmd.Context(), path, pcfg)
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "engine %s (%s)\n", v, path)
			return nil
		},
	}
}
