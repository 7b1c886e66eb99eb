package cli

import (
	"fmt"

	"github.com/danmuck/pklctl/internal/config"
	"github.com/spf13/cobra"
)

func newConfigCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Write or check a pklctl config file",
	}

	var output, kind string
	var force bool
	initCmd := &cobra.Command{
		Use:   "init",
		Short: "Write a config template",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			target := output
			if target == "" {
				target = "pklctl." + kind
			}
			if err := config.WriteTemplate(target, kind, force); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %s\n", target)
			return nil
		},
	}
	initCmd.Flags().StringVarP(&output, "output", "o", "", "output path (default pklctl.<kind>)")
	initCmd.Flags().StringVar(&kind, "kind", "toml", "template syntax (toml|yaml)")
	initCmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")

	validateCmd := &cobra.Command{
		Use:   "validate <path>",
		Short: "Load and validate a config file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rootOpts.ConfigPath = args[0]
			if _, err := rootOpts.loadConfig(); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "validated %s\n", args[0])
			return nil
		},
	}

	cmd.AddCommand(initCmd, validateCmd)
	return cmd
}
