// Package cli implements the pklctl command tree.
package cli

import (
	"context"
	"fmt"

	"github.com/danmuck/pklctl/internal/config"
	"github.com/danmuck/pklctl/internal/evaluator"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

// Version is the pklctl build version, set with -ldflags.
var Version = "dev"

var ValidFormats = []string{"text", "json"}

// RootOptions holds global flags and the seams tests replace.
type RootOptions struct {
	ConfigPath string
	Format     string
	Verbose    bool

	// Host defaults to config.HostFromOS().
	Host *evaluator.Host
	// Connect starts a session. Defaults to evaluator.New.
	Connect func(ctx context.Context, cfg evaluator.Config) (*evaluator.Manager, error)
}

func NewRootCommand() *cobra.Command {
	return newRootCommand(&RootOptions{})
}

func newRootCommand(opts *RootOptions) *cobra.Command {
	if opts.Connect == nil {
		opts.Connect = evaluator.New
	}
	cmd := &cobra.Command{
		Use:   "pklctl",
		Short: "Evaluate Pkl modules through a pkl server subprocess",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !isValidFormat(opts.Format) {
				return fmt.Errorf("invalid format %q: must be one of %v", opts.Format, ValidFormats)
			}
			if opts.Verbose {
				zerolog.SetGlobalLevel(zerolog.DebugLevel)
			}
			return nil
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().StringVarP(&opts.ConfigPath, "config", "c", "", "config file (.toml, .yaml or .yml)")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")
	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "debug logging on stderr")

	cmd.AddCommand(newEvalCommand(opts))
	cmd.AddCommand(newVersionCommand(opts))
	cmd.AddCommand(newConfigCommand(opts))
	return cmd
}

func (o *RootOptions) loadConfig() (config.Config, error) {
	host := config.HostFromOS()
	if o.Host != nil {
		host = *o.Host
	}
	if o.ConfigPath == "" {
		return config.Default(host), nil
	}
	return config.Load(o.ConfigPath, host)
}

func isValidFormat(format string) bool {
	for _, f := range ValidFormats {
		if f == format {
			return true
		}
	}
	return false
}
