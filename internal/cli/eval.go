package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/danmuck/pklctl/internal/evaluator"
	"github.com/danmuck/pklctl/internal/observability"
	"github.com/danmuck/pklctl/internal/result"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/expfmt"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

type evalOptions struct {
	Expr      string
	OutputDir string
	Metrics   bool
}

func newEvalCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &evalOptions{}
	cmd := &cobra.Command{
		Use:   "eval <module>",
		Short: "Evaluate a module and print the result",
		Long: `Evaluate a module given as a URI (pkl:, file:, https:, ...) or a local path.

Without --expr the module's rendered output is printed in the configured
output format. With --format json the result tree is printed as JSON.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			err := runEval(cmd, rootOpts, opts, args[0])
			if opts.Metrics {
				if merr := writeMetrics(cmd.ErrOrStderr()); err == nil {
					err = merr
				}
			}
			return err
		},
	}
	cmd.Flags().StringVarP(&opts.Expr, "expr", "x", "", "expression to evaluate within the module")
	cmd.Flags().StringVarP(&opts.OutputDir, "output-dir", "o", "", "write output.files into this directory")
	cmd.Flags().BoolVar(&opts.Metrics, "metrics", false, "print session metrics to stderr when done")
	return cmd
}

func runEval(cmd *cobra.Command, rootOpts *RootOptions, opts *evalOptions, module string) error {
	ctx := cmd.Context()
	cfg, err := rootOpts.loadConfig()
	if err != nil {
		return err
	}
	src, err := moduleSource(module)
	if err != nil {
		return err
	}

	m, err := rootOpts.Connect(ctx, cfg.Manager)
	if err != nil {
		return err
	}
	log.Debug().Str("session", m.Session()).Str("engine", m.Version()).Msg("cli.eval connected")
	defer func() {
		if err := m.Close(); err != nil {
			log.Warn().Err(err).Msg("cli.eval session close")
		}
	}()

	ev, err := m.NewEvaluator(ctx, cfg.Options)
	if err != nil {
		return err
	}
	defer func() { _ = m.CloseEvaluator(ev.ID()) }()

	out := cmd.OutOrStdout()
	switch {
	case opts.OutputDir != "":
		files, err := m.EvaluateOutputFiles(ctx, ev.ID(), src)
		if err != nil {
			return err
		}
		return writeFiles(out, opts.OutputDir, files)
	case rootOpts.Format == "json":
		var expr *string
		if opts.Expr != "" {
			expr = &opts.Expr
		}
		v, err := m.Evaluate(ctx, ev.ID(), src, expr)
		if err != nil {
			return err
		}
		return writeJSON(out, v)
	case opts.Expr != "":
		v, err := m.EvaluateExpression(ctx, ev.ID(), src, opts.Expr)
		if err != nil {
			return err
		}
		if s, ok := v.(string); ok {
			_, err = fmt.Fprintln(out, s)
			return err
		}
		return writeJSON(out, v)
	default:
		text, err := m.EvaluateOutputText(ctx, ev.ID(), src)
		if err != nil {
			return err
		}
		_, err = io.WriteString(out, text)
		return err
	}
}

// moduleSource treats anything with a URI scheme as a URI and everything
// else as a path on disk.
func moduleSource(arg string) (evaluator.ModuleSource, error) {
	if arg == "-" {
		data, err := io.ReadAll(os.Stdin)
		if err != nil {
			return evaluator.ModuleSource{}, err
		}
		return evaluator.TextSource(string(data)), nil
	}
	if i := strings.Index(arg, ":"); i > 1 && !strings.ContainsAny(arg[:i], `/\`) {
		return evaluator.URISource(arg), nil
	}
	return evaluator.FileSource(arg)
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(result.Native(v))
}

// writeMetrics dumps the default registry in the text exposition format.
func writeMetrics(w io.Writer) error {
	observability.RegisterMetrics()
	families, err := prometheus.DefaultGatherer.Gather()
	if err != nil {
		return err
	}
	for _, mf := range families {
		if !strings.HasPrefix(mf.GetName(), "pklctl_") {
			continue
		}
		if _, err := expfmt.MetricFamilyToText(w, mf); err != nil {
			return err
		}
	}
	return nil
}

func writeFiles(w io.Writer, dir string, files map[string]string) error {
	names := make([]string, 0, len(files))
	for name := range files {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if !filepath.IsLocal(filepath.FromSlash(name)) {
			return fmt.Errorf("output file %q escapes %s", name, dir)
		}
		path := filepath.Join(dir, filepath.FromSlash(name))
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return err
		}
		if err := os.WriteFile(path, []byte(files[name]), 0o644); err != nil {
			return err
		}
		fmt.Fprintln(w, path)
	}
	return nil
}
