package cli

import (
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"pullci/internal/core"
	"pullci/internal/export"
	"pullci/internal/reporter"
	"pullci/internal/storage"
	"pullci/internal/trigger"
)

type runFlags struct {
	Event     string
	Meta      []string
	Pipeline  string
	Workspace string
	LogDir    string
	Report    bool
}

func runCmd(rf *rootFlags) *cobra.Command {
	f := &runFlags{}
	cmd := &cobra.Command{
		Use:   "run <path>",
		Short: "Run the pipelines matching an event once, locally",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := rf.load()
			if err != nil {
				return err
			}
			logger, err := cfg.NewLogger(cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			meta, err := parseMeta(f.Meta)
			if err != nil {
				return err
			}

			reg, err := newRegistry(cfg, nil)
			if err != nil {
				return err
			}
			ps, err := loadPipelines(args[0], reg)
			if err != nil {
				return err
			}
			reg.Freeze()

			opts := []core.Option{core.WithLogger(logger), core.WithOutputLimit(cfg.OutputLimit)}
			if f.Report {
				opts = append(opts, core.WithReporter(reporter.NewJSON(cmd.ErrOrStderr())))
			}
			if f.Workspace != "" {
				opts = append(opts, core.WithWorkspaceRoot(f.Workspace, true))
			}
			if f.LogDir != "" {
				opts = append(opts, core.WithLogStore(storage.NewLogStorage(f.LogDir)))
			}
			l := trigger.NewListener(core.NewExecutor(reg, opts...), ps,
				trigger.WithLogger(logger), trigger.WithSinks(export.LogSink{Logger: logger}))

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			ev := core.NewEvent(core.EventKind(f.Event), meta)
			var recs []*core.RunRecord
			if f.Pipeline != "" {
				rec, err := l.Run(ctx, f.Pipeline, ev)
				if err != nil {
					return err
				}
				recs = append(recs, rec)
			} else {
				recs = l.OnEvent(ctx, ev)
			}
			if len(recs) == 0 {
				fmt.Fprintf(cmd.ErrOrStderr(), "no pipeline matched event %s\n", ev.Kind)
				return nil
			}

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			failed := 0
			for _, rec := range recs {
				if err := enc.Encode(rec); err != nil {
					return err
				}
				if !rec.Succeeded() {
					failed++
				}
			}
			if failed > 0 {
				return fmt.Errorf("%w: %d of %d runs", ErrRunFailed, failed, len(recs))
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&f.Event, "event", string(core.EventManual), "Event kind")
	cmd.Flags().StringArrayVar(&f.Meta, "meta", nil, "Event metadata as key=value (repeatable)")
	cmd.Flags().StringVar(&f.Pipeline, "pipeline", "", "Run this pipeline regardless of its trigger")
	cmd.Flags().StringVar(&f.Workspace, "workspace", "", "Root for per-run workspaces (default: current directory)")
	cmd.Flags().StringVar(&f.LogDir, "logs", "", "Directory for step logs")
	cmd.Flags().BoolVar(&f.Report, "report", false, "Write lifecycle events as JSON lines to stderr")
	return cmd
}

// parseMeta parses key=value pairs. Values are YAML scalars, so numbers
// and booleans keep their type for trigger conditions.
func parseMeta(pairs []string) (map[string]any, error) {
	meta := make(map[string]any, len(pairs))
	for _, p := range pairs {
		k, v, ok := strings.Cut(p, "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("--meta %q: expected key=value", p)
		}
		var val any
		if err := yaml.Unmarshal([]byte(v), &val); err != nil {
			val = v
		}
		switch val.(type) {
		case nil, map[string]any, []any:
			val = v
		}
		meta[k] = val
	}
	return meta, nil
}
