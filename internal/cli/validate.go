package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
)

func validateCmd(rf *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "validate <path>",
		Short: "Load pipeline definitions and check their handlers",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := rf.load()
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
			out := cmd.OutOrStdout()
			for _, p := range ps {
				on := "any event"
				if kinds := p.Trigger().Kinds(); len(kinds) > 0 {
					names := make([]string, len(kinds))
					for i, k := range kinds {
						names[i] = string(k)
					}
					on = strings.Join(names, ", ")
				}
				fmt.Fprintf(out, "%s: %d steps, on %s\n", p.Name(), p.Len(), on)
			}
			fmt.Fprintf(out, "ok: %d pipelines\n", len(ps))
			return nil
		},
	}
}
