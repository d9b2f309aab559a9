package commands

import (
	"errors"
	"fmt"
	"io"

	"github.com/goforj/memo"
	"github.com/goforj/memo/internal/probe"
	"github.com/spf13/cobra"
)

func (c *CLI) newLoadCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "load FILE",
		Short: "Drop any entry for FILE, then load it twice and report both outcomes",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := c.memoizer(cmd)
			if err != nil {
				return err
			}
			defer m.Close()

			ctx := cmd.Context()
			if err := m.Invalidate(ctx, args[0]); err != nil {
				return err
			}
			for _, pass := range []string{"first", "second"} {
				res, err := m.Build(ctx, args[0], c.builder())
				if err != nil && !errors.Is(err, memo.ErrContention) {
					return err
				}
				printOutcome(c.out, pass, res)
			}
			return nil
		},
	}
}

func printOutcome(w io.Writer, label string, res memo.Result) {
	_, _ = fmt.Fprintf(w, "%s: loaded_from_cache=%t saved_to_cache=%t elapsed=%s\n",
		label, res.LoadedFromCache, res.SavedToCache, res.Elapsed)
	if s, ok := probe.SummaryOf(res.Graph); ok {
		_, _ = fmt.Fprintf(w, "  %s: size=%d lines=%d digest=%016x\n", s.Path, s.Size, s.Lines, s.Digest)
	}
}
