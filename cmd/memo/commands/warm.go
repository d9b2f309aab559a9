package commands

import (
	"errors"
	"fmt"
	"runtime"
	"sync"

	"github.com/goforj/memo"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

func (c *CLI) newWarmCmd() *cobra.Command {
	var jobs int
	cmd := &cobra.Command{
		Use:   "warm FILE...",
		Short: "Build and cache entries for many files concurrently",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := c.memoizer(cmd)
			if err != nil {
				return err
			}
			defer m.Close()

			var (
				mu   sync.Mutex
				hits int
				save int
			)
			g, ctx := errgroup.WithContext(cmd.Context())
			g.SetLimit(jobs)
			for _, arg := range args {
				g.Go(func() error {
					res, err := m.Build(ctx, arg, c.builder())
					if err != nil && !errors.Is(err, memo.ErrContention) {
						return err
					}
					mu.Lock()
					defer mu.Unlock()
					if res.LoadedFromCache {
						hits++
					}
					if res.SavedToCache {
						save++
					}
					printOutcome(c.out, arg, res)
					return nil
				})
			}
			if err := g.Wait(); err != nil {
				return err
			}
			_, _ = fmt.Fprintf(c.out, "warmed %d files: %d cached, %d saved\n", len(args), hits, save)
			return nil
		},
	}
	cmd.Flags().IntVarP(&jobs, "jobs", "j", runtime.NumCPU(), "Maximum concurrent builds")
	return cmd
}
