package commands

import (
	"fmt"

	"github.com/spf13/cobra"
)

func (c *CLI) newDropCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "drop FILE...",
		Short: "Delete cached entries",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := c.memoizer(cmd)
			if err != nil {
				return err
			}
			defer m.Close()

			for _, arg := range args {
				if err := m.Invalidate(cmd.Context(), arg); err != nil {
					return err
				}
				_, _ = fmt.Fprintf(c.out, "dropped %s\n", arg)
			}
			return nil
		},
	}
}
