package commands

import (
	"fmt"

	"github.com/spf13/cobra"
)

func (c *CLI) newInspectCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "inspect FILE...",
		Short: "Print the envelope header of each cached entry",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := c.memoizer(cmd)
			if err != nil {
				return err
			}
			defer m.Close()

			for _, arg := range args {
				entry, ok, err := m.Inspect(cmd.Context(), arg)
				if err != nil {
					return err
				}
				if !ok {
					_, _ = fmt.Fprintf(c.out, "%s: no entry\n", arg)
					continue
				}
				status := "accepted"
				if entry.Rejected != nil {
					status = "rejected: " + entry.Rejected.Error()
				}
				typeName := entry.TypeName
				if typeName == "" {
					typeName = "?"
				}
				_, _ = fmt.Fprintf(c.out, "%s: format=%d release=%q revision=%q type=%s(%d) payload=%dB %s\n",
					entry.Key, entry.Header.FormatVersion, entry.Header.Release, entry.Header.Revision,
					typeName, entry.Header.TypeID, entry.PayloadBytes, status)
			}
			return nil
		},
	}
}
