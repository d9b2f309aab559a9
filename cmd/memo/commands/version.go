package commands

import (
	"fmt"

	"github.com/goforj/memo/codec"
	"github.com/goforj/memo/internal/build"
	"github.com/spf13/cobra"
)

func (c *CLI) newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the application version",
		Run: func(_ *cobra.Command, _ []string) {
			_, _ = fmt.Fprintf(c.out, "memo version %s (revision %s, format %d)\n",
				build.Version, build.RevisionOrVCS(), codec.FormatVersion)
		},
	}
}
