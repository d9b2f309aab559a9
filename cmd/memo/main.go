// Package main is the entry point for the memo CLI.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/goforj/memo/cmd/memo/commands"
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	cli := commands.New(os.Stdout, os.Stderr)
	cli.SetArgs(args)
	if err := cli.Execute(ctx); err != nil {
		_, _ = os.Stderr.WriteString("Error: " + err.Error() + "\n")
		return 1
	}
	return 0
}
