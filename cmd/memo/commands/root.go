// Package commands implements the memo CLI.
package commands

import (
	"context"
	"io"
	"log/slog"
	"time"

	"github.com/goforj/memo"
	"github.com/goforj/memo/codec"
	"github.com/goforj/memo/internal/build"
	"github.com/goforj/memo/internal/probe"
	"github.com/goforj/memo/table"
	"github.com/spf13/cobra"
)

// CLI represents the memo command line interface.
type CLI struct {
	rootCmd *cobra.Command
	out     io.Writer
	errOut  io.Writer
	flags   flags
}

type flags struct {
	config      string
	dir         string
	inPlace     bool
	minElapsed  time.Duration
	relaxed     bool
	driver      string
	table       string
	dsn         string
	prefix      string
	compression string
	headerLen   int
	indexed     int
	verbose     bool
}

// New creates a CLI writing results to out and logs to errOut.
func New(out, errOut io.Writer) *CLI {
	rootCmd := &cobra.Command{
		Use:           "memo",
		Short:         "Cache expensive file introspection between runs",
		SilenceUsage:  true,
		SilenceErrors: true,
		Version:       build.Version,
	}

	rootCmd.InitDefaultVersionFlag()
	rootCmd.Flags().Lookup("version").Usage = "Print the application version"

	c := &CLI{rootCmd: rootCmd, out: out, errOut: errOut}
	rootCmd.SetOut(out)
	rootCmd.SetErr(errOut)

	pf := rootCmd.PersistentFlags()
	pf.StringVar(&c.flags.config, "config", "", "YAML config file; MEMO_* environment variables override it")
	pf.StringVar(&c.flags.dir, "dir", "", "Cache root directory mirroring resource paths")
	pf.BoolVar(&c.flags.inPlace, "in-place", false, "Store entries beside their resources")
	pf.DurationVar(&c.flags.minElapsed, "min-elapsed", memo.DefaultMinimumElapsed, "Minimum build time worth saving; 0 saves always")
	pf.BoolVar(&c.flags.relaxed, "relaxed", false, "Accept entries from any build of the same major.minor release")
	pf.StringVar(&c.flags.driver, "driver", "", "Backend driver: file, shared or null")
	pf.StringVar(&c.flags.table, "table", "", "Shared table driver: memory, dir, sql, redis, nats, dynamodb, memcached")
	pf.StringVar(&c.flags.dsn, "dsn", "", "Connection string for the shared table")
	pf.StringVar(&c.flags.prefix, "prefix", "", "Key prefix for shared tables")
	pf.StringVar(&c.flags.compression, "compression", "", "Payload compression: none or gzip")
	pf.IntVar(&c.flags.headerLen, "header-len", 16, "Leading bytes kept in each summary")
	pf.IntVar(&c.flags.indexed, "indexed", 0, "Index the offset of every Nth line")
	pf.BoolVar(&c.flags.verbose, "verbose", false, "Log cache decisions")

	rootCmd.AddCommand(c.newLoadCmd())
	rootCmd.AddCommand(c.newInspectCmd())
	rootCmd.AddCommand(c.newDropCmd())
	rootCmd.AddCommand(c.newWarmCmd())
	rootCmd.AddCommand(c.newVersionCmd())

	return c
}

// Execute runs the root command with the given context.
func (c *CLI) Execute(ctx context.Context) error {
	c.rootCmd.SetContext(ctx)
	return c.rootCmd.Execute()
}

// SetArgs sets the arguments for the root command. Used for testing.
func (c *CLI) SetArgs(args []string) {
	c.rootCmd.SetArgs(args)
}

// config merges the config file, environment and explicitly set flags.
func (c *CLI) config(cmd *cobra.Command) (memo.Config, error) {
	var (
		cfg memo.Config
		err error
	)
	if c.flags.config != "" {
		cfg, err = memo.LoadConfigFile(c.flags.config)
	} else {
		cfg, err = memo.LoadConfigEnv()
	}
	if err != nil {
		return cfg, err
	}

	changed := func(name string) bool { return cmd.Flags().Changed(name) }
	if changed("dir") {
		cfg.CacheDir = c.flags.dir
	}
	if changed("in-place") {
		cfg.InPlace = c.flags.inPlace
	}
	if changed("min-elapsed") {
		cfg.MinimumElapsed = c.flags.minElapsed
		if cfg.MinimumElapsed <= 0 {
			cfg.MinimumElapsed = memo.AlwaysSave
		}
	}
	if changed("relaxed") && c.flags.relaxed {
		cfg.VersionPolicy = codec.PolicyRelaxed
	}
	if changed("driver") {
		cfg.Driver = memo.Driver(c.flags.driver)
	}
	if changed("table") {
		cfg.Table = table.Driver(c.flags.table)
	}
	if changed("dsn") {
		cfg.DSN = c.flags.dsn
	}
	if changed("prefix") {
		cfg.Prefix = c.flags.prefix
	}
	if changed("compression") {
		cfg.Compression = codec.Compression(c.flags.compression)
	}

	level := slog.LevelWarn
	if c.flags.verbose {
		level = slog.LevelDebug
	}
	cfg.Logger = slog.New(slog.NewTextHandler(c.errOut, &slog.HandlerOptions{Level: level}))
	cfg.Catalog = probe.Catalog()
	return cfg, nil
}

func (c *CLI) memoizer(cmd *cobra.Command) (*memo.Memoizer, error) {
	cfg, err := c.config(cmd)
	if err != nil {
		return nil, err
	}
	m, err := memo.Open(cmd.Context(), memo.WithConfig(cfg))
	if err != nil {
		return nil, err
	}
	if err := memo.BackendErr(m.Backend()); err != nil {
		return nil, err
	}
	return m, nil
}

func (c *CLI) builder() memo.Builder {
	return probe.Builder(probe.Options{HeaderLen: c.flags.headerLen, IndexStride: c.flags.indexed})
}
