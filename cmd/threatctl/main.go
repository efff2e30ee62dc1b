// Package main is threatctl, a command-line client that ingests NVD
// advisories and asks questions against the local vector store without
// running the API server.
package main

import (
	"context"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/WessleyAI/threatintel/engine/app"
	"github.com/WessleyAI/threatintel/pkg/config"
)

// version is set at build time via ldflags.
var version = "dev"

// buildFunc wires the stack for a loaded config.
type buildFunc func(ctx context.Context, cfg config.Config, logger *slog.Logger) (*app.App, error)

// cli carries state shared by every subcommand.
type cli struct {
	build  buildFunc
	app    *app.App
	cfg    config.Config
	logger *slog.Logger
}

func defaultBuild(ctx context.Context, cfg config.Config, logger *slog.Logger) (*app.App, error) {
	return app.Build(ctx, cfg, logger)
}

// newRootCmd assembles the command tree writing to out. Logs are discarded
// unless --verbose is set.
func newRootCmd(build buildFunc, out io.Writer) *cobra.Command {
	c := &cli{build: build}

	root := &cobra.Command{
		Use:   "threatctl",
		Short: "Ingest CVE advisories and ask questions about them",
		Long: `threatctl drives the threat-intelligence pipelines directly. "ingest" pulls
recent advisories from the NVD feed (or a saved response page) into the vector
store; "query" answers a question from the stored advisories with citations.

Configuration comes from .env, ./threatintel.yaml (or --config) and the
environment, exactly as for the API server.`,
		SilenceUsage: true,
	}
	root.SetOut(out)
	root.SetErr(out)
	root.PersistentFlags().String("config", "", "config file (default: ./threatintel.yaml)")
	root.PersistentFlags().BoolP("verbose", "v", false, "log pipeline activity to stderr")

	root.AddCommand(
		newIngestCmd(c),
		newQueryCmd(c),
		newStatusCmd(c),
		newChatCmd(c),
		newVersionCmd(),
	)
	return root
}

// withApp wires the stack before run and closes it afterwards.
func (c *cli) withApp(run func(cmd *cobra.Command, args []string) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		if err := c.load(cmd); err != nil {
			return err
		}
		defer c.app.Close(context.Background())
		return run(cmd, args)
	}
}

// load reads the configuration and wires the stack.
func (c *cli) load(cmd *cobra.Command) error {
	verbose, _ := cmd.Flags().GetBool("verbose")
	c.logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	if verbose {
		c.logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug}))
	}

	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(path)
	if err != nil {
		return err
	}
	c.cfg = cfg
	c.app, err = c.build(cmd.Context(), cfg, c.logger)
	return err
}

func main() {
	if err := newRootCmd(defaultBuild, os.Stdout).ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}
