package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newStatusCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the configured backends and the stored advisory count",
		Args:  cobra.NoArgs,
		RunE: c.withApp(func(cmd *cobra.Command, _ []string) error {
			n, err := c.app.Store.Count(cmd.Context())
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "embedder:     %s\n", c.cfg.Embedder)
			fmt.Fprintf(out, "synthesizer:  %s\n", c.cfg.Synthesizer)
			fmt.Fprintf(out, "vector store: %s\n", c.cfg.VectorStore)
			fmt.Fprintf(out, "advisories:   %d\n", n)
			return nil
		}),
	}
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version of threatctl",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "threatctl %s\n", version)
		},
	}
}
