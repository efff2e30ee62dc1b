package main

import (
	"bufio"
	"fmt"
	"strings"

	"github.com/spf13/cobra"
)

func newChatCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "chat",
		Short: "Ask questions interactively",
		Long: `Chat reads one question per line from stdin and answers each from the
stored advisories. An empty line is skipped; "exit", "quit" or end of input
stops the session. A failed question is reported and the session continues.`,
		Args: cobra.NoArgs,
		RunE: c.withApp(func(cmd *cobra.Command, _ []string) error {
			out := cmd.OutOrStdout()
			in := bufio.NewScanner(cmd.InOrStdin())
			for {
				fmt.Fprint(out, "> ")
				if !in.Scan() {
					fmt.Fprintln(out)
					return in.Err()
				}
				q := strings.TrimSpace(in.Text())
				switch q {
				case "":
					continue
				case "exit", "quit":
					return nil
				}

				ans, err := c.app.Query(cmd.Context(), q)
				if err != nil {
					fmt.Fprintf(out, "error: %v\n", err)
					continue
				}
				renderAnswer(out, ans)
				fmt.Fprintln(out)
			}
		}),
	}
}
