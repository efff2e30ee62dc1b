package main

import (
	"encoding/json"
	"strings"

	"github.com/spf13/cobra"
)

func newQueryCmd(c *cli) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "query <question>",
		Short: "Answer a question from stored advisories",
		Long: `Query embeds the question, retrieves the closest stored advisories and asks
the configured model for an answer that cites them. All arguments are joined
into one question.`,
		Args: cobra.MinimumNArgs(1),
		RunE: c.withApp(func(cmd *cobra.Command, args []string) error {
			ans, err := c.app.Query(cmd.Context(), strings.Join(args, " "))
			if err != nil {
				return err
			}

			if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(ans)
			}
			renderAnswer(cmd.OutOrStdout(), ans)
			return nil
		}),
	}
	cmd.Flags().Bool("json", false, "print the raw JSON answer")
	return cmd
}
