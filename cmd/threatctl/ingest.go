package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/WessleyAI/threatintel/engine/domain"
	"github.com/WessleyAI/threatintel/engine/feed"
)

func newIngestCmd(c *cli) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ingest",
		Short: "Fetch recent advisories and store them",
		Long: `Ingest fetches advisories published in the last --days days from the NVD
feed, up to --max records, and upserts them into the vector store. With
--file it reads a saved NVD response page instead of calling the feed.`,
		Args: cobra.NoArgs,
		RunE: c.withApp(func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			file, _ := cmd.Flags().GetString("file")

			var (
				n   int
				err error
			)
			if file != "" {
				f, ferr := os.Open(file)
				if ferr != nil {
					return ferr
				}
				defer f.Close()
				raws, derr := feed.DecodePage(f)
				if derr != nil {
					return derr
				}
				n, err = c.app.IngestRecords(ctx, raws)
			} else {
				days, _ := cmd.Flags().GetInt("days")
				maxResults, _ := cmd.Flags().GetInt("max")
				n, err = c.app.IngestRecent(ctx, domain.IngestRequest{DaysBack: days, MaxResults: maxResults})
			}
			if err != nil {
				return err
			}

			if n == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No CVEs found")
				return nil
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Ingested %d CVEs\n", n)
			return nil
		}),
	}
	cmd.Flags().Int("days", 30, "feed window in days (1-120)")
	cmd.Flags().Int("max", 100, "maximum advisories to fetch (1-2000)")
	cmd.Flags().String("file", "", "ingest a saved NVD response page instead of the live feed")
	return cmd
}
