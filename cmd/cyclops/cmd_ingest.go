package main

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/hupe1980/cyclops"
)

func newIngestCmd(g *globalFlags) *cobra.Command {
	var (
		file    string
		publish bool
	)

	cmd := &cobra.Command{
		Use:   "ingest [url...]",
		Short: "Fingerprint image URLs into their shards and save",
		Long: `ingest fingerprints each URL, adds it to its owner shard and saves the
shards. With --publish the URLs are only put on the ingestion queue for a
running consumer.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			urls := args
			if file != "" {
				more, err := readLines(file)
				if err != nil {
					return err
				}
				urls = append(urls, more...)
			}
			if len(urls) == 0 {
				return fmt.Errorf("no urls given")
			}

			c, err := g.open(cmd.Context())
			if err != nil {
				return err
			}
			defer c.Close()

			out := cmd.OutOrStdout()
			if publish {
				if err := c.IngestURLs(cmd.Context(), urls); err != nil {
					return err
				}
				fmt.Fprintf(out, "published %d urls\n", len(urls))
				return nil
			}

			failed := 0
			for _, u := range urls {
				res, err := c.IndexURL(cmd.Context(), u)
				if err != nil {
					failed++
					fmt.Fprintf(out, "%s\terror\t%s\t%v\n", u, cyclops.KindOf(err), err)
					continue
				}
				fmt.Fprintf(out, "%s\t%s\t%s\t%s\n", u, res.Outcome, res.Shard, res.Hash)
			}

			if _, err := c.Save(cmd.Context()); err != nil {
				return err
			}
			if failed > 0 {
				return fmt.Errorf("%d of %d urls failed", failed, len(urls))
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&file, "file", "f", "", "read additional urls, one per line")
	cmd.Flags().BoolVar(&publish, "publish", false, "only publish the urls to the queue")
	return cmd
}

func readLines(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var lines []string
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		if line := strings.TrimSpace(sc.Text()); line != "" && !strings.HasPrefix(line, "#") {
			lines = append(lines, line)
		}
	}
	return lines, sc.Err()
}
