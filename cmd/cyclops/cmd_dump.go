package main

import (
	"bufio"

	"github.com/spf13/cobra"

	"github.com/hupe1980/cyclops/shard"
)

type dumpedPoint struct {
	URL  string `json:"url"`
	Hash string `json:"hash"`
}

func newDumpCmd() *cobra.Command {
	var summary bool

	cmd := &cobra.Command{
		Use:   "dump <shard-file>",
		Short: "Print the points of a shard file, one JSON object per line",
		Long: `dump decodes a shard file offline, without a configuration or a record
store, and prints every point. --summary prints only the file header and tree
shape.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			if summary {
				sum, err := shard.DumpFile(args[0], nil)
				if err != nil {
					return err
				}
				return printJSON(out, sum)
			}

			w := bufio.NewWriter(out)
			var werr error
			_, err := shard.DumpFile(args[0], func(p shard.Point) bool {
				werr = writeJSONLine(w, dumpedPoint{URL: p.ID, Hash: p.Fingerprint.Hex()})
				return werr == nil
			})
			if err != nil {
				return err
			}
			if werr != nil {
				return werr
			}
			return w.Flush()
		},
	}

	cmd.Flags().BoolVar(&summary, "summary", false, "print the file summary instead of the points")
	return cmd
}
