package main

import (
	"github.com/spf13/cobra"

	"github.com/hupe1980/cyclops"
)

func newQueryCmd(g *globalFlags) *cobra.Command {
	var (
		radius int
		k      int
		byHash bool
	)

	cmd := &cobra.Command{
		Use:   "query <url|hash>",
		Short: "Find indexed images within a Hamming radius",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := g.open(cmd.Context())
			if err != nil {
				return err
			}
			defer c.Close()

			var res *cyclops.Result
			if byHash {
				res, err = c.QueryByHash(cmd.Context(), args[0], radius, k)
			} else {
				res, err = c.QueryByURL(cmd.Context(), args[0], radius, k)
			}
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), res)
		},
	}

	cmd.Flags().IntVarP(&radius, "radius", "r", 4, "maximum Hamming distance")
	cmd.Flags().IntVar(&k, "k", 0, "keep the k closest hits (0 keeps all)")
	cmd.Flags().BoolVar(&byHash, "hash", false, "treat the argument as a fingerprint")
	return cmd
}
