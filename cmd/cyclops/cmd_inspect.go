package main

import (
	"errors"

	"github.com/spf13/cobra"
)

func newInspectCmd(g *globalFlags) *cobra.Command {
	var (
		deadLetters string
		limit       int
		files       bool
		prune       bool
		verify      bool
	)

	cmd := &cobra.Command{
		Use:   "inspect",
		Short: "Print shard, consumer and queue statistics",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := g.open(cmd.Context())
			if err != nil {
				return err
			}
			defer c.Close()

			ctx := cmd.Context()
			out := cmd.OutOrStdout()

			switch {
			case deadLetters != "":
				dls, err := c.DeadLetters(ctx, deadLetters, limit)
				if err != nil {
					return err
				}
				return printJSON(out, dls)
			case prune:
				pruned, err := c.PruneShardFiles(ctx)
				if err != nil {
					return err
				}
				return printJSON(out, map[string][]string{"pruned": pruned})
			case files:
				sf, err := c.ShardFiles(ctx)
				if err != nil {
					return err
				}
				return printJSON(out, sf)
			case verify:
				reports, err := c.Verify(ctx)
				if err != nil {
					return err
				}
				if err := printJSON(out, reports); err != nil {
					return err
				}
				for _, rep := range reports {
					if !rep.OK() {
						return errors.New("shards disagree with the record store")
					}
				}
				return nil
			}

			st, err := c.Stats(ctx)
			if err != nil {
				return err
			}
			return printJSON(out, st)
		},
	}

	cmd.Flags().StringVar(&deadLetters, "dead-letters", "", "print the dead letters of this consumer instead")
	cmd.Flags().IntVar(&limit, "limit", 20, "maximum number of dead letters (0 prints all)")
	cmd.Flags().BoolVar(&files, "files", false, "list the shard files in the blob store, including unconfigured shards")
	cmd.Flags().BoolVar(&prune, "prune", false, "delete the shard files of unconfigured shards")
	cmd.Flags().BoolVar(&verify, "verify", false, "check every tree point against the record store")
	cmd.MarkFlagsMutuallyExclusive("dead-letters", "files", "prune", "verify")
	return cmd
}
