package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newSaveCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "save",
		Short: "Load every shard, replay its journal and write the shard files",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := g.open(cmd.Context())
			if err != nil {
				return err
			}
			defer c.Close()

			saved, err := c.Save(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "saved %v\n", saved)
			return nil
		},
	}
}
