package main

import (
	"context"
	"io"

	gojson "github.com/goccy/go-json"
	"github.com/spf13/cobra"

	"github.com/hupe1980/cyclops"
	"github.com/hupe1980/cyclops/config"
)

type globalFlags struct {
	configPath string
	envFiles   []string
}

func newRootCmd() *cobra.Command {
	g := &globalFlags{}

	root := &cobra.Command{
		Use:   "cyclops",
		Short: "A sharded perceptual-image similarity index",
		Long: `cyclops fingerprints images by URL, stores the fingerprints in sharded
metric trees and answers Hamming-radius similarity queries.

serve holds the data directory lock; the other commands operate on a stopped
instance.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return config.LoadDotEnv(g.envFiles...)
		},
	}

	root.PersistentFlags().StringVarP(&g.configPath, "config", "c", "cyclops.yaml", "path to the configuration file")
	root.PersistentFlags().StringSliceVar(&g.envFiles, "env-file", []string{".env"}, "dotenv files loaded before the configuration")

	root.AddCommand(
		newInitCmd(g),
		newServeCmd(g),
		newIngestCmd(g),
		newQueryCmd(g),
		newInspectCmd(g),
		newSaveCmd(g),
		newDumpCmd(),
	)
	return root
}

func (g *globalFlags) load() (config.Config, error) {
	cfg, err := config.Load(g.configPath)
	if err != nil {
		return config.Config{}, err
	}
	return *cfg, nil
}

// open loads the configuration and opens the instance for a one-shot command.
func (g *globalFlags) open(ctx context.Context, optFns ...cyclops.Option) (*cyclops.Cyclops, error) {
	cfg, err := g.load()
	if err != nil {
		return nil, err
	}
	return cyclops.Open(ctx, cfg, optFns...)
}

func printJSON(w io.Writer, v any) error {
	data, err := gojson.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	_, err = w.Write(append(data, '\n'))
	return err
}

func writeJSONLine(w io.Writer, v any) error {
	data, err := gojson.Marshal(v)
	if err != nil {
		return err
	}
	_, err = w.Write(append(data, '\n'))
	return err
}
