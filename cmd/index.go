package cmd

import (
	"fmt"
	"log"
	"path/filepath"

	"github.com/lperezmo/gotc-discord-bot/gotcbot"
	"github.com/spf13/cobra"
)

var (
	indexSourceDir  string
	indexOutputFile string
	indexBatchSize  int
)

var indexCmd = &cobra.Command{
	Use:   "index --source <dir>",
	Short: "Embed reference documents into the retrieval data directory",
	Long: "Chunks the *.txt and *.md files under --source, embeds them with " +
		"the configured model backend, and writes the records to --out " +
		"(default: <retrieval.data_dir>/" + gotcbot.DefaultIndexOutputFile + ").",
	Args: cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		ctx := cmd.Context()
		if indexSourceDir == "" {
			log.Fatal("--source is required")
		}
		out := indexOutputFile
		if out == "" {
			out = filepath.Join(cfg.Retrieval.DataDir, gotcbot.DefaultIndexOutputFile)
		}

		model, err := gotcbot.NewModelClient(cfg.Model, nil, nil, cfg.Discord.BotName)
		if err != nil {
			log.Fatalf("error creating model client: %v", err)
		}
		indexer := gotcbot.NewIndexer(model, cfg.Model.EmbeddingModel)
		if indexBatchSize > 0 {
			indexer.BatchSize = indexBatchSize
		}

		n, err := indexer.Build(ctx, indexSourceDir, out)
		if err != nil {
			log.Fatalf("error building index: %v", err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "wrote %d records to %s\n", n, out)
	},
}

//nolint:gochecknoinits
func init() {
	indexCmd.Flags().StringVar(&indexSourceDir, "source", "", "Directory of reference documents")
	indexCmd.Flags().StringVar(&indexOutputFile, "out", "", "Output file")
	indexCmd.Flags().IntVar(
		&indexBatchSize,
		"batch-size",
		gotcbot.DefaultIndexBatchSize,
		"Texts per embedding request",
	)
	rootCmd.AddCommand(indexCmd)
}
