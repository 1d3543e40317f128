package cmd

import (
	"time"

	"github.com/spf13/cobra"
	"github.com/wegman-software/osmstore-go/internal/worker"
)

var (
	dedupOutput  string
	dedupExports exportOptions
	dedupDryRun  bool
)

var dedupCmd = &cobra.Command{
	Use:   "dedup <file>",
	Short: "Remove duplicate nodes and ways from a store",
	Long: `Merge nodes sharing a coordinate and ways sharing a node sequence, keeping
the newest entity of each group and rewriting references to the others.`,
	Args: cobra.ExactArgs(1),
	Run:  runDedup,
}

func init() {
	rootCmd.AddCommand(dedupCmd)

	dedupCmd.Flags().StringVarP(&dedupOutput, "output", "o", "dedup.osmstore", "Transfer file to write")
	dedupCmd.Flags().BoolVar(&dedupDryRun, "dry-run", false, "Write exports only and discard the changeset")
	addExportFlags(dedupCmd, &dedupExports)
}

func runDedup(cmd *cobra.Command, args []string) {
	ctx, cancel := signalContext()
	defer cancel()
	start := time.Now()

	w := worker.New("dedup", workerOptions(nil))
	defer w.Close()

	st, release, err := openStore(ctx, args[0], "")
	if err != nil {
		exitWithError("failed to open store", err)
	}
	defer release()
	id := st.ID()
	if err := w.Set(ctx, id, st); err != nil {
		exitWithError("failed to load store", err)
	}
	if err := w.OpenChangeset(ctx, id); err != nil {
		exitWithError("failed to open changeset", err)
	}
	if _, err := w.DeduplicateNodes(ctx, id); err != nil {
		exitWithError("node deduplication failed", err)
	}
	stats, err := w.DeduplicateWays(ctx, id)
	if err != nil {
		exitWithError("way deduplication failed", err)
	}
	logChangesetStats("Deduplication complete", stats)

	if err := finishChangeset(ctx, w, id, dedupOutput, dedupExports, dedupDryRun); err != nil {
		exitWithError("dedup failed", err)
	}
	logElapsed("Dedup complete", start)
}
