package cmd

import (
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/spf13/cobra"
	"github.com/wegman-software/osmstore-go/internal/logger"
)

var (
	loadOutput string
	loadID     string
)

var loadCmd = &cobra.Command{
	Use:   "load <input.osm.pbf|input.osm[.gz]>",
	Short: "Load an OSM file into a transfer file",
	Long: `Stream an OSM PBF or XML file into a columnar store and write it as a
transfer file that other commands map without copying.

Use --style to drop entities by tag and --bbox to clip to an area. With
--cache the store is kept in PostgreSQL keyed by the content hash of the
input, and later loads of the same file skip parsing.`,
	Args: cobra.ExactArgs(1),
	Run:  runLoad,
}

func init() {
	rootCmd.AddCommand(loadCmd)

	loadCmd.Flags().StringVarP(&loadOutput, "output", "o", "", "Transfer file to write (default <input>.osmstore)")
	loadCmd.Flags().StringVar(&loadID, "id", "", "Store ID (default derived from the file name)")
	loadCmd.Flags().StringVarP(&cfg.StyleFile, "style", "S", "", "Style YAML file for tag filtering")
	loadCmd.Flags().StringVarP(&bboxStr, "bbox", "b", "", "Bounding box filter: minlon,minlat,maxlon,maxlat")
}

func runLoad(cmd *cobra.Command, args []string) {
	input := args[0]
	id := loadID
	if id == "" {
		id = storeID(input)
	}
	output := loadOutput
	if output == "" {
		output = strings.TrimSuffix(strings.TrimSuffix(input, ".pbf"), ".osm") + ".osmstore"
	}

	ctx, cancel := signalContext()
	defer cancel()

	start := time.Now()
	logger.Get().Info("Starting load",
		zap.String("input", input),
		zap.String("output", output),
		zap.String("store", id),
		zap.String("bbox", cfg.BBox.String()),
		zap.Bool("cache", cfg.UseCache))

	st, err := loadOSM(ctx, input, id)
	if err != nil {
		exitWithError("load failed", err)
	}
	if err := writeStore(output, st); err != nil {
		exitWithError("failed to write transfer file", err)
	}
	logElapsed("Load complete", start, zap.Int64("bytes", st.SizeBytes()))
}
