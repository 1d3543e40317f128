package cmd

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/spf13/cobra"
	"github.com/wegman-software/osmstore-go/internal/changeset"
	"github.com/wegman-software/osmstore-go/internal/expire"
	"github.com/wegman-software/osmstore-go/internal/export"
	"github.com/wegman-software/osmstore-go/internal/logger"
	"github.com/wegman-software/osmstore-go/internal/osc"
	"github.com/wegman-software/osmstore-go/internal/proj"
	"github.com/wegman-software/osmstore-go/internal/worker"
)

// exportOptions select the review outputs written before a changeset is applied.
type exportOptions struct {
	OSC     string
	Parquet string
	Expire  string
	// SRID of Parquet geometries, "4326" or "3857".
	SRID string
}

var (
	mergeOutput        string
	mergeChanges       string
	mergeExports       exportOptions
	mergeSkipDedup     bool
	mergeSkipJunctions bool
	mergeDryRun        bool
)

var mergeCmd = &cobra.Command{
	Use:   "merge <base> [patch]",
	Short: "Merge a patch into a base store",
	Long: `Merge a patch store into a base store through one changeset:

  1. Direct merge: every patch entity that differs from the base
  2. Node deduplication, then way deduplication
  3. Intersection nodes where new or modified ways cross others
  4. Apply, writing the merged store as a transfer file

Inputs are transfer files or OSM files. --changes imports an osmChange file
into the same changeset. The pending changes can be written as osmChange,
Parquet or an expired tile list before they are applied.`,
	Args: cobra.RangeArgs(1, 2),
	Run:  runMerge,
}

func init() {
	rootCmd.AddCommand(mergeCmd)

	mergeCmd.Flags().StringVarP(&mergeOutput, "output", "o", "merged.osmstore", "Transfer file to write")
	mergeCmd.Flags().StringVar(&mergeChanges, "changes", "", "osmChange file to import into the changeset")
	mergeCmd.Flags().BoolVar(&mergeSkipDedup, "no-dedup", false, "Skip node and way deduplication")
	mergeCmd.Flags().BoolVar(&mergeSkipJunctions, "no-intersections", false, "Skip intersection generation")
	mergeCmd.Flags().BoolVar(&mergeDryRun, "dry-run", false, "Write exports only and discard the changeset")
	addExportFlags(mergeCmd, &mergeExports)
	mergeCmd.Flags().BoolVar(&cfg.Intersections.RequireHighway, "require-highway", cfg.Intersections.RequireHighway, "Only join ways tagged highway")
	mergeCmd.Flags().BoolVar(&cfg.Intersections.MatchLayer, "match-layer", cfg.Intersections.MatchLayer, "Only join ways on the same layer")
	mergeCmd.Flags().BoolVar(&cfg.Intersections.SkipBridgesTunnels, "skip-bridges-tunnels", cfg.Intersections.SkipBridgesTunnels, "Never join bridges or tunnels")
}

func addExportFlags(cmd *cobra.Command, opts *exportOptions) {
	cmd.Flags().StringVar(&opts.OSC, "osc", "", "Write pending changes as osmChange (.osc or .osc.gz)")
	cmd.Flags().StringVar(&opts.Parquet, "parquet", "", "Write pending changes as Parquet")
	cmd.Flags().StringVarP(&opts.SRID, "projection", "E", "4326", "Parquet geometry projection SRID (4326 or 3857)")
	cmd.Flags().StringVarP(&opts.Expire, "expire-output", "e", "", "Write tiles touched by the pending changes")
	cmd.Flags().IntVar(&cfg.ExpireMinZoom, "expire-min-zoom", cfg.ExpireMinZoom, "Minimum zoom level for tile expiry")
	cmd.Flags().IntVar(&cfg.ExpireMaxZoom, "expire-max-zoom", cfg.ExpireMaxZoom, "Maximum zoom level for tile expiry")
	cmd.Flags().IntVar(&cfg.PageSize, "page-size", cfg.PageSize, "Changes per Parquet page")
}

// writeExports writes the requested review outputs of the open changeset of baseID.
func writeExports(ctx context.Context, w *worker.Worker, baseID string, opts exportOptions) error {
	if opts.OSC == "" && opts.Parquet == "" && opts.Expire == "" {
		return nil
	}
	log := logger.Get()
	return w.WithChangeset(ctx, "export", baseID, func(ctx context.Context, cs *changeset.Changeset, _ *worker.Stores) error {
		if opts.OSC != "" {
			if err := osc.WriteFile(opts.OSC, cs.Changes()); err != nil {
				return err
			}
			log.Info("osmChange written", zap.String("file", opts.OSC), zap.Int("changes", cs.Len()))
		}
		if opts.Parquet != "" {
			srid, err := proj.ParseSRID(opts.SRID)
			if err != nil {
				return err
			}
			tr, err := proj.NewTransformer(srid)
			if err != nil {
				return err
			}
			rows, err := export.Export(ctx, opts.Parquet, cs, export.Options{PageSize: cfg.PageSize, Projection: tr})
			if err != nil {
				return err
			}
			log.Info("Parquet written", zap.String("file", opts.Parquet), zap.Int64("rows", rows))
		}
		if opts.Expire != "" {
			tracker := expire.NewTracker(cfg.ExpireMinZoom, cfg.ExpireMaxZoom)
			tracker.ExpireChanges(cs)
			if err := tracker.WriteToFile(opts.Expire); err != nil {
				return err
			}
		}
		return nil
	})
}

func logChangesetStats(msg string, s changeset.Stats) {
	logger.Get().Info(msg,
		zap.Int("node_creates", s.Nodes.Creates),
		zap.Int("node_modifies", s.Nodes.Modifies),
		zap.Int("node_deletes", s.Nodes.Deletes),
		zap.Int("way_creates", s.Ways.Creates),
		zap.Int("way_modifies", s.Ways.Modifies),
		zap.Int("way_deletes", s.Ways.Deletes),
		zap.Int("relation_creates", s.Relations.Creates),
		zap.Int("relation_modifies", s.Relations.Modifies),
		zap.Int("relation_deletes", s.Relations.Deletes),
		zap.Int("deduplicated_nodes", s.DeduplicatedNodes),
		zap.Int("deduplicated_ways", s.DeduplicatedWays),
		zap.Int("intersection_points", s.IntersectionPointsFound))
}

// finishChangeset exports, then applies or discards the changeset of baseID
// and writes the resulting store.
func finishChangeset(ctx context.Context, w *worker.Worker, baseID, output string, exports exportOptions, dryRun bool) error {
	if err := writeExports(ctx, w, baseID, exports); err != nil {
		return err
	}
	if dryRun {
		return w.DiscardChangeset(ctx, baseID)
	}
	stats, err := w.ApplyChanges(ctx, baseID)
	if err != nil {
		return err
	}
	logger.Get().Info("Changeset applied",
		zap.String("store", baseID),
		zap.Int("nodes", stats.Nodes),
		zap.Int("ways", stats.Ways),
		zap.Int("relations", stats.Relations))

	st, err := w.Get(ctx, baseID)
	if err != nil {
		return err
	}
	return writeStore(output, st)
}

func runMerge(cmd *cobra.Command, args []string) {
	ctx, cancel := signalContext()
	defer cancel()
	start := time.Now()

	w := worker.New("merge", workerOptions(nil))
	defer w.Close()

	base, releaseBase, err := openStore(ctx, args[0], "base")
	if err != nil {
		exitWithError("failed to open base", err)
	}
	defer releaseBase()
	if err := w.Set(ctx, "base", base); err != nil {
		exitWithError("failed to load base", err)
	}
	if err := w.OpenChangeset(ctx, "base"); err != nil {
		exitWithError("failed to open changeset", err)
	}

	if len(args) == 2 {
		patch, releasePatch, err := openStore(ctx, args[1], "patch")
		if err != nil {
			exitWithError("failed to open patch", err)
		}
		defer releasePatch()
		if err := w.Set(ctx, "patch", patch); err != nil {
			exitWithError("failed to load patch", err)
		}
		stats, err := w.GenerateDirectChanges(ctx, "base", "patch")
		if err != nil {
			exitWithError("direct merge failed", err)
		}
		logChangesetStats("Direct merge complete", stats)
		// The patch is not needed once its changes are recorded.
		if err := w.Delete(ctx, "patch"); err != nil {
			exitWithError("failed to drop patch", err)
		}
	}

	if mergeChanges != "" {
		err := w.WithChangeset(ctx, "import-osc", "base", func(ctx context.Context, cs *changeset.Changeset, _ *worker.Stores) error {
			stats, err := osc.ImportFile(ctx, cs, mergeChanges, osc.ImportOptions{SkipMissingDeletes: true})
			if err != nil {
				return err
			}
			logger.Get().Info("osmChange imported",
				zap.String("file", mergeChanges),
				zap.Int64("changes", stats.Total()),
				zap.Int64("skipped", stats.Skipped))
			return nil
		})
		if err != nil {
			exitWithError("osmChange import failed", err)
		}
	}

	if !mergeSkipDedup {
		if _, err := w.DeduplicateNodes(ctx, "base"); err != nil {
			exitWithError("node deduplication failed", err)
		}
		stats, err := w.DeduplicateWays(ctx, "base")
		if err != nil {
			exitWithError("way deduplication failed", err)
		}
		logChangesetStats("Deduplication complete", stats)
	}
	if !mergeSkipJunctions {
		stats, err := w.GenerateIntersections(ctx, "base", nil)
		if err != nil {
			exitWithError("intersection generation failed", err)
		}
		logChangesetStats("Intersections complete", stats)
	}

	if err := finishChangeset(ctx, w, "base", mergeOutput, mergeExports, mergeDryRun); err != nil {
		exitWithError("merge failed", err)
	}
	logElapsed("Merge complete", start)
}
