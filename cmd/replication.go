package cmd

import (
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/spf13/cobra"
	"github.com/wegman-software/osmstore-go/internal/logger"
	"github.com/wegman-software/osmstore-go/internal/replication"
	"github.com/wegman-software/osmstore-go/internal/worker"
)

var (
	replicationSource   string
	replicationFrom     int64
	replicationOutput   string
	replicationInterval time.Duration
	maxUpdates          int
	follow              bool
)

var replicationCmd = &cobra.Command{
	Use:   "replication",
	Short: "Keep a store current with OSM replication diffs",
	Long: `Apply the minutely, hourly or daily diffs of an OSM replication server
to a store. The replication position is kept in the store header.

Replication sources include:
  - minute, hour, day (OpenStreetMap planet)
  - geofabrik/<region> (e.g., geofabrik/europe/monaco)
  - Custom URL (https://your-server/replication)

Examples:
  # Check how far a store is behind
  osmstore-go replication status monaco.osmstore --source geofabrik/europe/monaco

  # Apply all pending diffs
  osmstore-go replication update monaco.osmstore --source geofabrik/europe/monaco

  # Keep applying diffs every minute
  osmstore-go replication update monaco.osmstore --source minute --follow --interval 1m`,
}

var replicationStatusCmd = &cobra.Command{
	Use:   "status <file>",
	Short: "Show the replication position of a store",
	Args:  cobra.ExactArgs(1),
	Run:   runReplicationStatus,
}

var replicationUpdateCmd = &cobra.Command{
	Use:   "update <file>",
	Short: "Apply pending replication diffs",
	Long: `Download and apply the diffs following the store's replication position,
then write the updated store. A store without a recorded position needs
--from, the sequence it was extracted at.

Use --follow to keep polling the source until interrupted.`,
	Args: cobra.ExactArgs(1),
	Run:  runReplicationUpdate,
}

func init() {
	rootCmd.AddCommand(replicationCmd)
	replicationCmd.AddCommand(replicationStatusCmd)
	replicationCmd.AddCommand(replicationUpdateCmd)

	replicationCmd.PersistentFlags().StringVar(&replicationSource, "source", "", "Replication source (e.g., geofabrik/europe/monaco, minute)")

	replicationUpdateCmd.Flags().Int64Var(&replicationFrom, "from", 0, "Sequence to start after when the store has none")
	replicationUpdateCmd.Flags().StringVarP(&replicationOutput, "output", "o", "", "Transfer file to write (default overwrites the input)")
	replicationUpdateCmd.Flags().IntVar(&maxUpdates, "max-updates", 0, "Maximum number of diffs to apply per round (0 = unlimited)")
	replicationUpdateCmd.Flags().BoolVar(&follow, "follow", false, "Keep polling for new diffs")
	replicationUpdateCmd.Flags().DurationVar(&replicationInterval, "interval", time.Minute, "Interval between polls with --follow")
}

func newFetcher() (*replication.Fetcher, error) {
	if replicationSource == "" {
		return nil, fmt.Errorf("--source is required")
	}
	source, err := replication.ParseSource(replicationSource)
	if err != nil {
		return nil, fmt.Errorf("invalid source %q: %w", replicationSource, err)
	}
	return replication.NewFetcher(source), nil
}

func runReplicationStatus(cmd *cobra.Command, args []string) {
	ctx, cancel := signalContext()
	defer cancel()

	fetcher, err := newFetcher()
	if err != nil {
		exitWithError("failed to create fetcher", err)
	}
	st, release, err := openStore(ctx, args[0], "")
	if err != nil {
		exitWithError("failed to open store", err)
	}
	defer release()

	remote, err := fetcher.CurrentState(ctx)
	if err != nil {
		exitWithError("failed to get remote state", err)
	}
	fmt.Printf("Source: %s (%s)\n", fetcher.Source().Name, fetcher.Source().BaseURL)
	fmt.Printf("Remote: %s\n", remote)

	local, ok := replication.StateOf(st.Header())
	if !ok {
		fmt.Println("Local:  no replication position recorded")
		return
	}
	fmt.Printf("Local:  %s\n", local)
	fmt.Printf("Behind: %d diffs, %s\n",
		remote.SequenceNumber-local.SequenceNumber,
		remote.Timestamp.Sub(local.Timestamp).Round(time.Second))
}

func runReplicationUpdate(cmd *cobra.Command, args []string) {
	log := logger.Get()
	ctx, cancel := signalContext()
	defer cancel()

	fetcher, err := newFetcher()
	if err != nil {
		exitWithError("failed to create fetcher", err)
	}
	output := replicationOutput
	if output == "" {
		output = args[0]
	}

	w := worker.New("replication", workerOptions(nil))
	defer w.Close()

	st, release, err := openStore(ctx, args[0], "")
	if err != nil {
		exitWithError("failed to open store", err)
	}
	id := st.ID()
	if err := w.Set(ctx, id, st); err != nil {
		exitWithError("failed to load store", err)
	}

	updater := replication.NewUpdater(fetcher, w)
	updater.From = replicationFrom

	total := 0
	round := func() error {
		results, err := updater.Run(ctx, id, maxUpdates)
		total += len(results)
		if len(results) == 0 {
			return err
		}
		// Applying copied everything the mapping held, so it can go before
		// the output overwrites the input.
		release()
		release = func() {}
		current, gerr := w.Get(ctx, id)
		if gerr != nil {
			return gerr
		}
		if werr := writeStore(output, current); werr != nil {
			return werr
		}
		last := results[len(results)-1].State
		log.Info("Store updated",
			zap.String("store", id),
			zap.Int("diffs", len(results)),
			zap.Int64("sequence", last.SequenceNumber),
			zap.Time("timestamp", last.Timestamp))
		return err
	}

	if err := round(); err != nil {
		exitWithError("replication failed", err)
	}
	if !follow {
		release()
		if total == 0 {
			fmt.Println("Already up to date.")
		} else {
			fmt.Printf("Applied %d diffs.\n", total)
		}
		return
	}

	log.Info("Following replication",
		zap.String("source", replicationSource),
		zap.Duration("interval", replicationInterval))
	ticker := time.NewTicker(replicationInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			release()
			log.Info("Replication stopped", zap.Int("total_applied", total))
			fmt.Printf("\nReplication stopped. Applied %d diffs total.\n", total)
			return
		case <-ticker.C:
			if err := round(); err != nil {
				if ctx.Err() != nil {
					continue
				}
				log.Error("Replication round failed", zap.Error(err))
			}
		}
	}
}

