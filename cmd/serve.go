package cmd

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/spf13/cobra"
	"github.com/wegman-software/osmstore-go/internal/logger"
	"github.com/wegman-software/osmstore-go/internal/metrics"
	"github.com/wegman-software/osmstore-go/internal/web"
	"github.com/wegman-software/osmstore-go/internal/worker"
)

var serveSpatial bool

var serveCmd = &cobra.Command{
	Use:   "serve <file>...",
	Short: "Serve stores over HTTP",
	Long: `Load stores into a pool of workers and expose lookups, changesets and
Prometheus metrics over HTTP.

Every store is handed to every worker without copying; requests for a store
are routed to one worker by hashing its ID.`,
	Args: cobra.MinimumNArgs(1),
	Run:  runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().StringVarP(&cfg.ListenAddr, "listen", "l", cfg.ListenAddr, "HTTP listen address")
	serveCmd.Flags().IntVar(&cfg.PageSize, "page-size", cfg.PageSize, "Default changes page size")
	serveCmd.Flags().BoolVar(&serveSpatial, "spatial", false, "Build spatial indexes before serving")
}

// footprint sums the column bytes of the stores held by the first worker.
func footprint(ctx context.Context, pool *worker.Pool) func() int64 {
	return func() int64 {
		var total int64
		w := pool.Worker(0)
		_ = w.Call(ctx, "footprint", func(_ context.Context, s *worker.Stores) error {
			for _, id := range s.IDs() {
				if st, err := s.Get(id); err == nil {
					total += st.SizeBytes()
				}
			}
			return nil
		})
		return total
	}
}

func runServe(cmd *cobra.Command, args []string) {
	log := logger.Get()
	ctx, cancel := signalContext()
	defer cancel()

	reg := metrics.NewRegistry()
	pool := worker.NewPool(cfg.Workers, workerOptions(reg))
	defer pool.Close()

	for _, path := range args {
		start := time.Now()
		st, release, err := openStore(ctx, path, "")
		if err != nil {
			exitWithError("failed to open "+path, err)
		}
		defer release()
		if err := pool.Broadcast(ctx, st.ID(), st); err != nil {
			exitWithError("failed to hand out "+st.ID(), err)
		}
		if serveSpatial {
			if err := pool.Route(st.ID()).BuildSpatialIndexes(ctx, st.ID()); err != nil {
				exitWithError("failed to build spatial indexes", err)
			}
		}
		logElapsed("Store ready", start, zap.String("store", st.ID()), zap.Int("workers", pool.Size()))
	}

	collector := metrics.NewCollector(cfg.MetricsInterval, logger.Named("metrics"), reg, footprint(ctx, pool))
	collected := make(chan struct{})
	go func() {
		defer close(collected)
		collector.Start(ctx)
	}()

	srv := web.NewServer(pool, web.Options{
		PageSize: cfg.PageSize,
		Metrics:  reg,
		Logger:   logger.Named("web"),
	})
	err := srv.ListenAndServe(ctx, cfg.ListenAddr)
	// The collector calls into the pool and must stop before it closes.
	cancel()
	<-collected
	if err != nil {
		exitWithError("server failed", err)
	}
	log.Info("Server stopped")
}
