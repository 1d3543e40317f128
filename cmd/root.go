package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/wegman-software/osmstore-go/internal/capacity"
	"github.com/wegman-software/osmstore-go/internal/changeset"
	"github.com/wegman-software/osmstore-go/internal/config"
	"github.com/wegman-software/osmstore-go/internal/logger"
	"github.com/wegman-software/osmstore-go/internal/metrics"
	"github.com/wegman-software/osmstore-go/internal/worker"
)

var (
	cfg        = config.DefaultConfig()
	configFile string
	bboxStr    string
)

var rootCmd = &cobra.Command{
	Use:   "osmstore-go",
	Short: "In-memory OSM entity store with changeset merging",
	Long: `osmstore-go loads OSM extracts into compact columnar stores and merges
them through reviewable changesets.

Features:
  - Columnar node, way and relation collections with spatial lookups
  - Direct merge, node and way deduplication and intersection joining
  - Zero-copy transfer files shared between workers
  - osmChange, Parquet and expired-tile exports of pending changes
  - Replication updates from OSM diff servers`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if configFile != "" {
			if err := overlayConfigFile(cmd.Flags(), configFile); err != nil {
				return err
			}
		}
		if bboxStr != "" {
			bbox, err := config.ParseBBox(bboxStr)
			if err != nil {
				return err
			}
			cfg.BBox = bbox
		}

		logger.InitWithOptions(logger.Options{Debug: cfg.Verbose, File: cfg.LogFile})
		return cfg.Validate()
	},
	SilenceUsage: true,
}

// overlayConfigFile loads the YAML file into cfg. Flags given on the command
// line win over the file.
func overlayConfigFile(flags *pflag.FlagSet, path string) error {
	changed := map[string]string{}
	flags.Visit(func(f *pflag.Flag) {
		changed[f.Name] = f.Value.String()
	})
	if err := cfg.LoadFile(path); err != nil {
		return err
	}
	for name, value := range changed {
		if err := flags.Set(name, value); err != nil {
			return err
		}
	}
	return nil
}

func Execute() error {
	defer logger.Sync()
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "YAML configuration file")
	rootCmd.PersistentFlags().BoolVarP(&cfg.Verbose, "verbose", "v", false, "Enable verbose output")
	rootCmd.PersistentFlags().IntVarP(&cfg.Workers, "workers", "j", cfg.Workers, "Number of workers")
	rootCmd.PersistentFlags().IntVar(&cfg.MemoryLimitMB, "memory-limit", cfg.MemoryLimitMB, "Memory ceiling for store construction in MB (0 = available memory)")
	rootCmd.PersistentFlags().DurationVar(&cfg.ProgressInterval, "progress-interval", cfg.ProgressInterval, "Minimum interval between progress reports")

	// Logging and metrics flags
	rootCmd.PersistentFlags().StringVar(&cfg.LogFile, "log-file", "", "Path to log file for persistent logging (JSON format)")
	rootCmd.PersistentFlags().DurationVar(&cfg.MetricsInterval, "metrics-interval", cfg.MetricsInterval, "Interval for system metrics logging (e.g., 10s, 1m)")

	// Persistence cache flags
	rootCmd.PersistentFlags().BoolVar(&cfg.UseCache, "cache", cfg.UseCache, "Cache loaded stores in PostgreSQL")
	rootCmd.PersistentFlags().StringVar(&cfg.DBHost, "db-host", cfg.DBHost, "PostgreSQL host")
	rootCmd.PersistentFlags().IntVar(&cfg.DBPort, "db-port", cfg.DBPort, "PostgreSQL port")
	rootCmd.PersistentFlags().StringVarP(&cfg.DBName, "db-name", "d", cfg.DBName, "PostgreSQL database name")
	rootCmd.PersistentFlags().StringVarP(&cfg.DBUser, "db-user", "U", cfg.DBUser, "PostgreSQL user")
	rootCmd.PersistentFlags().StringVarP(&cfg.DBPassword, "db-password", "W", cfg.DBPassword, "PostgreSQL password")
	rootCmd.PersistentFlags().StringVar(&cfg.DBSchema, "db-schema", cfg.DBSchema, "PostgreSQL schema")
}

// signalContext is cancelled on SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func capacityChecker() capacity.Checker {
	return capacity.System(cfg.MemoryLimitBytes())
}

// workerOptions maps the configuration onto worker and changeset options.
func workerOptions(reg *metrics.Registry) worker.Options {
	opts := worker.DefaultOptions()
	opts.ProgressInterval = cfg.ProgressInterval
	opts.Capacity = capacityChecker()
	opts.Metrics = reg
	opts.Logger = logger.Named("worker")

	cs := changeset.DefaultOptions()
	rules := changeset.DefaultIntersectionOptions()
	rules.RequireHighway = cfg.Intersections.RequireHighway
	rules.MatchLayer = cfg.Intersections.MatchLayer
	rules.SkipBridgesTunnels = cfg.Intersections.SkipBridgesTunnels
	cs.Intersections = &rules
	cs.Capacity = opts.Capacity
	cs.Logger = logger.Named("changeset")
	opts.Changeset = cs
	return opts
}

func logElapsed(msg string, start time.Time, fields ...zap.Field) {
	fields = append(fields, zap.Duration("duration", time.Since(start).Round(time.Millisecond)))
	logger.Get().Info(msg, fields...)
}

func exitWithError(msg string, err error) {
	log := logger.Get()
	if err != nil {
		log.Error(msg, zap.Error(err))
	} else {
		log.Error(msg)
	}
	logger.Sync()
	os.Exit(1)
}
