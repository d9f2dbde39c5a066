package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/restatedb/partitiond/pkg/config"
	"github.com/restatedb/partitiond/pkg/invoker"
	"github.com/restatedb/partitiond/pkg/log"
	"github.com/restatedb/partitiond/pkg/metadatastore"
	"github.com/restatedb/partitiond/pkg/metrics"
	"github.com/restatedb/partitiond/pkg/outbox"
	"github.com/restatedb/partitiond/pkg/partition"
	"github.com/restatedb/partitiond/pkg/storage"
	"github.com/restatedb/partitiond/pkg/timer"
)

var metricsAddr string

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start this node's partition processors, metadata store, and metrics server",
	RunE:  runStart,
}

func init() {
	startCmd.Flags().StringVar(&metricsAddr, "metrics-addr", "127.0.0.1:9090", "Bind address for /metrics, /health, /ready, /live")
	rootCmd.AddCommand(startCmd)
}

// partitionCFPatterns is the single catch-all column-family pattern every
// partition store uses: every table flushes on shutdown per spec §4.2, and
// none trades durability for throughput. The metadata store keeps its own
// bbolt file and does not use these patterns.
func partitionCFPatterns() []storage.CFPattern {
	return []storage.CFPattern{
		{Match: func(string) bool { return true }, FlushOnShutdown: true},
	}
}

func runStart(cmd *cobra.Command, args []string) error {
	configFile, _ := cmd.Flags().GetString("config-file")
	cfg, err := config.Resolve(configFile)
	if err != nil {
		return fmt.Errorf("resolve config: %w", err)
	}
	log.Init(cfg.LogConfig())
	logger := log.WithComponent("partitiond")

	paths := cfg.Paths()

	metaStore, err := metadatastore.NewStore(metadatastore.Config{
		NodeID:   cfg.NodeID,
		BindAddr: cfg.MetadataStore.BindAddr,
		DataDir:  paths.LocalMetadataStore,
	})
	if err != nil {
		return fmt.Errorf("start metadata store: %w", err)
	}
	if err := metaStore.BootstrapSingleNode(); err != nil {
		logger.Warn().Err(err).Msg("metadata store bootstrap skipped (already bootstrapped)")
	}
	metaSrv := metadatastore.NewServer(metaStore)
	go func() {
		if err := metaSrv.Serve(cfg.MetadataStore.ListenAddr); err != nil {
			logger.Error().Err(err).Msg("metadata store transport stopped")
		}
	}()
	metrics.RegisterComponent("metadatastore", true, "serving")

	engine := storage.NewEngine()
	partitions := make(map[uint64]*partition.Processor, len(cfg.Partitions))
	router := newLoopbackRouter(partitions)
	inv := invoker.NewGRPCClient()

	var shippers []*outbox.Shipper
	var timers []*timer.Service
	var dbs []*storage.DB

	for _, pc := range cfg.Partitions {
		db, err := engine.Open(storage.DBSpec{
			Name:     fmt.Sprintf("partition-%d", uint64(pc.ID)),
			Path:     paths.PartitionStore(pc.ID),
			Patterns: partitionCFPatterns(),
		})
		if err != nil {
			return fmt.Errorf("open partition %d store: %w", uint64(pc.ID), err)
		}
		ctx := context.Background()
		for _, name := range storage.AllTableNames {
			if err := db.OpenCF(ctx, name); err != nil {
				return fmt.Errorf("open partition %d column family %s: %w", uint64(pc.ID), name, err)
			}
		}

		var shipper *outbox.Shipper
		notify := func() {
			if shipper != nil {
				shipper.Wake()
			}
		}

		proc, err := partition.New(partition.Config{
			ID:       pc.ID,
			NodeID:   cfg.NodeID,
			BindAddr: pc.BindAddr,
			DataDir:  filepath.Join(paths.LocalLoglet, fmt.Sprintf("%d", uint64(pc.ID))),
		}, db, inv, notify)
		if err != nil {
			return fmt.Errorf("start partition %d processor: %w", uint64(pc.ID), err)
		}
		if err := proc.BootstrapSingleNode(); err != nil {
			logger.Warn().Err(err).Uint64("partition", uint64(pc.ID)).Msg("partition bootstrap skipped (already bootstrapped)")
		}

		shipper = outbox.NewShipper(db, router, proc, proc.IsLeader, cfg.Intervals.OutboxPoll)
		timerSvc := timer.NewService(db, proc, proc.IsLeader, cfg.Intervals.TimerPoll)

		proc.Start(cfg.Intervals.LeadershipPoll)
		shipper.Start()
		timerSvc.Start()

		partitions[uint64(pc.ID)] = proc
		shippers = append(shippers, shipper)
		timers = append(timers, timerSvc)
		dbs = append(dbs, db)
	}
	metrics.RegisterComponent("partitions", true, fmt.Sprintf("%d hosted", len(partitions)))
	metrics.RegisterComponent("storage", true, "opened")

	collector := metrics.NewCollector(partitions, metaStore, 5*time.Second)
	collector.Start()

	metricsSrv := newMetricsServer(metricsAddr)
	go func() {
		if err := metricsSrv.start(); err != nil {
			logger.Error().Err(err).Msg("metrics server stopped")
		}
	}()
	logger.Info().Str("addr", metricsAddr).Msg("metrics/health server listening")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	logger.Info().Msg("shutting down")

	collector.Stop()
	for _, t := range timers {
		t.Stop()
	}
	for _, s := range shippers {
		s.Stop()
	}
	for _, p := range partitions {
		if err := p.Stop(); err != nil {
			logger.Error().Err(err).Msg("partition shutdown error")
		}
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	for _, db := range dbs {
		if err := db.Shutdown(shutdownCtx, 5*time.Second); err != nil {
			logger.Error().Err(err).Msg("storage shutdown error")
		}
	}
	metaSrv.Stop()
	if err := metaStore.Shutdown(); err != nil {
		logger.Error().Err(err).Msg("metadata store shutdown error")
	}
	return nil
}
