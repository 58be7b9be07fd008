package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"alertlake/internal/config"
	"alertlake/internal/ledger"
	"alertlake/internal/logging"
	"alertlake/internal/manifest"
	"alertlake/internal/metrics"
	"alertlake/internal/restore"
	"alertlake/internal/snapshot"
)

func main() {
	var (
		envFile         string
		manifestSource  string
		changelogSource string
		snapshotDir     string
		changelogPath   string
		httpAddr        string
		pollInterval    time.Duration
		once            bool
	)
	flag.StringVar(&envFile, "env-file", "", "env file to load before the environment")
	flag.StringVar(&manifestSource, "manifest-source", "file", "file|kafka")
	flag.StringVar(&changelogSource, "changelog-source", "file", "file|kafka")
	flag.StringVar(&snapshotDir, "snapshot-dir", "./data/snapshots", "snapshot and manifest directory")
	flag.StringVar(&changelogPath, "changelog", "./data/changelog/bronze.jsonl", "changelog file for -changelog-source=file")
	flag.StringVar(&httpAddr, "http", ":9090", "http listen for /metrics")
	flag.DurationVar(&pollInterval, "poll", 10*time.Second, "interval between rebuild cycles")
	flag.BoolVar(&once, "once", false, "rebuild the configured ledger backend once and exit")
	flag.Parse()

	var files []string
	if envFile != "" {
		files = append(files, envFile)
	}
	cfg, err := config.Load(files...)
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	logger, err := logging.New(cfg.Log)
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var mReader manifest.Reader
	if manifestSource == "kafka" {
		mReader = manifest.NewKafkaReader(cfg.Kafka.Brokers, cfg.Kafka.ManifestTopic, manifest.DefaultKey)
	} else {
		mReader = manifest.NewFilesystemManifest(snapshotDir)
	}
	rb := &rebuilder{
		cfg:             cfg,
		logger:          logger,
		metrics:         metrics.NewRegistry(),
		manifest:        mReader,
		loader:          snapshot.NewFilesystemSnapshotter(snapshotDir),
		changelogSource: changelogSource,
		changelogPath:   changelogPath,
	}

	if once {
		if err := rb.rebuildOnce(ctx); err != nil {
			logger.Error("rebuild_failed", zap.Error(err))
			_ = logger.Sync()
			os.Exit(1)
		}
		return
	}

	srv := &http.Server{Addr: httpAddr, Handler: rb.metrics.Handler(), ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http_server_failed", zap.Error(err))
		}
	}()
	defer func() { _ = srv.Shutdown(context.Background()) }()

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for {
		// A fresh in-memory ledger each cycle measures a full rebuild.
		if err := rb.cycle(ctx, ledger.NewInMemoryStore()); err != nil {
			logger.Warn("rebuild_cycle_failed", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

type rebuilder struct {
	cfg             config.Config
	logger          *zap.Logger
	metrics         *metrics.Registry
	manifest        manifest.Reader
	loader          snapshot.Loader
	changelogSource string
	changelogPath   string
}

// rebuildOnce rebuilds the configured ledger backend and logs rows per partition.
func (rb *rebuilder) rebuildOnce(ctx context.Context) error {
	st, closeLedger, err := ledger.Open(rb.cfg.Ledger.Backend, rb.cfg.Ledger.Dir)
	if err != nil {
		return fmt.Errorf("open ledger: %w", err)
	}
	defer func() { _ = closeLedger() }()
	if err := rb.cycle(ctx, st); err != nil {
		return err
	}
	totals, err := ledger.Totals(st)
	if err != nil {
		return fmt.Errorf("totals: %w", err)
	}
	for partition, rows := range totals {
		rb.logger.Info("partition_rows", zap.String("partition", partition), zap.Int("rows", rows))
	}
	return nil
}

func (rb *rebuilder) cycle(ctx context.Context, st ledger.Store) error {
	t1 := time.Now()
	r := restore.NewRestorer(st, rb.loader, rb.manifest, rb.changelogPath, restore.WithLogger(rb.logger))
	m, err := rb.manifest.ReadLatest(ctx)
	if err != nil {
		return fmt.Errorf("read manifest: %w", err)
	}
	if err := r.RestoreFromSnapshot(m.SnapshotID); err != nil {
		return fmt.Errorf("restore snapshot: %w", err)
	}

	var res restore.RestoreResult
	if rb.changelogSource == "kafka" {
		res = r.ReplayChangelogKafka(ctx, rb.cfg.Kafka.Brokers, rb.cfg.Kafka.ChangelogTopic, m.LastChangelogOffset)
	} else {
		res = r.ReplayChangelog(rb.changelogPath, m.LastChangelogOffset)
	}
	if res.Error != nil {
		return fmt.Errorf("replay: %w", res.Error)
	}

	rb.metrics.Applied.Add(float64(res.Applied))
	rb.metrics.Skipped.Add(float64(res.Skipped))
	rb.metrics.TTRSec.Set(time.Since(t1).Seconds())
	if rb.changelogSource == "kafka" && len(rb.cfg.Kafka.Brokers) > 0 {
		head := headOffset(ctx, rb.cfg.Kafka.ChangelogTopic, rb.cfg.Kafka.Brokers[0])
		if head >= 0 && res.LastAppliedOffset >= 0 {
			rb.metrics.Lag.Set(float64(head - res.LastAppliedOffset))
		}
	}
	rb.metrics.LastManifestAgeSec.Set(time.Since(time.Unix(m.CreatedAtEpochSecond, 0)).Seconds())
	rb.logger.Info("rebuild_cycle",
		zap.String("snapshot_id", m.SnapshotID),
		zap.Int("applied", res.Applied),
		zap.Int("skipped", res.Skipped),
		zap.Duration("ttr", time.Since(t1)))
	return nil
}

// headOffset returns the last (high-watermark - 1) offset of partition 0 for a topic, or -1.
func headOffset(ctx context.Context, topic string, broker string) int64 {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	conn, err := kafka.DialLeader(ctx, "tcp", strings.TrimSpace(broker), topic, 0)
	if err != nil {
		return -1
	}
	defer conn.Close()
	off, err := conn.ReadLastOffset()
	if err != nil {
		return -1
	}
	return off - 1
}
