package main

import (
	"context"
	"encoding/json"
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

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"alertlake/internal/bronze"
	"alertlake/internal/changelog"
	"alertlake/internal/config"
	"alertlake/internal/errs"
	"alertlake/internal/ledger"
	"alertlake/internal/logging"
	"alertlake/internal/manifest"
	"alertlake/internal/metrics"
	"alertlake/internal/partitionlock"
	"alertlake/internal/snapshot"
)

// Flags holds CLI flags for the ingester. Everything else comes from config.Load.
type Flags struct {
	EnvFile         string
	Input           string // file|kafka
	File            string
	Source          string
	SourceVersion   string
	PartitionByDate bool
	HTTPAddr        string
	SnapshotDir     string
	ChangelogDir    string
	ChangelogSink   string // file|kafka|both
	ManifestSink    string // file|kafka|both
	Snapshot        bool
	MaxBatches      int
	PollTimeout     time.Duration
}

func main() {
	f := readFlags()
	if err := run(f); err != nil {
		log.Fatalf("bronze failed: %v", err)
	}
}

func readFlags() Flags {
	var f Flags
	flag.StringVar(&f.EnvFile, "env-file", "", "env file to load before the environment (default .env if present)")
	flag.StringVar(&f.Input, "input", "file", "alert source: file|kafka")
	flag.StringVar(&f.File, "file", "alerts.jsonl", "JSONL or JSON array of raw alerts for -input=file")
	flag.StringVar(&f.Source, "source", bronze.DefaultSource, "provenance source name")
	flag.StringVar(&f.SourceVersion, "source-version", "", "provenance source version")
	flag.BoolVar(&f.PartitionByDate, "partition-by-date", true, "write hive partitions by observation date")
	flag.StringVar(&f.HTTPAddr, "http", ":8080", "listen address for /metrics and /healthz (empty disables)")
	flag.StringVar(&f.SnapshotDir, "snapshot-dir", "./data/snapshots", "ledger snapshot directory")
	flag.StringVar(&f.ChangelogDir, "changelog-dir", "./data/changelog", "changelog directory for the file sink")
	flag.StringVar(&f.ChangelogSink, "changelog-sink", "file", "changelog sink: file|kafka|both")
	flag.StringVar(&f.ManifestSink, "manifest-sink", "file", "manifest sink: file|kafka|both")
	flag.BoolVar(&f.Snapshot, "snapshot", true, "snapshot the ledger and publish a manifest on exit")
	flag.IntVar(&f.MaxBatches, "max-batches", 0, "stop after this many batches from kafka (0 runs until signalled)")
	flag.DurationVar(&f.PollTimeout, "poll-timeout", 5*time.Second, "kafka poll timeout; a partial batch is flushed when it expires")
	flag.Parse()
	return f
}

type offsetWriter interface {
	changelog.Writer
	Offset() int64
}

func run(f Flags) error {
	var files []string
	if f.EnvFile != "" {
		files = append(files, f.EnvFile)
	}
	cfg, err := config.Load(files...)
	if err != nil {
		return err
	}
	logger, err := logging.New(cfg.Log)
	if err != nil {
		return fmt.Errorf("logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, closeLedger, err := ledger.Open(cfg.Ledger.Backend, cfg.Ledger.Dir)
	if err != nil {
		return fmt.Errorf("open ledger: %w", err)
	}
	defer func() { _ = closeLedger() }()

	mreg := metrics.NewRegistry()
	if f.HTTPAddr != "" {
		srv := serveHTTP(f.HTTPAddr, mreg, logger)
		defer func() {
			sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(sctx)
		}()
	}

	clog, offsets, closeClog, err := openChangelog(f, cfg)
	if err != nil {
		return err
	}
	defer closeClog()

	opts := []bronze.Option{
		bronze.WithLogger(logger),
		bronze.WithMetrics(mreg),
		bronze.WithLedger(st),
		bronze.WithChangelog(clog),
	}
	if cfg.Redis.Addr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr})
		defer rdb.Close()
		if err := rdb.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("redis ping: %w", err)
		}
		opts = append(opts, bronze.WithLocker(partitionlock.NewRedis(rdb,
			partitionlock.WithTTL(cfg.Redis.LockTTL),
			partitionlock.WithLogger(logger))))
	}
	p, err := bronze.New(cfg, opts...)
	if err != nil {
		return err
	}
	logger.Info("bronze_started",
		zap.String("input", f.Input),
		zap.String("location", p.Location()),
		zap.String("format", string(cfg.Storage.FileFormat)),
		zap.String("validation_mode", string(cfg.Processing.ValidationMode)),
		zap.Int("batch_size", cfg.Processing.BatchSize))

	ing := &ingester{pipeline: p, flags: f, logger: logger}
	switch f.Input {
	case "file":
		err = ing.fromFile(ctx, f.File, cfg.Processing.BatchSize)
	case "kafka":
		err = ing.fromKafka(ctx, cfg)
	default:
		err = fmt.Errorf("unknown input %q", f.Input)
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	logger.Info("bronze_ingest_finished", zap.Int("batches", ing.batches), zap.Int("rows", ing.rows))

	if f.Snapshot {
		if err := publishSnapshot(f, cfg, st, offsets); err != nil {
			return err
		}
		logger.Info("snapshot_published", zap.String("dir", f.SnapshotDir), zap.Int64("changelog_offset", offsets.Offset()))
	}
	return nil
}

func serveHTTP(addr string, mreg *metrics.Registry, logger *zap.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", mreg.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"status": "ok"})
	})
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http_server_failed", zap.Error(err))
		}
	}()
	return srv
}

// openChangelog builds the configured sinks. The returned offsetWriter is the one whose
// position is recorded in the manifest: the file sink when present, otherwise Kafka.
func openChangelog(f Flags, cfg config.Config) (changelog.Writer, offsetWriter, func(), error) {
	var (
		writers []changelog.Writer
		offsets offsetWriter
		closers []func()
	)
	if f.ChangelogSink == "file" || f.ChangelogSink == "both" {
		fw, err := changelog.NewFileWriter(f.ChangelogDir, "bronze.jsonl")
		if err != nil {
			return nil, nil, nil, fmt.Errorf("init changelog file: %w", err)
		}
		writers = append(writers, fw)
		offsets = fw
	}
	if f.ChangelogSink == "kafka" || f.ChangelogSink == "both" {
		if len(cfg.Kafka.Brokers) == 0 {
			return nil, nil, nil, errs.New(errs.KindConfig, "kafka changelog sink needs KAFKA_BROKERS")
		}
		kw := changelog.NewKafkaWriter(strings.Join(cfg.Kafka.Brokers, ","), cfg.Kafka.ChangelogTopic)
		writers = append(writers, kw)
		closers = append(closers, func() { _ = kw.Close() })
		if offsets == nil {
			offsets = kw
		}
	}
	if len(writers) == 0 {
		return nil, nil, nil, fmt.Errorf("unknown changelog sink %q", f.ChangelogSink)
	}
	closeAll := func() {
		for _, c := range closers {
			c()
		}
	}
	if len(writers) == 1 {
		return writers[0], offsets, closeAll, nil
	}
	return changelog.NewMultiWriter(writers...), offsets, closeAll, nil
}

func publishSnapshot(f Flags, cfg config.Config, st ledger.Store, offsets offsetWriter) error {
	var pubs []manifest.Publisher
	if f.ManifestSink == "file" || f.ManifestSink == "both" {
		pubs = append(pubs, manifest.NewFilesystemManifest(f.SnapshotDir))
	}
	if f.ManifestSink == "kafka" || f.ManifestSink == "both" {
		if len(cfg.Kafka.Brokers) == 0 {
			return errs.New(errs.KindConfig, "kafka manifest sink needs KAFKA_BROKERS")
		}
		pubs = append(pubs, manifest.NewKafkaManifest(strings.Join(cfg.Kafka.Brokers, ","), cfg.Kafka.ManifestTopic, manifest.DefaultKey))
	}
	if len(pubs) == 0 {
		return fmt.Errorf("unknown manifest sink %q", f.ManifestSink)
	}

	id := time.Now().UTC().Format("20060102T150405Z")
	if err := snapshot.NewFilesystemSnapshotter(f.SnapshotDir).WriteSnapshot(id, st); err != nil {
		return fmt.Errorf("write snapshot: %w", err)
	}
	// Publishing must not be cut short by the shutdown signal that ended ingestion.
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := manifest.NewMultiPublisher(pubs...).PublishLatest(ctx, id, offsets.Offset()); err != nil {
		return fmt.Errorf("publish manifest: %w", err)
	}
	return nil
}
