// Package bronze turns raw alerts into validated batches and persists them to the bronze dataset.
package bronze

import (
	"context"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"alertlake/internal/alert"
	"alertlake/internal/changelog"
	"alertlake/internal/config"
	"alertlake/internal/errs"
	"alertlake/internal/ledger"
	"alertlake/internal/metrics"
	"alertlake/internal/partitionlock"
	"alertlake/internal/storage"
)

// Row is the flattened, persisted form of a record.
type Row = storage.Row

type Pipeline struct {
	cfg       config.Config
	store     storage.Store
	locker    storage.Locker
	ledger    ledger.Store
	changelog changelog.Writer
	logger    *zap.Logger
	metrics   *metrics.Registry
	now       func() time.Time
}

type Option func(*Pipeline)

func WithLogger(l *zap.Logger) Option { return func(p *Pipeline) { p.logger = l } }

func WithMetrics(m *metrics.Registry) Option { return func(p *Pipeline) { p.metrics = m } }

// WithStore replaces the dataset built from the storage configuration.
func WithStore(s storage.Store) Option { return func(p *Pipeline) { p.store = s } }

// WithLocker sets the partition lock used by the default dataset. Ignored with WithStore.
func WithLocker(l storage.Locker) Option { return func(p *Pipeline) { p.locker = l } }

func WithLedger(st ledger.Store) Option { return func(p *Pipeline) { p.ledger = st } }

// WithChangelog makes every committed write emit an event to w.
func WithChangelog(w changelog.Writer) Option { return func(p *Pipeline) { p.changelog = w } }

func WithClock(now func() time.Time) Option { return func(p *Pipeline) { p.now = now } }

// New validates cfg and wires the pipeline. Without options it writes to the configured
// bronze path, tracks commits in memory and logs nothing.
func New(cfg config.Config, opts ...Option) (*Pipeline, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	p := &Pipeline{
		cfg:    cfg,
		logger: zap.NewNop(),
		now:    time.Now,
	}
	for _, o := range opts {
		o(p)
	}
	if p.ledger == nil {
		p.ledger = ledger.NewInMemoryStore()
	}
	if p.store == nil {
		codec, err := newCodec(cfg.Storage)
		if err != nil {
			return nil, errs.Wrap(errs.KindConfig, err, "storage codec")
		}
		if p.locker == nil {
			p.locker = partitionlock.NewLocal()
		}
		p.store = storage.NewDataset(cfg.BronzePath(), codec, storage.WithLocker(p.locker))
	}
	return p, nil
}

func newCodec(sc config.StorageConfig) (storage.Codec, error) {
	if sc.FileFormat.Columnar() {
		return storage.NewParquetCodec(sc.Compression)
	}
	return storage.JSONCodec{}, nil
}

// Config returns the configuration the pipeline was built with.
func (p *Pipeline) Config() config.Config { return p.cfg }

// Location is the root of the bronze dataset.
func (p *Pipeline) Location() string { return p.store.Root() }

// ProcessOptions carries provenance for a call to ProcessBatch.
type ProcessOptions struct {
	Source        string
	SourceVersion string
	// BatchID is generated when empty.
	BatchID     string
	SourceQuery map[string]any
}

type parsed struct {
	alert alert.Alert
	err   error
}

// ProcessBatch validates raws and assembles the valid ones into a batch.
//
// Invalid alerts are excluded and listed in Batch.Failures. In strict mode a batch where
// every alert fails is rejected with a pipeline error; an empty input always yields an
// empty batch.
func (p *Pipeline) ProcessBatch(ctx context.Context, raws []alert.Raw, opts ProcessOptions) (*Batch, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	now := p.now().UTC()
	if opts.Source == "" {
		opts.Source = DefaultSource
	}
	if opts.BatchID == "" {
		opts.BatchID = NewBatchID(now)
	}
	if err := checkBatchID(opts.BatchID); err != nil {
		return nil, errs.Wrap(errs.KindPipeline, err, "invalid batch id").WithDetail("batch_id", opts.BatchID)
	}
	log := p.logger.With(zap.String("batch_id", opts.BatchID))
	log.Info("processing_alerts_started", zap.Int("count", len(raws)), zap.String("source", opts.Source))

	results, err := p.validateAll(ctx, raws)
	if err != nil {
		return nil, err
	}

	b := &Batch{
		id:        opts.BatchID,
		createdAt: now,
		records:   make([]Record, 0, len(raws)),
		provenance: Provenance{
			Source:        opts.Source,
			SourceVersion: opts.SourceVersion,
			Query:         opts.SourceQuery,
			Count:         len(raws),
		},
	}
	meta := Metadata{IngestedAt: now, Source: opts.Source, SourceVersion: opts.SourceVersion, BatchID: opts.BatchID}
	historyDropped := 0
	for i, res := range results {
		if res.err != nil {
			f := ValidationFailure{Index: i, ObjectID: failedObjectID(raws[i], res.err), Err: res.err}
			b.failures = append(b.failures, f)
			p.reportFailure(log, f)
			continue
		}
		historyDropped += res.alert.HistoryDropped()
		b.records = append(b.records, NewRecord(res.alert, raws[i], meta))
	}
	b.provenance.Failed = len(b.failures)

	if p.metrics != nil {
		p.metrics.AlertsReceived.Add(float64(len(raws)))
		p.metrics.AlertsValid.Add(float64(len(b.records)))
		p.metrics.AlertsRejected.Add(float64(len(b.failures)))
		p.metrics.HistoryDropped.Add(float64(historyDropped))
	}

	if p.cfg.Processing.ValidationMode == config.ModeStrict && len(raws) > 0 && len(b.records) == 0 {
		if p.metrics != nil {
			p.metrics.BatchesFailed.Inc()
		}
		log.Error("processing_alerts_failed", zap.Int("failed", len(b.failures)))
		return nil, errs.Wrap(errs.KindPipeline, b.failures[0].Err, "every alert in the batch failed validation").
			WithDetail("batch_id", opts.BatchID).
			WithDetail("failed", len(b.failures))
	}

	if p.metrics != nil {
		p.metrics.BatchesProcessed.Inc()
	}
	log.Info("processing_alerts_completed",
		zap.Int("valid", len(b.records)),
		zap.Int("failed", len(b.failures)),
		zap.Int("history_dropped", historyDropped))
	return b, nil
}

func (p *Pipeline) validateAll(ctx context.Context, raws []alert.Raw) ([]parsed, error) {
	out := make([]parsed, len(raws))
	workers := p.cfg.Processing.ValidationWorkers
	if workers <= 1 || len(raws) < 2 {
		for i, raw := range raws {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			a, err := alert.Parse(raw)
			out[i] = parsed{alert: a, err: err}
		}
		return out, nil
	}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for i := range raws {
		i := i
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			a, err := alert.Parse(raws[i])
			out[i] = parsed{alert: a, err: err}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

func failedObjectID(raw alert.Raw, err error) string {
	if id := errs.DetailOf(err, "object_id"); id != "" {
		return id
	}
	if id, ok := raw["objectId"].(string); ok {
		return id
	}
	return ""
}

func (p *Pipeline) reportFailure(log *zap.Logger, f ValidationFailure) {
	fields := []zap.Field{
		zap.Int("index", f.Index),
		zap.String("alert_id", f.ObjectID),
		zap.String("field", errs.DetailOf(f.Err, "field")),
		zap.Error(f.Err),
	}
	switch p.cfg.Processing.ValidationMode {
	case config.ModeWarn:
		log.Warn("validation_error_warn", fields...)
	case config.ModeIgnore:
	default:
		log.Error("validation_error_strict", fields...)
	}
}
