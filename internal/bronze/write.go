package bronze

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"alertlake/internal/changelog"
	"alertlake/internal/errs"
	"alertlake/internal/ledger"
)

// WriteBatch persists batch and returns where it was written.
//
// With partitionByDate and a columnar format the rows go to one file per partition under the
// dataset root, which is returned. Otherwise the batch becomes a single file named after the
// batch and the write time, and that file's path is returned. An empty batch writes nothing.
//
// A batch id already in the ledger is refused, so a batch is written at most once. Once the files
// are in place the commit is recorded in the ledger and, when configured, appended to the changelog.
func (p *Pipeline) WriteBatch(ctx context.Context, batch *Batch, partitionByDate bool) (string, error) {
	location := p.store.Root()
	if batch == nil || batch.Len() == 0 {
		p.logger.Info("write_batch_empty", zap.String("location", location))
		return location, nil
	}
	log := p.logger.With(zap.String("batch_id", batch.ID()))
	if err := checkBatchID(batch.ID()); err != nil {
		return "", p.writeFailed(log, batch, errs.Wrap(errs.KindWrite, err, "invalid batch id"))
	}
	if _, ok := p.ledger.Get(batch.ID()); ok {
		return "", p.writeFailed(log, batch, errs.New(errs.KindWrite, "batch already written"))
	}

	start := p.now()
	rows := batch.Rows()
	format := p.cfg.Storage.FileFormat
	partitioned := partitionByDate && p.cfg.Partitioned()

	var (
		commit = ledger.Commit{BatchID: batch.ID(), Rows: len(rows), Format: string(format)}
		err    error
	)
	if partitioned {
		res, werr := p.store.WritePartitioned(ctx, batch.ID(), rows, p.cfg.Storage.PartitionColumns)
		commit.Files, commit.Partitions, err = res.Files, res.PartitionRows, werr
	} else {
		name := fmt.Sprintf("alerts_%s_%s", batch.ID(), start.UTC().Format("20060102_150405"))
		res, werr := p.store.WriteFile(ctx, name, rows)
		commit.Files, err = res.Files, werr
		if err == nil && len(res.Files) == 1 {
			location = res.Files[0]
		}
	}
	if err != nil {
		return "", p.writeFailed(log, batch, err)
	}

	commit.WrittenAt = p.now().UTC().UnixMilli()
	if err := p.commit(ctx, commit); err != nil {
		return "", p.writeFailed(log, batch, err)
	}

	if p.metrics != nil {
		p.metrics.RowsWritten.WithLabelValues(string(format)).Add(float64(len(rows)))
		p.metrics.WriteLatencySec.Observe(p.now().Sub(start).Seconds())
	}
	log.Info("write_batch_completed",
		zap.String("location", location),
		zap.Int("rows", len(rows)),
		zap.Bool("partitioned", partitioned),
		zap.Int("partitions", len(commit.Partitions)),
		zap.Duration("took", p.now().Sub(start)))
	return location, nil
}

// commit records c in the ledger and the changelog. The files are already in place when this
// runs, so a changelog failure leaves the ledger ahead of the changelog until the next rebuild.
func (p *Pipeline) commit(ctx context.Context, c ledger.Commit) error {
	applied, err := p.ledger.Record(c)
	if err != nil {
		return fmt.Errorf("record commit: %w", err)
	}
	if !applied {
		return fmt.Errorf("batch %s committed concurrently", c.BatchID)
	}
	if p.changelog == nil {
		return nil
	}
	if err := p.changelog.Append(ctx, changelog.Event{Commit: c, TS: p.now().UTC().UnixMilli()}); err != nil {
		return fmt.Errorf("append changelog: %w", err)
	}
	if p.metrics != nil {
		p.metrics.ChangelogAppended.Inc()
	}
	return nil
}

func (p *Pipeline) writeFailed(log *zap.Logger, batch *Batch, err error) error {
	if p.metrics != nil {
		p.metrics.WriteErrors.Inc()
	}
	log.Error("write_batch_failed", zap.Int("rows", batch.Len()), zap.Error(err))
	var we *errs.Error
	if !errors.As(err, &we) || we.Kind != errs.KindWrite {
		we = errs.Wrap(errs.KindWrite, err, "failed to write batch")
	}
	return we.WithDetail("batch_id", batch.ID()).WithDetail("format", string(p.cfg.Storage.FileFormat))
}
