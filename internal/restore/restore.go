// Package restore rebuilds the batch ledger from the latest snapshot plus the changelog tail.
package restore

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"alertlake/internal/changelog"
	"alertlake/internal/ledger"
	"alertlake/internal/manifest"
	"alertlake/internal/snapshot"
)

type Restorer struct {
	store          ledger.Store
	loader         snapshot.Loader
	manifestReader manifest.Reader
	changelogPath  string
	logger         *zap.Logger
	kafkaIdle      time.Duration
}

type Option func(*Restorer)

func WithLogger(l *zap.Logger) Option { return func(r *Restorer) { r.logger = l } }

// WithKafkaIdle sets how long a Kafka replay waits for a message before treating the topic as drained.
func WithKafkaIdle(d time.Duration) Option { return func(r *Restorer) { r.kafkaIdle = d } }

func NewRestorer(st ledger.Store, loader snapshot.Loader, mr manifest.Reader, changelogPath string, opts ...Option) *Restorer {
	r := &Restorer{
		store:          st,
		loader:         loader,
		manifestReader: mr,
		changelogPath:  changelogPath,
		logger:         zap.NewNop(),
		kafkaIdle:      20 * time.Second,
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

type RestoreResult struct {
	Applied int
	Skipped int
	// LastAppliedOffset is the changelog position of the last event read, -1 if none.
	LastAppliedOffset int64
	Error             error
}

// RestoreFromSnapshot loads a snapshot into the ledger. A missing snapshot is not an error.
func (r *Restorer) RestoreFromSnapshot(snapshotID string) error {
	if snapshotID == "" || r.loader == nil {
		return nil
	}
	dump, err := r.loader.LoadSnapshot(snapshotID)
	if errors.Is(err, snapshot.ErrNotFound) {
		r.logger.Warn("snapshot_not_found", zap.String("snapshot_id", snapshotID))
		return nil
	}
	if err != nil {
		return err
	}
	if err := r.store.LoadAll(dump); err != nil {
		return fmt.Errorf("load ledger: %w", err)
	}
	r.logger.Info("snapshot_restored", zap.String("snapshot_id", snapshotID), zap.Int("commits", len(dump)))
	return nil
}

func (r *Restorer) apply(e changelog.Event, res *RestoreResult) error {
	ok, err := r.store.Record(e.Commit)
	if err != nil {
		return err
	}
	if ok {
		res.Applied++
	} else {
		res.Skipped++
	}
	return nil
}

// ReplayChangelog applies JSONL events after line fromOffset.
func (r *Restorer) ReplayChangelog(changelogPath string, fromOffset int64) RestoreResult {
	res := RestoreResult{LastAppliedOffset: -1}
	file, err := os.Open(changelogPath)
	if err != nil {
		res.Error = fmt.Errorf("open changelog: %w", err)
		return res
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 64*1024), 16<<20)
	var line int64
	for scanner.Scan() {
		line++
		if line <= fromOffset {
			continue
		}
		var e changelog.Event
		if err := json.Unmarshal(scanner.Bytes(), &e); err != nil {
			res.Error = fmt.Errorf("unmarshal line %d: %w", line, err)
			return res
		}
		if err := r.apply(e, &res); err != nil {
			res.Error = fmt.Errorf("apply line %d: %w", line, err)
			return res
		}
		res.LastAppliedOffset = line
	}
	if err := scanner.Err(); err != nil {
		res.Error = fmt.Errorf("scan changelog: %w", err)
	}
	return res
}

// ReplayChangelogKafka consumes events from partition 0 and applies those after message index fromOffset.
// The replay ends once no message arrives within the idle window.
func (r *Restorer) ReplayChangelogKafka(ctx context.Context, brokers []string, topic string, fromOffset int64) RestoreResult {
	rd := kafka.NewReader(kafka.ReaderConfig{
		Brokers:   brokers,
		Topic:     topic,
		Partition: 0,
		MinBytes:  1,
		MaxBytes:  10e6,
	})
	defer rd.Close()
	return r.replayMessages(ctx, rd, fromOffset)
}

type messageReader interface {
	ReadMessage(ctx context.Context) (kafka.Message, error)
}

func (r *Restorer) replayMessages(ctx context.Context, rd messageReader, fromOffset int64) RestoreResult {
	res := RestoreResult{LastAppliedOffset: -1}
	var idx int64
	for {
		readCtx, cancel := context.WithTimeout(ctx, r.kafkaIdle)
		m, err := rd.ReadMessage(readCtx)
		cancel()
		if err != nil {
			if ctx.Err() != nil {
				res.Error = ctx.Err()
				return res
			}
			if errors.Is(err, context.DeadlineExceeded) {
				return res
			}
			res.Error = fmt.Errorf("read kafka: %w", err)
			return res
		}
		idx++
		if idx <= fromOffset {
			continue
		}
		var e changelog.Event
		if err := json.Unmarshal(m.Value, &e); err != nil {
			res.Error = fmt.Errorf("unmarshal event: %w", err)
			return res
		}
		if err := r.apply(e, &res); err != nil {
			res.Error = fmt.Errorf("apply: %w", err)
			return res
		}
		res.LastAppliedOffset = m.Offset
	}
}

// RestoreAndReplay reads the manifest, restores its snapshot, then replays the file changelog.
func (r *Restorer) RestoreAndReplay(ctx context.Context) (RestoreResult, error) {
	m, err := r.manifestReader.ReadLatest(ctx)
	if err != nil {
		return RestoreResult{}, fmt.Errorf("read manifest: %w", err)
	}
	if err := r.RestoreFromSnapshot(m.SnapshotID); err != nil {
		return RestoreResult{}, fmt.Errorf("restore snapshot: %w", err)
	}
	result := r.ReplayChangelog(r.changelogPath, m.LastChangelogOffset)
	if result.Error == nil {
		r.logger.Info("ledger_replayed",
			zap.Int("applied", result.Applied),
			zap.Int("skipped", result.Skipped),
			zap.Int64("last_offset", result.LastAppliedOffset))
	}
	return result, result.Error
}
