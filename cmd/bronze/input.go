package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	ck "github.com/confluentinc/confluent-kafka-go/v2/kafka"
	"go.uber.org/zap"

	"alertlake/internal/alert"
	"alertlake/internal/bronze"
	"alertlake/internal/config"
	"alertlake/internal/errs"
)

type ingester struct {
	pipeline *bronze.Pipeline
	flags    Flags
	logger   *zap.Logger
	batches  int
	rows     int
}

// handle processes and writes one chunk. A chunk where every alert is invalid is logged and
// skipped so that bad input cannot stall the stream; write failures stop ingestion.
func (in *ingester) handle(ctx context.Context, raws []alert.Raw, query map[string]any) error {
	b, err := in.pipeline.ProcessBatch(ctx, raws, bronze.ProcessOptions{
		Source:        in.flags.Source,
		SourceVersion: in.flags.SourceVersion,
		SourceQuery:   query,
	})
	if errs.Is(err, errs.KindPipeline) {
		in.logger.Warn("batch_skipped", zap.Int("count", len(raws)), zap.Error(err))
		return nil
	}
	if err != nil {
		return err
	}
	if _, err := in.pipeline.WriteBatch(ctx, b, in.flags.PartitionByDate); err != nil {
		return err
	}
	in.batches++
	in.rows += b.Len()
	return nil
}

func (in *ingester) fromFile(ctx context.Context, path string, batchSize int) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open input: %w", err)
	}
	defer f.Close()

	raws, err := decodeAlerts(f)
	if err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	in.logger.Info("input_loaded", zap.String("file", path), zap.Int("alerts", len(raws)))
	for start := 0; start < len(raws); start += batchSize {
		if err := ctx.Err(); err != nil {
			return err
		}
		end := min(start+batchSize, len(raws))
		query := map[string]any{"file": path, "offset": start}
		if err := in.handle(ctx, raws[start:end], query); err != nil {
			return err
		}
	}
	return nil
}

// decodeAlerts accepts either a JSON array of objects or one object per line.
// Numbers are kept as json.Number so large candidate ids survive intact.
func decodeAlerts(r io.Reader) ([]alert.Raw, error) {
	br := bufio.NewReader(r)
	first, err := peekNonSpace(br)
	if errors.Is(err, io.EOF) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	dec := json.NewDecoder(br)
	dec.UseNumber()
	if first == '[' {
		var raws []alert.Raw
		if err := dec.Decode(&raws); err != nil {
			return nil, err
		}
		return raws, nil
	}
	var raws []alert.Raw
	for {
		var raw alert.Raw
		err := dec.Decode(&raw)
		if errors.Is(err, io.EOF) {
			return raws, nil
		}
		if err != nil {
			return nil, fmt.Errorf("record %d: %w", len(raws)+1, err)
		}
		raws = append(raws, raw)
	}
}

func peekNonSpace(br *bufio.Reader) (byte, error) {
	for {
		b, err := br.ReadByte()
		if err != nil {
			return 0, err
		}
		switch b {
		case ' ', '\t', '\r', '\n':
			continue
		}
		return b, br.UnreadByte()
	}
}

// fromKafka consumes raw alerts with manual offset commits. Offsets are committed only
// after the chunk they belong to has been written or deliberately skipped.
func (in *ingester) fromKafka(ctx context.Context, cfg config.Config) error {
	if len(cfg.Kafka.Brokers) == 0 {
		return errs.New(errs.KindConfig, "kafka input needs KAFKA_BROKERS")
	}
	c, err := ck.NewConsumer(&ck.ConfigMap{
		"bootstrap.servers":  strings.Join(cfg.Kafka.Brokers, ","),
		"group.id":           cfg.Kafka.GroupID,
		"enable.auto.commit": false,
		"isolation.level":    "read_committed",
		"auto.offset.reset":  "earliest",
	})
	if err != nil {
		return fmt.Errorf("consumer: %w", err)
	}
	defer c.Close()
	if err := c.SubscribeTopics([]string{cfg.Kafka.AlertsTopic}, nil); err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}

	batchSize := cfg.Processing.BatchSize
	var (
		pending []alert.Raw
		bad     int
	)
	flush := func() error {
		if len(pending) == 0 {
			return nil
		}
		query := map[string]any{"topic": cfg.Kafka.AlertsTopic, "undecodable": bad}
		if err := in.handle(ctx, pending, query); err != nil {
			return err
		}
		if _, err := c.Commit(); err != nil {
			var kerr ck.Error
			if !errors.As(err, &kerr) || kerr.Code() != ck.ErrNoOffset {
				return fmt.Errorf("commit offsets: %w", err)
			}
		}
		pending, bad = pending[:0], 0
		return nil
	}

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if in.flags.MaxBatches > 0 && in.batches >= in.flags.MaxBatches {
			return nil
		}
		msg, err := c.ReadMessage(in.flags.PollTimeout)
		if err != nil {
			var kerr ck.Error
			if errors.As(err, &kerr) && kerr.Code() == ck.ErrTimedOut {
				if err := flush(); err != nil {
					return err
				}
				continue
			}
			return fmt.Errorf("read message: %w", err)
		}
		var raw alert.Raw
		dec := json.NewDecoder(bytes.NewReader(msg.Value))
		dec.UseNumber()
		if err := dec.Decode(&raw); err != nil {
			bad++
			in.logger.Warn("message_undecodable", zap.String("partition", msg.TopicPartition.String()), zap.Error(err))
			continue
		}
		pending = append(pending, raw)
		if len(pending) >= batchSize {
			if err := flush(); err != nil {
				return err
			}
		}
	}
}
