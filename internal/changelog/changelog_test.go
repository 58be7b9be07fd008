package changelog

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/segmentio/kafka-go"

	"alertlake/internal/ledger"
)

func event(id string, rows int) Event {
	return Event{
		Commit: ledger.Commit{BatchID: id, Rows: rows, Format: "parquet", Partitions: map[string]int{"observation_date=2023-02-25": rows}},
		TS:     1,
	}
}

func TestFileWriter_Append(t *testing.T) {
	dir := t.TempDir()
	w, err := NewFileWriter(dir, "bronze.jsonl")
	if err != nil {
		t.Fatalf("NewFileWriter: %v", err)
	}

	e1, e2 := event("bronze_a", 1), event("bronze_b", 2)
	if err := w.Append(context.Background(), e1); err != nil {
		t.Fatalf("append1: %v", err)
	}
	if err := w.Append(context.Background(), e2); err != nil {
		t.Fatalf("append2: %v", err)
	}
	if w.Offset() != 2 {
		t.Fatalf("offset = %d, want 2", w.Offset())
	}

	f, err := os.Open(filepath.Join(dir, "bronze.jsonl"))
	if err != nil {
		t.Fatalf("open file: %v", err)
	}
	defer f.Close()

	s := bufio.NewScanner(f)
	var got []Event
	for s.Scan() {
		var e Event
		if err := json.Unmarshal(s.Bytes(), &e); err != nil {
			t.Fatalf("unmarshal: %v", err)
		}
		got = append(got, e)
	}
	if err := s.Err(); err != nil {
		t.Fatalf("scan: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("want 2 lines, got %d", len(got))
	}
	if got[0].Commit.BatchID != "bronze_a" || got[1].Commit.Rows != 2 {
		t.Fatalf("mismatch: %+v", got)
	}
}

func TestFileWriter_ResumesOffset(t *testing.T) {
	dir := t.TempDir()
	w, _ := NewFileWriter(dir, "bronze.jsonl")
	_ = w.Append(context.Background(), event("a", 1))
	_ = w.Append(context.Background(), event("b", 1))

	reopened, err := NewFileWriter(dir, "bronze.jsonl")
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	if reopened.Offset() != 2 {
		t.Fatalf("offset after reopen = %d, want 2", reopened.Offset())
	}
}

// fakeKafkaWriter implements kafkaMessageWriter for tests
type fakeKafkaWriter struct {
	msgs []kafka.Message
	fail bool
}

func (f *fakeKafkaWriter) WriteMessages(ctx context.Context, msgs ...kafka.Message) error {
	if f.fail {
		return errors.New("fail")
	}
	f.msgs = append(f.msgs, msgs...)
	return nil
}

func TestKafkaWriter_Append_Success(t *testing.T) {
	fk := &fakeKafkaWriter{}
	kw := NewKafkaWriterWith(fk)
	if err := kw.Append(context.Background(), event("bronze_k", 4)); err != nil {
		t.Fatalf("append: %v", err)
	}
	if len(fk.msgs) != 1 {
		t.Fatalf("want 1 msg, got %d", len(fk.msgs))
	}
	if string(fk.msgs[0].Key) != "bronze_k" {
		t.Fatalf("bad key: %s", string(fk.msgs[0].Key))
	}
	if kw.Offset() != 1 {
		t.Fatalf("offset = %d", kw.Offset())
	}
}

func TestKafkaWriter_Append_Fail(t *testing.T) {
	kw := NewKafkaWriterWith(&fakeKafkaWriter{fail: true})
	if err := kw.Append(context.Background(), event("bronze_k", 1)); err == nil {
		t.Fatalf("expected error")
	}
	if kw.Offset() != 0 {
		t.Fatalf("failed append must not advance offset")
	}
}

func TestMultiWriter_StopsAtFirstError(t *testing.T) {
	ok := &fakeKafkaWriter{}
	bad := &fakeKafkaWriter{fail: true}
	mw := NewMultiWriter(NewKafkaWriterWith(ok), NewKafkaWriterWith(bad))
	if err := mw.Append(context.Background(), event("x", 1)); err == nil {
		t.Fatalf("expected error")
	}
	if len(ok.msgs) != 1 {
		t.Fatalf("first writer should have received the event")
	}
}

func TestSplitBrokers(t *testing.T) {
	got := SplitBrokers(" k1:9092, ,k2:9092 ")
	if len(got) != 2 || got[0] != "k1:9092" || got[1] != "k2:9092" {
		t.Fatalf("unexpected brokers: %v", got)
	}
}
