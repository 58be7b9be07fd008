package bronze

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"alertlake/internal/storage"
)

// NewBatchID returns bronze_<UTC yyyymmddHHMMSS>_<8 hex chars>.
func NewBatchID(now time.Time) string {
	return fmt.Sprintf("bronze_%s_%s", now.UTC().Format("20060102150405"), uuid.NewString()[:8])
}

// checkBatchID rejects ids that are unsafe as a file name component under the dataset root.
func checkBatchID(id string) error {
	switch {
	case id == "":
		return errors.New("batch id is empty")
	case strings.ContainsAny(id, `/\`):
		return fmt.Errorf("batch id %q contains a path separator", id)
	case strings.HasPrefix(id, ".") || strings.HasPrefix(id, "_"):
		return fmt.Errorf("batch id %q must not start with '.' or '_'", id)
	}
	return nil
}

// Provenance describes where a batch came from.
type Provenance struct {
	Source        string         `json:"source"`
	SourceVersion string         `json:"source_version,omitempty"`
	Query         map[string]any `json:"query,omitempty"`
	// Count is the number of raw alerts received, valid or not.
	Count  int `json:"count"`
	Failed int `json:"failed"`
}

// ValidationFailure records one alert that was not admitted to a batch.
type ValidationFailure struct {
	Index    int
	ObjectID string
	Err      error
}

// Batch is the unit of processing and writing. Records share the batch id.
type Batch struct {
	id         string
	createdAt  time.Time
	records    []Record
	provenance Provenance
	failures   []ValidationFailure
}

func (b *Batch) ID() string { return b.id }
func (b *Batch) CreatedAt() time.Time { return b.createdAt }
func (b *Batch) Len() int { return len(b.records) }
func (b *Batch) Provenance() Provenance { return b.provenance }

// Records returns a copy of the batch contents.
func (b *Batch) Records() []Record {
	out := make([]Record, len(b.records))
	copy(out, b.records)
	return out
}

// Failures lists the alerts rejected while building the batch, in input order.
func (b *Batch) Failures() []ValidationFailure {
	out := make([]ValidationFailure, len(b.failures))
	copy(out, b.failures)
	return out
}

// ObjectIDs returns distinct object ids in first-seen order.
func (b *Batch) ObjectIDs() []string {
	seen := make(map[string]struct{}, len(b.records))
	var out []string
	for _, r := range b.records {
		id := r.alert.ObjectID
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

// Rows flattens every record.
func (b *Batch) Rows() []storage.Row {
	rows := make([]storage.Row, 0, len(b.records))
	for _, r := range b.records {
		rows = append(rows, r.Flatten())
	}
	return rows
}

// Merge builds a new batch holding the records of all inputs under id.
// Inputs are left untouched. Records keep their observation date and ingestion time.
func Merge(id string, createdAt time.Time, batches ...*Batch) *Batch {
	out := &Batch{id: id, createdAt: createdAt.UTC()}
	for i, b := range batches {
		if b == nil {
			continue
		}
		if i == 0 || out.provenance.Source == "" {
			out.provenance.Source = b.provenance.Source
			out.provenance.SourceVersion = b.provenance.SourceVersion
		} else if out.provenance.Source != b.provenance.Source {
			out.provenance.Source = "mixed"
		}
		out.provenance.Count += b.provenance.Count
		out.provenance.Failed += b.provenance.Failed
		for _, r := range b.records {
			out.records = append(out.records, r.withBatchID(id))
		}
		out.failures = append(out.failures, b.failures...)
	}
	return out
}
