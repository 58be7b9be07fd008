package bronze

import (
	"context"
	"encoding/json"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"alertlake/internal/alert"
)

func TestObservationDate(t *testing.T) {
	fallback := time.Date(2024, 3, 1, 23, 59, 0, 0, time.UTC)

	d := ObservationDate(2460000.5, fallback)
	assert.Equal(t, "2023-02-25", d)
	assert.Len(t, d, 10)
	assert.Equal(t, d, ObservationDate(2460000.5, fallback))

	assert.Equal(t, "1970-01-01", ObservationDate(2440587.5, fallback))
	assert.Equal(t, "2023-02-25", ObservationDate(2460000.999, fallback))

	for _, jd := range []float64{math.NaN(), math.Inf(1), math.Inf(-1), 1e12, -1e12} {
		assert.Equal(t, "2024-03-01", ObservationDate(jd, fallback), "jd=%v", jd)
	}
}

func TestNewRecord_IsASnapshotOfRaw(t *testing.T) {
	raw := validRaw("ZTF21aaaaaaa", 2460000.5)
	a, err := alert.Parse(raw)
	require.NoError(t, err)

	r := NewRecord(a, raw, Metadata{IngestedAt: fixedNow, BatchID: "bronze_x"})
	raw["objectId"] = "mutated"

	assert.Equal(t, "ZTF21aaaaaaa", r.Raw()["objectId"])
	assert.Equal(t, DefaultSource, r.Source())
	assert.Equal(t, "2023-02-25", r.ObservationDate())

	cp := r.Raw()
	cp["objectId"] = "again"
	assert.Equal(t, "ZTF21aaaaaaa", r.Raw()["objectId"])
}

func TestFlatten_MapsAlertAndMetadata(t *testing.T) {
	raw := validRaw("ZTF21aaaaaaa", 2460000.5)
	raw["survey_extra"] = "kept"
	a, err := alert.Parse(raw)
	require.NoError(t, err)

	row := NewRecord(a, raw, Metadata{
		IngestedAt:    fixedNow,
		Source:        "fink_api",
		SourceVersion: "2.1",
		BatchID:       "bronze_x",
	}).Flatten()

	assert.Equal(t, "ZTF21aaaaaaa", row.ObjectID)
	require.NotNil(t, row.CandidateID)
	assert.Equal(t, int64(1234567890), *row.CandidateID)
	assert.Equal(t, int32(2), row.FilterID)
	assert.Equal(t, "r", row.FilterName)
	assert.Equal(t, 2460000.5, row.JD)
	assert.InDelta(t, 60000.0, row.MJD, 1e-9)
	assert.Equal(t, "2023-02-25", row.ObservationDate)
	require.NotNil(t, row.RBScore)
	assert.Equal(t, 0.95, *row.RBScore)
	assert.Nil(t, row.DRBScore)
	require.NotNil(t, row.FinkClass)
	assert.Equal(t, "SN candidate", *row.FinkClass)
	assert.Nil(t, row.CDSXMatch)
	assert.Equal(t, fixedNow, row.IngestionTimestamp)
	require.NotNil(t, row.SourceVersion)
	assert.Equal(t, "2.1", *row.SourceVersion)
	assert.Equal(t, "bronze_x", row.ProcessingID)

	require.NotNil(t, row.RawPayloadJSON)
	var payload map[string]any
	require.NoError(t, json.Unmarshal([]byte(*row.RawPayloadJSON), &payload))
	assert.Equal(t, "kept", payload["survey_extra"])
	assert.Equal(t, "ZTF21aaaaaaa", payload["objectId"])
}

func TestFlatten_UnserializablePayloadStoresNull(t *testing.T) {
	raw := validRaw("ZTF21aaaaaaa", 2460000.5)
	raw["bad_extra"] = math.Inf(1)
	a, err := alert.Parse(raw)
	require.NoError(t, err)

	row := NewRecord(a, raw, Metadata{IngestedAt: fixedNow}).Flatten()
	assert.Nil(t, row.RawPayloadJSON)
	assert.Equal(t, "ZTF21aaaaaaa", row.ObjectID)
	assert.Nil(t, row.SourceVersion)
}

func TestFlatten_EmptyPayloadStoresNull(t *testing.T) {
	a, err := alert.Parse(validRaw("ZTF21aaaaaaa", 2460000.5))
	require.NoError(t, err)

	for _, raw := range []alert.Raw{nil, {}} {
		row := NewRecord(a, raw, Metadata{IngestedAt: fixedNow}).Flatten()
		assert.Nil(t, row.RawPayloadJSON)
	}
}

func TestMerge_CreatesNewBatch(t *testing.T) {
	p := newTestPipeline(t, testConfig(t, "warn"))
	b1, err := p.ProcessBatch(context.Background(), []alert.Raw{validRaw("ZTF21aaaaaaa", 2460000.5), invalidRaw("ZTF21bad0001")}, ProcessOptions{BatchID: "b1"})
	require.NoError(t, err)
	b2, err := p.ProcessBatch(context.Background(), []alert.Raw{validRaw("ZTF21aaaaaaa", 2460001.5), validRaw("ZTF21bbbbbbb", 2460001.5)}, ProcessOptions{BatchID: "b2"})
	require.NoError(t, err)

	m := Merge("merged", fixedNow, b1, b2)
	assert.Equal(t, "merged", m.ID())
	assert.Equal(t, 3, m.Len())
	assert.Equal(t, Provenance{Source: DefaultSource, Count: 4, Failed: 1}, m.Provenance())
	assert.Equal(t, []string{"ZTF21aaaaaaa", "ZTF21bbbbbbb"}, m.ObjectIDs())
	for _, r := range m.Records() {
		assert.Equal(t, "merged", r.BatchID())
	}
	assert.Equal(t, []string{"2023-02-25", "2023-02-26", "2023-02-26"}, []string{
		m.Records()[0].ObservationDate(), m.Records()[1].ObservationDate(), m.Records()[2].ObservationDate(),
	})

	assert.Equal(t, "b1", b1.Records()[0].BatchID())
	assert.Equal(t, 1, b1.Len())
}
