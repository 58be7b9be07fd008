package storage

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func row(id, date string) Row {
	payload := `{"objectId":"` + id + `"}`
	rb := 0.9
	return Row{
		ObjectID:           id,
		RA:                 10,
		Dec:                -5,
		MagPSF:             18.2,
		SigmaPSF:           0.1,
		FilterID:           1,
		FilterName:         "g",
		JD:                 2460000.5,
		MJD:                60000,
		ObservationDate:    date,
		RBScore:            &rb,
		IngestionTimestamp: time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC),
		Source:             "fink_api",
		ProcessingID:       "bronze_test",
		RawPayloadJSON:     &payload,
	}
}

func newParquetDataset(t *testing.T, root string, opts ...Option) *Dataset {
	t.Helper()
	pc, err := NewParquetCodec("snappy")
	require.NoError(t, err)
	return NewDataset(root, pc, opts...)
}

func TestWritePartitioned_LayoutAndRoundTrip(t *testing.T) {
	root := filepath.Join(t.TempDir(), "bronze")
	ds := newParquetDataset(t, root)
	ctx := context.Background()

	rows := []Row{row("ZTF_a", "2023-02-26"), row("ZTF_b", "2023-02-25"), row("ZTF_c", "2023-02-26")}
	res, err := ds.WritePartitioned(ctx, "b1", rows, []string{"observation_date"})
	require.NoError(t, err)
	assert.Equal(t, []string{"observation_date=2023-02-25", "observation_date=2023-02-26"}, res.Partitions)
	require.Len(t, res.Files, 2)
	assert.FileExists(t, filepath.Join(root, "observation_date=2023-02-25", "part-b1.parquet"))

	got, err := ds.Read(ctx, Query{})
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, "ZTF_b", got[0].ObjectID)
	assert.Equal(t, []string{"ZTF_a", "ZTF_c"}, []string{got[1].ObjectID, got[2].ObjectID})
	require.NotNil(t, got[0].RBScore)
	assert.Equal(t, 0.9, *got[0].RBScore)
	assert.Nil(t, got[0].DiffMagLim)
	assert.True(t, got[0].IngestionTimestamp.Equal(rows[1].IngestionTimestamp))
}

func TestWritePartitioned_MergesWithExistingPartitions(t *testing.T) {
	root := t.TempDir()
	ds := newParquetDataset(t, root)
	ctx := context.Background()

	_, err := ds.WritePartitioned(ctx, "b1", []Row{row("A1", "2023-01-01")}, []string{"observation_date"})
	require.NoError(t, err)
	_, err = ds.WritePartitioned(ctx, "b2", []Row{row("B1", "2023-01-01"), row("B2", "2023-01-02")}, []string{"observation_date"})
	require.NoError(t, err)

	all, err := ds.Read(ctx, Query{})
	require.NoError(t, err)
	assert.Len(t, all, 3)

	day1, err := ds.Read(ctx, Query{Column: "observation_date", Value: "2023-01-01"})
	require.NoError(t, err)
	assert.Len(t, day1, 2)

	_, err = ds.WritePartitioned(ctx, "b2", []Row{row("B3", "2023-01-03"), row("B1", "2023-01-01")}, []string{"observation_date"})
	require.ErrorIs(t, err, ErrExists)
	_, statErr := os.Stat(filepath.Join(root, "observation_date=2023-01-03", "part-b2.parquet"))
	assert.True(t, os.IsNotExist(statErr), "partial write must be rolled back")
}

func TestWritePartitioned_RollsBackOnFailure(t *testing.T) {
	root := t.TempDir()
	ds := newParquetDataset(t, root)
	// A regular file where the second partition directory should go.
	require.NoError(t, os.WriteFile(filepath.Join(root, "observation_date=2023-02-26"), []byte("x"), 0o644))

	_, err := ds.WritePartitioned(context.Background(), "b1",
		[]Row{row("A", "2023-02-25"), row("B", "2023-02-26")}, []string{"observation_date"})
	require.Error(t, err)

	entries, err := os.ReadDir(filepath.Join(root, "observation_date=2023-02-25"))
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestWritePartitioned_MultipleColumns(t *testing.T) {
	root := t.TempDir()
	ds := newParquetDataset(t, root)
	r := row("A", "2023-02-25")
	r.Source = "fink/api"
	res, err := ds.WritePartitioned(context.Background(), "b1", []Row{r}, []string{"observation_date", "source"})
	require.NoError(t, err)
	assert.Equal(t, []string{"observation_date=2023-02-25/source=fink%2Fapi"}, res.Partitions)

	_, err = ds.WritePartitioned(context.Background(), "b2", []Row{r}, []string{"ra"})
	assert.Error(t, err)
}

func TestWriteFile_JSONAndRead(t *testing.T) {
	root := t.TempDir()
	ds := NewDataset(root, JSONCodec{})
	res, err := ds.WriteFile(context.Background(), "alerts_b1_20240101_000000", []Row{row("A", "2023-02-25"), row("B", "2023-02-24")})
	require.NoError(t, err)
	require.Len(t, res.Files, 1)
	assert.Equal(t, ".json", filepath.Ext(res.Files[0]))

	got, err := ds.Read(context.Background(), Query{Column: "observation_date", Value: "2023-02-24"})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "B", got[0].ObjectID)
}

func TestRead_MissingRootAndLimitAndHiddenFiles(t *testing.T) {
	ds := newParquetDataset(t, filepath.Join(t.TempDir(), "missing"))
	got, err := ds.Read(context.Background(), Query{})
	require.NoError(t, err)
	assert.Empty(t, got)

	root := t.TempDir()
	ds = newParquetDataset(t, root)
	_, err = ds.WriteFile(context.Background(), "alerts_b1", []Row{row("A", "d"), row("B", "d"), row("C", "d")})
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(root, ".tmp-garbage.parquet"), []byte("junk"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(root, "_SUCCESS"), nil, 0o644))

	got, err = ds.Read(context.Background(), Query{Limit: 2})
	require.NoError(t, err)
	assert.Len(t, got, 2)
}

func TestRead_CorruptFileIsAnError(t *testing.T) {
	root := t.TempDir()
	ds := newParquetDataset(t, root)
	require.NoError(t, os.WriteFile(filepath.Join(root, "broken.parquet"), []byte("not parquet"), 0o644))
	_, err := ds.Read(context.Background(), Query{})
	assert.Error(t, err)
}

type countingLocker struct {
	mu   sync.Mutex
	keys []string
}

func (c *countingLocker) Lock(_ context.Context, key string) (func(), error) {
	c.mu.Lock()
	c.keys = append(c.keys, key)
	c.mu.Unlock()
	return func() {}, nil
}

func TestWritePartitioned_LocksEachPartition(t *testing.T) {
	root := t.TempDir()
	lk := &countingLocker{}
	ds := newParquetDataset(t, root, WithLocker(lk))
	_, err := ds.WritePartitioned(context.Background(), "b1",
		[]Row{row("A", "2023-02-25"), row("B", "2023-02-26")}, []string{"observation_date"})
	require.NoError(t, err)
	assert.Equal(t, []string{
		filepath.ToSlash(filepath.Join(root, "observation_date=2023-02-25")),
		filepath.ToSlash(filepath.Join(root, "observation_date=2023-02-26")),
	}, lk.keys)
}

func TestEscapeValue(t *testing.T) {
	assert.Equal(t, "2023-02-25", EscapeValue("2023-02-25"))
	assert.Equal(t, DefaultPartition, EscapeValue(""))
	assert.Equal(t, "a%3Db", EscapeValue("a=b"))
	assert.Equal(t, "%2E%2E", EscapeValue(".."))
}

func TestNewParquetCodec_Unknown(t *testing.T) {
	_, err := NewParquetCodec("lzma")
	assert.Error(t, err)
}
