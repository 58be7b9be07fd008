package bronze

import (
	"context"
	"fmt"
	"regexp"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"alertlake/internal/alert"
	"alertlake/internal/config"
	"alertlake/internal/errs"
	"alertlake/internal/metrics"
)

var fixedNow = time.Date(2024, 3, 1, 12, 30, 45, 0, time.UTC)

func validRaw(id string, jd float64) alert.Raw {
	return alert.Raw{
		"objectId":     id,
		"candid":       float64(1234567890),
		"ra":           193.822,
		"dec":          2.896,
		"magpsf":       18.5,
		"sigmapsf":     0.05,
		"fid":          float64(2),
		"jd":           jd,
		"rb":           0.95,
		"v:fink_class": "SN candidate",
	}
}

func invalidRaw(id string) alert.Raw {
	raw := validRaw(id, 2460000.5)
	raw["ra"] = 360.0
	return raw
}

func testConfig(t *testing.T, mode config.ValidationMode) config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.Storage.BasePath = t.TempDir()
	cfg.Processing.ValidationMode = mode
	return cfg
}

func newTestPipeline(t *testing.T, cfg config.Config, opts ...Option) *Pipeline {
	t.Helper()
	opts = append([]Option{WithClock(func() time.Time { return fixedNow })}, opts...)
	p, err := New(cfg, opts...)
	require.NoError(t, err)
	return p
}

var allModes = []config.ValidationMode{config.ModeStrict, config.ModeWarn, config.ModeIgnore}

func TestNew_RejectsInvalidConfig(t *testing.T) {
	cfg := config.Default()
	cfg.Processing.ValidationMode = "loud"
	_, err := New(cfg)
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.KindConfig))
}

func TestProcessBatch_EmptyInputIsEmptyBatch(t *testing.T) {
	for _, mode := range allModes {
		p := newTestPipeline(t, testConfig(t, mode))
		b, err := p.ProcessBatch(context.Background(), nil, ProcessOptions{})
		require.NoError(t, err, mode)
		assert.Equal(t, 0, b.Len())
		assert.Equal(t, 0, b.Provenance().Count)
		assert.Empty(t, b.Failures())
	}
}

func TestProcessBatch_SingleValidRecordUnderEveryMode(t *testing.T) {
	for _, mode := range allModes {
		p := newTestPipeline(t, testConfig(t, mode))
		b, err := p.ProcessBatch(context.Background(), []alert.Raw{validRaw("ZTF21aaaaaaa", 2460000.5)}, ProcessOptions{})
		require.NoError(t, err, mode)
		require.Equal(t, 1, b.Len())

		rec := b.Records()[0]
		assert.Equal(t, "ZTF21aaaaaaa", rec.Alert().ObjectID)
		assert.Equal(t, b.ID(), rec.BatchID())
		assert.Equal(t, DefaultSource, rec.Source())
		assert.Equal(t, fixedNow, rec.IngestedAt())
	}
}

func TestProcessBatch_AllInvalid(t *testing.T) {
	raws := []alert.Raw{invalidRaw("ZTF21bad0001"), invalidRaw("ZTF21bad0002")}

	t.Run("strict raises pipeline error", func(t *testing.T) {
		reg := metrics.NewRegistry()
		p := newTestPipeline(t, testConfig(t, config.ModeStrict), WithMetrics(reg))
		b, err := p.ProcessBatch(context.Background(), raws, ProcessOptions{BatchID: "bronze_fixed"})
		require.Error(t, err)
		assert.Nil(t, b)
		assert.True(t, errs.Is(err, errs.KindPipeline))
		assert.Equal(t, "bronze_fixed", errs.DetailOf(err, "batch_id"))
		assert.Equal(t, "2", errs.DetailOf(err, "failed"))
		assert.Equal(t, 1.0, testutil.ToFloat64(reg.BatchesFailed))
		assert.Equal(t, 2.0, testutil.ToFloat64(reg.AlertsRejected))
	})

	for _, mode := range []config.ValidationMode{config.ModeWarn, config.ModeIgnore} {
		t.Run(string(mode)+" returns empty batch", func(t *testing.T) {
			p := newTestPipeline(t, testConfig(t, mode))
			b, err := p.ProcessBatch(context.Background(), raws, ProcessOptions{})
			require.NoError(t, err)
			assert.Equal(t, 0, b.Len())
			assert.Equal(t, 2, b.Provenance().Count)
			assert.Equal(t, 2, b.Provenance().Failed)
			assert.Len(t, b.Failures(), 2)
		})
	}
}

func TestProcessBatch_PartialFailureReturnsSuccesses(t *testing.T) {
	raws := []alert.Raw{validRaw("ZTF21good001", 2460000.5), invalidRaw("ZTF21bad0001")}
	for _, mode := range []config.ValidationMode{config.ModeStrict, config.ModeWarn} {
		p := newTestPipeline(t, testConfig(t, mode))
		b, err := p.ProcessBatch(context.Background(), raws, ProcessOptions{Source: "fink_kafka", SourceVersion: "2.1"})
		require.NoError(t, err, mode)
		assert.Equal(t, 1, b.Len())
		assert.Equal(t, Provenance{Source: "fink_kafka", SourceVersion: "2.1", Count: 2, Failed: 1}, b.Provenance())

		failures := b.Failures()
		require.Len(t, failures, 1)
		assert.Equal(t, 1, failures[0].Index)
		assert.Equal(t, "ZTF21bad0001", failures[0].ObjectID)
		assert.True(t, errs.Is(failures[0].Err, errs.KindValidation))
	}
}

func TestProcessBatch_FailureLoggingFollowsMode(t *testing.T) {
	cases := []struct {
		mode  config.ValidationMode
		msg   string
		level zapcore.Level
	}{
		{config.ModeStrict, "validation_error_strict", zapcore.ErrorLevel},
		{config.ModeWarn, "validation_error_warn", zapcore.WarnLevel},
		{config.ModeIgnore, "", 0},
	}
	for _, tc := range cases {
		t.Run(string(tc.mode), func(t *testing.T) {
			core, logs := observer.New(zapcore.DebugLevel)
			p := newTestPipeline(t, testConfig(t, tc.mode), WithLogger(zap.New(core)))
			raws := []alert.Raw{validRaw("ZTF21good001", 2460000.5), invalidRaw("ZTF21bad0001")}
			_, err := p.ProcessBatch(context.Background(), raws, ProcessOptions{})
			require.NoError(t, err)

			assert.Equal(t, 1, logs.FilterMessage("processing_alerts_started").Len())
			for _, m := range []string{"validation_error_strict", "validation_error_warn"} {
				entries := logs.FilterMessage(m).All()
				if m != tc.msg {
					assert.Empty(t, entries, m)
					continue
				}
				require.Len(t, entries, 1)
				assert.Equal(t, tc.level, entries[0].Level)
				assert.Equal(t, "ZTF21bad0001", entries[0].ContextMap()["alert_id"])
				assert.Equal(t, "ra", entries[0].ContextMap()["field"])
			}
		})
	}
}

func TestProcessBatch_ConcurrentValidationKeepsInputOrder(t *testing.T) {
	cfg := testConfig(t, config.ModeWarn)
	cfg.Processing.ValidationWorkers = 8
	p := newTestPipeline(t, cfg)

	var raws []alert.Raw
	var wantBad []int
	for i := 0; i < 200; i++ {
		id := fmt.Sprintf("ZTF21obj%04d", i)
		if i%3 == 0 {
			raws = append(raws, invalidRaw(id))
			wantBad = append(wantBad, i)
			continue
		}
		raws = append(raws, validRaw(id, 2460000.5))
	}
	b, err := p.ProcessBatch(context.Background(), raws, ProcessOptions{})
	require.NoError(t, err)

	var gotBad []int
	for _, f := range b.Failures() {
		gotBad = append(gotBad, f.Index)
	}
	assert.Equal(t, wantBad, gotBad)
	assert.Equal(t, 200-len(wantBad), b.Len())

	recs := b.Records()
	for i := 1; i < len(recs); i++ {
		assert.Less(t, recs[i-1].Alert().ObjectID, recs[i].Alert().ObjectID)
	}
}

func TestProcessBatch_BatchIdentifiers(t *testing.T) {
	p := newTestPipeline(t, testConfig(t, config.ModeStrict))
	raws := []alert.Raw{validRaw("ZTF21aaaaaaa", 2460000.5)}

	b1, err := p.ProcessBatch(context.Background(), raws, ProcessOptions{})
	require.NoError(t, err)
	b2, err := p.ProcessBatch(context.Background(), raws, ProcessOptions{})
	require.NoError(t, err)

	assert.Regexp(t, regexp.MustCompile(`^bronze_20240301123045_[0-9a-f]{8}$`), b1.ID())
	assert.NotEqual(t, b1.ID(), b2.ID())

	b3, err := p.ProcessBatch(context.Background(), raws, ProcessOptions{BatchID: "bronze_manual"})
	require.NoError(t, err)
	assert.Equal(t, "bronze_manual", b3.ID())
	assert.Equal(t, "bronze_manual", b3.Records()[0].BatchID())
}

func TestProcessBatch_MetricsAndHistoryDrops(t *testing.T) {
	reg := metrics.NewRegistry()
	p := newTestPipeline(t, testConfig(t, config.ModeWarn), WithMetrics(reg))
	raw := validRaw("ZTF21hist001", 2460000.5)
	raw["prv_candidates"] = []any{
		map[string]any{"jd": 2459999.5, "fid": float64(1), "magpsf": 19.1},
		map[string]any{"jd": "yesterday", "fid": float64(1)},
	}
	b, err := p.ProcessBatch(context.Background(), []alert.Raw{raw, invalidRaw("ZTF21bad0001")}, ProcessOptions{})
	require.NoError(t, err)
	require.Equal(t, 1, b.Len())

	assert.Equal(t, 2.0, testutil.ToFloat64(reg.AlertsReceived))
	assert.Equal(t, 1.0, testutil.ToFloat64(reg.AlertsValid))
	assert.Equal(t, 1.0, testutil.ToFloat64(reg.AlertsRejected))
	assert.Equal(t, 1.0, testutil.ToFloat64(reg.HistoryDropped))
	assert.Equal(t, 1.0, testutil.ToFloat64(reg.BatchesProcessed))

	row := b.Records()[0].Flatten()
	assert.Equal(t, int32(1), row.NumPreviousDetections)
	assert.Equal(t, int32(1), row.HistoryDropped)
}

func TestProcessBatch_CancelledContext(t *testing.T) {
	p := newTestPipeline(t, testConfig(t, config.ModeStrict))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := p.ProcessBatch(ctx, []alert.Raw{validRaw("ZTF21aaaaaaa", 2460000.5)}, ProcessOptions{})
	assert.ErrorIs(t, err, context.Canceled)
}
