package bronze

import (
	"encoding/json"
	"math"
	"time"

	"alertlake/internal/alert"
	"alertlake/internal/storage"
)

// DefaultSource is recorded when the caller does not name one.
const DefaultSource = "fink_api"

// unixEpochJD is the Julian Date of 1970-01-01T00:00:00Z.
const unixEpochJD = 2440587.5

// Bounds of representable calendar dates, years 0 through 9999.
const (
	minUnixSeconds = -62167219200
	maxUnixSeconds = 253402300799
)

// Record is a validated alert plus ingestion metadata. It is immutable once built.
type Record struct {
	alert           alert.Alert
	raw             alert.Raw
	ingestedAt      time.Time
	source          string
	sourceVersion   string
	batchID         string
	observationDate string
}

// Metadata describes where and when a record was ingested.
type Metadata struct {
	IngestedAt    time.Time
	Source        string
	SourceVersion string
	BatchID       string
}

// NewRecord snapshots raw and derives the partition date from the alert's Julian Date,
// falling back to the ingestion date when the Julian Date cannot be converted.
func NewRecord(a alert.Alert, raw alert.Raw, meta Metadata) Record {
	if meta.Source == "" {
		meta.Source = DefaultSource
	}
	ingested := meta.IngestedAt.UTC()
	return Record{
		alert:           a,
		raw:             copyRaw(raw),
		ingestedAt:      ingested,
		source:          meta.Source,
		sourceVersion:   meta.SourceVersion,
		batchID:         meta.BatchID,
		observationDate: ObservationDate(a.JD, ingested),
	}
}

func copyRaw(raw alert.Raw) alert.Raw {
	if raw == nil {
		return nil
	}
	out := make(alert.Raw, len(raw))
	for k, v := range raw {
		out[k] = v
	}
	return out
}

// ObservationDate renders jd as a UTC calendar date (YYYY-MM-DD).
func ObservationDate(jd float64, fallback time.Time) string {
	if t, ok := JDToTime(jd); ok {
		return t.Format(time.DateOnly)
	}
	return fallback.UTC().Format(time.DateOnly)
}

// JDToTime converts a Julian Date to a UTC instant. It reports false for values
// that are not finite or fall outside years 0 to 9999.
func JDToTime(jd float64) (time.Time, bool) {
	if math.IsNaN(jd) || math.IsInf(jd, 0) {
		return time.Time{}, false
	}
	secs := (jd - unixEpochJD) * 86400
	if secs < minUnixSeconds || secs > maxUnixSeconds {
		return time.Time{}, false
	}
	whole := math.Floor(secs)
	return time.Unix(int64(whole), int64((secs-whole)*1e9)).UTC(), true
}

func (r Record) Alert() alert.Alert { return r.alert }
func (r Record) IngestedAt() time.Time { return r.ingestedAt }
func (r Record) Source() string { return r.source }
func (r Record) SourceVersion() string { return r.sourceVersion }
func (r Record) BatchID() string { return r.batchID }
func (r Record) ObservationDate() string { return r.observationDate }
func (r Record) Raw() alert.Raw { return copyRaw(r.raw) }

func (r Record) withBatchID(id string) Record {
	r.batchID = id
	return r
}

// Flatten produces the storage row. The raw payload column is nil when the payload
// cannot be serialized; the rest of the row is unaffected.
func (r Record) Flatten() storage.Row {
	a := r.alert
	row := storage.Row{
		ObjectID:              a.ObjectID,
		CandidateID:           a.CandID,
		RA:                    a.RA,
		Dec:                   a.Dec,
		MagPSF:                a.MagPSF,
		SigmaPSF:              a.SigmaPSF,
		FilterID:              int32(a.FID),
		FilterName:            a.FilterName(),
		JD:                    a.JD,
		MJD:                   a.MJD(),
		ObservationDate:       r.observationDate,
		DiffMagLim:            a.DiffMagLim,
		RBScore:               a.RB,
		DRBScore:              a.DRB,
		FinkClass:             a.FinkClass,
		CDSXMatch:             a.CDSXMatch,
		IngestionTimestamp:    r.ingestedAt,
		Source:                r.source,
		ProcessingID:          r.batchID,
		NumPreviousDetections: int32(len(a.PrvCandidates)),
		HistoryDropped:        int32(a.HistoryDropped()),
	}
	if r.sourceVersion != "" {
		v := r.sourceVersion
		row.SourceVersion = &v
	}
	if len(r.raw) > 0 {
		if b, err := json.Marshal(r.raw); err == nil {
			s := string(b)
			row.RawPayloadJSON = &s
		}
	}
	return row
}
