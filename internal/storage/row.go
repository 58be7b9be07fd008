package storage

import (
	"fmt"
	"time"
)

// Row is one flattened bronze record as stored on disk.
type Row struct {
	ObjectID              string    `parquet:"object_id" json:"object_id"`
	CandidateID           *int64    `parquet:"candidate_id" json:"candidate_id"`
	RA                    float64   `parquet:"ra" json:"ra"`
	Dec                   float64   `parquet:"dec" json:"dec"`
	MagPSF                float64   `parquet:"magpsf" json:"magpsf"`
	SigmaPSF              float64   `parquet:"sigmapsf" json:"sigmapsf"`
	FilterID              int32     `parquet:"filter_id" json:"filter_id"`
	FilterName            string    `parquet:"filter_name" json:"filter_name"`
	JD                    float64   `parquet:"jd" json:"jd"`
	MJD                   float64   `parquet:"mjd" json:"mjd"`
	ObservationDate       string    `parquet:"observation_date" json:"observation_date"`
	DiffMagLim            *float64  `parquet:"diffmaglim" json:"diffmaglim"`
	RBScore               *float64  `parquet:"rb_score" json:"rb_score"`
	DRBScore              *float64  `parquet:"drb_score" json:"drb_score"`
	FinkClass             *string   `parquet:"fink_class" json:"fink_class"`
	CDSXMatch             *string   `parquet:"cds_xmatch" json:"cds_xmatch"`
	IngestionTimestamp    time.Time `parquet:"ingestion_timestamp,timestamp(microsecond)" json:"ingestion_timestamp"`
	Source                string    `parquet:"source" json:"source"`
	SourceVersion         *string   `parquet:"source_version" json:"source_version"`
	ProcessingID          string    `parquet:"processing_id" json:"processing_id"`
	RawPayloadJSON        *string   `parquet:"raw_payload_json" json:"raw_payload_json"`
	NumPreviousDetections int32     `parquet:"num_previous_detections" json:"num_previous_detections"`
	HistoryDropped        int32     `parquet:"history_dropped" json:"history_dropped"`
}

// PartitionColumns are the row columns a dataset may be partitioned by.
var PartitionColumns = []string{"observation_date", "source", "filter_name", "processing_id"}

// Value returns the string value of a partition column.
func (r Row) Value(column string) (string, error) {
	switch column {
	case "observation_date":
		return r.ObservationDate, nil
	case "source":
		return r.Source, nil
	case "filter_name":
		return r.FilterName, nil
	case "processing_id":
		return r.ProcessingID, nil
	default:
		return "", fmt.Errorf("unsupported partition column %q", column)
	}
}
