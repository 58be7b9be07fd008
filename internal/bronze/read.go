package bronze

import (
	"context"
	"errors"
	"io/fs"
	"os"

	"go.uber.org/zap"

	"alertlake/internal/alert"
	"alertlake/internal/storage"
)

// ReadOptions filters ReadData. Date is YYYY-MM-DD; Limit <= 0 means every row.
type ReadOptions struct {
	Date  string
	Limit int
}

// ReadData returns stored rows. Read failures are logged and yield an empty result.
func (p *Pipeline) ReadData(ctx context.Context, opts ReadOptions) []Row {
	q := storage.Query{Limit: opts.Limit}
	if opts.Date != "" {
		q.Column, q.Value = "observation_date", opts.Date
	}
	rows, err := p.store.Read(ctx, q)
	if err != nil {
		if p.metrics != nil {
			p.metrics.ReadErrors.Inc()
		}
		p.logger.Error("read_data_failed", zap.String("location", p.store.Root()), zap.String("date", opts.Date), zap.Error(err))
		return nil
	}
	if len(rows) == 0 {
		if _, err := os.Stat(p.store.Root()); errors.Is(err, fs.ErrNotExist) {
			p.logger.Info("bronze_path_not_found", zap.String("location", p.store.Root()))
			return nil
		}
	}
	p.logger.Debug("read_data_completed", zap.Int("rows", len(rows)), zap.String("date", opts.Date))
	return rows
}

type DateRange struct {
	Min string `json:"min"`
	Max string `json:"max"`
}

// Statistics summarizes the whole dataset.
type Statistics struct {
	Total         int            `json:"total_alerts"`
	UniqueObjects int            `json:"unique_objects"`
	DateRange     *DateRange     `json:"date_range"`
	ClassCounts   map[string]int `json:"classifications"`
}

// Statistics scans every stored row. Rows without a classification count as Unknown.
func (p *Pipeline) Statistics(ctx context.Context) Statistics {
	return Summarize(p.ReadData(ctx, ReadOptions{}))
}

// Summarize computes Statistics over rows.
func Summarize(rows []Row) Statistics {
	st := Statistics{ClassCounts: make(map[string]int)}
	objects := make(map[string]struct{})
	for _, r := range rows {
		st.Total++
		objects[r.ObjectID] = struct{}{}
		class := string(alert.ClassUnknown)
		if r.FinkClass != nil && *r.FinkClass != "" {
			class = *r.FinkClass
		}
		st.ClassCounts[class]++
		if r.ObservationDate == "" {
			continue
		}
		if st.DateRange == nil {
			st.DateRange = &DateRange{Min: r.ObservationDate, Max: r.ObservationDate}
			continue
		}
		if r.ObservationDate < st.DateRange.Min {
			st.DateRange.Min = r.ObservationDate
		}
		if r.ObservationDate > st.DateRange.Max {
			st.DateRange.Max = r.ObservationDate
		}
	}
	st.UniqueObjects = len(objects)
	return st
}
