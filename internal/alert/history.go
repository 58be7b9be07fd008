package alert

import (
	"encoding/json"
	"fmt"
)

// PreviousCandidate is one prior detection embedded in an alert's history.
// An entry without a magnitude is a non-detection upper limit.
type PreviousCandidate struct {
	JD         float64  `json:"jd"`
	FID        int      `json:"fid" validate:"oneof=1 2 3"`
	MagPSF     *float64 `json:"magpsf,omitempty"`
	SigmaPSF   *float64 `json:"sigmapsf,omitempty" validate:"omitempty,gte=0"`
	DiffMagLim *float64 `json:"diffmaglim,omitempty"`
	IsDiffPos  *string  `json:"isdiffpos,omitempty"`

	extras Extras
}

var historyFields = map[string]struct{}{
	"jd": {}, "fid": {}, "magpsf": {}, "sigmapsf": {}, "diffmaglim": {}, "isdiffpos": {},
}

func (p PreviousCandidate) IsDetection() bool { return p.MagPSF != nil }

func (p PreviousCandidate) MJD() float64 { return p.JD - MJDOffset }

func (p PreviousCandidate) Filter() Filter { return Filter(p.FID) }

// Positive reports whether the difference image flux was positive.
func (p PreviousCandidate) Positive() bool {
	if p.IsDiffPos == nil {
		return false
	}
	switch *p.IsDiffPos {
	case "t", "1":
		return true
	}
	return false
}

func (p PreviousCandidate) Extras() Extras { return p.extras }

func (p PreviousCandidate) MarshalJSON() ([]byte, error) {
	type plain PreviousCandidate
	b, err := json.Marshal(plain(p))
	if err != nil {
		return nil, err
	}
	return appendExtras(b, p.extras)
}

// parsePreviousCandidate validates a single history entry.
func parsePreviousCandidate(v any) (PreviousCandidate, error) {
	raw, ok := asObject(v)
	if !ok {
		return PreviousCandidate{}, fmt.Errorf("history entry must be an object, got %T", v)
	}
	r := fieldReader{raw: raw}
	p := PreviousCandidate{
		JD:         r.requiredFloat("jd"),
		FID:        int(r.requiredInt("fid")),
		MagPSF:     r.optionalFloat("magpsf"),
		SigmaPSF:   r.optionalFloat("sigmapsf"),
		DiffMagLim: r.optionalFloat("diffmaglim"),
		IsDiffPos:  r.optionalString("isdiffpos"),
	}
	if r.failed() {
		return PreviousCandidate{}, fmt.Errorf("%s", r.msg)
	}
	if err := validate.Struct(p); err != nil {
		return PreviousCandidate{}, describeViolation(err)
	}
	p.extras = extrasFrom(raw, historyFields)
	return p, nil
}

// parseHistory keeps the valid entries and counts the ones it had to drop.
func parseHistory(v any) ([]PreviousCandidate, int) {
	var items []any
	switch list := v.(type) {
	case []any:
		items = list
	case []map[string]any:
		for _, m := range list {
			items = append(items, m)
		}
	case []Raw:
		for _, m := range list {
			items = append(items, m)
		}
	default:
		return nil, 1
	}
	out := make([]PreviousCandidate, 0, len(items))
	dropped := 0
	for _, item := range items {
		p, err := parsePreviousCandidate(item)
		if err != nil {
			dropped++
			continue
		}
		out = append(out, p)
	}
	return out, dropped
}

func asObject(v any) (map[string]any, bool) {
	switch m := v.(type) {
	case map[string]any:
		return m, true
	case Raw:
		return m, true
	default:
		return nil, false
	}
}
