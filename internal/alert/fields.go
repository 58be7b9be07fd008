package alert

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
)

// fieldReader pulls typed values out of a decoded JSON object and keeps the first error.
// JSON null is treated the same as an absent key.
type fieldReader struct {
	raw   map[string]any
	field string
	msg   string
}

func (r *fieldReader) failed() bool { return r.field != "" }

func (r *fieldReader) fail(field, format string, args ...any) {
	if r.failed() {
		return
	}
	r.field = field
	r.msg = fmt.Sprintf(format, args...)
}

func (r *fieldReader) lookup(field string, required bool) (any, bool) {
	v, ok := r.raw[field]
	if !ok || v == nil {
		if required {
			r.fail(field, "missing required field %q", field)
		}
		return nil, false
	}
	return v, true
}

func (r *fieldReader) float(field string, required bool) (float64, bool) {
	v, ok := r.lookup(field, required)
	if !ok {
		return 0, false
	}
	f, ok := toFloat(v)
	if !ok {
		r.fail(field, "field %q must be a number, got %T", field, v)
		return 0, false
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		r.fail(field, "field %q must be finite, got %v", field, f)
		return 0, false
	}
	return f, true
}

func (r *fieldReader) requiredFloat(field string) float64 {
	f, _ := r.float(field, true)
	return f
}

func (r *fieldReader) optionalFloat(field string) *float64 {
	f, ok := r.float(field, false)
	if !ok {
		return nil
	}
	return &f
}

func (r *fieldReader) integer(field string, required bool) (int64, bool) {
	v, ok := r.lookup(field, required)
	if !ok {
		return 0, false
	}
	n, ok := toInt(v)
	if !ok {
		r.fail(field, "field %q must be an integer, got %v", field, v)
		return 0, false
	}
	return n, true
}

func (r *fieldReader) requiredInt(field string) int64 {
	n, _ := r.integer(field, true)
	return n
}

func (r *fieldReader) optionalInt(field string) *int64 {
	n, ok := r.integer(field, false)
	if !ok {
		return nil
	}
	return &n
}

func (r *fieldReader) str(field string, required bool) (string, bool) {
	v, ok := r.lookup(field, required)
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	if !ok {
		r.fail(field, "field %q must be a string, got %T", field, v)
		return "", false
	}
	return s, true
}

func (r *fieldReader) requiredString(field string) string {
	s, _ := r.str(field, true)
	return s
}

func (r *fieldReader) optionalString(field string) *string {
	s, ok := r.str(field, false)
	if !ok {
		return nil
	}
	return &s
}

// toFloat accepts JSON numbers in any of the forms encoding/json can produce.
// Strings are never coerced.
func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	case int:
		return float64(n), true
	case int8:
		return float64(n), true
	case int16:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint8:
		return float64(n), true
	case uint16:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	default:
		return 0, false
	}
}

func toInt(v any) (int64, bool) {
	switch n := v.(type) {
	case int:
		return int64(n), true
	case int8:
		return int64(n), true
	case int16:
		return int64(n), true
	case int32:
		return int64(n), true
	case int64:
		return n, true
	case uint:
		if uint64(n) > math.MaxInt64 {
			return 0, false
		}
		return int64(n), true
	case uint8:
		return int64(n), true
	case uint16:
		return int64(n), true
	case uint32:
		return int64(n), true
	case uint64:
		if n > math.MaxInt64 {
			return 0, false
		}
		return int64(n), true
	case json.Number:
		if i, err := strconv.ParseInt(string(n), 10, 64); err == nil {
			return i, true
		}
		f, err := n.Float64()
		if err != nil {
			return 0, false
		}
		return integralFloat(f)
	case float64:
		return integralFloat(n)
	case float32:
		return integralFloat(float64(n))
	default:
		return 0, false
	}
}

// integralFloat accepts floats with no fractional part that fit in an int64.
func integralFloat(f float64) (int64, bool) {
	if math.IsNaN(f) || math.IsInf(f, 0) || f != math.Trunc(f) {
		return 0, false
	}
	if f < math.MinInt64 || f >= math.MaxInt64 {
		return 0, false
	}
	return int64(f), true
}
