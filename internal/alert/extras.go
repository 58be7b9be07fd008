package alert

import (
	"encoding/json"
	"fmt"
	"sort"
)

// Extras holds fields the schema does not know about, ordered by key.
// The zero value is empty and ready to use.
type Extras struct {
	keys   []string
	values map[string]any
}

func extrasFrom(raw map[string]any, known map[string]struct{}) Extras {
	var e Extras
	for k, v := range raw {
		if _, ok := known[k]; ok {
			continue
		}
		if e.values == nil {
			e.values = make(map[string]any)
		}
		e.keys = append(e.keys, k)
		e.values[k] = v
	}
	sort.Strings(e.keys)
	return e
}

func (e Extras) Len() int { return len(e.keys) }

// Keys returns a copy of the keys in order.
func (e Extras) Keys() []string {
	return append([]string(nil), e.keys...)
}

func (e Extras) Get(key string) (any, bool) {
	v, ok := e.values[key]
	return v, ok
}

// Map returns a shallow copy of the extra fields.
func (e Extras) Map() map[string]any {
	out := make(map[string]any, len(e.keys))
	for _, k := range e.keys {
		out[k] = e.values[k]
	}
	return out
}

// appendExtras splices e into the JSON object obj, after its existing members.
func appendExtras(obj []byte, e Extras) ([]byte, error) {
	if e.Len() == 0 {
		return obj, nil
	}
	if len(obj) < 2 || obj[len(obj)-1] != '}' {
		return nil, fmt.Errorf("append extras: not a json object")
	}
	out := append([]byte(nil), obj[:len(obj)-1]...)
	empty := len(obj) == 2
	for _, k := range e.keys {
		kb, err := json.Marshal(k)
		if err != nil {
			return nil, fmt.Errorf("marshal extra key %q: %w", k, err)
		}
		vb, err := json.Marshal(e.values[k])
		if err != nil {
			return nil, fmt.Errorf("marshal extra %q: %w", k, err)
		}
		if !empty {
			out = append(out, ',')
		}
		empty = false
		out = append(out, kb...)
		out = append(out, ':')
		out = append(out, vb...)
	}
	return append(out, '}'), nil
}
