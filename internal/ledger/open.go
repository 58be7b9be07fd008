package ledger

import "fmt"

// Open returns the backend named by backend. The close func is a no-op for the memory backend.
func Open(backend, dir string) (Store, func() error, error) {
	switch backend {
	case "", "memory":
		return NewInMemoryStore(), func() error { return nil }, nil
	case "pebble":
		s, err := NewPebbleStore(dir)
		if err != nil {
			return nil, nil, err
		}
		return s, s.Close, nil
	case "badger":
		s, err := NewBadgerStore(dir)
		if err != nil {
			return nil, nil, err
		}
		return s, s.Close, nil
	default:
		return nil, nil, fmt.Errorf("unknown ledger backend %q", backend)
	}
}
