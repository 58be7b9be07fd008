package ledger

import (
	"errors"
	"fmt"
	"path/filepath"
	"sync"

	"github.com/cockroachdb/pebble"
)

// PebbleStore implements Store using PebbleDB. Keys are batch ids.
type PebbleStore struct {
	mu sync.Mutex // guards the read-check-write in Record
	db *pebble.DB
}

func NewPebbleStore(dir string) (*PebbleStore, error) {
	opts := &pebble.Options{
		MemTableSize:          16 << 20,
		L0CompactionThreshold: 4,
		L0StopWritesThreshold: 12,
	}
	d, err := pebble.Open(filepath.Clean(dir), opts)
	if err != nil {
		return nil, fmt.Errorf("pebble open: %w", err)
	}
	return &PebbleStore{db: d}, nil
}

func (p *PebbleStore) Close() error { return p.db.Close() }

func (p *PebbleStore) Record(c Commit) (bool, error) {
	if err := validKey(c); err != nil {
		return false, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	k := []byte(c.BatchID)
	_, closer, err := p.db.Get(k)
	if err == nil {
		_ = closer.Close()
		return false, nil
	}
	if !errors.Is(err, pebble.ErrNotFound) {
		return false, fmt.Errorf("pebble get: %w", err)
	}
	b, err := encode(c)
	if err != nil {
		return false, err
	}
	if err := p.db.Set(k, b, pebble.Sync); err != nil {
		return false, fmt.Errorf("pebble set: %w", err)
	}
	return true, nil
}

func (p *PebbleStore) Get(batchID string) (Commit, bool) {
	v, closer, err := p.db.Get([]byte(batchID))
	if err != nil {
		return Commit{}, false
	}
	defer closer.Close()
	c, err := decode(v)
	if err != nil {
		return Commit{}, false
	}
	return c, true
}

// Range visits commits in key order.
func (p *PebbleStore) Range(fn func(batchID string, c Commit) error) error {
	it, err := p.db.NewIter(nil)
	if err != nil {
		return fmt.Errorf("pebble iter: %w", err)
	}
	defer it.Close()
	for it.First(); it.Valid(); it.Next() {
		k := string(it.Key())
		c, err := decode(append([]byte(nil), it.Value()...))
		if err != nil {
			return err
		}
		if err := fn(k, c); err != nil {
			return err
		}
	}
	return it.Error()
}

// LoadAll replaces every key with the snapshot in one batch.
func (p *PebbleStore) LoadAll(all map[string]Commit) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	wb := p.db.NewBatch()
	defer wb.Close()

	it, err := p.db.NewIter(nil)
	if err != nil {
		return fmt.Errorf("pebble iter: %w", err)
	}
	for it.First(); it.Valid(); it.Next() {
		if err := wb.Delete(append([]byte(nil), it.Key()...), nil); err != nil {
			_ = it.Close()
			return fmt.Errorf("pebble delete: %w", err)
		}
	}
	if err := it.Close(); err != nil {
		return fmt.Errorf("pebble iter close: %w", err)
	}
	for k, c := range all {
		b, err := encode(c)
		if err != nil {
			return err
		}
		if err := wb.Set([]byte(k), b, nil); err != nil {
			return fmt.Errorf("pebble set: %w", err)
		}
	}
	if err := wb.Commit(pebble.Sync); err != nil {
		return fmt.Errorf("pebble commit: %w", err)
	}
	return nil
}
