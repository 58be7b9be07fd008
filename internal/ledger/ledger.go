// Package ledger records which batches have been committed to the bronze dataset.
package ledger

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
)

// ErrNotFound is returned by lookups for a batch that was never committed.
var ErrNotFound = errors.New("batch not found")

// Commit describes one successful batch write.
type Commit struct {
	BatchID    string         `json:"batchId"`
	Rows       int            `json:"rows"`
	Format     string         `json:"format"`
	Partitions map[string]int `json:"partitions,omitempty"`
	Files      []string       `json:"files,omitempty"`
	WrittenAt  int64          `json:"writtenAt"`
}

// Store abstracts the ledger backend. Record is idempotent by batch id: the first commit wins.
type Store interface {
	Record(c Commit) (applied bool, err error)
	Get(batchID string) (Commit, bool)
	Range(fn func(batchID string, c Commit) error) error
	LoadAll(all map[string]Commit) error
}

func encode(c Commit) ([]byte, error) { return json.Marshal(c) }

func decode(val []byte) (Commit, error) {
	var c Commit
	if err := json.Unmarshal(val, &c); err != nil {
		return Commit{}, fmt.Errorf("decode commit: %w", err)
	}
	return c, nil
}

func validKey(c Commit) error {
	if c.BatchID == "" {
		return fmt.Errorf("commit without batch id")
	}
	return nil
}

// InMemoryStore is a simple thread-safe map store.
type InMemoryStore struct {
	mu   sync.RWMutex
	data map[string]Commit
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{data: make(map[string]Commit)}
}

// LoadAll replaces the store contents with the provided snapshot.
func (s *InMemoryStore) LoadAll(all map[string]Commit) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data = make(map[string]Commit, len(all))
	for k, v := range all {
		s.data[k] = v
	}
	return nil
}

func (s *InMemoryStore) Record(c Commit) (bool, error) {
	if err := validKey(c); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.data[c.BatchID]; ok {
		return false, nil
	}
	s.data[c.BatchID] = c
	return true, nil
}

func (s *InMemoryStore) Get(batchID string) (Commit, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.data[batchID]
	return c, ok
}

// Range visits commits in batch id order.
func (s *InMemoryStore) Range(fn func(batchID string, c Commit) error) error {
	s.mu.RLock()
	keys := make([]string, 0, len(s.data))
	for k := range s.data {
		keys = append(keys, k)
	}
	snapshot := make(map[string]Commit, len(s.data))
	for k, v := range s.data {
		snapshot[k] = v
	}
	s.mu.RUnlock()

	sort.Strings(keys)
	for _, k := range keys {
		if err := fn(k, snapshot[k]); err != nil {
			return fmt.Errorf("range callback failed: %w", err)
		}
	}
	return nil
}

// Find is Get with an error for the missing case.
func Find(st Store, batchID string) (Commit, error) {
	c, ok := st.Get(batchID)
	if !ok {
		return Commit{}, fmt.Errorf("%s: %w", batchID, ErrNotFound)
	}
	return c, nil
}

// Totals sums committed rows per partition. Unpartitioned writes count under "".
func Totals(st Store) (map[string]int, error) {
	out := make(map[string]int)
	err := st.Range(func(_ string, c Commit) error {
		if len(c.Partitions) == 0 {
			out[""] += c.Rows
			return nil
		}
		for p, n := range c.Partitions {
			out[p] += n
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}
