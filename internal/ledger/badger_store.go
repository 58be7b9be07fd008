package ledger

import (
	"errors"
	"fmt"
	"path/filepath"

	badger "github.com/dgraph-io/badger/v4"
)

// BadgerStore implements Store using BadgerDB.
type BadgerStore struct {
	db *badger.DB
}

func NewBadgerStore(dir string) (*BadgerStore, error) {
	opts := badger.DefaultOptions(filepath.Clean(dir)).WithLogger(nil)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("badger open: %w", err)
	}
	return &BadgerStore{db: db}, nil
}

func (b *BadgerStore) Close() error { return b.db.Close() }

func (b *BadgerStore) Record(c Commit) (bool, error) {
	if err := validKey(c); err != nil {
		return false, err
	}
	var applied bool
	err := b.db.Update(func(txn *badger.Txn) error {
		_, err := txn.Get([]byte(c.BatchID))
		if err == nil {
			return nil
		}
		if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		v, err := encode(c)
		if err != nil {
			return err
		}
		if err := txn.Set([]byte(c.BatchID), v); err != nil {
			return err
		}
		applied = true
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("badger record: %w", err)
	}
	return applied, nil
}

func (b *BadgerStore) Get(batchID string) (Commit, bool) {
	var c Commit
	err := b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(batchID))
		if err != nil {
			return err
		}
		v, err := item.ValueCopy(nil)
		if err != nil {
			return err
		}
		c, err = decode(v)
		return err
	})
	if err != nil {
		return Commit{}, false
	}
	return c, true
}

func (b *BadgerStore) Range(fn func(batchID string, c Commit) error) error {
	return b.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			item := it.Item()
			k := item.KeyCopy(nil)
			v, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			c, err := decode(v)
			if err != nil {
				return err
			}
			if err := fn(string(k), c); err != nil {
				return err
			}
		}
		return nil
	})
}

// LoadAll replaces every key with the snapshot in one transaction.
func (b *BadgerStore) LoadAll(all map[string]Commit) error {
	return b.db.Update(func(txn *badger.Txn) error {
		// Collect keys first to avoid mutating while iterating.
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		var keys [][]byte
		for it.Rewind(); it.Valid(); it.Next() {
			keys = append(keys, it.Item().KeyCopy(nil))
		}
		it.Close()
		for _, k := range keys {
			if err := txn.Delete(k); err != nil {
				return err
			}
		}
		for k, c := range all {
			v, err := encode(c)
			if err != nil {
				return err
			}
			if err := txn.Set([]byte(k), v); err != nil {
				return err
			}
		}
		return nil
	})
}
