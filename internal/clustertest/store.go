package clustertest

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/dgraph-io/badger/v4"

	"github.com/10yihang/slotctl/internal/cluster/hash"
)

// Store is an in-memory badger database holding one fake node's keys. Keys
// are stored under a two-byte slot prefix so a slot can be listed with a
// prefix scan.
type Store struct {
	db *badger.DB
}

// NewStore opens the database. Badger caps a write batch at 15% of the
// memtable and refuses a value threshold above that cap; 16MB keeps the cap
// above the 1MB threshold it uses in memory.
func NewStore() (*Store, error) {
	opts := badger.DefaultOptions("").
		WithInMemory(true).
		WithLogger(nil).
		WithMemTableSize(16 << 20).
		WithBlockCacheSize(8 << 20).
		WithNumCompactors(2)

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open badger: %w", err)
	}
	return &Store{db: db}, nil
}

func storeKey(key string) []byte {
	b := make([]byte, 2+len(key))
	binary.BigEndian.PutUint16(b, hash.KeySlot(key))
	copy(b[2:], key)
	return b
}

func slotPrefix(slot int) []byte {
	b := make([]byte, 2)
	binary.BigEndian.PutUint16(b, uint16(slot))
	return b
}

// Get returns the value of key and whether it exists.
func (s *Store) Get(key string) ([]byte, bool, error) {
	var val []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(storeKey(key))
		if err != nil {
			return err
		}
		val, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return val, true, nil
}

func (s *Store) Set(key string, value []byte) error {
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(storeKey(key), value)
	})
}

// Del deletes keys and returns how many existed.
func (s *Store) Del(keys ...string) (int, error) {
	count := 0
	err := s.db.Update(func(txn *badger.Txn) error {
		for _, key := range keys {
			k := storeKey(key)
			if _, err := txn.Get(k); err != nil {
				if errors.Is(err, badger.ErrKeyNotFound) {
					continue
				}
				return err
			}
			if err := txn.Delete(k); err != nil {
				return err
			}
			count++
		}
		return nil
	})
	return count, err
}

// KeysInSlot lists up to count keys of slot in key order.
func (s *Store) KeysInSlot(slot, count int) ([]string, error) {
	var keys []string
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = slotPrefix(slot)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid() && len(keys) < count; it.Next() {
			keys = append(keys, string(it.Item().Key()[2:]))
		}
		return nil
	})
	return keys, err
}

// Len counts every key in the store.
func (s *Store) Len() (int, error) {
	n := 0
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			n++
		}
		return nil
	})
	return n, err
}

func (s *Store) Close() error {
	return s.db.Close()
}
