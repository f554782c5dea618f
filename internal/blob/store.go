package blob

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/dgraph-io/badger/v4"
)

var ErrNotFound = errors.New("blob not found")

// Store keeps large payloads (job results, oversized metadata) out of the
// relational store. Keys are namespaced so callers can't collide.
type Store struct {
	db *badger.DB
}

func NewStore(dataDir string) (*Store, error) {
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	opts := badger.DefaultOptions(filepath.Join(dataDir, "blobs"))
	opts.Logger = nil

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger: %w", err)
	}

	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) Put(namespace, key string, value []byte) error {
	fullKey := namespace + key
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(fullKey), value)
	})
}

func (s *Store) Get(namespace, key string) ([]byte, error) {
	fullKey := namespace + key
	var value []byte

	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(fullKey))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			value = append([]byte{}, val...)
			return nil
		})
	})

	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, ErrNotFound
	}

	return value, err
}

func (s *Store) Delete(namespace, key string) error {
	fullKey := namespace + key
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete([]byte(fullKey))
	})
}

// List returns keys under a prefix, namespace stripped. limit <= 0 means
// no limit.
func (s *Store) List(namespace, prefix string, limit int) ([]string, error) {
	var keys []string

	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		fullPrefix := namespace + prefix
		it.Seek([]byte(fullPrefix))

		count := 0
		for it.ValidForPrefix([]byte(fullPrefix)) && (limit <= 0 || count < limit) {
			key := string(it.Item().Key())
			keys = append(keys, key[len(namespace):])
			count++
			it.Next()
		}

		return nil
	})

	return keys, err
}
