// Package schemastore persists introspected datasource schemas in
// BadgerDB so repeated planning runs do not re-issue segmentMetadata
// queries. It stores schema snapshots only, never query results.
package schemastore

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/dgraph-io/badger/v4"

	"github.com/plesiecki/plywood/plywood/druid"
)

// ErrNotFound is returned when no snapshot exists for a datasource.
var ErrNotFound = errors.New("schema not found")

const keyPrefix = "schema/"

// Store is a BadgerDB-backed schema snapshot store.
type Store struct {
	db *badger.DB
}

// Open opens (or creates) a store at path.
func Open(path string) (*Store, error) {
	opts := badger.DefaultOptions(path)
	opts.Logger = nil // Disable BadgerDB logs
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open badger: %w", err)
	}
	return &Store{db: db}, nil
}

// Close releases the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Put stores the attribute snapshot for a datasource, replacing any
// previous one.
func (s *Store) Put(source string, attributes druid.Attributes) error {
	value, err := json.Marshal(attributes)
	if err != nil {
		return fmt.Errorf("failed to encode schema for %q: %w", source, err)
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(keyPrefix+source), value)
	})
}

// Get loads the attribute snapshot for a datasource.
func (s *Store) Get(source string) (druid.Attributes, error) {
	var attributes druid.Attributes
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(keyPrefix + source))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return fmt.Errorf("%w: %s", ErrNotFound, source)
		}
		if err != nil {
			return err
		}
		return item.Value(func(value []byte) error {
			return json.Unmarshal(value, &attributes)
		})
	})
	if err != nil {
		return nil, err
	}
	return attributes, nil
}

// Delete removes the snapshot for a datasource.
func (s *Store) Delete(source string) error {
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete([]byte(keyPrefix + source))
	})
}

// Sources lists every datasource with a stored snapshot.
func (s *Store) Sources() ([]string, error) {
	var sources []string
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()
		prefix := []byte(keyPrefix)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			sources = append(sources, string(it.Item().Key()[len(prefix):]))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return sources, nil
}
