// Package store persists generator bundles in BadgerDB.
//
// Keys:
//
//	model:<id>  bundle JSON holding the single model <id>
//	meta:<id>   JSON Metadata
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/goccy/go-json"
	"github.com/jonboulle/clockwork"

	"github.com/openfluke/nowcast/dgmr"
)

const (
	modelKeyPrefix = "model:"
	metaKeyPrefix  = "meta:"
)

// ErrModelNotFound is returned for unknown model IDs.
var ErrModelNotFound = dgmr.ErrModelNotFound

// Metadata describes a stored model without decoding its weights.
type Metadata struct {
	ID         string               `json:"id"`
	Variant    dgmr.Variant         `json:"variant"`
	Config     dgmr.GeneratorConfig `json:"config"`
	Parameters int                  `json:"parameters"`
	SizeBytes  int                  `json:"size_bytes"`
	CreatedAt  time.Time            `json:"created_at"`
}

// Options configures Open.
type Options struct {
	// Dir is the badger directory; ignored when InMemory is set.
	Dir      string
	InMemory bool
	Clock    clockwork.Clock
}

// Store is a badger-backed model registry. It is safe for concurrent use.
type Store struct {
	db    *badger.DB
	clock clockwork.Clock
}

// Open opens or creates the registry.
func Open(opts Options) (*Store, error) {
	bopts := badger.DefaultOptions(opts.Dir)
	if opts.InMemory {
		bopts = badger.DefaultOptions("").WithInMemory(true)
	}
	bopts.Logger = nil

	db, err := badger.Open(bopts)
	if err != nil {
		return nil, fmt.Errorf("open model store: %w", err)
	}
	clock := opts.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Store{db: db, clock: clock}, nil
}

// Close releases the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Put serializes g under id, replacing any previous model with that ID.
func (s *Store) Put(_ context.Context, id string, g *dgmr.Generator) (Metadata, error) {
	data, err := g.SaveModelToBytes(id)
	if err != nil {
		return Metadata{}, fmt.Errorf("serialize model %s: %w", id, err)
	}
	meta := Metadata{
		ID:         id,
		Variant:    g.Config().Sampler.Variant,
		Config:     g.Config(),
		Parameters: g.Params().Count(),
		SizeBytes:  len(data),
		CreatedAt:  s.clock.Now().UTC(),
	}
	metaJSON, err := json.Marshal(meta)
	if err != nil {
		return Metadata{}, fmt.Errorf("marshal metadata: %w", err)
	}

	err = s.db.Update(func(txn *badger.Txn) error {
		if err := txn.Set([]byte(modelKeyPrefix+id), data); err != nil {
			return fmt.Errorf("set model: %w", err)
		}
		if err := txn.Set([]byte(metaKeyPrefix+id), metaJSON); err != nil {
			return fmt.Errorf("set metadata: %w", err)
		}
		return nil
	})
	if err != nil {
		return Metadata{}, err
	}
	return meta, nil
}

// Get rebuilds the stored generator.
func (s *Store) Get(_ context.Context, id string) (*dgmr.Generator, error) {
	var data []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(modelKeyPrefix + id))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return fmt.Errorf("%w: %s", ErrModelNotFound, id)
		}
		if err != nil {
			return fmt.Errorf("get model: %w", err)
		}
		data, err = item.ValueCopy(nil)
		return err
	})
	if err != nil {
		return nil, err
	}
	return dgmr.LoadModelFromBytes(data, id)
}

// Meta returns the metadata of one model.
func (s *Store) Meta(_ context.Context, id string) (Metadata, error) {
	var meta Metadata
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(metaKeyPrefix + id))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return fmt.Errorf("%w: %s", ErrModelNotFound, id)
		}
		if err != nil {
			return fmt.Errorf("get metadata: %w", err)
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &meta)
		})
	})
	return meta, err
}

// List returns the metadata of every model ordered by ID.
func (s *Store) List(_ context.Context) ([]Metadata, error) {
	var out []Metadata
	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		prefix := []byte(metaKeyPrefix)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			var meta Metadata
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &meta)
			}); err != nil {
				return fmt.Errorf("decode metadata %s: %w", it.Item().Key(), err)
			}
			out = append(out, meta)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Delete removes a model and its metadata.
func (s *Store) Delete(_ context.Context, id string) error {
	return s.db.Update(func(txn *badger.Txn) error {
		if _, err := txn.Get([]byte(metaKeyPrefix + id)); errors.Is(err, badger.ErrKeyNotFound) {
			return fmt.Errorf("%w: %s", ErrModelNotFound, id)
		} else if err != nil {
			return err
		}
		if err := txn.Delete([]byte(modelKeyPrefix + id)); err != nil {
			return fmt.Errorf("delete model: %w", err)
		}
		if err := txn.Delete([]byte(metaKeyPrefix + id)); err != nil {
			return fmt.Errorf("delete metadata: %w", err)
		}
		return nil
	})
}
