// Package kv provides the durable ordered key-value store that backs the
// bridge repository. Keys within a sublevel are ordered bytewise; batches
// are applied atomically. Two implementations exist: a SQLite-backed store
// for production and an in-memory store for tests.
package kv

import (
	"context"
	"errors"
)

// ErrNotFound is returned by Get when no value exists for the key.
var ErrNotFound = errors.New("kv: key not found")

// A KeyValue is a single entry yielded by a range scan.
type KeyValue struct {
	Key   string
	Value []byte
}

// A Batch accumulates writes that are applied atomically by Write.
// A batch is single-use: after Write returns it must be discarded.
type Batch interface {
	Put(sublevel, key string, value []byte)
	Delete(sublevel, key string)
	Write(ctx context.Context) error
}

// Store is an ordered key-value store partitioned into named sublevels.
type Store interface {
	Get(ctx context.Context, sublevel, key string) ([]byte, error)
	Put(ctx context.Context, sublevel, key string, value []byte) error
	Delete(ctx context.Context, sublevel, key string) error
	// Range returns, in ascending key order, every entry in the sublevel
	// whose key starts with prefix. An empty prefix scans the whole
	// sublevel.
	Range(ctx context.Context, sublevel, prefix string) ([]KeyValue, error)
	NewBatch() Batch
	Close() error
}

// A Sublevel is a view of a Store scoped to one namespace. The bridge
// repository holds one per logical keyspace.
type Sublevel struct {
	store Store
	name  string
}

// NewSublevel scopes the store to the named sublevel.
func NewSublevel(store Store, name string) Sublevel {
	return Sublevel{store: store, name: name}
}

func (s Sublevel) Name() string { return s.name }

func (s Sublevel) Get(ctx context.Context, key string) ([]byte, error) {
	return s.store.Get(ctx, s.name, key)
}

func (s Sublevel) Put(ctx context.Context, key string, value []byte) error {
	return s.store.Put(ctx, s.name, key, value)
}

func (s Sublevel) Delete(ctx context.Context, key string) error {
	return s.store.Delete(ctx, s.name, key)
}

func (s Sublevel) Range(ctx context.Context, prefix string) ([]KeyValue, error) {
	return s.store.Range(ctx, s.name, prefix)
}

// BatchPut stages a write into this sublevel on the given batch.
func (s Sublevel) BatchPut(b Batch, key string, value []byte) {
	b.Put(s.name, key, value)
}

// BatchDelete stages a delete from this sublevel on the given batch.
func (s Sublevel) BatchDelete(b Batch, key string) {
	b.Delete(s.name, key)
}
