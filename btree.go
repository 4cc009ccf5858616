// Package cowbtree implements a persistent, copy-on-write B+tree index
// backed by a memory-mapped file: fixed-size generic keys and values,
// point lookup, ordered range scan, insert, delete, and an explicit
// checkpoint that durably publishes a consistent snapshot. One writer
// at a time; any number of concurrent readers, each pinned to the
// snapshot that existed when it began.
//
// internal/node carries the split and rebalance primitives over a
// fixed-capacity page; internal/txn carries the version bookkeeping and
// checkpoint ordering for a single-process, shadow-paged store.
package cowbtree

import (
	"fmt"
	"os"

	"github.com/NicolasDP/cowbtree/codec"
	"github.com/NicolasDP/cowbtree/cowbtreeutil"
	"github.com/NicolasDP/cowbtree/internal/pagemgr"
	"github.com/NicolasDP/cowbtree/internal/store"
	"github.com/NicolasDP/cowbtree/internal/txn"
)

// defaultPageSize is the page size used when Options.PageSize is left
// at its zero value.
const defaultPageSize = 4096

// Options configures New and Open.
type Options struct {
	// PageSize is the on-disk page size in bytes. Only meaningful for
	// New; Open recovers it from the static-settings file and ignores
	// this field. Defaults to 4096.
	PageSize uint32

	// NodesPerPage controls how many pages the store grows by at once.
	// Defaults to 2000.
	NodesPerPage uint32

	// InMemory opens the tree entirely in memory via
	// cowbtreeutil.MemFile, for tests; path is ignored. There is no
	// durability beyond process lifetime in this mode.
	InMemory bool
}

// Tree is a single open cowbtree index over fixed-size keys K and
// values V.
type Tree[K, V any] struct {
	inner *txn.Tree[K, V]
}

// Entry is one key/value pair, used by InsertMany and returned by Range.
type Entry[K, V any] struct {
	Key   K
	Value V
}

func controlFiles(path string, inMemory bool) (data store.Backing, meta, settings txn.MetadataFile, err error) {
	if inMemory {
		return cowbtreeutil.NewMemFile(), cowbtreeutil.NewMemFile(), cowbtreeutil.NewMemFile(), nil
	}
	df, err := os.OpenFile(path+".data", os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("cowbtree: open data file: %w", err)
	}
	mf, err := cowbtreeutil.OpenDirectFile(path + ".meta")
	if err != nil {
		return nil, nil, nil, fmt.Errorf("cowbtree: open metadata file: %w", err)
	}
	sf, err := cowbtreeutil.OpenDirectFile(path + ".settings")
	if err != nil {
		return nil, nil, nil, fmt.Errorf("cowbtree: open static-settings file: %w", err)
	}
	return store.OSBacking{File: df}, mf, sf, nil
}

// New creates a brand new tree rooted at path (three files: path.data,
// path.meta, path.settings), or entirely in memory when
// Options.InMemory is set.
func New[K, V any](path string, kc codec.Codec[K], vc codec.Codec[V], opts Options) (*Tree[K, V], error) {
	if opts.PageSize == 0 {
		opts.PageSize = defaultPageSize
	}

	dataBacking, metaFile, settingsFile, err := controlFiles(path, opts.InMemory)
	if err != nil {
		return nil, err
	}

	settings := pagemgr.StaticSettings{
		PageSize:      uint16(opts.PageSize),
		KeyBufferSize: uint32(kc.Size()),
	}
	if err := settings.Write(settingsFile); err != nil {
		return nil, fmt.Errorf("cowbtree: write static settings: %w", err)
	}

	inner, err := txn.New[K, V](dataBacking, metaFile, kc, vc, txn.Options{
		PageSize:     opts.PageSize,
		NodesPerPage: opts.NodesPerPage,
	})
	if err != nil {
		return nil, err
	}
	return &Tree[K, V]{inner: inner}, nil
}

// Open reopens a tree previously created with New, recovering the page
// size and key buffer size from the static-settings file and validating
// that kc's size still matches what the tree was created with; the
// static settings are immutable once written.
func Open[K, V any](path string, kc codec.Codec[K], vc codec.Codec[V], opts Options) (*Tree[K, V], error) {
	dataBacking, metaFile, settingsFile, err := controlFiles(path, opts.InMemory)
	if err != nil {
		return nil, err
	}

	settings, err := pagemgr.ReadStaticSettings(settingsFile)
	if err != nil {
		return nil, fmt.Errorf("cowbtree: read static settings: %w", err)
	}
	if int(settings.KeyBufferSize) != kc.Size() {
		return nil, fmt.Errorf("cowbtree: key codec size %d does not match the %d this tree was created with", kc.Size(), settings.KeyBufferSize)
	}

	inner, err := txn.Open[K, V](dataBacking, metaFile, kc, vc, txn.Options{
		PageSize:     uint32(settings.PageSize),
		NodesPerPage: opts.NodesPerPage,
	})
	if err != nil {
		return nil, err
	}
	return &Tree[K, V]{inner: inner}, nil
}

// Close releases the tree's memory mapping. It does not flush pending
// writes to durable storage; call Checkpoint first if that matters.
func (t *Tree[K, V]) Close() error { return t.inner.Close() }

// Checkpoint durably persists every committed write since the last
// checkpoint: it syncs the page store, then atomically rewrites the
// metadata file with the current root and free list.
func (t *Tree[K, V]) Checkpoint() error { return t.inner.Checkpoint() }

// Lookup returns the value stored for key, if any.
func (t *Tree[K, V]) Lookup(key K) (V, bool, error) {
	r := t.inner.BeginRead()
	defer r.Close()
	return r.Lookup(key)
}

// Range calls fn with every key/value pair whose key k satisfies
// lo <= k < hi, in ascending key order, stopping early if fn returns
// false. Range(k, k) and any lo >= hi yield the empty sequence.
func (t *Tree[K, V]) Range(lo, hi K, fn func(K, V) bool) error {
	r := t.inner.BeginRead()
	defer r.Close()
	c := r.Range(lo, hi)
	for {
		k, v, ok := c.Next()
		if !ok {
			return nil
		}
		if !fn(k, v) {
			return nil
		}
	}
}

// Collect is a convenience wrapper around Range that materializes
// [lo, hi) into a slice.
func (t *Tree[K, V]) Collect(lo, hi K) ([]Entry[K, V], error) {
	var out []Entry[K, V]
	err := t.Range(lo, hi, func(k K, v V) bool {
		out = append(out, Entry[K, V]{Key: k, Value: v})
		return true
	})
	return out, err
}

// insertOne commits key/val as its own write transaction without
// folding in a checkpoint. Shared by InsertOne (which checkpoints) and
// InsertAsync (which, per the facade's no-implicit-checkpoint
// contract, does not).
func (t *Tree[K, V]) insertOne(key K, val V) error {
	w := t.inner.BeginWrite()
	if err := w.Insert(key, val); err != nil {
		w.Rollback()
		return err
	}
	return w.Commit()
}

// InsertOne inserts a single key/value pair as its own write
// transaction, failing with ErrDuplicateKey if key already exists, and
// folds a checkpoint into the same call so the write is durable before
// InsertOne returns.
func (t *Tree[K, V]) InsertOne(key K, val V) error {
	if err := t.insertOne(key, val); err != nil {
		return err
	}
	return t.inner.Checkpoint()
}

// InsertMany inserts every entry as a single write transaction: either
// all of them land, or (on the first duplicate or I/O error) none do.
// A checkpoint is folded into the same call, so a successful
// InsertMany is durable before it returns.
func (t *Tree[K, V]) InsertMany(entries []Entry[K, V]) error {
	w := t.inner.BeginWrite()
	for _, e := range entries {
		if err := w.Insert(e.Key, e.Value); err != nil {
			w.Rollback()
			return err
		}
	}
	if err := w.Commit(); err != nil {
		return err
	}
	return t.inner.Checkpoint()
}

// InsertAsync inserts key/val on a separate goroutine and reports the
// result on the returned channel. Since only one write transaction can
// be open at a time, concurrent InsertAsync calls still serialize on
// the single writer slot; this only frees the caller from blocking on
// that serialization itself. Unlike InsertOne, InsertAsync does not
// fold in a checkpoint: the caller must call Checkpoint explicitly if
// durability is required.
func (t *Tree[K, V]) InsertAsync(key K, val V) <-chan error {
	done := make(chan error, 1)
	go func() { done <- t.insertOne(key, val) }()
	return done
}

// Delete removes key, reporting whether it was present. A checkpoint
// is folded into the same call, so a successful Delete is durable
// before it returns.
func (t *Tree[K, V]) Delete(key K) (bool, error) {
	w := t.inner.BeginWrite()
	found, err := w.Delete(key)
	if err != nil {
		w.Rollback()
		return false, err
	}
	if err := w.Commit(); err != nil {
		return false, err
	}
	if err := t.inner.Checkpoint(); err != nil {
		return false, err
	}
	return found, nil
}
