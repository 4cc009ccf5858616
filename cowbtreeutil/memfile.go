// Package cowbtreeutil collects the small adapters the core packages
// need but shouldn't own: an in-memory file for tests and Options.InMemory
// trees, a double-buffered direct-I/O control-file writer, and a
// diagnostic-print flag.
package cowbtreeutil

import "github.com/dsnet/golib/memfile"

// MemFile adapts dsnet/golib/memfile's in-memory file to the surfaces
// store.Backing and txn.MetadataFile need. Its own ReadAt/WriteAt/Seek/
// Close come straight from the embedded *memfile.File; Fd, Truncate and
// Sync are supplied here since an in-memory file has no descriptor and
// nothing to flush.
//
// store.growTo treats a negative Fd() as "not mmappable" and falls back
// to its heap-backed region (internal/store/store.go); MemFile's Fd
// always reports that sentinel, so a tree opened with Options.InMemory
// never touches the real mmap path at all.
type MemFile struct {
	*memfile.File
}

// NewMemFile returns an empty MemFile, growing as written to.
func NewMemFile() *MemFile {
	return &MemFile{File: memfile.New(nil)}
}

// Fd reports the "not a real descriptor" sentinel: all bits set, which
// store.go's `int(Fd())` check reads as negative.
func (m *MemFile) Fd() uintptr { return ^uintptr(0) }

// Truncate is a no-op: store.Store keeps its own heap-backed region for
// non-mmappable backings, so there is nothing on the MemFile side to
// resize.
func (m *MemFile) Truncate(size int64) error { return nil }

// Sync is a no-op: an in-memory tree has no durability beyond process
// lifetime by construction; Options.InMemory is documented as test-only.
func (m *MemFile) Sync() error { return nil }
