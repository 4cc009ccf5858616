// Package store owns the memory-mapped tree file and hands out immutable
// or mutable byte slices addressed by page id. It is a pure byte-addressable
// arena: it performs no logical locking and no interior mutation of page
// contents on its own — callers own the bytes they're handed and the
// locking around them.
//
// The store maps pages directly via golang.org/x/sys/unix rather than
// delegating to a parent buffer manager.
package store

import (
	"errors"
	"fmt"
	"os"

	"golang.org/x/sys/unix"

	"github.com/NicolasDP/cowbtree/internal/pageid"
)

// ErrPageOutOfBounds is returned when a page id addresses bytes outside
// the current extent of the mapped file, including the reserved null id.
var ErrPageOutOfBounds = errors.New("cowbtree: store: page out of bounds")

// ErrIO wraps failures from the underlying file, mmap, or sync calls the
// store makes: truncate, mmap/munmap, msync, and fsync.
var ErrIO = errors.New("cowbtree: store: io error")

// Backing is the minimal file-like surface the store needs. *os.File
// satisfies it directly; cowbtreeutil.MemFile wraps dsnet/golib/memfile to
// satisfy it for in-memory trees.
type Backing interface {
	Fd() uintptr
	Truncate(size int64) error
	Sync() error
}

// Store is the memory-mapped arena of fixed-size pages.
type Store struct {
	backing      Backing
	region       []byte // mmap of the backing file, or a heap buffer in memory-only mode
	mapped       bool   // true when region came from unix.Mmap and must be munmapped
	pageSize     uint32
	nodesPerPage uint32
}

// Open maps backing (already sized to at least one growth unit, or zero
// bytes for a brand-new file — Open grows it) as a page arena. When
// backing's Fd() is not a mappable descriptor (e.g. an in-memory file),
// Open falls back to a heap-backed region with identical growth semantics;
// durability then only holds up to process exit.
func Open(backing Backing, pageSize uint32, nodesPerPage uint32) (*Store, error) {
	s := &Store{backing: backing, pageSize: pageSize, nodesPerPage: nodesPerPage}
	if err := s.growTo(1); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) unitSize() int64 { return int64(s.pageSize) * int64(s.nodesPerPage) }

// growTo ensures the arena can address minPage, growing in whole units of
// nodesPerPage pages at a time.
func (s *Store) growTo(minPage pageid.ID) error {
	needed := (int64(minPage) + 1) * int64(s.pageSize)
	if int64(len(s.region)) >= needed {
		return nil
	}
	units := needed/s.unitSize() + 1
	newSize := units * s.unitSize()

	if s.mapped {
		if err := unix.Munmap(s.region); err != nil {
			return fmt.Errorf("cowbtree: store: munmap for growth: %w: %w", ErrIO, err)
		}
		s.region = nil
	}

	if err := s.backing.Truncate(newSize); err != nil {
		return fmt.Errorf("cowbtree: store: truncate to %d: %w: %w", newSize, ErrIO, err)
	}

	if fd := int(s.backing.Fd()); fd >= 0 {
		region, err := unix.Mmap(fd, 0, int(newSize), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
		if err == nil {
			s.region = region
			s.mapped = true
			return nil
		}
		// fall through to heap-backed growth for backings that report a
		// descriptor but cannot actually be mmapped (e.g. a memfile).
	}

	grown := make([]byte, newSize)
	copy(grown, s.region)
	s.region = grown
	s.mapped = false
	return nil
}

func (s *Store) bounds(id pageid.ID) (int64, int64, error) {
	if id == pageid.Null {
		return 0, 0, fmt.Errorf("cowbtree: store: page id 0 is reserved null: %w", ErrPageOutOfBounds)
	}
	start := int64(id) * int64(s.pageSize)
	end := start + int64(s.pageSize)
	if end > int64(len(s.region)) {
		return 0, 0, fmt.Errorf("cowbtree: store: page %d out of bounds: %w", id, ErrPageOutOfBounds)
	}
	return start, end, nil
}

// EnsureCapacity grows the arena, if needed, so that id is addressable.
func (s *Store) EnsureCapacity(id pageid.ID) error {
	return s.growTo(id)
}

// GetPage returns a shared byte-slice view of page id, valid until the
// next growth. Safe to call concurrently with other GetPage calls.
func (s *Store) GetPage(id pageid.ID) ([]byte, error) {
	start, end, err := s.bounds(id)
	if err != nil {
		return nil, err
	}
	return s.region[start:end], nil
}

// MutPage returns an exclusive byte-slice view of page id. Callers must
// already hold the single writer lock; the store performs no locking of
// its own.
func (s *Store) MutPage(id pageid.ID) ([]byte, error) {
	return s.GetPage(id)
}

// PageSize returns the fixed page size the store was opened with.
func (s *Store) PageSize() uint32 { return s.pageSize }

// SyncFile flushes dirty pages to durable storage: msync the mapping (if
// mapped) then fsync the backing file.
func (s *Store) SyncFile() error {
	if s.mapped {
		if err := unix.Msync(s.region, unix.MS_SYNC); err != nil {
			return fmt.Errorf("cowbtree: store: msync: %w: %w", ErrIO, err)
		}
	}
	if err := s.backing.Sync(); err != nil {
		return fmt.Errorf("cowbtree: store: fsync: %w: %w", ErrIO, err)
	}
	return nil
}

// Close unmaps the region. It does not sync; callers that need durability
// must call SyncFile first.
func (s *Store) Close() error {
	if s.mapped {
		err := unix.Munmap(s.region)
		s.region = nil
		s.mapped = false
		if err != nil {
			return fmt.Errorf("cowbtree: store: munmap on close: %w: %w", ErrIO, err)
		}
	}
	return nil
}

// OSBacking adapts *os.File to Backing.
type OSBacking struct{ *os.File }

func (b OSBacking) Fd() uintptr { return b.File.Fd() }
