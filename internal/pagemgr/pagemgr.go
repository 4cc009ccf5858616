// Package pagemgr allocates page ids, tracks the free list, and
// serializes the two small control files: metadata (root + free list +
// watermark) and static settings (page size + key buffer size). The
// wire format is a fixed preamble followed by a flat array of ids.
package pagemgr

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/NicolasDP/cowbtree/internal/pageid"
)

// metadataPreambleSize is the byte length of the fixed metadata preamble.
const metadataPreambleSize = 4 + 4 + 4 // root, next_page, free_list_len

// Metadata is the durable record: current root, next-id watermark, and the
// free list of reclaimed page ids.
type Metadata struct {
	Root     pageid.ID
	NextPage pageid.ID
	FreeList []pageid.ID
}

// Write serializes m from offset 0: a fixed preamble followed by
// free_list_len x u32, all little-endian.
func (m Metadata) Write(w io.WriterAt) error {
	buf := make([]byte, metadataPreambleSize+4*len(m.FreeList))
	binary.LittleEndian.PutUint32(buf[0:4], uint32(m.Root))
	binary.LittleEndian.PutUint32(buf[4:8], uint32(m.NextPage))
	binary.LittleEndian.PutUint32(buf[8:12], uint32(len(m.FreeList)))
	for i, id := range m.FreeList {
		off := metadataPreambleSize + i*4
		binary.LittleEndian.PutUint32(buf[off:off+4], uint32(id))
	}
	_, err := w.WriteAt(buf, 0)
	if err != nil {
		return fmt.Errorf("cowbtree: pagemgr: write metadata: %w", err)
	}
	return nil
}

// ReadMetadata reads back what Write produced.
func ReadMetadata(r io.ReaderAt) (Metadata, error) {
	preamble := make([]byte, metadataPreambleSize)
	if _, err := r.ReadAt(preamble, 0); err != nil {
		return Metadata{}, fmt.Errorf("cowbtree: pagemgr: read metadata preamble: %w", err)
	}
	root := pageid.ID(binary.LittleEndian.Uint32(preamble[0:4]))
	next := pageid.ID(binary.LittleEndian.Uint32(preamble[4:8]))
	n := binary.LittleEndian.Uint32(preamble[8:12])

	free := make([]pageid.ID, n)
	if n > 0 {
		buf := make([]byte, 4*n)
		if _, err := r.ReadAt(buf, metadataPreambleSize); err != nil {
			return Metadata{}, fmt.Errorf("cowbtree: pagemgr: read free list: %w", err)
		}
		for i := range free {
			free[i] = pageid.ID(binary.LittleEndian.Uint32(buf[i*4 : i*4+4]))
		}
	}
	return Metadata{Root: root, NextPage: next, FreeList: free}, nil
}

// StaticSettings is the immutable-once-written record: page size and key
// buffer size.
type StaticSettings struct {
	PageSize      uint16
	KeyBufferSize uint32
}

func (s StaticSettings) Write(w io.WriterAt) error {
	buf := make([]byte, 6)
	binary.LittleEndian.PutUint16(buf[0:2], s.PageSize)
	binary.LittleEndian.PutUint32(buf[2:6], s.KeyBufferSize)
	if _, err := w.WriteAt(buf, 0); err != nil {
		return fmt.Errorf("cowbtree: pagemgr: write static settings: %w", err)
	}
	return nil
}

func ReadStaticSettings(r io.ReaderAt) (StaticSettings, error) {
	buf := make([]byte, 6)
	if _, err := r.ReadAt(buf, 0); err != nil {
		return StaticSettings{}, fmt.Errorf("cowbtree: pagemgr: read static settings: %w", err)
	}
	return StaticSettings{
		PageSize:      binary.LittleEndian.Uint16(buf[0:2]),
		KeyBufferSize: binary.LittleEndian.Uint32(buf[2:6]),
	}, nil
}

// Manager allocates page ids and tracks reclamation. It holds no locks of
// its own; the transaction manager serializes access to it from the
// single writer slot.
type Manager struct {
	next pageid.ID
	free []pageid.ID

	// pending buckets pages freed by a writer version until every reader
	// older than that version has gone away.
	pending map[uint64][]pageid.ID
}

// NewManager builds a Manager starting from persisted metadata.
func NewManager(next pageid.ID, free []pageid.ID) *Manager {
	cp := make([]pageid.ID, len(free))
	copy(cp, free)
	return &Manager{next: next, free: cp, pending: make(map[uint64][]pageid.ID)}
}

// Alloc returns a free page id, reusing one from the free list if
// available, otherwise advancing the watermark.
func (m *Manager) Alloc() pageid.ID {
	if n := len(m.free); n > 0 {
		id := m.free[n-1]
		m.free = m.free[:n-1]
		return id
	}
	if m.next == pageid.Null {
		m.next = pageid.RootPage
	}
	id := m.next
	m.next++
	return id
}

// FreeImmediately returns id straight to the free list, bypassing
// reclamation buckets. Used to discard pages allocated by a write
// transaction that is rolled back before commit — no reader can possibly
// see them.
func (m *Manager) FreeImmediately(id pageid.ID) {
	m.free = append(m.free, id)
}

// ScheduleReclamation appends id to the pending bucket for version,
// the writer version that superseded it by shadowing.
func (m *Manager) ScheduleReclamation(version uint64, id pageid.ID) {
	m.pending[version] = append(m.pending[version], id)
}

// DiscardPendingVersion drops the pending reclamation bucket recorded for
// version without moving its ids to the free list. Used when a write
// transaction that scheduled them is rolled back: those ids were marked
// superseded by version's shadow copies, but since version never
// published, the pages are still exactly what the current committed
// root references and must stay live.
func (m *Manager) DiscardPendingVersion(version uint64) {
	delete(m.pending, version)
}

// Reclaim graduates every pending bucket whose version is older than
// minLiveVersion into the free list.
func (m *Manager) Reclaim(minLiveVersion uint64) {
	for version, ids := range m.pending {
		if version < minLiveVersion {
			m.free = append(m.free, ids...)
			delete(m.pending, version)
		}
	}
}

// Snapshot captures the manager's state as durable Metadata (root must be
// supplied by the caller, which is the only thing the manager doesn't
// track itself).
func (m *Manager) Snapshot(root pageid.ID) Metadata {
	free := make([]pageid.ID, len(m.free))
	copy(free, m.free)
	return Metadata{Root: root, NextPage: m.next, FreeList: free}
}
