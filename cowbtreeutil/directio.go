package cowbtreeutil

import (
	"fmt"
	"io"
	"os"

	"github.com/ncw/directio"
)

// DirectFile is a double-buffered O_DIRECT writer for the metadata and
// static-settings control files. Every write rewrites the whole aligned
// block in one O_DIRECT syscall, so a crash mid-write leaves either the
// previous contents or the new ones on disk, never a torn mix.
type DirectFile struct {
	f   *os.File
	buf []byte // one aligned block
}

// OpenDirectFile opens path with O_DIRECT, creating it if necessary.
func OpenDirectFile(path string) (*DirectFile, error) {
	f, err := directio.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("cowbtree: cowbtreeutil: open direct file %s: %w", path, err)
	}
	return &DirectFile{f: f, buf: directio.AlignedBlock(directio.AlignSize)}, nil
}

// WriteAt writes p at off within the single aligned block DirectFile
// manages; the control files this backs are small fixed-plus-free-list
// records that are assumed to fit within directio.AlignSize.
func (d *DirectFile) WriteAt(p []byte, off int64) (int, error) {
	if off < 0 || off+int64(len(p)) > int64(len(d.buf)) {
		return 0, fmt.Errorf("cowbtree: cowbtreeutil: control file write [%d,%d) exceeds the %d-byte aligned block", off, off+int64(len(p)), len(d.buf))
	}
	copy(d.buf[off:], p)
	if _, err := d.f.WriteAt(d.buf, 0); err != nil {
		return 0, fmt.Errorf("cowbtree: cowbtreeutil: direct write: %w", err)
	}
	return len(p), nil
}

// ReadAt reads the aligned block and copies out p's slice of it.
func (d *DirectFile) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 || off+int64(len(p)) > int64(len(d.buf)) {
		return 0, fmt.Errorf("cowbtree: cowbtreeutil: control file read [%d,%d) exceeds the %d-byte aligned block", off, off+int64(len(p)), len(d.buf))
	}
	if _, err := d.f.ReadAt(d.buf, 0); err != nil && err != io.EOF {
		return 0, fmt.Errorf("cowbtree: cowbtreeutil: direct read: %w", err)
	}
	return copy(p, d.buf[off:]), nil
}

// Sync fsyncs the underlying descriptor. O_DIRECT writes bypass the
// page cache, but metadata (inode size, allocation) can still lag, so
// this is not skipped.
func (d *DirectFile) Sync() error {
	if err := d.f.Sync(); err != nil {
		return fmt.Errorf("cowbtree: cowbtreeutil: direct file sync: %w", err)
	}
	return nil
}

// Close closes the underlying descriptor.
func (d *DirectFile) Close() error { return d.f.Close() }
