package disk

import (
	"io"
	"os"

	"github.com/pkg/errors"
)

// Dev is the block device a disk stores its bytes on. Implementations are
// not required to be safe for concurrent use; the disk serializes access.
type Dev interface {
	io.ReadWriteSeeker

	// Sync forces written data to durable storage, where the device has any.
	Sync() error
}

var (
	_ Dev = &MemDev{}
	_ Dev = &FileDev{}
)

// MemDev keeps the device contents in memory. Used by tests and by nodes
// that do not need their data to survive a restart.
type MemDev struct {
	size   int64
	offset int64
	data   []byte
}

// NewMemDev returns an in-memory device of the given size.
func NewMemDev(size int64) *MemDev {
	return &MemDev{
		size: size,
		data: make([]byte, size),
	}
}

// Seek sets the position for the next read or write.
func (md *MemDev) Seek(offset int64, whence int) (int64, error) {
	switch whence {
	case io.SeekStart:
	case io.SeekCurrent:
		offset = md.offset + offset
	case io.SeekEnd:
		offset = md.size + offset
	}

	if offset < 0 || offset > md.size {
		return 0, errors.Errorf("invalid offset: %d", offset)
	}

	md.offset = offset
	return offset, nil
}

// Read reads from the current position.
func (md *MemDev) Read(p []byte) (int, error) {
	if p == nil {
		return 0, nil
	}
	n := copy(p, md.data[md.offset:])
	md.offset += int64(n)
	return n, nil
}

// Write writes at the current position.
func (md *MemDev) Write(p []byte) (int, error) {
	if p == nil {
		return 0, nil
	}
	n := copy(md.data[md.offset:], p)
	md.offset += int64(n)
	return n, nil
}

// Sync is a no-op for the in-memory device.
func (md *MemDev) Sync() error {
	return nil
}

// FileDev backs the device with a sparse file on the host filesystem, the
// way the reference deployment stores each node's disk image.
type FileDev struct {
	f *os.File
}

// OpenFileDev opens (or creates) the disk image at path, extended to size
// bytes. Creation writes a single trailing zero byte so the file is sparse
// where the filesystem supports it.
func OpenFileDev(path string, size int64) (*FileDev, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, errors.Wrapf(err, "open disk image %s", path)
	}

	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, errors.WithStack(err)
	}
	if info.Size() < size {
		if _, err := f.WriteAt([]byte{0}, size-1); err != nil {
			f.Close()
			return nil, errors.Wrapf(err, "extend disk image %s", path)
		}
	}

	return &FileDev{f: f}, nil
}

// Seek sets the position for the next read or write.
func (fd *FileDev) Seek(offset int64, whence int) (int64, error) {
	n, err := fd.f.Seek(offset, whence)
	return n, errors.WithStack(err)
}

// Read reads from the current position.
func (fd *FileDev) Read(p []byte) (int, error) {
	n, err := fd.f.Read(p)
	if err == io.EOF {
		return n, nil
	}
	return n, errors.WithStack(err)
}

// Write writes at the current position.
func (fd *FileDev) Write(p []byte) (int, error) {
	n, err := fd.f.Write(p)
	return n, errors.WithStack(err)
}

// Sync flushes written data to the underlying file.
func (fd *FileDev) Sync() error {
	return errors.WithStack(fd.f.Sync())
}

// Close closes the disk image.
func (fd *FileDev) Close() error {
	return errors.WithStack(fd.f.Close())
}
