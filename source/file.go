package source

import (
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/ncw/directio"
)

// fileBackend is the minimal surface FileSource needs from its
// underlying file handle. It is satisfied both by the *os.File directio
// hands back (O_DIRECT opened, still a plain *os.File) and by
// *memfile.File, which store_test.go substitutes in the reopen scenario
// so the same FileSource code path runs against an in-memory stand-in
// without paying directio's alignment constraints in unit tests.
type fileBackend interface {
	io.ReaderAt
	io.WriterAt
	io.Closer
}

type syncer interface {
	Sync() error
}

// FileSource is a block-addressable, persistent backend over a single
// file, extended to at least length bytes on open; a longer file is not
// truncated, and only its first length bytes are used. Grounded on
// original_source's file_source.rs; aligned page I/O is done through
// github.com/ncw/directio, the teacher's own dependency for O_DIRECT
// access.
type FileSource struct {
	mu     sync.RWMutex
	file   fileBackend
	length uint64
}

// NewFileSource opens (creating if necessary) path as a FileSource of
// the given length, extending a shorter file; a longer file is not
// truncated.
func NewFileSource(path string, length uint64) (*FileSource, error) {
	file, err := directio.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		// O_DIRECT isn't available on every filesystem (e.g. tmpfs on
		// some platforms); fall back to buffered I/O rather than
		// failing to open the store entirely.
		file, err = os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
		if err != nil {
			return nil, fmt.Errorf("source: open %q: %w", path, err)
		}
	}
	return newFileSourceFromBackend(file, length)
}

// NewFileSourceFromBackend wraps an already-open backend (typically a
// *memfile.File in tests) as a FileSource, for exercising reopen
// semantics without touching disk.
func NewFileSourceFromBackend(backend fileBackend, length uint64) (*FileSource, error) {
	return newFileSourceFromBackend(backend, length)
}

func newFileSourceFromBackend(backend fileBackend, length uint64) (*FileSource, error) {
	if length == 0 {
		return nil, fmt.Errorf("source: file source length must be non-zero")
	}
	fs := &FileSource{file: backend, length: length}
	if err := fs.growTo(length); err != nil {
		return nil, err
	}
	return fs, nil
}

// growTo extends the backing file to length by writing a single byte at
// its last offset, which both *os.File (sparse growth) and *memfile.File
// grow their backing store to accommodate.
func (f *FileSource) growTo(length uint64) error {
	_, err := f.file.WriteAt([]byte{0}, int64(length-1))
	if err != nil {
		return fmt.Errorf("source: extend file to %d bytes: %w", length, err)
	}
	return nil
}

func (f *FileSource) IsByteAddressable() bool { return false }
func (f *FileSource) IsPersistent() bool      { return true }
func (f *FileSource) PerfLevel() uint         { return 0 }

func (f *FileSource) Length() (uint64, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.length, nil
}

func alignDown(v, alignment uint64) uint64 { return v &^ (alignment - 1) }
func alignUp(v, alignment uint64) uint64   { return (v + alignment - 1) &^ (alignment - 1) }

// blockSize is the alignment used for directio's bounce buffers. It
// must be a power of two; directio.BlockSize is determined per-platform
// at init time.
func blockSize() uint64 {
	bs := uint64(directio.BlockSize)
	if bs == 0 {
		bs = 4096
	}
	return bs
}

func (f *FileSource) ReadAt(offset uint64, dst []byte) error {
	f.mu.RLock()
	defer f.mu.RUnlock()

	align := blockSize()
	alignedOff := alignDown(offset, align)
	prefix := offset - alignedOff
	alignedLen := alignUp(prefix+uint64(len(dst)), align)

	buf := directio.AlignedBlock(int(alignedLen))
	n, err := f.file.ReadAt(buf, int64(alignedOff))
	if err != nil && err != io.EOF {
		return fmt.Errorf("source: read at %d: %w", offset, err)
	}
	if uint64(n) < prefix+uint64(len(dst)) {
		return fmt.Errorf("source: partial read at %d: %w", offset, errPartialIO)
	}
	copy(dst, buf[prefix:prefix+uint64(len(dst))])
	return nil
}

func (f *FileSource) WriteAt(offset uint64, src []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	align := blockSize()
	alignedOff := alignDown(offset, align)
	prefix := offset - alignedOff
	alignedLen := alignUp(prefix+uint64(len(src)), align)

	buf := directio.AlignedBlock(int(alignedLen))
	if _, err := f.file.ReadAt(buf, int64(alignedOff)); err != nil && err != io.EOF {
		return fmt.Errorf("source: read-modify-write at %d: %w", offset, err)
	}
	copy(buf[prefix:prefix+uint64(len(src))], src)

	if _, err := f.file.WriteAt(buf, int64(alignedOff)); err != nil {
		return fmt.Errorf("source: write at %d: %w", offset, err)
	}
	return nil
}

func (f *FileSource) Flush() error {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if s, ok := f.file.(syncer); ok {
		if err := s.Sync(); err != nil {
			return fmt.Errorf("source: sync: %w", err)
		}
	}
	return nil
}

func (f *FileSource) FlushSlice(slice []byte) error { return ErrNotByteAddressable }

func (f *FileSource) At(offset, length uint64) ([]byte, error) {
	return nil, ErrNotByteAddressable
}

func (f *FileSource) AtMut(offset, length uint64) ([]byte, error) {
	return nil, ErrNotByteAddressable
}

func (f *FileSource) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.file.Close()
}

var errPartialIO = fmt.Errorf("short read/write")
