package source

import (
	"fmt"
	"sync"

	"golang.org/x/sys/unix"
)

// MemorySource is an anonymous, byte-addressable, non-persistent
// backend, backed by a real anonymous mmap so that the "byte
// addressable" contract is true at the OS level rather than simply a
// Go slice living on the heap. Grounded on original_source's
// memory_source.rs (anonymous libc::mmap) and the teacher's
// ParentBufMgrDummy/ParentPageDummy (in-memory, no durability backend).
type MemorySource struct {
	mu     sync.RWMutex
	data   []byte
	closed bool
}

// NewMemorySource maps length bytes of anonymous, zero-filled memory.
func NewMemorySource(length uint64) (*MemorySource, error) {
	if length == 0 {
		return nil, fmt.Errorf("source: memory source length must be non-zero")
	}
	data, err := unix.Mmap(-1, 0, int(length), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("source: mmap anonymous region: %w", err)
	}
	return &MemorySource{data: data}, nil
}

func (m *MemorySource) IsByteAddressable() bool { return true }
func (m *MemorySource) IsPersistent() bool      { return false }
func (m *MemorySource) PerfLevel() uint         { return 100 }

func (m *MemorySource) Length() (uint64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return uint64(len(m.data)), nil
}

func (m *MemorySource) bounds(offset, length uint64) (uint64, uint64, error) {
	if offset+length > uint64(len(m.data)) {
		return 0, 0, ErrInvalidMemory
	}
	return offset, offset + length, nil
}

func (m *MemorySource) ReadAt(offset uint64, dst []byte) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	start, end, err := m.bounds(offset, uint64(len(dst)))
	if err != nil {
		return err
	}
	copy(dst, m.data[start:end])
	return nil
}

func (m *MemorySource) WriteAt(offset uint64, src []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	start, end, err := m.bounds(offset, uint64(len(src)))
	if err != nil {
		return err
	}
	copy(m.data[start:end], src)
	return nil
}

func (m *MemorySource) Flush() error { return nil }

func (m *MemorySource) FlushSlice(slice []byte) error { return nil }

func (m *MemorySource) At(offset, length uint64) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	start, end, err := m.bounds(offset, length)
	if err != nil {
		return nil, err
	}
	return m.data[start:end], nil
}

func (m *MemorySource) AtMut(offset, length uint64) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	start, end, err := m.bounds(offset, length)
	if err != nil {
		return nil, err
	}
	return m.data[start:end], nil
}

func (m *MemorySource) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed || m.data == nil {
		return nil
	}
	m.closed = true
	err := unix.Munmap(m.data)
	m.data = nil
	return err
}
