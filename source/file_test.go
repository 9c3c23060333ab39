package source

import (
	"bytes"
	"testing"

	"github.com/dsnet/golib/memfile"
)

func newMemBackedFileSource(t *testing.T, length uint64) *FileSource {
	t.Helper()
	var buf []byte
	fs, err := NewFileSourceFromBackend(memfile.New(&buf), length)
	if err != nil {
		t.Fatalf("NewFileSourceFromBackend() failed: %v", err)
	}
	return fs
}

func TestFileSourceReadWrite(t *testing.T) {
	fs := newMemBackedFileSource(t, 1<<16)
	defer fs.Close()

	want := bytes.Repeat([]byte{0xAB}, 37)
	if err := fs.WriteAt(4103, want); err != nil {
		t.Fatalf("WriteAt() failed: %v", err)
	}
	got := make([]byte, len(want))
	if err := fs.ReadAt(4103, got); err != nil {
		t.Fatalf("ReadAt() failed: %v", err)
	}
	if !bytes.Equal(got, want) {
		t.Errorf("ReadAt() = %x, want %x", got, want)
	}
}

func TestFileSourceUnalignedOffsetPreservesNeighbors(t *testing.T) {
	fs := newMemBackedFileSource(t, 1<<16)
	defer fs.Close()

	if err := fs.WriteAt(0, bytes.Repeat([]byte{0x11}, 4096)); err != nil {
		t.Fatalf("WriteAt() failed: %v", err)
	}
	if err := fs.WriteAt(10, []byte{0x22, 0x22, 0x22}); err != nil {
		t.Fatalf("WriteAt() failed: %v", err)
	}

	got := make([]byte, 4096)
	if err := fs.ReadAt(0, got); err != nil {
		t.Fatalf("ReadAt() failed: %v", err)
	}
	if got[9] != 0x11 || got[13] != 0x11 {
		t.Errorf("unaligned write clobbered neighboring bytes: got[9]=%#x got[13]=%#x", got[9], got[13])
	}
	if got[10] != 0x22 || got[11] != 0x22 || got[12] != 0x22 {
		t.Errorf("unaligned write did not land: got[10:13]=%x", got[10:13])
	}
}

func TestFileSourceAttributesAndBlockOnly(t *testing.T) {
	fs := newMemBackedFileSource(t, 1<<16)
	defer fs.Close()

	if fs.IsByteAddressable() {
		t.Error("IsByteAddressable() = true, want false")
	}
	if !fs.IsPersistent() {
		t.Error("IsPersistent() = false, want true")
	}
	if _, err := fs.At(0, 16); err != ErrNotByteAddressable {
		t.Errorf("At() = %v, want ErrNotByteAddressable", err)
	}
	if _, err := fs.AtMut(0, 16); err != ErrNotByteAddressable {
		t.Errorf("AtMut() = %v, want ErrNotByteAddressable", err)
	}
}
