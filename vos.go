package librarius

import (
	"sync"
	"sync/atomic"
)

// pointerKind is UntypedPointer's 2-bit tag (spec.md §3).
type pointerKind uint8

const (
	kindByteAddressable pointerKind = 0
	kindBlock           pointerKind = 1
	kindLog             pointerKind = 2
)

// Bit layout of UntypedPointer. spec.md §3 describes the kind as "top 2
// bits" and the refcount as "bits 56-63" of the same 64-bit word, which
// overlap as literally written (bits 62-63 would sit inside 56-63). This
// implementation resolves the overlap by giving kind the top 2 bits and
// the refcount byte the 8 bits immediately below them, leaving 54 bits
// of logical address.
const (
	ptrKindShift     = 62
	ptrKindBits      = 0x3
	ptrRefcountShift = 54
	ptrRefcountBits  = 0xFF
	ptrAddressBits   = 54
)

var ptrAddressMask = uint64(1)<<ptrAddressBits - 1

// UntypedPointer is a tagged 64-bit logical address, CAS'd as a whole
// word (spec.md §4.3 "Tagged pointers").
type UntypedPointer uint64

func NewNonePointer() UntypedPointer { return UntypedPointer(0) }

func newBytePointer(addr uint64) UntypedPointer {
	return UntypedPointer(uint64(kindByteAddressable)<<ptrKindShift | (addr & ptrAddressMask))
}

func newBlockPointer(addr uint64) UntypedPointer {
	return UntypedPointer(uint64(kindBlock)<<ptrKindShift | (addr & ptrAddressMask))
}

func newLogPointer(addr uint64) UntypedPointer {
	return UntypedPointer(uint64(kindLog)<<ptrKindShift | (addr & ptrAddressMask))
}

func (p UntypedPointer) Address() uint64 { return uint64(p) & ptrAddressMask }
func (p UntypedPointer) IsNone() bool    { return p.Address() == 0 }
func (p UntypedPointer) kind() pointerKind {
	return pointerKind((uint64(p) >> ptrKindShift) & ptrKindBits)
}
func (p UntypedPointer) refcount() uint8 {
	return uint8((uint64(p) >> ptrRefcountShift) & ptrRefcountBits)
}

// --- Version ---

const (
	versionIndirectTag = uint64(1) << 63
	versionValueMask   = uint64(1)<<63 - 1
)

// version is spec.md §3's Version word: top bit selects direct
// (committed counter, 0 = uncommitted) vs indirect (logical address of a
// Version record in log storage).
type version uint64

func newDirectVersion(v uint64) version { return version(v & versionValueMask) }
func newIndirectVersion(addr uint64) version {
	return version(versionIndirectTag | (addr & versionValueMask))
}
func (v version) isIndirect() bool { return uint64(v)&versionIndirectTag != 0 }
func (v version) value() uint64    { return uint64(v) & versionValueMask }

// resolveVersion implements Version.read(las): direct versions resolve
// immediately; indirect versions dereference their target cell and
// recurse (tail-recursive; terminates at a direct version).
func resolveVersion(las *LAS, v version) (uint64, error) {
	for {
		if !v.isIndirect() {
			return v.value(), nil
		}
		cell, err := las.atLogical(v.value(), 8, false)
		if err != nil {
			return 0, err
		}
		v = version(atomic.LoadUint64(atomicWordPtr(cell)))
	}
}

// commitVersion implements Version.commit(new_value, las): publishes
// new_value into the indirect version's target cell with one atomic
// store, making every object tagged with v instantly visible. Direct
// versions have no separate cell to update and are a no-op target for
// commit (a transaction's minted version is always indirect).
func commitVersion(las *LAS, v version, newValue uint64) error {
	if !v.isIndirect() {
		return nil
	}
	cell, err := las.atLogical(v.value(), 8, true)
	if err != nil {
		return err
	}
	atomic.StoreUint64(atomicWordPtr(cell), uint64(newDirectVersion(newValue)))
	return nil
}

// PointerRef locates an UntypedPointer word stored in byte-addressable
// memory, so fetch-promotion and transactional writes can CAS it in
// place. It is the Go stand-in for a reference to an AtomicUsize cell in
// the original implementation.
type PointerRef struct {
	las  *LAS
	Addr uint64
}

func (r PointerRef) Load() (UntypedPointer, error) {
	b, err := r.las.atLogical(r.Addr, 8, false)
	if err != nil {
		return 0, err
	}
	return UntypedPointer(atomic.LoadUint64(atomicWordPtr(b))), nil
}

func (r PointerRef) CAS(old, newPtr UntypedPointer) (bool, error) {
	b, err := r.las.atLogical(r.Addr, 8, true)
	if err != nil {
		return false, err
	}
	return atomic.CompareAndSwapUint64(atomicWordPtr(b), uint64(old), uint64(newPtr)), nil
}

func (r PointerRef) Store(p UntypedPointer) error {
	b, err := r.las.atLogical(r.Addr, 8, true)
	if err != nil {
		return err
	}
	atomic.StoreUint64(atomicWordPtr(b), uint64(p))
	return nil
}

// genericAllocator bump-allocates within at most one active page,
// requesting a new one from LAS on exhaustion. Allocations that exceed a
// fresh page's capacity fail with tooLarge (spec.md §4.3
// "GenericAllocator").
type genericAllocator struct {
	las     *LAS
	current *LogicalMutRef
	offset  uint64
	tooLarge Code
}

func newGenericAllocator(las *LAS, tooLarge Code) *genericAllocator {
	return &genericAllocator{las: las, tooLarge: tooLarge}
}

func (g *genericAllocator) reserve(size uint64) ([]byte, uint64, error) {
	// Every reservation's footprint is rounded up to 8 bytes so the next
	// one starts 8-byte aligned in turn (the page itself, and therefore
	// g.offset == 0, is already page- hence 8-byte aligned): this keeps
	// every object header and pointer-prefix word landing on an aligned
	// address for the atomic loads/stores in vos.go, mirroring the
	// original try_consume_bytes(size, size) in las.rs.
	footprint := alignUpU64(size, 8)
	if footprint > uint64(g.las.pagesize)-pageHeaderSize {
		return nil, 0, &Error{Code: g.tooLarge, Op: "alloc"}
	}
	if g.current == nil || g.offset+footprint > uint64(len(g.current.Bytes)) {
		ref, err := g.las.Alloc()
		if err != nil {
			return nil, 0, err
		}
		if footprint > uint64(len(ref.Bytes)) {
			g.las.Cancel(ref)
			return nil, 0, &Error{Code: g.tooLarge, Op: "alloc"}
		}
		g.current = ref
		g.offset = 0
	}
	start := g.offset
	g.offset += footprint
	return g.current.Bytes[start : start+size], g.current.Addr + start, nil
}

// transactionalObjectAllocator implements spec.md §4.3
// TransactionalObjectAllocator.
type transactionalObjectAllocator struct {
	gen *genericAllocator
}

func newTransactionalObjectAllocator(las *LAS) *transactionalObjectAllocator {
	return &transactionalObjectAllocator{gen: newGenericAllocator(las, CodeAllocationTooLarge)}
}

func (a *transactionalObjectAllocator) alloc(size ObjectSize, v version, other UntypedPointer) (UntypedPointer, []byte, error) {
	total := uint64(objectHeaderSize) + size.Total()
	buf, addr, err := a.gen.reserve(total)
	if err != nil {
		return 0, nil, err
	}
	putObjectHeader(buf[:objectHeaderSize], objectHeader{
		Size:    size,
		Version: v,
		Parent:  NewNonePointer(),
		Other:   other,
	})
	return newBytePointer(addr + objectHeaderSize), buf[objectHeaderSize:], nil
}

// transactionalLogAllocator implements spec.md §4.3
// TransactionalLogAllocator.
type transactionalLogAllocator struct {
	gen *genericAllocator
}

func newTransactionalLogAllocator(las *LAS) *transactionalLogAllocator {
	return &transactionalLogAllocator{gen: newGenericAllocator(las, CodeLogEntryTooLarge)}
}

func (a *transactionalLogAllocator) newIndirectVersion() (version, error) {
	buf, addr, err := a.gen.reserve(8)
	if err != nil {
		return 0, err
	}
	atomic.StoreUint64(atomicWordPtr(buf), uint64(newDirectVersion(0)))
	return newIndirectVersion(addr), nil
}

// versionedReader resolves a pointer to an object body at a fixed
// snapshot version, walking the other-chain and applying block->byte
// fetch promotion as needed (spec.md §4.3 "Versioned reader").
type versionedReader struct {
	las      *LAS
	snapshot uint64
}

func newVersionedReader(las *LAS, snapshot uint64) *versionedReader {
	return &versionedReader{las: las, snapshot: snapshot}
}

func (r *versionedReader) read(ref PointerRef, size ObjectSize, abortOnConflict bool) ([]byte, objectHeader, error) {
	for {
		ptr, err := ref.Load()
		if err != nil {
			return nil, objectHeader{}, err
		}
		if ptr.IsNone() {
			return nil, objectHeader{}, ErrInvalidLogicalAddress
		}

		if ptr.kind() == kindBlock {
			headerAddr := ptr.Address() - objectHeaderSize
			newHeaderAddr, ferr := r.las.Fetch(headerAddr)
			if ferr != nil {
				return nil, objectHeader{}, ferr
			}
			newAddr := newHeaderAddr + objectHeaderSize
			newPtr := UntypedPointer(uint64(kindByteAddressable)<<ptrKindShift | newAddr&ptrAddressMask | uint64(ptr.refcount())<<ptrRefcountShift)
			ok, cerr := ref.CAS(ptr, newPtr)
			if cerr != nil {
				return nil, objectHeader{}, cerr
			}
			if !ok {
				// Another thread fetched concurrently; the page this
				// thread just fetched is leaked (spec.md §4.3, accepted
				// minor cost). Reload and retry.
				continue
			}
			ptr = newPtr
		}

		headerAddr := ptr.Address() - objectHeaderSize
		buf, berr := r.las.atLogical(headerAddr, uint64(objectHeaderSize)+size.Total(), false)
		if berr != nil {
			return nil, objectHeader{}, berr
		}
		header := getObjectHeader(buf[:objectHeaderSize])
		v, verr := resolveVersion(r.las, header.Version)
		if verr != nil {
			return nil, objectHeader{}, verr
		}

		if v == 0 || v > r.snapshot {
			if abortOnConflict {
				return nil, objectHeader{}, ErrTxAborted
			}
			ref = PointerRef{las: r.las, Addr: headerAddr + 24}
			continue
		}
		return buf[objectHeaderSize:], header, nil
	}
}

// readVersion returns the header's version field without body
// validation, per spec.md §4.3 "read_version".
func (r *versionedReader) readVersion(ref PointerRef) (version, error) {
	ptr, err := ref.Load()
	if err != nil {
		return 0, err
	}
	if ptr.IsNone() {
		return 0, ErrInvalidLogicalAddress
	}
	headerAddr := ptr.Address() - objectHeaderSize
	buf, err := r.las.atLogical(headerAddr, objectHeaderSize, false)
	if err != nil {
		return 0, err
	}
	return getObjectHeader(buf).Version, nil
}

// flush walks the pointer prefix of the object at ref's body and spills
// every still-byte-addressable outgoing pointer to its persistent
// backing, per spec.md §4.3 "VersionedReader.flush".
func (r *versionedReader) flush(ref PointerRef, size ObjectSize) error {
	body, header, err := r.read(ref, size, false)
	_ = body
	if err != nil {
		return err
	}
	ptr, err := ref.Load()
	if err != nil {
		return err
	}
	headerAddr := ptr.Address() - objectHeaderSize
	pointerBytes, err := r.las.atLogical(headerAddr+objectHeaderSize, uint64(header.Size.Pointers), true)
	if err != nil {
		return err
	}
	for off := uint32(0); off+8 <= header.Size.Pointers; off += 8 {
		word := atomic.LoadUint64(atomicWordPtr(pointerBytes[off : off+8]))
		p := UntypedPointer(word)
		if p.IsNone() || p.kind() != kindByteAddressable {
			continue
		}
		backingAddr, found, err := r.las.GetBacking(p.Address())
		if err != nil {
			return err
		}
		if !found {
			backingAddr, err = r.las.Flush(p.Address())
			if err != nil {
				return err
			}
		}
		newBlock := UntypedPointer(uint64(kindBlock)<<ptrKindShift | backingAddr&ptrAddressMask | uint64(p.refcount())<<ptrRefcountShift)
		atomic.CompareAndSwapUint64(atomicWordPtr(pointerBytes[off:off+8]), word, uint64(newBlock))
	}
	newHeaderAddr, err := r.las.Flush(headerAddr)
	if err != nil {
		return err
	}
	newAddr := newHeaderAddr + objectHeaderSize
	newBlock := UntypedPointer(uint64(kindBlock)<<ptrKindShift | newAddr&ptrAddressMask | uint64(ptr.refcount())<<ptrRefcountShift)
	if newBlock != ptr {
		if _, err := ref.CAS(ptr, newBlock); err != nil {
			return err
		}
	}
	return nil
}

// versionClock is the global commit counter (spec.md §4.4/§5): held
// read-locked for snapshot acquisition, write-locked for the
// increment+validate+publish sequence of a commit.
type versionClock struct {
	mu  sync.RWMutex
	val uint64
}

func (c *versionClock) snapshot() uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.val
}

// bump acquires the write lock and returns it locked along with the new
// counter value; the caller must call unlock once validation and
// publish are done, keeping the whole sequence under one critical
// section (spec.md §4.4 "held only during the increment+validate+publish
// sequence").
func (c *versionClock) bump() (newValue uint64, unlock func()) {
	c.mu.Lock()
	c.val++
	return c.val, c.mu.Unlock
}

// VersionedObjectStore ties LAS, the per-tx allocators, and the global
// version clock together, and mints new Transactions (spec.md §4.3/§4.4).
type VersionedObjectStore struct {
	las   *LAS
	clock *versionClock
}

func newVersionedObjectStore(las *LAS) *VersionedObjectStore {
	return &VersionedObjectStore{las: las, clock: &versionClock{val: rootObjectVersion}}
}

func (v *VersionedObjectStore) newTransaction() *Transaction {
	snapshot := v.clock.snapshot()
	return &Transaction{
		las:      v.las,
		clock:    v.clock,
		objAlloc: newTransactionalObjectAllocator(v.las),
		logAlloc: newTransactionalLogAllocator(v.las),
		reader:   newVersionedReader(v.las, snapshot),
	}
}
