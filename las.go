package librarius

import (
	"encoding/binary"
	"sort"
	"sync"
	"unsafe"

	"github.com/pbalcer/librarius/source"
)

// sourceAllocator wraps one Source at a chosen page size: a validating
// scan on open, a FIFO free list, and positional read/write/flush
// forwarding. Grounded on the teacher's BufMgr construction/scan path
// (NewBufMgr's page-zero bootstrap) for the free-list discipline, and on
// original las.rs's SourceAllocator::new/initialize for the validating
// scan semantics.
type sourceAllocator struct {
	src      source.Source
	pagesize uint32
	numPages uint32

	mu sync.RWMutex // guards src reads/writes (spec.md §5)

	freeMu   spinLatch // guards freeList (spec.md §5 "its own write lock")
	freeList []uint32
}

func openSourceAllocator(src source.Source, pagesize uint32, pageValid func([]byte) bool) (*sourceAllocator, bool, error) {
	length, err := src.Length()
	if err != nil {
		return nil, false, newErr(CodeSourceError, "source_allocator.open", err)
	}

	hdr := make([]byte, sourceHeaderSize)
	if err := src.ReadAt(0, hdr); err != nil {
		return nil, false, newErr(CodeFileIO, "source_allocator.open", err)
	}
	storedPagesize, valid := parseSourceHeader(hdr)
	wasValid := valid
	if valid && storedPagesize != pagesize {
		return nil, false, newWrongPagesize("source_allocator.open", storedPagesize, pagesize)
	}
	if !valid {
		if err := src.WriteAt(0, sourceHeaderBytes(pagesize)); err != nil {
			return nil, false, newErr(CodeFileIO, "source_allocator.open", err)
		}
	}

	sa := &sourceAllocator{src: src, pagesize: pagesize, numPages: uint32(length / uint64(pagesize))}

	for i := uint32(source.FirstDataPage); i < sa.numPages; i++ {
		buf := make([]byte, pagesize)
		if err := src.ReadAt(uint64(i)*uint64(pagesize), buf); err != nil {
			return nil, false, newErr(CodeFileIO, "source_allocator.open", err)
		}
		if !pageValid(buf) {
			sa.freeList = append(sa.freeList, i)
		}
	}
	return sa, wasValid, nil
}

func (sa *sourceAllocator) pageOffset(idx uint32) uint64 { return uint64(idx) * uint64(sa.pagesize) }

// allocatePage pops the free list; NoAvailableMemory when empty.
func (sa *sourceAllocator) allocatePage() (uint32, error) {
	sa.freeMu.Lock()
	defer sa.freeMu.Unlock()
	if len(sa.freeList) == 0 {
		return 0, ErrNoAvailableMemory
	}
	idx := sa.freeList[0]
	sa.freeList = sa.freeList[1:]
	return idx, nil
}

func (sa *sourceAllocator) freePage(idx uint32) {
	sa.freeMu.Lock()
	defer sa.freeMu.Unlock()
	sa.freeList = append(sa.freeList, idx)
}

func (sa *sourceAllocator) readPage(idx uint32, buf []byte) error {
	sa.mu.RLock()
	defer sa.mu.RUnlock()
	return sa.src.ReadAt(sa.pageOffset(idx), buf)
}

func (sa *sourceAllocator) writePage(idx uint32, buf []byte) error {
	sa.mu.Lock()
	defer sa.mu.Unlock()
	return sa.src.WriteAt(sa.pageOffset(idx), buf)
}

func (sa *sourceAllocator) getBytes(idx uint32) ([]byte, error) {
	sa.mu.RLock()
	defer sa.mu.RUnlock()
	return sa.src.At(sa.pageOffset(idx), uint64(sa.pagesize))
}

func (sa *sourceAllocator) getBytesMut(idx uint32) ([]byte, error) {
	sa.mu.Lock()
	defer sa.mu.Unlock()
	return sa.src.AtMut(sa.pageOffset(idx), uint64(sa.pagesize))
}

func (sa *sourceAllocator) flush() error {
	sa.mu.RLock()
	defer sa.mu.RUnlock()
	return sa.src.Flush()
}

func (sa *sourceAllocator) flushPartial(slice []byte) error {
	sa.mu.RLock()
	defer sa.mu.RUnlock()
	return sa.src.FlushSlice(slice)
}

// sourceEntry is one source's placement in the logical address map.
type sourceEntry struct {
	allocator *sourceAllocator
	slice     logicalSlice
}

func (e *sourceEntry) contains(addr uint64) bool {
	return addr >= e.slice.Offset && addr < e.slice.Offset+e.slice.Length
}

// LogicalMutRef is a fresh object page handed out by LAS.Alloc: the
// page-minus-header body, ready for a GenericAllocator to bump-allocate
// within.
type LogicalMutRef struct {
	Addr  uint64
	Bytes []byte

	entry   *sourceEntry
	pageIdx uint32
}

// LAS is the Logical Address Space: an ordered map from a global logical
// address to the owning SourceAllocator, the root location, and the
// block<->byte fetch/flush/backing machinery (spec.md §4.2). Grounded on
// original las.rs; the teacher has no multi-source analogue (one flat
// buffer pool), so this file is built fresh from the original in the
// teacher's naming/error idiom.
type LAS struct {
	pagesize uint32

	mu      sync.RWMutex
	entries []*sourceEntry // sorted by slice.Offset

	rootLogicalAddr  uint64 // address of the pseudo ObjectHeader preceding the root pointer word
	rootOwner        *sourceAllocator
	rootMirrorAddr   uint64       // set only when the root owner is block-addressable
	rootBackingEntry *sourceEntry // the root owner's entry, for FlushRoot

	backingMu sync.RWMutex
	backing   map[uint64]logicalSlice // page-aligned byte addr -> backing block slice
}

// rootRegionAddr is a logical address reserved above any realistic
// amount of attached storage, used as the root pointer's address when
// its owning source is itself byte-addressable (and so already resolves
// the metapage's own logical-relative offset directly). It never
// collides with a real source's assigned slice.
const rootRegionAddr = (uint64(1) << 53) - RootSize

// DefaultPageValid is the default validating-scan predicate (spec.md
// §4.1: "page_valid ≔ size.total() != 0 in the default policy").
func DefaultPageValid(buf []byte) bool {
	if len(buf) < pageHeaderSize+objectHeaderSize {
		return false
	}
	h := getObjectHeader(buf[pageHeaderSize : pageHeaderSize+objectHeaderSize])
	return h.Size.Total() != 0
}

// OpenLAS implements spec.md §4.2's address-assignment algorithm:
// previously-used sources reclaim their stored slice, fresh sources are
// assigned contiguous ranges past the last existing one, and at most one
// source may carry the root.
func OpenLAS(pagesize uint32, sources []source.Source, pageValid func([]byte) bool, wantRoot bool) (*LAS, error) {
	if pageValid == nil {
		pageValid = DefaultPageValid
	}
	las := &LAS{pagesize: pagesize, backing: make(map[uint64]logicalSlice)}

	var fresh []*sourceAllocator
	haveRoot := false
	var rootEntry *sourceEntry

	for _, src := range sources {
		sa, wasValid, err := openSourceAllocator(src, pagesize, pageValid)
		if err != nil {
			return nil, err
		}

		metaBuf := make([]byte, pagesize)
		if err := sa.readPage(source.MetaPageIndex, metaBuf); err != nil {
			return nil, newErr(CodeFileIO, "las.open", err)
		}
		pm := parseMeta(pagesize, metaBuf)

		if wasValid && pm.Valid {
			entry := &sourceEntry{allocator: sa, slice: pm.Slice}
			if err := las.insertEntry(entry); err != nil {
				return nil, err
			}
			if !pm.RootZero {
				if haveRoot {
					return nil, ErrRootExists
				}
				haveRoot = true
				rootEntry = entry
			}
			continue
		}
		fresh = append(fresh, sa)
	}

	for _, sa := range fresh {
		length, err := sa.src.Length()
		if err != nil {
			return nil, newErr(CodeSourceError, "las.open", err)
		}
		numDataPages := uint32(length/uint64(pagesize)) - source.FirstDataPage
		slice := logicalSlice{Offset: las.nextOffset(), Length: uint64(numDataPages) * uint64(pagesize)}
		entry := &sourceEntry{allocator: sa, slice: slice}

		root := [RootSize]byte{}
		metaBuf := metaBytes(pagesize, slice, root)
		if err := sa.writePage(source.MetaPageIndex, metaBuf); err != nil {
			return nil, newErr(CodeFileIO, "las.open", err)
		}
		if err := las.insertEntry(entry); err != nil {
			return nil, err
		}
	}

	// Root adoption happens only once every source's entry is in
	// las.entries: a reclaimed root owner that turns out to be
	// block-only needs fetchRawPage's byte-addressable destination
	// search to already see every other source (spec.md §4.2).
	if haveRoot {
		if err := las.adoptRootOwner(rootEntry); err != nil {
			return nil, err
		}
	} else if wantRoot {
		if err := las.claimRoot(); err != nil {
			return nil, err
		}
	}

	return las, nil
}

func (l *LAS) nextOffset() uint64 {
	if len(l.entries) == 0 {
		return 0
	}
	last := l.entries[len(l.entries)-1]
	return last.slice.Offset + last.slice.Length
}

func (l *LAS) insertEntry(entry *sourceEntry) error {
	for _, e := range l.entries {
		if entry.slice.Offset < e.slice.Offset+e.slice.Length && e.slice.Offset < entry.slice.Offset+entry.slice.Length {
			return ErrInvalidLogicalAddress
		}
	}
	l.entries = append(l.entries, entry)
	sort.Slice(l.entries, func(i, j int) bool { return l.entries[i].slice.Offset < l.entries[j].slice.Offset })
	return nil
}

// claimRoot picks the best source (persistent preferred, else
// byte-addressable) and designates its metapage's root slot as the root
// location, fetching a byte mirror first if that source is not
// byte-addressable itself (spec.md §4.2).
func (l *LAS) claimRoot() error {
	entry := l.bestEntry(func(sa *sourceAllocator) bool { return sa.src.IsPersistent() })
	if entry == nil {
		entry = l.bestEntry(func(sa *sourceAllocator) bool { return sa.src.IsByteAddressable() })
	}
	if entry == nil {
		return ErrNoPersistentStorage
	}
	return l.adoptRootOwner(entry)
}

// adoptRootOwner makes entry the root's owner, whether it was just
// picked fresh by claimRoot or is reclaiming the root it already held
// on a previous open. A byte-addressable owner's metapage is the root
// slot directly; a block-only owner needs its metapage fetched into a
// byte mirror first, since the root pointer word is read/CAS'd as a
// live atomic word (spec.md §4.2).
func (l *LAS) adoptRootOwner(entry *sourceEntry) error {
	l.rootOwner = entry.allocator
	l.rootLogicalAddr = rootRegionAddr

	if entry.allocator.src.IsByteAddressable() {
		return nil
	}

	// Block-only root owner: fetch the metapage into a byte mirror and
	// record a backing-map entry so future reads/writes of the root
	// pointer go through the mirror, and flush can spill it back. The
	// mirror page itself is addressed normally (it is a real allocated
	// byte page); rootLogicalAddr's dedicated reserved region is only
	// used for the byte-addressable-owner case above.
	mirrorAddr, err := l.fetchRawPage(entry, source.MetaPageIndex)
	if err != nil {
		return err
	}
	l.rootOwner = nil
	l.rootMirrorAddr = mirrorAddr
	l.rootLogicalAddr = mirrorAddr + uint64(l.pagesize) - RootSize - 4
	l.rootBackingEntry = entry
	return nil
}

// FlushRoot spills the root mirror page (when the root's owning source
// is block-addressable) back to its physical metapage. It is the root
// pointer's counterpart to the generic data-page Flush, since the
// metapage is not part of any source's logical data range and so cannot
// go through the ordinary backing map.
func (l *LAS) FlushRoot() error {
	if l.rootBackingEntry == nil {
		return nil
	}
	entry, rel, ok := l.entryFor(pageAligned(l.rootMirrorAddr, uint64(l.pagesize)))
	if !ok {
		return ErrInvalidLogicalAddress
	}
	pageIdx, _ := l.pageIndexFor(entry, rel)
	mirrorPage, err := entry.allocator.getBytesMut(pageIdx)
	if err != nil {
		return newErr(CodeInvalidMemory, "las.flush_root", err)
	}
	// The root slot's own crc32 is only as fresh as the last FlushRoot:
	// CAS/Store touch the live pointer word directly and never maintain
	// it, so it must be recomputed here before the page becomes the
	// on-disk Meta parseMeta() validates on the next open.
	rootOff := uint64(l.pagesize) - RootSize - 4
	binary.LittleEndian.PutUint32(mirrorPage[rootOff+RootSize:rootOff+RootSize+4], crc(mirrorPage[rootOff:rootOff+RootSize]))
	if err := l.rootBackingEntry.allocator.writePage(source.MetaPageIndex, mirrorPage); err != nil {
		return newErr(CodeFileIO, "las.flush_root", err)
	}
	return nil
}

func (l *LAS) bestEntry(filter func(*sourceAllocator) bool) *sourceEntry {
	l.mu.RLock()
	defer l.mu.RUnlock()
	for _, e := range l.entries {
		if filter(e.allocator) {
			return e
		}
	}
	return nil
}

func (l *LAS) entryFor(addr uint64) (*sourceEntry, uint64, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	for _, e := range l.entries {
		if e.contains(addr) {
			return e, addr - e.slice.Offset, true
		}
	}
	return nil, 0, false
}

func (l *LAS) pageIndexFor(entry *sourceEntry, rel uint64) (uint32, uint32) {
	pageIdx := source.FirstDataPage + uint32(rel/uint64(l.pagesize))
	intra := uint32(rel % uint64(l.pagesize))
	return pageIdx, intra
}

// atLogical resolves an arbitrary logical address to a byte view,
// asserting the owning source is byte-addressable (spec.md §4.2
// "Read/write").
func (l *LAS) atLogical(addr uint64, length uint64, mutable bool) ([]byte, error) {
	if addr == 0 {
		return nil, ErrInvalidLogicalAddress
	}
	if l.rootOwner != nil && addr >= l.rootLogicalAddr && addr < l.rootLogicalAddr+RootSize {
		return l.rootBytes(addr, length, mutable)
	}
	entry, rel, ok := l.entryFor(addr)
	if !ok {
		return nil, ErrInvalidLogicalAddress
	}
	if !entry.allocator.src.IsByteAddressable() {
		return nil, librariusErrNotByteAddressable()
	}
	pageIdx, intra := l.pageIndexFor(entry, rel)
	var page []byte
	var err error
	if mutable {
		page, err = entry.allocator.getBytesMut(pageIdx)
	} else {
		page, err = entry.allocator.getBytes(pageIdx)
	}
	if err != nil {
		return nil, newErr(CodeInvalidMemory, "las.at_logical", err)
	}
	if uint64(intra)+length > uint64(len(page)) {
		return nil, ErrInvalidLogicalAddress
	}
	return page[intra : uint64(intra)+length], nil
}

// rootBytes resolves an address within the root's RootSize-byte slot.
// When the root owner is byte-addressable, the slot is read directly
// from that source's physical metapage; otherwise the slot lives in the
// byte mirror LAS fetched at claimRoot time, which is already a normal
// logical address and is handled by the entries path in atLogical
// before this function is ever reached.
func (l *LAS) rootBytes(addr, length uint64, mutable bool) ([]byte, error) {
	var page []byte
	var err error
	if mutable {
		page, err = l.rootOwner.getBytesMut(source.MetaPageIndex)
	} else {
		page, err = l.rootOwner.getBytes(source.MetaPageIndex)
	}
	if err != nil {
		return nil, newErr(CodeInvalidMemory, "las.root_bytes", err)
	}
	rootOff := uint64(l.pagesize) - RootSize - 4
	within := rootOff + (addr - l.rootLogicalAddr)
	return page[within : within+length], nil
}

// RootHeaderAddr is the logical address of the pseudo-object header
// installed in front of the root pointer word (spec.md §4.5).
func (l *LAS) RootHeaderAddr() uint64 { return l.rootLogicalAddr }

// RootPointerRef is the PointerRef of the root pointer word itself.
func (l *LAS) RootPointerRef() PointerRef {
	return PointerRef{las: l, Addr: l.rootLogicalAddr + objectHeaderSize}
}

// Read returns a direct, zero-copy byte view for writing-free access to
// a byte-addressable logical range.
func (l *LAS) Read(addr, length uint64) ([]byte, error) { return l.atLogical(addr, length, false) }

// Write returns a direct, zero-copy mutable byte view.
func (l *LAS) Write(addr, length uint64) ([]byte, error) { return l.atLogical(addr, length, true) }

// Alloc picks the best byte-addressable source, pops a page, initializes
// its PageHeader, and returns a LogicalMutRef covering the body.
func (l *LAS) Alloc() (*LogicalMutRef, error) {
	entry := l.bestEntry(func(sa *sourceAllocator) bool { return sa.src.IsByteAddressable() })
	if entry == nil {
		return nil, ErrNoAvailableMemory
	}
	pageIdx, err := entry.allocator.allocatePage()
	if err != nil {
		return nil, err
	}
	page, err := entry.allocator.getBytesMut(pageIdx)
	if err != nil {
		return nil, newErr(CodeInvalidMemory, "las.alloc", err)
	}
	for i := 0; i < pageHeaderSize; i++ {
		page[i] = 0
	}
	base := entry.slice.Offset + uint64(pageIdx-source.FirstDataPage)*uint64(l.pagesize)
	return &LogicalMutRef{
		Addr:    base + pageHeaderSize,
		Bytes:   page[pageHeaderSize:],
		entry:   entry,
		pageIdx: pageIdx,
	}, nil
}

// Cancel returns a page to its source's free list.
func (l *LAS) Cancel(ref *LogicalMutRef) {
	ref.entry.allocator.freePage(ref.pageIdx)
}

// fetchRawPage copies a whole foreign page (any source) verbatim into a
// freshly allocated byte page and returns the new page's base logical
// address (pointing at the page's first byte, header included — callers
// add back whatever intra-page offset they need).
func (l *LAS) fetchRawPage(srcEntry *sourceEntry, srcPageIdx uint32) (uint64, error) {
	buf := make([]byte, l.pagesize)
	if err := srcEntry.allocator.readPage(srcPageIdx, buf); err != nil {
		return 0, newErr(CodeFileIO, "las.fetch", err)
	}
	dstEntry := l.bestEntry(func(sa *sourceAllocator) bool { return sa.src.IsByteAddressable() })
	if dstEntry == nil {
		return 0, ErrNoAvailableMemory
	}
	dstPageIdx, err := dstEntry.allocator.allocatePage()
	if err != nil {
		return 0, err
	}
	dstPage, err := dstEntry.allocator.getBytesMut(dstPageIdx)
	if err != nil {
		return 0, newErr(CodeInvalidMemory, "las.fetch", err)
	}
	copy(dstPage, buf)
	return dstEntry.slice.Offset + uint64(dstPageIdx-source.FirstDataPage)*uint64(l.pagesize), nil
}

// Fetch implements spec.md §4.2's fetch: brings the page owning
// storedHeaderAddr into a byte mirror and returns the new address at the
// same intra-page offset.
func (l *LAS) Fetch(storedHeaderAddr uint64) (uint64, error) {
	entry, rel, ok := l.entryFor(storedHeaderAddr)
	if !ok {
		return 0, ErrInvalidLogicalAddress
	}
	pageIdx, intra := l.pageIndexFor(entry, rel)
	newBase, err := l.fetchRawPage(entry, pageIdx)
	if err != nil {
		return 0, err
	}
	return newBase + uint64(intra), nil
}

// Close flushes the root mirror (if any) and every attached source, then
// releases their resources.
func (l *LAS) Close() error {
	if err := l.FlushRoot(); err != nil {
		return err
	}
	for _, e := range l.entries {
		if err := e.allocator.src.Flush(); err != nil {
			return newErr(CodeFileIO, "las.close", err)
		}
	}
	for _, e := range l.entries {
		if err := e.allocator.src.Close(); err != nil {
			return newErr(CodeSourceError, "las.close", err)
		}
	}
	return nil
}

func pageAligned(addr, pagesize uint64) uint64 { return alignDownU64(addr, pagesize) }

// Flush implements spec.md §4.2's flush: page-granular writeback from a
// byte-addressable mirror to its persistent backing, allocating the
// backing page on first spill.
func (l *LAS) Flush(addr uint64) (uint64, error) {
	entry, rel, ok := l.entryFor(addr)
	if !ok {
		return 0, ErrInvalidLogicalAddress
	}
	if entry.allocator.src.IsPersistent() && entry.allocator.src.IsByteAddressable() {
		pageIdx, _ := l.pageIndexFor(entry, rel)
		page, err := entry.allocator.getBytes(pageIdx)
		if err != nil {
			return 0, newErr(CodeInvalidMemory, "las.flush", err)
		}
		if err := entry.allocator.flushPartial(page); err != nil {
			return 0, newErr(CodeInvalidFlush, "las.flush", err)
		}
		return addr, nil
	}

	pageIdx, intra := l.pageIndexFor(entry, rel)
	base := entry.slice.Offset + uint64(pageIdx-source.FirstDataPage)*uint64(l.pagesize)
	aligned := pageAligned(base, uint64(l.pagesize))

	l.backingMu.Lock()
	backingSlice, found := l.backing[aligned]
	if !found {
		backEntry := l.bestEntry(func(sa *sourceAllocator) bool { return sa.src.IsPersistent() })
		if backEntry == nil {
			l.backingMu.Unlock()
			return 0, ErrNoPersistentStorage
		}
		backPageIdx, err := backEntry.allocator.allocatePage()
		if err != nil {
			l.backingMu.Unlock()
			return 0, err
		}
		backingSlice = logicalSlice{
			Offset: backEntry.slice.Offset + uint64(backPageIdx-source.FirstDataPage)*uint64(l.pagesize),
			Length: uint64(l.pagesize),
		}
		l.backing[aligned] = backingSlice
	}
	l.backingMu.Unlock()

	mirrorPage, err := entry.allocator.getBytes(pageIdx)
	if err != nil {
		return 0, newErr(CodeInvalidMemory, "las.flush", err)
	}
	backEntry, backRel, ok := l.entryFor(backingSlice.Offset)
	if !ok {
		return 0, ErrInvalidLogicalAddress
	}
	backPageIdx, _ := l.pageIndexFor(backEntry, backRel)
	if err := backEntry.allocator.writePage(backPageIdx, mirrorPage); err != nil {
		return 0, newErr(CodeFileIO, "las.flush", err)
	}
	return backingSlice.Offset + uint64(intra), nil
}

// GetBacking resolves the persistent counterpart of a byte-addressable
// logical address, per spec.md §4.2 get_backing.
func (l *LAS) GetBacking(addr uint64) (uint64, bool, error) {
	entry, rel, ok := l.entryFor(addr)
	if !ok {
		return 0, false, ErrInvalidLogicalAddress
	}
	if entry.allocator.src.IsPersistent() && entry.allocator.src.IsByteAddressable() {
		return addr, true, nil
	}
	pageIdx, intra := l.pageIndexFor(entry, rel)
	base := entry.slice.Offset + uint64(pageIdx-source.FirstDataPage)*uint64(l.pagesize)
	aligned := pageAligned(base, uint64(l.pagesize))

	l.backingMu.RLock()
	defer l.backingMu.RUnlock()
	backingSlice, found := l.backing[aligned]
	if !found {
		return 0, false, nil
	}
	return backingSlice.Offset + uint64(intra), true, nil
}

func librariusErrNotByteAddressable() error {
	return &Error{Code: CodeNotByteAddressable, Op: "las.at_logical"}
}

// atomicWordPtr reinterprets the first 8 bytes of mem as a *uint64 for
// atomic load/CAS. mem must come from a byte-addressable Source's
// backing memory (page-aligned, hence at least 8-byte aligned).
func atomicWordPtr(mem []byte) *uint64 {
	return (*uint64)(unsafe.Pointer(&mem[0]))
}
