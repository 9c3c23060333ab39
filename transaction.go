package librarius

// transactionWrite records one pointer swing so abort can CAS it back
// and commit's validator has nothing to do with it (writes are never
// re-validated, only reads are; spec.md §4.4).
type transactionWrite struct {
	dst     PointerRef
	current UntypedPointer
	new     UntypedPointer
}

// transactionRead records a read_for_write pointer so commit's validator
// can check it hasn't been superseded since this transaction's snapshot.
type transactionRead struct {
	ref PointerRef
}

// Transaction drives one optimistic attempt: a snapshot reader, per-tx
// object/log allocators, a lazily-minted indirect version shared by all
// of this transaction's writes, and the read/write sets the committing
// validator checks (spec.md §4.4).
type Transaction struct {
	las   *LAS
	clock *versionClock

	objAlloc *transactionalObjectAllocator
	logAlloc *transactionalLogAllocator
	reader   *versionedReader

	myVersion *version
	writeSet  []transactionWrite
	readSet   []transactionRead
}

// Root exposes the process-wide root pointer.
func (t *Transaction) Root() PointerRef { return t.las.RootPointerRef() }

// RefAt builds a PointerRef for a pointer-sized cell at a known logical
// address, for callers that keep several UntypedPointer fields inside one
// object body and need to address a field rather than the object's own
// slot.
func (t *Transaction) RefAt(addr uint64) PointerRef { return PointerRef{las: t.las, Addr: addr} }

// Read reads without joining the read set: the snapshot reader walks
// other-chains until it finds a visible version, never aborting.
func (t *Transaction) Read(ref PointerRef, size ObjectSize) ([]byte, error) {
	body, _, err := t.reader.read(ref, size, false)
	return body, err
}

// ReadForWrite appends ref to the read set and reads with
// abort_on_conflict = true.
func (t *Transaction) ReadForWrite(ref PointerRef, size ObjectSize) ([]byte, error) {
	t.readSet = append(t.readSet, transactionRead{ref: ref})
	body, _, err := t.reader.read(ref, size, true)
	return body, err
}

// Flush spills the object at ref to persistent backing, rewriting its
// outgoing byte-addressable pointers and ref itself to the durable
// block addresses, per spec.md §4.3 "VersionedReader.flush". Unlike
// Write, it does not mint or join this transaction's version, so it
// needs no commit to take effect.
func (t *Transaction) Flush(ref PointerRef, size ObjectSize) error {
	return t.reader.flush(ref, size)
}

func (t *Transaction) myVersionOrMint() (version, error) {
	if t.myVersion != nil {
		return *t.myVersion, nil
	}
	v, err := t.logAlloc.newIndirectVersion()
	if err != nil {
		return 0, err
	}
	t.myVersion = &v
	return v, nil
}

// Write implements spec.md §4.4 Write: snapshot-reads the current body,
// copies it into a freshly allocated object tagged with this
// transaction's version, records the write, and CAS-swings ref from the
// old pointer to the new one.
func (t *Transaction) Write(ref PointerRef, size ObjectSize) ([]byte, error) {
	v, err := t.myVersionOrMint()
	if err != nil {
		return nil, err
	}

	oldBody, _, err := t.reader.read(ref, size, true)
	if err != nil {
		return nil, err
	}
	oldPtr, err := ref.Load()
	if err != nil {
		return nil, err
	}

	newPtr, newBody, err := t.objAlloc.alloc(size, v, oldPtr)
	if err != nil {
		return nil, err
	}
	copy(newBody, oldBody)

	ok, err := ref.CAS(oldPtr, newPtr)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrTxAborted
	}
	t.writeSet = append(t.writeSet, transactionWrite{dst: ref, current: oldPtr, new: newPtr})
	return newBody, nil
}

// Alloc mints this transaction's version if not yet present and returns
// a fresh object tagged with it.
func (t *Transaction) Alloc(size ObjectSize) (UntypedPointer, []byte, error) {
	v, err := t.myVersionOrMint()
	if err != nil {
		return 0, nil, err
	}
	return t.objAlloc.alloc(size, v, NewNonePointer())
}

// abort iterates the write set in reverse and CAS-restores each pointer
// from new back to current, per spec.md §4.4 (explicitly reverse order,
// unlike the original Rust implementation's forward iteration).
func (t *Transaction) abort() error {
	for i := len(t.writeSet) - 1; i >= 0; i-- {
		w := t.writeSet[i]
		ok, err := w.dst.CAS(w.new, w.current)
		if err != nil {
			return err
		}
		if !ok {
			return newErr(CodeInvalidLogicalAddress, "transaction.abort", nil)
		}
	}
	return nil
}

// commit implements spec.md §4.4 Commit: read-only transactions succeed
// immediately; otherwise the global counter is bumped under its write
// lock, every read-set entry is validated against this transaction's
// snapshot, and on success the indirect version is published with one
// atomic store.
func (t *Transaction) commit() error {
	if t.myVersion == nil {
		return nil
	}

	n, unlock := t.clock.bump()
	defer unlock()

	for _, r := range t.readSet {
		v, err := t.reader.readVersion(r.ref)
		if err != nil {
			return err
		}
		resolved, err := resolveVersion(t.las, v)
		if err != nil {
			return err
		}
		if resolved == 0 || resolved > t.reader.snapshot {
			return ErrTxAborted
		}
	}

	return commitVersion(t.las, *t.myVersion, n)
}
