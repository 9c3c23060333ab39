package librarius

import (
	"runtime"
	"sync/atomic"
)

// spinLatch is a CAS-spin, writer-only mutex guarding a SourceAllocator's
// free list (spec.md §5: "the free list is guarded by its own write
// lock"). Grounded on the teacher's SpinLatch/BLTRWLock idiom in
// bufmgr.go (mgr.lock.SpinWriteLock()/SpinReleaseWrite() around the
// allocation area), narrowed to a single writer since the free list has
// no concurrent-reader path to optimize for.
type spinLatch struct {
	held uint32
}

func (s *spinLatch) Lock() {
	for !atomic.CompareAndSwapUint32(&s.held, 0, 1) {
		runtime.Gosched()
	}
}

func (s *spinLatch) Unlock() {
	atomic.StoreUint32(&s.held, 0)
}
