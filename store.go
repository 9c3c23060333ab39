package librarius

import "github.com/pbalcer/librarius/source"

// Builder accepts a pagesize, zero or more sources, and an optional root
// constructor, mirroring the original LibrariusBuilder (librarius.rs).
// An embeddable store's configuration is its constructor arguments, not
// environment or file config — see DESIGN.md for why no flag/config
// library is wired in here.
type Builder struct {
	pagesize uint32
	sources  []source.Source
	rootSize ObjectSize
	rootInit func([]byte)
	logger   *Logger
}

// NewBuilder starts a Builder at the default pagesize.
func NewBuilder() *Builder {
	return &Builder{pagesize: DefaultPagesize}
}

// Pagesize overrides the default page size (4096).
func (b *Builder) Pagesize(p uint32) *Builder {
	b.pagesize = p
	return b
}

// Source attaches one backend. Order matters only the first time a
// store is created; on reopen, each source's own persisted Meta decides
// its logical placement.
func (b *Builder) Source(s source.Source) *Builder {
	b.sources = append(b.sources, s)
	return b
}

// CreateWith supplies the root object's layout and initializer, used
// only the first time a store is opened over these sources (i.e. when
// none of them yet carries a root).
func (b *Builder) CreateWith(pointers, data uint32, init func(body []byte)) *Builder {
	b.rootSize = ObjectSize{Pointers: pointers, Data: data}
	b.rootInit = init
	return b
}

// Logger installs a structured logger; without this call the store
// stays silent (zap.NewNop).
func (b *Builder) Logger(l *Logger) *Builder {
	b.logger = l
	return b
}

// Open constructs LAS and VOS, then either reads the existing root
// pointer or allocates a fresh root object per spec.md §4.5.
func (b *Builder) Open() (*Store, error) {
	pagesize := b.pagesize
	if pagesize == 0 {
		pagesize = DefaultPagesize
	}

	las, err := OpenLAS(pagesize, b.sources, nil, true)
	if err != nil {
		return nil, err
	}

	logger := b.logger
	if logger == nil {
		logger = newNopLogger()
	}
	store := &Store{las: las, vos: newVersionedObjectStore(las), logger: logger, rootSize: b.rootSize}

	rootRef := las.RootPointerRef()
	ptr, err := rootRef.Load()
	if err != nil {
		return nil, err
	}
	if ptr.IsNone() {
		if b.rootInit == nil {
			return nil, ErrOpenOnUninitialized
		}
		if err := store.installRoot(b.rootSize, b.rootInit); err != nil {
			return nil, err
		}
		logger.Infow("root installed", "pointers", b.rootSize.Pointers, "data", b.rootSize.Data)
	} else {
		headerAddr := ptr.Address() - objectHeaderSize
		if ptr.kind() == kindBlock {
			// A flushed root pointer persists as kindBlock; bring its
			// page into a byte mirror before reading the header, the
			// same promotion versionedReader.read performs for any
			// other block pointer (spec.md §4.2 "fetch").
			newHeaderAddr, ferr := las.Fetch(headerAddr)
			if ferr != nil {
				return nil, ferr
			}
			headerAddr = newHeaderAddr
		}
		headerBuf, err := las.atLogical(headerAddr, objectHeaderSize, false)
		if err != nil {
			return nil, err
		}
		store.rootSize = getObjectHeader(headerBuf).Size
	}

	return store, nil
}

// rootObjectVersion is Version.new_base(): a pre-committed direct
// version used for the root so it is immediately visible without a
// transaction (spec.md §4.5).
const rootObjectVersion = 1

func (s *Store) installRoot(size ObjectSize, init func([]byte)) error {
	headerBuf, err := s.las.atLogical(s.las.RootHeaderAddr(), objectHeaderSize, true)
	if err != nil {
		return err
	}
	putObjectHeader(headerBuf, objectHeader{
		Size:    ObjectSize{Pointers: 8, Data: 0},
		Version: newDirectVersion(rootObjectVersion),
		Parent:  NewNonePointer(),
		Other:   NewNonePointer(),
	})

	objAlloc := newTransactionalObjectAllocator(s.las)
	bodyPtr, body, err := objAlloc.alloc(size, newDirectVersion(rootObjectVersion), NewNonePointer())
	if err != nil {
		return err
	}
	init(body)
	return s.las.RootPointerRef().Store(bodyPtr)
}

// Store is the opened handle: LAS+VOS plus Run/RunOnce transaction
// entry points (spec.md §4.5/§6 "Store API").
type Store struct {
	las      *LAS
	vos      *VersionedObjectStore
	logger   *Logger
	rootSize ObjectSize
}

// RunOnce constructs a Transaction, invokes f, and commits on success or
// aborts on error — a single attempt, no retry.
func (s *Store) RunOnce(f func(*Transaction) error) error {
	tx := s.vos.newTransaction()
	if err := f(tx); err != nil {
		if aerr := tx.abort(); aerr != nil {
			s.logger.Warnw("abort failed", "cause", aerr, "original", err)
			return aerr
		}
		return err
	}
	if err := tx.commit(); err != nil {
		if IsTxAborted(err) {
			if aerr := tx.abort(); aerr != nil {
				s.logger.Warnw("abort failed", "cause", aerr)
				return aerr
			}
		}
		return err
	}
	return nil
}

// Run loops RunOnce, retrying on TxAborted (spec.md §7 "Policy: only
// TxAborted is recovered automatically, by run").
func (s *Store) Run(f func(*Transaction) error) error {
	for {
		err := s.RunOnce(f)
		if err == nil {
			return nil
		}
		if IsTxAborted(err) {
			continue
		}
		return err
	}
}

// RootObjectSize is the (pointers, data) layout the root was installed
// with, or read back from its header on reopen; callers need it to size
// Read/Write calls against the root.
func (s *Store) RootObjectSize() ObjectSize { return s.rootSize }

// Close writes the root slot back to its metapage (when the root's owning
// source is block-addressable), then flushes and closes every attached
// source. Objects reachable from the root are not flushed to a backing
// page here; Transaction.Flush does that.
func (s *Store) Close() error {
	return s.las.Close()
}
