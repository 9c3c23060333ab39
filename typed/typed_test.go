package typed_test

import (
	"sync"
	"testing"

	"github.com/pbalcer/librarius"
	"github.com/pbalcer/librarius/source"
	"github.com/pbalcer/librarius/typed"
)

const switcharooSlots = 10

// boolPair is the fixed-layout value each root slot points to: a flip
// replaces a slot's seeded (false,false) pair with a freshly allocated
// (true,true) one.
type boolPair struct {
	A, B bool
}

// switcharooRoot holds one pointer per slot. Flipping all of them inside
// a single transaction writes every slot into one new copy of the root,
// published by one root pointer swing under the transaction's indirect
// version, so any snapshot sees either every slot pre-flip or every slot
// post-flip, never a mix.
type switcharooRoot struct {
	Slots [switcharooSlots]typed.PersistentPointer[boolPair]
}

func newSwitcharooStore(t *testing.T) *librarius.Store {
	t.Helper()
	mem, err := source.NewMemorySource(1 << 20)
	if err != nil {
		t.Fatalf("NewMemorySource() failed: %v", err)
	}

	b := typed.CreateWith(librarius.NewBuilder().Pagesize(librarius.DefaultPagesize).Source(mem),
		func(root *switcharooRoot) {
			for i := range root.Slots {
				root.Slots[i] = typed.None[boolPair]()
			}
		})
	store, err := b.Open()
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}

	if err := store.Run(func(tx *librarius.Transaction) error {
		root, err := typed.WriteTyped[switcharooRoot](tx, tx.Root())
		if err != nil {
			return err
		}
		for i := range root.Slots {
			p, err := typed.AllocTyped(tx, func(v *boolPair) { *v = boolPair{} })
			if err != nil {
				return err
			}
			root.Slots[i] = p
		}
		return nil
	}); err != nil {
		t.Fatalf("seeding slots failed: %v", err)
	}
	return store
}

// TestSwitcharooAtomicFlip covers the "Switcharoo" scenario: the root
// holds switcharooSlots pointers to boolean pairs, and switcharooSlots
// concurrent goroutines each try to flip ALL of them from their seeded
// (false,false) targets to freshly allocated (true,true) ones in a
// single transaction. A concurrent read-only observer must never see a
// root with some slots flipped and others not.
func TestSwitcharooAtomicFlip(t *testing.T) {
	store := newSwitcharooStore(t)
	defer store.Close()

	var original [switcharooSlots]librarius.UntypedPointer
	if err := store.RunOnce(func(tx *librarius.Transaction) error {
		root, err := typed.ReadTyped[switcharooRoot](tx, tx.Root())
		if err != nil {
			return err
		}
		for i, p := range root.Slots {
			original[i] = p.Raw
		}
		return nil
	}); err != nil {
		t.Fatalf("baseline read failed: %v", err)
	}

	done := make(chan struct{})
	torn := make(chan string, 1)
	var observerWg sync.WaitGroup
	observerWg.Add(1)
	go func() {
		defer observerWg.Done()
		for {
			select {
			case <-done:
				return
			default:
			}
			_ = store.RunOnce(func(tx *librarius.Transaction) error {
				root, err := typed.ReadTyped[switcharooRoot](tx, tx.Root())
				if err != nil {
					return err
				}
				flipped := 0
				for i, p := range root.Slots {
					if p.Raw != original[i] {
						flipped++
					}
				}
				if flipped != 0 && flipped != switcharooSlots {
					select {
					case torn <- "observed a partially flipped root":
					default:
					}
				}
				return nil
			})
		}
	}()

	var wg sync.WaitGroup
	errs := make([]error, switcharooSlots)
	wg.Add(switcharooSlots)
	for i := 0; i < switcharooSlots; i++ {
		go func(i int) {
			defer wg.Done()
			errs[i] = store.Run(func(tx *librarius.Transaction) error {
				root, err := typed.WriteTyped[switcharooRoot](tx, tx.Root())
				if err != nil {
					return err
				}
				for j := range root.Slots {
					p, err := typed.AllocTyped(tx, func(v *boolPair) { *v = boolPair{A: true, B: true} })
					if err != nil {
						return err
					}
					root.Slots[j] = p
				}
				return nil
			})
		}(i)
	}
	wg.Wait()
	close(done)
	observerWg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Fatalf("flip %d failed: %v", i, err)
		}
	}
	select {
	case msg := <-torn:
		t.Fatal(msg)
	default:
	}

	if err := store.RunOnce(func(tx *librarius.Transaction) error {
		root, err := typed.ReadTyped[switcharooRoot](tx, tx.Root())
		if err != nil {
			return err
		}
		for i, p := range root.Slots {
			if p.Raw == original[i] {
				t.Errorf("slot %d was not flipped", i)
			}
		}
		return nil
	}); err != nil {
		t.Fatalf("final read failed: %v", err)
	}
}
