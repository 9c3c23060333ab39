// Package typed is a thin generic overlay on top of librarius: it
// reinterprets object bodies as fixed-layout Go values instead of raw
// byte slices, the way the original implementation's typed.rs wraps
// UntypedPointer in a PhantomData-carrying newtype. Go has no
// std::mem::transmute, so the overlay is done with unsafe.Pointer over a
// []byte the core already guarantees is live, aligned, and exclusively
// owned for the duration of the call.
package typed

import (
	"unsafe"

	"github.com/pbalcer/librarius"
)

// PersistentPointer is a typed handle over a raw UntypedPointer: the
// pointee's shape is carried in the type parameter rather than tracked
// by the caller, mirroring Persistent/PersistentPointer<T> in the
// original source.
type PersistentPointer[T any] struct {
	Raw librarius.UntypedPointer
}

// None returns the zero PersistentPointer, the typed counterpart of
// PersistentPointer::new_none().
func None[T any]() PersistentPointer[T] {
	return PersistentPointer[T]{Raw: librarius.NewNonePointer()}
}

func (p PersistentPointer[T]) IsNone() bool { return p.Raw.IsNone() }

// sizeOf reports T's ObjectSize as pure data: a Persistent type in this
// package carries no separate outgoing-pointer prefix of its own (unlike
// the core's ObjectSize.Pointers, which VersionedReader.flush walks).
// Types that embed PersistentPointer fields and need those walked by
// flush should lay out the store's own ObjectSize by hand instead of
// going through AllocTyped.
func sizeOf[T any]() librarius.ObjectSize {
	var zero T
	return librarius.ObjectSize{Data: uint32(unsafe.Sizeof(zero))}
}

func overlay[T any](data []byte) *T {
	return (*T)(unsafe.Pointer(&data[0]))
}

// Root returns the store's root slot as a PointerRef, the Go analogue of
// TypedTransaction::root_typed. T names the root's type at the call site
// and is not otherwise used.
func Root[T any](tx *librarius.Transaction) librarius.PointerRef {
	return tx.Root()
}

// CreateWith installs T as the root object's shape, the counterpart of
// TypedLibrariusBuilder::create_with_typed.
func CreateWith[T any](b *librarius.Builder, init func(*T)) *librarius.Builder {
	size := sizeOf[T]()
	return b.CreateWith(size.Pointers, size.Data, func(data []byte) {
		v := overlay[T](data)
		if init != nil {
			init(v)
		}
	})
}

// ReadTyped overlays ref's current body as *T without joining the read
// set (TypedTransaction::read_typed).
func ReadTyped[T any](tx *librarius.Transaction, ref librarius.PointerRef) (*T, error) {
	data, err := tx.Read(ref, sizeOf[T]())
	if err != nil {
		return nil, err
	}
	return overlay[T](data), nil
}

// WriteTyped copies ref's current body into a fresh version and returns
// the new body overlaid as *T for in-place mutation
// (TypedTransaction::write_typed).
func WriteTyped[T any](tx *librarius.Transaction, ref librarius.PointerRef) (*T, error) {
	data, err := tx.Write(ref, sizeOf[T]())
	if err != nil {
		return nil, err
	}
	return overlay[T](data), nil
}

// AllocTyped allocates a fresh T-shaped object, runs init over its body,
// and returns a PersistentPointer the caller stores into some field or
// slot of its own (TypedTransaction::alloc_typed).
func AllocTyped[T any](tx *librarius.Transaction, init func(*T)) (PersistentPointer[T], error) {
	raw, data, err := tx.Alloc(sizeOf[T]())
	if err != nil {
		return PersistentPointer[T]{}, err
	}
	v := overlay[T](data)
	if init != nil {
		init(v)
	}
	return PersistentPointer[T]{Raw: raw}, nil
}

// Deserialize reinterprets a byte slice returned by the untyped
// Transaction.Read/Write as *T, the Go counterpart of the free function
// typed::deserialize.
func Deserialize[T any](data []byte) *T { return overlay[T](data) }

// Serialize reinterprets *T as its backing bytes, the counterpart of
// typed::serialize — mainly useful for AllocTyped callers that need to
// hand the raw bytes to something else (e.g. a checksum) before commit.
func Serialize[T any](v *T) []byte {
	return unsafe.Slice((*byte)(unsafe.Pointer(v)), unsafe.Sizeof(*v))
}
