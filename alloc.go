package shmarena

import (
	"runtime"
	"syscall"
	"unsafe"

	"go.uber.org/zap"
)

// Ptr is a reference to an allocated chunk's payload: a byte offset
// from the start of the arena's allocation region. Unlike a Go
// pointer, a Ptr is meaningful across processes that have the same
// arena mapped, since it never depends on where the mapping landed in
// any one process's address space. NullPtr is never a valid
// allocation.
type Ptr = offsetT

// NullPtr is the zero value of Ptr: no chunk.
const NullPtr Ptr = 0

// chunkOverhead is the bytes consumed by an in-use chunk's leading and
// trailing size words, on top of whatever the caller asked for.
const chunkOverhead = 2 * wordSize

func (a *Arena) onCorrupt(chunk offsetT) func(offsetT) {
	return func(offsetT) {
		lead := a.regionView().u64(chunk)
		tail := uint64(0)
		if lead&^statusFreeBit != 0 {
			tail = a.regionView().u64(chunk + offsetT(lead&^statusFreeBit) - wordSize)
		}
		a.logger.Error("shared memory corruption detected",
			zap.Uint64("chunk", uint64(chunk)),
			zap.Uint64("sz", lead&^statusFreeBit),
			zap.Uint64("endsz", tail),
			zap.String("desc", a.describe(chunk2ptr(chunk))),
		)
		// A size mismatch means the allocator's own bookkeeping can no
		// longer be trusted for any process sharing this arena; raise
		// SIGBUS the way the original does so a supervisor sees a hard
		// failure instead of a caller silently limping on with a
		// corrupted free list.
		syscall.Kill(syscall.Getpid(), syscall.SIGBUS)
	}
}

// Malloc reserves at least size bytes inside the arena and returns a
// Ptr to the payload, or ErrNoFit if no free chunk is large enough.
func (a *Arena) Malloc(size int64) (Ptr, error) {
	if size < 0 {
		return NullPtr, ErrNoFit
	}
	need := offsetT(size) + chunkOverhead

	var chunk offsetT
	err := a.withArenaLock(func() error {
		chunk = a.memView().findChunk(need)
		return nil
	})
	if err != nil {
		return NullPtr, err
	}
	if chunk == 0 {
		return NullPtr, ErrNoFit
	}
	return chunk2ptr(chunk), nil
}

// Calloc behaves like Malloc but zero-fills the returned payload, the
// way C's calloc does for nelem*elsize bytes.
func (a *Arena) Calloc(nelem, elsize int64) (Ptr, error) {
	total := nelem * elsize
	p, err := a.Malloc(total)
	if err != nil {
		return NullPtr, err
	}
	clear(a.Bytes(p, total))
	return p, nil
}

// Free releases a previously allocated Ptr back to the arena. Freeing
// NullPtr or an already-free chunk is a silent no-op, matching the
// original's tolerance for redundant frees; it never panics.
func (a *Arena) Free(p Ptr) error {
	if p == NullPtr {
		return nil
	}
	return a.withArenaLock(func() error {
		mv := a.memView()
		chunk := ptr2chunk(p)
		sz := mv.sizeCheck(chunk, a.onCorrupt(chunk))
		if sz == 0 {
			return &Corruption{Ptr: p}
		}
		if mv.r.isFree(chunk) {
			return nil
		}
		mv.r.setFree(chunk)
		mv.mergeFreeChunk(chunk)
		return nil
	})
}

// Realloc resizes the allocation at p to size bytes, preserving the
// lesser of the old and new sizes worth of content, and returns a Ptr
// to the (possibly relocated) payload. A nil old Ptr behaves like
// Malloc; a new size of zero behaves like Free and returns NullPtr.
func (a *Arena) Realloc(p Ptr, size int64) (Ptr, error) {
	if p == NullPtr {
		return a.Malloc(size)
	}
	if size == 0 {
		return NullPtr, a.Free(p)
	}

	oldChunk := ptr2chunk(p)
	var oldSize offsetT
	var corrupt error
	if err := a.withArenaLock(func() error {
		oldSize = a.memView().sizeCheck(oldChunk, a.onCorrupt(oldChunk))
		if oldSize == 0 {
			corrupt = &Corruption{Ptr: p}
		}
		return nil
	}); err != nil {
		return NullPtr, err
	}
	if corrupt != nil {
		return NullPtr, corrupt
	}

	newPtr, err := a.Malloc(size)
	if err != nil {
		return NullPtr, err
	}

	copyQty := int64(oldSize) - chunkOverhead
	if size < copyQty {
		copyQty = size
	}
	copy(a.Bytes(newPtr, copyQty), a.Bytes(p, copyQty))
	if err := a.Free(p); err != nil {
		return NullPtr, err
	}
	return newPtr, nil
}

// Recalloc merges Realloc and Calloc: it resizes the allocation at p
// to hold nel*elsize bytes, copies over the lesser of the old and new
// sizes, and zero-fills whatever new tail the growth added. A zero
// nel or elsize behaves like Free.
func (a *Arena) Recalloc(p Ptr, nel, elsize int64) (Ptr, error) {
	if nel == 0 || elsize == 0 {
		return NullPtr, a.Free(p)
	}
	newSize := nel * elsize

	oldChunk := ptr2chunk(p)
	var oldSize offsetT
	var corrupt error
	if err := a.withArenaLock(func() error {
		oldSize = a.memView().sizeCheck(oldChunk, a.onCorrupt(oldChunk))
		if oldSize == 0 {
			corrupt = &Corruption{Ptr: p}
		}
		return nil
	}); err != nil {
		return NullPtr, err
	}
	if corrupt != nil {
		return NullPtr, corrupt
	}

	newPtr, err := a.Malloc(newSize)
	if err != nil {
		return NullPtr, err
	}

	oldUsable := int64(oldSize) - chunkOverhead
	dst := a.Bytes(newPtr, newSize)
	if newSize < oldUsable {
		copy(dst, a.Bytes(p, newSize))
	} else {
		copy(dst, a.Bytes(p, oldUsable))
		clear(dst[oldUsable:])
	}
	if err := a.Free(p); err != nil {
		return NullPtr, err
	}
	return newPtr, nil
}

// Bytes returns a process-local slice over n bytes of payload starting
// at p. The slice aliases the arena's mapping directly: writes are
// visible to every other process with the arena mapped, and the slice
// is only valid for as long as the arena stays mapped in this process.
func (a *Arena) Bytes(p Ptr, n int64) []byte {
	if n <= 0 {
		return nil
	}
	return a.mem[p : p+offsetT(n)]
}

// New allocates room for one T inside the arena, zero-fills it, and
// returns both its cross-process Ptr and a process-local typed pointer
// into the mapping. The typed pointer must not outlive the arena's
// mapping in this process; share the Ptr with other processes instead.
func New[T any](a *Arena) (Ptr, *T, error) {
	var zero T
	size := int64(unsafe.Sizeof(zero))
	p, err := a.Malloc(size)
	if err != nil {
		return NullPtr, nil, err
	}
	b := a.Bytes(p, size)
	clear(b)
	return p, (*T)(unsafe.Pointer(&b[0])), nil
}

// NewSlice allocates room for n contiguous Ts inside the arena,
// zero-fills them, and returns both the slice's Ptr and a process-local
// typed slice over the same bytes.
func NewSlice[T any](a *Arena, n int) (Ptr, []T, error) {
	var zero T
	elemSize := int64(unsafe.Sizeof(zero))
	p, err := a.Malloc(elemSize * int64(n))
	if err != nil {
		return NullPtr, nil, err
	}
	b := a.Bytes(p, elemSize*int64(n))
	clear(b)
	return p, unsafe.Slice((*T)(unsafe.Pointer(&b[0])), n), nil
}

// KeepAlive calls runtime.KeepAlive on a, keeping the *Arena handle
// reachable up to this call. Arena sets no finalizer: its mapping is
// released only by FreeArena.
func KeepAlive(a *Arena) {
	runtime.KeepAlive(a)
}

// At reinterprets an existing allocation as a *T, the way New does for
// a fresh one. Use it to resolve a Ptr handed to this process by
// another attacher (over the info pointer, a named lock's Record, or any
// other side channel) back into a typed view of the same bytes.
// The caller is responsible for p actually having been allocated with
// room for a T; At does no size check of its own.
func At[T any](a *Arena, p Ptr) *T {
	var zero T
	size := int64(unsafe.Sizeof(zero))
	b := a.Bytes(p, size)
	return (*T)(unsafe.Pointer(&b[0]))
}
