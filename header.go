package shmarena

import (
	"encoding/binary"
	"unsafe"
)

// byteOrder is the wire order used for every field inside the mapping.
// A fixed order means two attachers would agree on the layout even
// across architectures with different native endianness; the arena
// only targets Linux/amd64/arm64 in practice, but the fixed choice
// costs nothing and removes the ambiguity.
var byteOrder = binary.LittleEndian

// USMAXFREEBIN is the number of free-chunk bins: [0,155].
const USMAXFREEBIN = 156

// USMAXONESIZE is the last single-size bin; bins beyond it hold a range
// of sizes and are kept sorted ascending.
const USMAXONESIZE = 63

// MinChunkSize is the smallest chunk the allocator will ever hand out or
// keep on a free list: two leading/trailing size words plus next/prev
// offsets.
const MinChunkSize = 16

// semUnused marks a semaphore slot in the shared set as not backing any
// named lock: ((ushort)~0)>>1, the reference implementation's fallback
// when SEMVMX isn't defined.
const semUnused = 0x7fff

// wordSize is the width of a size/offset/link field in the header and in
// chunk headers: one machine word, matching the original's "unsigned
// long" usoffset.
const wordSize = 8

// offsetT is an intra-arena reference: a byte distance from the start of
// the allocation region. Zero is the sentinel "no chunk".
type offsetT uint64

// freeBinSize is the on-disk width of one bin descriptor: head+tail.
const freeBinSize = 2 * wordSize

// sharedHeaderLayout documents (and sizes) the fixed-layout prefix
// written at offset 0 of every mapping:
//
//	attachHint  uint64
//	ipcKey      int64
//	locksInUse  uint64
//	totalSize   uint64
//	maxLocks    uint64
//	infoOffset  offsetT
//	bins        [USMAXFREEBIN]freeBin   // head,tail pairs
//
// arenaBinOffset/arenaInfoOffset below are computed from this layout via
// unsafe.Offsetof on the matching Go struct so they can never drift from
// the field order actually used to read and write the mapping.
type sharedHeaderLayout struct {
	attachHint uint64
	ipcKey     int64
	locksInUse uint64
	totalSize  uint64
	maxLocks   uint64
	infoOffset uint64
	bins       [USMAXFREEBIN][2]uint64
}

const (
	offAttachHint = int(unsafe.Offsetof(sharedHeaderLayout{}.attachHint))
	offIPCKey     = int(unsafe.Offsetof(sharedHeaderLayout{}.ipcKey))
	offLocksInUse = int(unsafe.Offsetof(sharedHeaderLayout{}.locksInUse))
	offTotalSize  = int(unsafe.Offsetof(sharedHeaderLayout{}.totalSize))
	offMaxLocks   = int(unsafe.Offsetof(sharedHeaderLayout{}.maxLocks))

	// arenaInfoOffset and arenaBinOffset are the field offsets spec.md
	// §6 requires to be identical to the canonical layout.
	arenaInfoOffset = int(unsafe.Offsetof(sharedHeaderLayout{}.infoOffset))
	arenaBinOffset  = int(unsafe.Offsetof(sharedHeaderLayout{}.bins))

	sharedHeaderSize = int(unsafe.Sizeof(sharedHeaderLayout{}))
)

// headerRegionSize is the 8-byte-aligned size of the header prefix; the
// allocation region begins immediately after it.
func headerRegionSize() offsetT {
	return offsetT(roundUp8(uint64(sharedHeaderSize)))
}

func roundUp8(n uint64) uint64 {
	return (n + 7) &^ 7
}

// header is a typed view over the shared-header prefix of a mapping.
// All accessors read and write directly through to the mapping bytes:
// there is no separate in-process copy to keep synchronized, since
// every attacher must observe the same bytes.
type header struct {
	mem []byte
}

// setAttachHint is the only accessor for this field: the Go runtime
// already owns its process's address space, so no attacher here ever
// requests a fixed mapping address and nothing reads the hint back.
// It is still written on creation so the header's on-disk layout
// matches spec.md §3's bit-exact shared-header contract; see DESIGN.md
// for why a read side was never built.
func (h header) setAttachHint(v uintptr) { byteOrder.PutUint64(h.mem[offAttachHint:], uint64(v)) }

func (h header) ipcKey() int32    { return int32(byteOrder.Uint64(h.mem[offIPCKey:])) }
func (h header) setIPCKey(v int32) { byteOrder.PutUint64(h.mem[offIPCKey:], uint64(uint32(v))) }

func (h header) locksInUse() int      { return int(byteOrder.Uint64(h.mem[offLocksInUse:])) }
func (h header) setLocksInUse(v int) { byteOrder.PutUint64(h.mem[offLocksInUse:], uint64(v)) }

func (h header) totalSize() int64 { return int64(byteOrder.Uint64(h.mem[offTotalSize:])) }
func (h header) setTotalSize(v int64) {
	byteOrder.PutUint64(h.mem[offTotalSize:], uint64(v))
}

func (h header) maxLocks() int      { return int(byteOrder.Uint64(h.mem[offMaxLocks:])) }
func (h header) setMaxLocks(v int) { byteOrder.PutUint64(h.mem[offMaxLocks:], uint64(v)) }

func (h header) infoOffset() offsetT { return offsetT(byteOrder.Uint64(h.mem[arenaInfoOffset:])) }
func (h header) setInfoOffset(v offsetT) {
	byteOrder.PutUint64(h.mem[arenaInfoOffset:], uint64(v))
}

func (h header) binHead(bin int) offsetT {
	return offsetT(byteOrder.Uint64(h.mem[arenaBinOffset+bin*freeBinSize:]))
}

func (h header) binTail(bin int) offsetT {
	return offsetT(byteOrder.Uint64(h.mem[arenaBinOffset+bin*freeBinSize+wordSize:]))
}

func (h header) setBinHead(bin int, v offsetT) {
	byteOrder.PutUint64(h.mem[arenaBinOffset+bin*freeBinSize:], uint64(v))
}

func (h header) setBinTail(bin int, v offsetT) {
	byteOrder.PutUint64(h.mem[arenaBinOffset+bin*freeBinSize+wordSize:], uint64(v))
}

// --- chunk field access -----------------------------------------------
//
// In-use chunk: [size|status] [payload...] [size]
// Free chunk:   [size|status] [next] [prev] [unused...] [size]
//
// The status bit is the low bit of the leading size word (sizes are
// multiples of 8, so the bit is otherwise unused). The trailing size
// word duplicates the leading size and is the basis of sizecheck.

const statusFreeBit = uint64(0x1)

// region is a view over the allocation region (the mapping bytes minus
// the header prefix) addressed by chunk offsets.
type region struct {
	buf []byte
}

func (r region) u64(off offsetT) uint64 {
	return byteOrder.Uint64(r.buf[off:])
}

func (r region) setU64(off offsetT, v uint64) {
	byteOrder.PutUint64(r.buf[off:], v)
}

// sizeBgn returns the leading size/status word's size component (status
// bit masked off).
func (r region) sizeBgn(chunk offsetT) offsetT {
	return offsetT(r.u64(chunk) &^ statusFreeBit)
}

// sizeEnd returns the trailing size word for a chunk of the given
// leading size, or 0 if sz is 0 (mirrors getsizeend's guard).
func (r region) sizeEnd(chunk, sz offsetT) offsetT {
	if sz == 0 {
		return 0
	}
	return offsetT(r.u64(chunk + sz - wordSize))
}

func (r region) isFree(chunk offsetT) bool {
	return r.u64(chunk)&statusFreeBit == 1
}

func (r region) isInUse(chunk offsetT) bool {
	return !r.isFree(chunk)
}

func (r region) nextInBin(chunk offsetT) offsetT {
	return offsetT(r.u64(chunk + wordSize))
}

func (r region) prevInBin(chunk offsetT) offsetT {
	return offsetT(r.u64(chunk + 2*wordSize))
}

func (r region) setNextInBin(chunk, nxt offsetT) {
	r.setU64(chunk+wordSize, uint64(nxt))
}

func (r region) setPrevInBin(chunk, prv offsetT) {
	r.setU64(chunk+2*wordSize, uint64(prv))
}

// setSize writes both the leading and trailing size words for a chunk,
// preserving whatever status bit is currently set on the leading word.
func (r region) setSize(chunk, sz offsetT) {
	status := r.u64(chunk) & statusFreeBit
	r.setU64(chunk, uint64(sz)|status)
	r.setU64(chunk+sz-wordSize, uint64(sz))
}

func (r region) setFree(chunk offsetT) {
	r.setU64(chunk, r.u64(chunk)|statusFreeBit)
}

func (r region) setInUse(chunk offsetT) {
	r.setU64(chunk, r.u64(chunk)&^statusFreeBit)
}

// ptr2chunk converts a payload offset (as returned to a caller) back to
// its owning chunk's offset: the chunk header is one word before the
// payload.
func ptr2chunk(payload offsetT) offsetT {
	return payload - wordSize
}

// chunk2ptr converts a chunk offset to the payload offset handed to
// callers.
func chunk2ptr(chunk offsetT) offsetT {
	return chunk + wordSize
}
