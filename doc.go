// Package shmarena implements a segregated free-list allocator over a
// POSIX shared-memory region, usable concurrently by multiple
// unrelated OS processes.
//
// # Overview
//
// An arena is a fixed-size region of memory backed by a file, mapped
// with mmap by every process that attaches to it. Processes allocate
// and free chunks from the region independently; a SysV semaphore set
// serializes the shared free-list bookkeeping so concurrent attachers
// never corrupt each other's view of it. This is useful for:
//
//   - Producer/consumer pipelines that need to hand off large buffers
//     without a copy through a socket or pipe
//   - Multi-process caches and work queues sharing one allocation pool
//   - Any system wanting malloc-style allocation outside the heap of a
//     single process
//
// # Basic Usage
//
//	a, err := shmarena.Init(shmarena.NewConfig(), "/tmp/myarena")
//	if err != nil { ... }
//	defer shmarena.FreeArena(a)
//
//	p, err := a.Malloc(1024)
//	if err != nil { ... }
//	buf := a.Bytes(p, 1024)
//
//	ptr, v, err := shmarena.New[MyStruct](a)
//
//	a.Free(p)
//
// A second process calling Init with the same path joins the arena
// created by the first, inheriting its size and lock count instead of
// creating a new one.
//
// # Cross-Process References
//
// Every allocation is identified by a Ptr: a byte offset from the
// start of the region, not a Go pointer. Offsets mean the same thing
// in every process that has the arena mapped, regardless of where the
// mapping lands in each process's address space. Share Ptrs between
// processes (over a pipe, a second shared slot, whatever) to hand off
// data without copying it.
//
// # Named Locks
//
// Beyond the arena-wide lock that protects the free list, the arena
// exposes a fixed pool of independently acquirable named locks
// (NewLock, LockAt) for callers to coordinate access to their own
// structures inside the region.
//
// # Info Pointer
//
// The arena reserves a single shared "info" slot (PutInfo, GetInfo,
// CASInfo) that attachers can use to rendezvous on a root structure:
// the first process to allocate one CASes its Ptr into the slot, and
// every later attacher reads it back out.
//
// # Corruption Detection
//
// Every chunk carries matching leading and trailing size words. A
// mismatch, however it was caused, is treated as the shared region
// being no longer trustworthy for any attached process: the detecting
// process raises SIGBUS on itself rather than limping on.
//
// # Diagnostics
//
// MemUse walks the arena's bins and/or its full chunk chain and
// returns a Report; Metrics summarizes it alongside lock occupancy.
package shmarena
