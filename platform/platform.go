// Package platform isolates the POSIX primitives the arena needs to turn
// a filesystem path into shared memory two unrelated processes can map
// at the same time: file creation with O_EXCL race semantics, advisory
// locking, mmap, and a SysV semaphore set used for the arena's own
// named locks.
//
// Everything above this package speaks in terms of Arena, Lock, and
// byte offsets; everything in it speaks in terms of file descriptors,
// keys, and semaphore numbers.
package platform

import "context"

// WaitResult reports how a semaphore wait-until-zero completed.
type WaitResult int

const (
	WaitOK WaitResult = iota
	WaitWouldBlock
	WaitInterrupted
)

// SemSet is a handle to an opened or created SysV semaphore set backing
// an arena's locks. Semaphore numbers run [0,n); callers assign meaning
// to them (named-lock slots, the arena-wide lock slot).
type SemSet interface {
	// Count returns how many semaphores the set holds.
	Count() int

	// GetAll reads every semaphore's current value.
	GetAll() ([]uint16, error)

	// SetAll writes every semaphore's value in one atomic operation.
	SetAll(values []uint16) error

	// GetOne reads one semaphore's current value.
	GetOne(num int) (uint16, error)

	// SetOne writes one semaphore's value without blocking.
	SetOne(num int, value uint16) error

	// WaitZero blocks (subject to ctx) until semaphore num reaches
	// zero, applying SEM_UNDO so process death releases the wait. If
	// nowait is true, it returns WaitWouldBlock instead of blocking
	// when the semaphore is not already zero.
	WaitZero(ctx context.Context, num int, nowait bool) (WaitResult, error)

	// Destroy removes the semaphore set from the system. Safe to call
	// from whichever process created the set; other attachers should
	// not call it while still in use.
	Destroy() error
}

// Mapping is a live mmap of an arena's backing file.
type Mapping interface {
	// Bytes exposes the mapped region. The slice is valid until Close.
	Bytes() []byte

	// Sync flushes dirty pages (msync) without unmapping.
	Sync() error

	// Close unmaps the region.
	Close() error
}

// OpenResult names the two ways of attaching to a backing file:
// creating a new one or joining an existing one. No method of Platform
// returns it; the arena decides between CreateExclusive and
// OpenExisting from Stat.
type OpenResult int

const (
	Created OpenResult = iota
	Joined
)

// Platform is the full set of OS operations the arena lifecycle needs.
// The Linux implementation backs it with golang.org/x/sys/unix; tests
// substitute an in-memory fake so the allocator and lock logic can be
// exercised without real SysV IPC.
type Platform interface {
	// Stat reports whether path already exists, without opening it.
	Stat(path string) (exists bool, size int64, err error)

	// CreateExclusive creates path with O_EXCL, truncates it to size,
	// and returns an exclusive advisory lock already held on it. The
	// caller must call Unlock when done initializing.
	CreateExclusive(path string, size int64, perm uint32) (fd int, unlock func() error, err error)

	// OpenExisting opens an existing path for read/write and returns an
	// exclusive advisory lock already held on it.
	OpenExisting(path string) (fd int, size int64, unlock func() error, err error)

	// Map maps fd's first size bytes read/write, shared.
	Map(fd int, size int64) (Mapping, error)

	// Close closes a raw file descriptor obtained from CreateExclusive/OpenExisting.
	Close(fd int) error

	// IPCKey derives a SysV IPC key from a filesystem path, the way
	// ftok does: the same path (and the same file) always yields the
	// same key, letting independent processes agree on which semaphore
	// set belongs to which arena file.
	IPCKey(path string) (int32, error)

	// SemCreateExclusive creates a new semaphore set of n semaphores
	// for key, failing if one already exists.
	SemCreateExclusive(key int32, n int, perm uint32) (SemSet, error)

	// SemOpenExisting attaches to an existing semaphore set for key.
	SemOpenExisting(key int32, n int) (SemSet, error)
}
