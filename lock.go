package shmarena

import (
	"context"
	"errors"
	"fmt"

	"github.com/cecampbell/shmarena/platform"
)

// ErrNoFreeLocks is returned by NewLock when every semaphore slot in
// the arena's lock set is already in use.
var ErrNoFreeLocks = errors.New("shmarena: no free lock slots in arena")

// ErrInvalidHandle is returned by LockAt and LockFromRecord when the
// slot number is outside the arena's named-lock range [0, maxLocks).
var ErrInvalidHandle = errors.New("shmarena: invalid handle")

// ErrContention is returned by a blocking lock call that exhausted
// eagainMax retries against EAGAIN without the semaphore ever reading
// zero; spec.md §7 treats this as a failure, not a silent success.
var ErrContention = errors.New("shmarena: lock contention exceeded retry bound")

// semUnusedValue marks a semaphore slot as not currently backing any
// named lock.
const semUnusedValue = uint16(semUnused)

// lockRecord is the in-arena record backing a named lock: spec.md §3
// describes a named lock's identity as "a small in-arena record
// {slot_index, semaphore_set_id, max_slots}", allocated the same way
// any other payload is, and spec.md §4.D's new_lock contract lists
// allocating this record as an explicit step before claiming a
// semaphore slot. This arena has exactly one semaphore set, so
// SemSetID is always 0; it is carried anyway so the record's shape
// matches the original's USLock_str field-for-field.
type lockRecord struct {
	SlotIndex int32
	SemSetID  int32
	MaxSlots  int32
}

// Lock is a named, process-shareable mutual-exclusion primitive backed
// by one semaphore in the arena's SysV set and one in-arena
// lockRecord. Any process attached to the arena can acquire a Lock
// obtained by another process, as long as it knows which slot it
// occupies — either handed the bare slot number directly (LockAt) or
// the Ptr to its lockRecord (LockFromRecord, e.g. discovered through
// the info pointer).
type Lock struct {
	arena  *Arena
	slot   int
	record Ptr
}

// Slot returns the semaphore index backing l, suitable for handing to
// another process so it can attach to the same lock via LockAt.
func (l *Lock) Slot() int { return l.slot }

// Record returns the Ptr to l's in-arena lockRecord, or NullPtr if l
// was obtained via LockAt and never resolved one. Share this instead
// of Slot when another process should discover the lock through the
// arena itself rather than an out-of-band integer.
func (l *Lock) Record() Ptr { return l.record }

// NewLock allocates an unused semaphore slot from a's lock set,
// allocates and fills the in-arena lockRecord describing it, and
// returns a Lock bound to both, initialized to the unlocked (zero)
// state. Mirrors usnewlock's scan for a US_SEMUNUSED slot followed by
// its allocation of the lock's own record.
func (a *Arena) NewLock() (*Lock, error) {
	vals, err := a.sems.GetAll()
	if err != nil {
		return nil, fmt.Errorf("shmarena: list lock slots: %w", err)
	}
	slot := -1
	for i := 0; i < a.maxLocks; i++ {
		if vals[i] == semUnusedValue {
			slot = i
			break
		}
	}
	if slot < 0 {
		return nil, ErrNoFreeLocks
	}

	p, rec, err := New[lockRecord](a)
	if err != nil {
		return nil, fmt.Errorf("shmarena: allocate lock record: %w", err)
	}
	rec.SlotIndex = int32(slot)
	rec.MaxSlots = int32(a.maxLocks)

	if err := a.sems.SetOne(slot, 0); err != nil {
		a.Free(p)
		return nil, fmt.Errorf("shmarena: claim lock slot %d: %w", slot, err)
	}
	return &Lock{arena: a, slot: slot, record: p}, nil
}

// LockAt attaches to a named lock at a semaphore slot previously
// returned by Slot, without claiming or initializing it. Use this in a
// second process that learned the bare slot number from the first
// (e.g. embedded in the caller's own shared structure rather than
// discovered via lockRecord).
func (a *Arena) LockAt(slot int) (*Lock, error) {
	if slot < 0 || slot >= a.maxLocks {
		return nil, ErrInvalidHandle
	}
	return &Lock{arena: a, slot: slot}, nil
}

// LockFromRecord resolves a lock from p, a Ptr to another process's
// lockRecord, the way a second attacher that only knows an offset —
// not a bare slot integer — discovers which semaphore the lock
// operates on.
func LockFromRecord(a *Arena, p Ptr) (*Lock, error) {
	rec := At[lockRecord](a, p)
	slot := int(rec.SlotIndex)
	if slot < 0 || slot >= a.maxLocks {
		return nil, ErrInvalidHandle
	}
	return &Lock{arena: a, slot: slot, record: p}, nil
}

// FreeLock releases l's semaphore slot back to the unused pool so a
// future NewLock call can claim it, and frees its in-arena lockRecord
// if this handle has one. It does not wake or otherwise disturb any
// process currently blocked on the semaphore.
func (l *Lock) FreeLock() error {
	if err := l.arena.sems.SetOne(l.slot, semUnusedValue); err != nil {
		return err
	}
	if l.record == NullPtr {
		return nil
	}
	return l.arena.Free(l.record)
}

// SetLock blocks until the lock is acquired, the way ussetlock does:
// wait for the semaphore to read zero, with SEM_UNDO so the lock is
// released automatically if this process dies while holding it.
func (l *Lock) SetLock(ctx context.Context) error {
	res, err := l.arena.sems.WaitZero(ctx, l.slot, false)
	if err != nil {
		return err
	}
	if res != platform.WaitOK {
		return ErrContention
	}
	return nil
}

// CSetLock attempts to acquire the lock without blocking when spins is
// nonzero, mirroring uscsetlock's spins>0 meaning "don't block". It
// reports whether the lock was acquired. spins==0 blocks exactly like
// SetLock.
func (l *Lock) CSetLock(ctx context.Context, spins uint) (bool, error) {
	res, err := l.arena.sems.WaitZero(ctx, l.slot, spins > 0)
	if err != nil {
		return false, err
	}
	return res == platform.WaitOK, nil
}

// WSetLock is the original's "weak" or spin variant of SetLock,
// documented in the source as behaving identically to SetLock on a
// single-processor Linux box; kept as a distinct name since callers in
// the original API distinguish the two.
func (l *Lock) WSetLock(ctx context.Context, spins uint) error {
	return l.SetLock(ctx)
}

// UnsetLock releases the lock by setting its semaphore back to zero.
// This never blocks, even if the semaphore is already zero.
func (l *Lock) UnsetLock() error {
	return l.arena.sems.SetOne(l.slot, 0)
}

// TestLock returns the instantaneous value of the lock's semaphore:
// zero means unlocked, nonzero means some number of waiters/holders.
// The value is a snapshot and may already be stale by the time the
// caller inspects it.
func (l *Lock) TestLock() (int, error) {
	v, err := l.arena.sems.GetOne(l.slot)
	if err != nil {
		return 0, err
	}
	return int(v), nil
}

// arenaLock acquires the arena-wide lock, which always occupies the
// final semaphore slot (index maxLocks), guarding the shared header:
// its free-list bins and info pointer.
func (a *Arena) arenaLock(ctx context.Context) error {
	res, err := a.sems.WaitZero(ctx, a.maxLocks, false)
	if err != nil {
		return err
	}
	if res != platform.WaitOK {
		return ErrContention
	}
	return nil
}

// arenaUnlock releases the arena-wide lock.
func (a *Arena) arenaUnlock() error {
	return a.sems.SetOne(a.maxLocks, 0)
}
