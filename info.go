package shmarena

// PutInfo stores p as the arena's single shared "info pointer": a
// well-known slot any attacher can read to bootstrap discovery of
// whatever root structure a cooperating set of processes has agreed
// to keep in the arena (a named-lock table, a ring buffer header, a
// process-count, ...). Passing NullPtr clears it.
func (a *Arena) PutInfo(p Ptr) error {
	return a.withArenaLock(func() error {
		a.header().setInfoOffset(p)
		return nil
	})
}

// GetInfo returns the arena's current info pointer. Unlike the
// original usgetinfo, which could return a stale per-process cached
// value even after rereading the shared slot, GetInfo always returns
// what is in the mapping at the moment of the call: a per-process
// cache here would let one process observe a PutInfo from another
// only after its own next write, which defeats the slot's purpose as
// a cross-process rendezvous point.
func (a *Arena) GetInfo() Ptr {
	var p Ptr
	a.withArenaLock(func() error {
		p = a.header().infoOffset()
		return nil
	})
	return p
}

// CASInfo atomically compares the current info pointer against old
// and, if they match, replaces it with new, returning the value that
// was actually present (which equals old on success). Use this to
// race multiple processes over, e.g., "am I the first to set up the
// root structure" without a separate lock: the loser sees the
// winner's value and can attach to it instead.
func (a *Arena) CASInfo(old, new Ptr) (actual Ptr, swapped bool) {
	a.withArenaLock(func() error {
		actual = a.header().infoOffset()
		if actual == old {
			a.header().setInfoOffset(new)
			swapped = true
		}
		return nil
	})
	return actual, swapped
}
