package shmarena

import (
	"context"
	"fmt"
	"sync"

	"github.com/cecampbell/shmarena/platform"
	"go.uber.org/zap"
)

// Arena is a process-local handle onto a shared-memory arena: a
// region of memory, backed by a file on disk, that multiple
// cooperating (and otherwise unrelated) processes can map and
// allocate from concurrently. All cross-process references into the
// arena are byte offsets from the start of the allocation region, not
// pointers, since two processes will generally have the mapping at
// different virtual addresses.
type Arena struct {
	plat    platform.Platform
	mapping platform.Mapping
	sems    platform.SemSet
	mem     []byte

	path     string
	maxLocks int
	region   offsetT // byte count of the allocation region, header excluded

	logger *zap.Logger

	// descMu/descs hold process-local human-readable labels for chunks,
	// keyed by Ptr. They are never written to the mapping: every
	// attached process keeps its own labels, the way usmemdesc's static
	// hash table lives in that process's heap rather than the arena.
	descMu sync.Mutex
	descs  map[Ptr]string
}

// Init attaches to the shared arena backed by path, creating it (per
// cfg) if it doesn't already exist, or joining it (inheriting the
// creator's size and lock count) if it does. Init corresponds to the
// combined create-or-join logic the original system exposes as a
// single entry point, since callers rarely know in advance which role
// they'll play.
func Init(cfg Config, path string) (*Arena, error) {
	return initWith(platform.New(), cfg, path)
}

func initWith(plat platform.Platform, cfg Config, path string) (*Arena, error) {
	exists, _, err := plat.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("shmarena: stat %s: %w", path, err)
	}
	if exists {
		return joinWith(plat, cfg, path)
	}
	return createWith(plat, cfg, path)
}

func createWith(plat platform.Platform, cfg Config, path string) (*Arena, error) {
	headerSize := headerRegionSize()
	region := offsetT(roundUp8i(cfg.payloadSize)) + wordSize
	total := headerSize + region

	fd, unlock, err := plat.CreateExclusive(path, int64(total), cfg.perm)
	if err != nil {
		return nil, fmt.Errorf("shmarena: create %s: %w", path, err)
	}
	defer plat.Close(fd)
	defer unlock()

	mapping, err := plat.Map(fd, int64(total))
	if err != nil {
		return nil, fmt.Errorf("shmarena: map %s: %w", path, err)
	}

	key, err := plat.IPCKey(path)
	if err != nil {
		mapping.Close()
		return nil, fmt.Errorf("shmarena: derive ipc key for %s: %w", path, err)
	}

	sems, err := acquireSemSet(plat, key, cfg.maxLocks+1, cfg.perm)
	if err != nil {
		mapping.Close()
		return nil, fmt.Errorf("shmarena: allocate semaphores for %s: %w", path, err)
	}

	vals := make([]uint16, cfg.maxLocks+1)
	for i := 0; i < cfg.maxLocks; i++ {
		vals[i] = semUnusedValue
	}
	vals[cfg.maxLocks] = 0 // arena-wide lock slot starts unlocked
	if err := sems.SetAll(vals); err != nil {
		sems.Destroy()
		mapping.Close()
		return nil, fmt.Errorf("shmarena: initialize semaphores for %s: %w", path, err)
	}

	mem := mapping.Bytes()
	h := header{mem: mem}
	h.setAttachHint(cfg.attachHint)
	h.setIPCKey(key)
	h.setLocksInUse(0)
	h.setTotalSize(int64(total))
	h.setMaxLocks(cfg.maxLocks)
	h.setInfoOffset(0)

	chunkSize := region - wordSize
	r := regionAt(mem, headerSize)
	firstChunk := offsetT(wordSize)
	r.setNextInBin(firstChunk, 0)
	r.setPrevInBin(firstChunk, 0)
	r.setSize(firstChunk, chunkSize)
	r.setFree(firstChunk)
	bin := binOf(chunkSize)
	h.setBinHead(bin, firstChunk)
	h.setBinTail(bin, firstChunk)

	logger := cfg.logger
	if logger == nil {
		logger = zap.NewNop()
	}
	logger.Info("arena created",
		zap.String("path", path),
		zap.Int64("total_size", int64(total)),
		zap.Int("max_locks", cfg.maxLocks))

	return &Arena{
		plat:     plat,
		mapping:  mapping,
		sems:     sems,
		mem:      mem,
		path:     path,
		maxLocks: cfg.maxLocks,
		region:   region,
		logger:   logger,
	}, nil
}

// acquireSemSet mirrors usinit's recovery path: if a semaphore set
// already exists for this key (left behind by a process that created
// the file's predecessor, crashed, and was cleaned up by something
// that removed the file but not the semaphores), destroy the stale set
// and retry once.
func acquireSemSet(plat platform.Platform, key int32, n int, perm uint32) (platform.SemSet, error) {
	sems, err := plat.SemCreateExclusive(key, n, perm)
	if err == nil {
		return sems, nil
	}

	stale, openErr := plat.SemOpenExisting(key, n)
	if openErr != nil {
		return nil, err
	}
	stale.Destroy()

	return plat.SemCreateExclusive(key, n, perm)
}

func joinWith(plat platform.Platform, cfg Config, path string) (*Arena, error) {
	fd, size, unlock, err := plat.OpenExisting(path)
	if err != nil {
		return nil, fmt.Errorf("shmarena: open %s: %w", path, err)
	}
	defer plat.Close(fd)
	defer unlock()

	mapping, err := plat.Map(fd, size)
	if err != nil {
		return nil, fmt.Errorf("shmarena: map %s: %w", path, err)
	}

	mem := mapping.Bytes()
	h := header{mem: mem}
	key := h.ipcKey()
	maxLocks := h.maxLocks()
	total := h.totalSize()

	sems, err := plat.SemOpenExisting(key, maxLocks+1)
	if err != nil {
		mapping.Close()
		return nil, fmt.Errorf("shmarena: attach semaphores for %s: %w", path, err)
	}

	logger := cfg.logger
	if logger == nil {
		logger = zap.NewNop()
	}
	logger.Info("arena joined",
		zap.String("path", path),
		zap.Int64("total_size", total),
		zap.Int("max_locks", maxLocks))

	return &Arena{
		plat:     plat,
		mapping:  mapping,
		sems:     sems,
		mem:      mem,
		path:     path,
		maxLocks: maxLocks,
		region:   offsetT(total) - headerRegionSize(),
		logger:   logger,
	}, nil
}

// FreeArena unmaps the arena and destroys its semaphore set. It does
// not remove the backing file, since other processes may still want
// to join it by path; call os.Remove explicitly once every attacher is
// known to be done, the same way the original leaves unlinking to the
// caller's discretion outside of usfreearena.
func FreeArena(a *Arena) error {
	var firstErr error
	if err := a.sems.Destroy(); err != nil {
		firstErr = err
	}
	if err := a.mapping.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

func (a *Arena) header() header { return header{mem: a.mem} }

func (a *Arena) regionView() region { return regionAt(a.mem, headerRegionSize()) }

func (a *Arena) memView() memView {
	return memView{h: a.header(), r: a.regionView(), size: a.region}
}

// withArenaLock runs fn while holding the arena-wide lock, which
// serializes every mutation of the shared header: its free-list bins
// and its info pointer.
func (a *Arena) withArenaLock(fn func() error) error {
	ctx := context.Background()
	if err := a.arenaLock(ctx); err != nil {
		return fmt.Errorf("shmarena: acquire arena lock: %w", err)
	}
	defer a.arenaUnlock()
	return fn()
}

func regionAt(mem []byte, start offsetT) region {
	return region{buf: mem[start:]}
}
