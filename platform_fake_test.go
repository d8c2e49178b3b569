package shmarena

import (
	"context"
	"fmt"
	"sync"

	"github.com/cecampbell/shmarena/platform"
)

// fakePlatform is an in-memory stand-in for the Linux platform, used so
// unit tests can drive Init/join/lock logic without real mmap or SysV
// IPC. Several Arena handles built against the same fakePlatform and
// the same path share the exact backing []byte, the way MAP_SHARED
// attachers of the same file would; this lets a single test process
// exercise the multi-attacher protocol with goroutines standing in for
// separate OS processes, per SPEC_FULL.md's ambient-stack note on test
// tooling.
type fakePlatform struct {
	mu      sync.Mutex
	files   map[string]*fakeFile
	fds     map[int]*fakeFile
	sems    map[int32]*fakeSem
	nextFD  int
	nextKey int32
}

func newFakePlatform() *fakePlatform {
	return &fakePlatform{
		files: make(map[string]*fakeFile),
		fds:   make(map[int]*fakeFile),
		sems:  make(map[int32]*fakeSem),
	}
}

type fakeFile struct {
	lockMu sync.Mutex
	data   []byte
}

func (p *fakePlatform) Stat(path string) (bool, int64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	f, ok := p.files[path]
	if !ok {
		return false, 0, nil
	}
	return true, int64(len(f.data)), nil
}

func (p *fakePlatform) CreateExclusive(path string, size int64, perm uint32) (int, func() error, error) {
	p.mu.Lock()
	if _, exists := p.files[path]; exists {
		p.mu.Unlock()
		return -1, nil, fmt.Errorf("fakeplatform: %s already exists", path)
	}
	f := &fakeFile{data: make([]byte, size)}
	p.files[path] = f
	fd := p.registerFD(f)
	p.mu.Unlock()

	f.lockMu.Lock()
	unlock := func() error { f.lockMu.Unlock(); return nil }
	return fd, unlock, nil
}

func (p *fakePlatform) OpenExisting(path string) (int, int64, func() error, error) {
	p.mu.Lock()
	f, ok := p.files[path]
	var fd int
	if ok {
		fd = p.registerFD(f)
	}
	p.mu.Unlock()
	if !ok {
		return -1, 0, nil, fmt.Errorf("fakeplatform: %s does not exist", path)
	}
	f.lockMu.Lock()
	unlock := func() error { f.lockMu.Unlock(); return nil }
	return fd, int64(len(f.data)), unlock, nil
}

// registerFD must be called with p.mu held.
func (p *fakePlatform) registerFD(f *fakeFile) int {
	p.nextFD++
	fd := p.nextFD
	p.fds[fd] = f
	return fd
}

func (p *fakePlatform) Map(fd int, size int64) (platform.Mapping, error) {
	p.mu.Lock()
	f, ok := p.fds[fd]
	p.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("fakeplatform: fd %d not open", fd)
	}
	if int64(len(f.data)) < size {
		return nil, fmt.Errorf("fakeplatform: fd %d too small for requested mapping", fd)
	}
	return &fakeMapping{data: f.data[:size]}, nil
}

func (p *fakePlatform) Close(fd int) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.fds, fd)
	return nil
}

func (p *fakePlatform) IPCKey(path string) (int32, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.nextKey++
	return p.nextKey, nil
}

func (p *fakePlatform) SemCreateExclusive(key int32, n int, perm uint32) (platform.SemSet, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, exists := p.sems[key]; exists {
		return nil, fmt.Errorf("fakeplatform: semaphore set %d already exists", key)
	}
	s := newFakeSem(n)
	p.sems[key] = s
	return s, nil
}

func (p *fakePlatform) SemOpenExisting(key int32, n int) (platform.SemSet, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	s, ok := p.sems[key]
	if !ok || s.isDestroyed() {
		return nil, fmt.Errorf("fakeplatform: semaphore set %d does not exist", key)
	}
	return s, nil
}

type fakeMapping struct {
	data []byte
}

func (m *fakeMapping) Bytes() []byte { return m.data }
func (m *fakeMapping) Sync() error   { return nil }
func (m *fakeMapping) Close() error  { return nil }

// fakeSem emulates a SysV semaphore set's GETALL/SETALL/GETVAL/SETVAL
// and a wait-for-zero semop entirely with a mutex and condition
// variable; enough to exercise every Lock/Arena code path without a
// real kernel IPC namespace.
type fakeSem struct {
	mu        sync.Mutex
	cond      *sync.Cond
	vals      []uint16
	destroyed bool
}

func newFakeSem(n int) *fakeSem {
	s := &fakeSem{vals: make([]uint16, n)}
	s.cond = sync.NewCond(&s.mu)
	return s
}

func (s *fakeSem) Count() int { return len(s.vals) }

func (s *fakeSem) GetAll() ([]uint16, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]uint16, len(s.vals))
	copy(out, s.vals)
	return out, nil
}

func (s *fakeSem) SetAll(values []uint16) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(values) != len(s.vals) {
		return fmt.Errorf("fakeplatform: want %d values, got %d", len(s.vals), len(values))
	}
	copy(s.vals, values)
	s.cond.Broadcast()
	return nil
}

func (s *fakeSem) GetOne(num int) (uint16, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.vals[num], nil
}

func (s *fakeSem) SetOne(num int, value uint16) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.vals[num] = value
	s.cond.Broadcast()
	return nil
}

// WaitZero blocks until vals[num] reads zero (or nowait is set, or ctx
// is canceled), mirroring semop(sem_num=num, sem_op=0, SEM_UNDO).
func (s *fakeSem) WaitZero(ctx context.Context, num int, nowait bool) (platform.WaitResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.vals[num] == 0 {
		return platform.WaitOK, nil
	}
	if nowait {
		return platform.WaitWouldBlock, nil
	}

	done := ctx.Done()
	if done == nil {
		for s.vals[num] != 0 {
			s.cond.Wait()
		}
		return platform.WaitOK, nil
	}

	// ctx carries a deadline/cancellation: wake the waiter once by
	// watching ctx in a helper goroutine, since sync.Cond has no
	// native support for external cancellation.
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-done:
			s.mu.Lock()
			s.cond.Broadcast()
			s.mu.Unlock()
		case <-stop:
		}
	}()

	for s.vals[num] != 0 {
		if ctx.Err() != nil {
			return platform.WaitInterrupted, ctx.Err()
		}
		s.cond.Wait()
	}
	return platform.WaitOK, nil
}

func (s *fakeSem) Destroy() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.destroyed = true
	s.cond.Broadcast()
	return nil
}

func (s *fakeSem) isDestroyed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.destroyed
}
