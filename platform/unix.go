//go:build linux

package platform

import (
	"context"
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"
)

// Linux vendors golang.org/x/sys/unix without the SysV semaphore
// wrappers (no Sembuf, no GETALL/SETALL/SEM_UNDO), the same way the
// original C source pulls these out of <sys/sem.h> for itself. The
// constants below are the standard Linux IPC ABI values; semBuf's
// field layout matches struct sembuf exactly so it can be handed to
// SYS_SEMOP via unsafe.Pointer.
const (
	ipcCreat  = 0o1000
	ipcExcl   = 0o2000
	ipcRMID   = 0
	ipcNOWAIT = 0o4000

	semUndo = 0o10000

	getAll = 13
	setAll = 14
	getVal = 12
	setVal = 16
)

type semBuf struct {
	num uint16
	op  int16
	flg int16
}

type linuxPlatform struct{}

// New returns the Linux platform implementation, backed by
// golang.org/x/sys/unix for file and mmap operations and raw
// SYS_SEMGET/SYS_SEMOP/SYS_SEMCTL syscalls for SysV semaphores.
func New() Platform { return linuxPlatform{} }

func (linuxPlatform) Stat(path string) (bool, int64, error) {
	var st unix.Stat_t
	if err := unix.Stat(path, &st); err != nil {
		if err == unix.ENOENT {
			return false, 0, nil
		}
		return false, 0, err
	}
	return true, st.Size, nil
}

func (linuxPlatform) CreateExclusive(path string, size int64, perm uint32) (int, func() error, error) {
	fd, err := unix.Open(path, unix.O_CREAT|unix.O_RDWR|unix.O_EXCL, perm)
	if err != nil {
		return -1, nil, fmt.Errorf("create %s: %w", path, err)
	}
	if err := unix.Flock(fd, unix.LOCK_EX); err != nil {
		unix.Close(fd)
		unix.Unlink(path)
		return -1, nil, fmt.Errorf("flock %s: %w", path, err)
	}
	if err := unix.Ftruncate(fd, size); err != nil {
		unix.Flock(fd, unix.LOCK_UN)
		unix.Close(fd)
		unix.Unlink(path)
		return -1, nil, fmt.Errorf("truncate %s: %w", path, err)
	}
	unlock := func() error { return unix.Flock(fd, unix.LOCK_UN) }
	return fd, unlock, nil
}

func (linuxPlatform) OpenExisting(path string) (int, int64, func() error, error) {
	fd, err := unix.Open(path, unix.O_RDWR, 0)
	if err != nil {
		return -1, 0, nil, fmt.Errorf("open %s: %w", path, err)
	}
	if err := unix.Flock(fd, unix.LOCK_EX); err != nil {
		unix.Close(fd)
		return -1, 0, nil, fmt.Errorf("flock %s: %w", path, err)
	}
	var st unix.Stat_t
	if err := unix.Fstat(fd, &st); err != nil {
		unix.Flock(fd, unix.LOCK_UN)
		unix.Close(fd)
		return -1, 0, nil, fmt.Errorf("fstat %s: %w", path, err)
	}
	unlock := func() error { return unix.Flock(fd, unix.LOCK_UN) }
	return fd, st.Size, unlock, nil
}

func (linuxPlatform) Map(fd int, size int64) (Mapping, error) {
	data, err := unix.Mmap(fd, 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("mmap: %w", err)
	}
	return &linuxMapping{data: data}, nil
}

func (linuxPlatform) Close(fd int) error {
	return unix.Close(fd)
}

// IPCKey mirrors ftok(path, 0): it derives a 32-bit key from the
// file's device and inode numbers so any process that can stat the
// same file arrives at the same semaphore-set key. As in glibc's ftok,
// the low 8 bits of the device go to bits 16-23, the low 16 bits of the
// inode to bits 0-15, and the zero project id leaves bits 24-31 clear.
func (linuxPlatform) IPCKey(path string) (int32, error) {
	var st unix.Stat_t
	if err := unix.Stat(path, &st); err != nil {
		return 0, fmt.Errorf("ftok stat %s: %w", path, err)
	}
	key := (int32(st.Dev&0xff) << 16) | int32(st.Ino&0xffff)
	return key, nil
}

func (linuxPlatform) SemCreateExclusive(key int32, n int, perm uint32) (SemSet, error) {
	id, _, errno := unix.Syscall(unix.SYS_SEMGET, uintptr(key), uintptr(n), uintptr(int(perm)|ipcCreat|ipcExcl))
	if errno != 0 {
		return nil, fmt.Errorf("semget create: %w", errno)
	}
	return &linuxSemSet{id: int(id), n: n}, nil
}

func (linuxPlatform) SemOpenExisting(key int32, n int) (SemSet, error) {
	id, _, errno := unix.Syscall(unix.SYS_SEMGET, uintptr(key), uintptr(n), 0)
	if errno != 0 {
		return nil, fmt.Errorf("semget open: %w", errno)
	}
	return &linuxSemSet{id: int(id), n: n}, nil
}

type linuxMapping struct {
	data []byte
}

func (m *linuxMapping) Bytes() []byte { return m.data }

func (m *linuxMapping) Sync() error {
	return unix.Msync(m.data, unix.MS_SYNC)
}

func (m *linuxMapping) Close() error {
	return unix.Munmap(m.data)
}

type linuxSemSet struct {
	id int
	n  int
}

func (s *linuxSemSet) Count() int { return s.n }

func (s *linuxSemSet) semctl(num, cmd int, arg uintptr) (int, error) {
	r, _, errno := unix.Syscall6(unix.SYS_SEMCTL, uintptr(s.id), uintptr(num), uintptr(cmd), arg, 0, 0)
	if errno != 0 {
		return 0, errno
	}
	return int(r), nil
}

func (s *linuxSemSet) GetAll() ([]uint16, error) {
	vals := make([]uint16, s.n)
	if _, err := s.semctl(0, getAll, uintptr(unsafe.Pointer(&vals[0]))); err != nil {
		return nil, fmt.Errorf("semctl GETALL: %w", err)
	}
	return vals, nil
}

func (s *linuxSemSet) SetAll(values []uint16) error {
	if len(values) != s.n {
		return fmt.Errorf("semctl SETALL: want %d values, got %d", s.n, len(values))
	}
	if _, err := s.semctl(0, setAll, uintptr(unsafe.Pointer(&values[0]))); err != nil {
		return fmt.Errorf("semctl SETALL: %w", err)
	}
	return nil
}

func (s *linuxSemSet) GetOne(num int) (uint16, error) {
	v, err := s.semctl(num, getVal, 0)
	if err != nil {
		return 0, fmt.Errorf("semctl GETVAL: %w", err)
	}
	return uint16(v), nil
}

func (s *linuxSemSet) SetOne(num int, value uint16) error {
	if _, err := s.semctl(num, setVal, uintptr(value)); err != nil {
		return fmt.Errorf("semctl SETVAL: %w", err)
	}
	return nil
}

// eagainMax bounds the retry loop on EAGAIN the way ussetlock/uscsetlock
// do: a semaphore wait is not supposed to return EAGAIN at all under
// normal kernel behavior, so a handful of retries is generous, not a
// real backoff policy.
const eagainMax = 10

// WaitZero checks ctx before each semop attempt. A semop that is
// already blocked in the kernel is not interrupted by ctx being
// canceled; the cancellation is seen only once that semop returns.
func (s *linuxSemSet) WaitZero(ctx context.Context, num int, nowait bool) (WaitResult, error) {
	sb := semBuf{num: uint16(num), op: 0, flg: semUndo}
	if nowait {
		sb.flg |= ipcNOWAIT
	}

	eagain := 0
	for {
		select {
		case <-ctx.Done():
			return WaitInterrupted, ctx.Err()
		default:
		}

		_, _, errno := unix.Syscall(unix.SYS_SEMOP, uintptr(s.id), uintptr(unsafe.Pointer(&sb)), 1)
		switch errno {
		case 0:
			return WaitOK, nil
		case unix.EAGAIN:
			if nowait {
				return WaitWouldBlock, nil
			}
			eagain++
			if eagain > eagainMax {
				return WaitWouldBlock, nil
			}
		case unix.EINTR:
			continue
		default:
			return WaitInterrupted, fmt.Errorf("semop: %w", errno)
		}
	}
}

func (s *linuxSemSet) Destroy() error {
	if _, err := s.semctl(0, ipcRMID, 0); err != nil {
		return fmt.Errorf("semctl IPC_RMID: %w", err)
	}
	return nil
}
