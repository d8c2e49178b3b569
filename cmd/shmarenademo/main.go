// Command shmarenademo is a small multi-process exerciser for
// package shmarena, grounded on the original allocator's own
// Example/example.c: each invocation joins (or creates) a well-known
// arena, registers itself in a shared process-count structure behind
// the arena's info pointer, holds its attachment for a while, then
// decrements the count and frees the arena once the last attacher
// leaves.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/cecampbell/shmarena"
)

// roster mirrors the original example's usinfo{lock, data, proccount}:
// the single root structure every attacher rendezvouses on through
// the arena's info pointer. lockSlot names the named lock guarding
// proccount and data; every field here lives in shared memory, so
// only offsets/slot numbers are stored, never process-local pointers.
type roster struct {
	lockSlot  int32
	dataSlot  shmarena.Ptr
	procCount int32
}

const rosterLabelSize = 100

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "shmarenademo:", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var (
		path     string
		payload  int64
		maxLocks int
		hold     time.Duration
	)

	cmd := &cobra.Command{
		Use:   "shmarenademo",
		Short: "Join a shared-memory arena, register as an attacher, and hold it for a while",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger, err := zap.NewDevelopment()
			if err != nil {
				return fmt.Errorf("build logger: %w", err)
			}
			defer logger.Sync()

			cfg := shmarena.NewConfig().
				WithPayloadSize(payload).
				WithMaxLocks(maxLocks).
				WithLogger(logger)

			ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			return runAttacher(ctx, logger, cfg, path, hold)
		},
	}

	cmd.Flags().StringVar(&path, "path", "/tmp/shmarenademo.arena", "backing file path for the shared arena")
	cmd.Flags().Int64Var(&payload, "payload-size", 1<<20, "user-allocatable bytes reserved if this process creates the arena")
	cmd.Flags().IntVar(&maxLocks, "max-locks", 8, "named lock slots reserved if this process creates the arena")
	cmd.Flags().DurationVar(&hold, "hold", 10*time.Second, "how long to hold this process's attachment open before leaving")

	return cmd
}

// runAttacher is StartArena/InitInfo/StopArena collapsed into one
// process lifetime: join (or lose a race to create) the roster, hold
// the attachment, then leave and free the arena if this was the last
// attacher out.
func runAttacher(ctx context.Context, logger *zap.Logger, cfg shmarena.Config, path string, hold time.Duration) error {
	id := uuid.New().String()
	logger = logger.With(zap.String("attacher_id", id))

	a, err := shmarena.Init(cfg, path)
	if err != nil {
		return fmt.Errorf("init arena %q: %w", path, err)
	}

	r, lock, err := joinOrCreateRoster(a, logger, id)
	if err != nil {
		return fmt.Errorf("join roster: %w", err)
	}

	logger.Info("holding attachment", zap.Duration("hold", hold), zap.Int32("proc_count", r.procCount))
	select {
	case <-time.After(hold):
	case <-ctx.Done():
		logger.Info("interrupted, leaving early")
	}

	return leaveRoster(a, r, lock, logger)
}

// joinOrCreateRoster attempts to join a pre-existing roster through
// the arena's info pointer; if none exists yet it races other
// attachers to create one via CASInfo, exactly as StartArena's
// while(!done) loop does around uscasinfo.
func joinOrCreateRoster(a *shmarena.Arena, logger *zap.Logger, id string) (*roster, *shmarena.Lock, error) {
	for {
		if p := a.GetInfo(); p != shmarena.NullPtr {
			r := shmarena.At[roster](a, p)
			lock, err := a.LockAt(int(r.lockSlot))
			if err != nil {
				return nil, nil, fmt.Errorf("attach to roster lock slot %d: %w", r.lockSlot, err)
			}
			if err := lock.SetLock(context.Background()); err != nil {
				return nil, nil, fmt.Errorf("lock roster: %w", err)
			}
			r.procCount++
			label := a.Bytes(r.dataSlot, rosterLabelSize)
			copy(label, fmt.Sprintf("joiner %s", id))
			if err := lock.UnsetLock(); err != nil {
				return nil, nil, fmt.Errorf("unlock roster: %w", err)
			}
			logger.Info("joined existing arena", zap.Int32("proc_count", r.procCount))
			return r, lock, nil
		}

		p, r, err := shmarena.New[roster](a)
		if err != nil {
			return nil, nil, fmt.Errorf("allocate roster: %w", err)
		}
		lock, err := a.NewLock()
		if err != nil {
			return nil, nil, fmt.Errorf("allocate roster lock: %w", err)
		}
		r.lockSlot = int32(lock.Slot())
		r.procCount = 1

		actual, swapped := a.CASInfo(shmarena.NullPtr, p)
		if !swapped {
			// Another attacher won the race between our GetInfo and
			// our CASInfo; undo our half-built roster and go join
			// theirs instead, mirroring the original's "possible race
			// condition, try again" branch.
			logger.Info("lost the roster creation race, retrying as a joiner", zap.Uint64("winner", uint64(actual)))
			if err := lock.FreeLock(); err != nil {
				return nil, nil, fmt.Errorf("release lock slot after a lost race: %w", err)
			}
			if err := a.Free(p); err != nil {
				return nil, nil, fmt.Errorf("free roster after a lost race: %w", err)
			}
			continue
		}

		dataSlot, err := a.Malloc(rosterLabelSize)
		if err != nil {
			return nil, nil, fmt.Errorf("allocate roster label: %w", err)
		}
		r.dataSlot = dataSlot
		copy(a.Bytes(dataSlot, rosterLabelSize), fmt.Sprintf("creator %s", id))

		if err := lock.UnsetLock(); err != nil {
			return nil, nil, fmt.Errorf("unlock newly created roster: %w", err)
		}
		logger.Info("created a new roster", zap.Int32("proc_count", r.procCount))
		return r, lock, nil
	}
}

// leaveRoster mirrors StopArena: decrement the shared process count,
// and free the whole arena once the last attacher has left.
func leaveRoster(a *shmarena.Arena, r *roster, lock *shmarena.Lock, logger *zap.Logger) error {
	if err := lock.SetLock(context.Background()); err != nil {
		return fmt.Errorf("lock roster before leaving: %w", err)
	}
	r.procCount--
	last := r.procCount == 0
	if err := lock.UnsetLock(); err != nil {
		return fmt.Errorf("unlock roster after leaving: %w", err)
	}

	logger.Info("left the roster", zap.Int32("proc_count", r.procCount))
	if !last {
		return nil
	}

	logger.Info("last attacher out, freeing the arena")
	return shmarena.FreeArena(a)
}
