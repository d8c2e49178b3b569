package shmarena

import "go.uber.org/zap"

// defaultPayloadSize is the original CONF_INITSIZE default: 64KiB of
// user-allocatable space, exclusive of header and bin-table overhead.
const defaultPayloadSize = 65536

// defaultMaxLocks is the original CONF_INITUSERS default: eight named
// locks, plus one more semaphore reserved for the arena-wide lock.
const defaultMaxLocks = 8

// defaultPerm is the file permission usconfig applies by default:
// owner read/write/execute only.
const defaultPerm = 0o700

// Config replaces the global usconfig/CONF_* switch with an explicit,
// immutable value built once and passed to Init. Nothing about an
// arena's shape lives in package-level state: two Config values built
// in the same process never interfere with each other.
type Config struct {
	payloadSize int64
	maxLocks    int
	perm        uint32
	attachHint  uintptr
	logger      *zap.Logger
}

// NewConfig returns the default configuration: a 64KiB payload region,
// eight named locks, and owner-only file permissions.
func NewConfig() Config {
	return Config{
		payloadSize: defaultPayloadSize,
		maxLocks:    defaultMaxLocks,
		perm:        defaultPerm,
		logger:      zap.NewNop(),
	}
}

// WithPayloadSize sets the number of user-allocatable bytes a newly
// created arena should reserve (CONF_INITSIZE). Only consulted when
// the backing file doesn't already exist; joining an existing arena
// always inherits its creator's size.
func (c Config) WithPayloadSize(bytes int64) Config {
	c.payloadSize = roundUp8i(bytes)
	return c
}

// WithMaxLocks sets how many named locks a newly created arena
// provisions (CONF_INITUSERS), in addition to the one semaphore
// reserved for the arena-wide lock. Only consulted on creation.
func (c Config) WithMaxLocks(n int) Config {
	if n <= 0 {
		n = 1
	}
	c.maxLocks = n
	return c
}

// WithPermissions sets the Unix file permission bits applied to the
// backing file and semaphore set on creation (CONF_CHMOD).
func (c Config) WithPermissions(perm uint32) Config {
	c.perm = perm
	return c
}

// WithAttachHint records a preferred mapping address (CONF_ATTACHADDR).
// It is advisory only: the platform layer does not honor MAP_FIXED, so
// a mismatched hint across processes cannot corrupt the arena, it can
// only make offset-based addressing the only reliable cross-process
// reference (which it already must be, per spec.md's design).
func (c Config) WithAttachHint(addr uintptr) Config {
	c.attachHint = addr
	return c
}

// WithLogger attaches a structured logger used for lifecycle and
// corruption diagnostics. The zero Config logs nothing.
func (c Config) WithLogger(l *zap.Logger) Config {
	if l == nil {
		l = zap.NewNop()
	}
	c.logger = l
	return c
}

func roundUp8i(n int64) int64 {
	return (n + 7) &^ 7
}
