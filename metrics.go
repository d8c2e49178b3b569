package shmarena

// ArenaMetrics is a point-in-time snapshot of an arena's memory usage,
// assembled from a MemUse(DumpTotals) walk.
type ArenaMetrics struct {
	BytesInUse  uint64
	BytesFree   uint64
	TotalBytes  uint64
	Utilization float64
	MaxLocks    int
	LocksInUse  int
}

// Metrics returns a snapshot of the arena's current memory and lock
// usage. Like MemUse, it takes the arena-wide lock for the duration of
// the walk.
func (a *Arena) Metrics() (ArenaMetrics, error) {
	rep, err := a.MemUse(DumpTotals)
	if err != nil {
		return ArenaMetrics{}, err
	}

	m := ArenaMetrics{
		BytesInUse: rep.BytesInUse,
		BytesFree:  rep.BytesFree,
		TotalBytes: rep.TotalBytes,
		MaxLocks:   a.maxLocks,
	}
	if m.TotalBytes > 0 {
		m.Utilization = float64(m.BytesInUse) / float64(m.TotalBytes)
	}

	vals, err := a.sems.GetAll()
	if err != nil {
		return m, err
	}
	for i := 0; i < a.maxLocks; i++ {
		if vals[i] != semUnusedValue {
			m.LocksInUse++
		}
	}
	return m, nil
}
