package storage

// logicalClock hands out strictly increasing timestamps for writes and tombstones.
// Wall clock time is not used as ticks may collide for writes issued back to back.
type logicalClock struct {
	last uint64
}

// Next returns a timestamp greater than every timestamp handed out or observed so far.
func (c *logicalClock) Next() uint64 {
	c.last++
	return c.last
}

// Observe moves the clock past `timestamp`, e.g. one restored from disk.
func (c *logicalClock) Observe(timestamp uint64) {
	c.last = max(c.last, timestamp)
}
