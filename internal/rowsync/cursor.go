package rowsync

import "sync/atomic"

// Cursor is the pull watermark of one (user, device) pair.
//
// It only moves forward. Advance must be called with the server time of a
// pull only after that pull's diffs have been applied.
type Cursor struct {
	since     atomic.Int64
	onAdvance func(since int64)
}

// NewCursor creates a cursor starting at since.
// onAdvance, if non-nil, is called after every forward move.
func NewCursor(since int64, onAdvance func(since int64)) *Cursor {
	c := &Cursor{onAdvance: onAdvance}
	c.since.Store(since)
	return c
}

// Load returns the current watermark.
func (c *Cursor) Load() int64 {
	return c.since.Load()
}

// Advance moves the watermark to to if that is later than the current one.
// Returns false if the cursor was already at or past to.
func (c *Cursor) Advance(to int64) bool {
	for {
		cur := c.since.Load()
		if to <= cur {
			return false
		}
		if c.since.CompareAndSwap(cur, to) {
			if c.onAdvance != nil {
				c.onAdvance(to)
			}
			return true
		}
	}
}

// Reset moves the watermark back to zero, forcing a full pull.
// Used on logout or when local state was discarded.
func (c *Cursor) Reset() {
	c.since.Store(0)
}
