// Package hlc implements a hybrid logical clock. capsync uses it to stamp
// sync messages with identifiers that are unique across tabs and roughly
// time-ordered, so the server can deduplicate replayed batches after a
// reconnect.
package hlc

import (
	"sync"
	"time"
)

// Clock is a hybrid logical clock. One instance exists per sync session.
type Clock struct {
	siteID uint64
	// wallTime is nanoseconds truncated to the millisecond, the granularity
	// message ids carry. The logical counter resets whenever it advances.
	wallTime int64
	logical  int32
	mu       sync.Mutex
}

// Timestamp is a point in hybrid time.
type Timestamp struct {
	WallTime int64
	Logical  int32
	SiteID   uint64
}

// NewClock creates a clock for the given site.
func NewClock(siteID uint64) *Clock {
	return &Clock{
		siteID:   siteID,
		wallTime: truncatedNow(),
		logical:  0,
	}
}

func truncatedNow() int64 {
	return (time.Now().UnixNano() / int64(time.Millisecond)) * int64(time.Millisecond)
}

// MaxLogical is the maximum value of the logical counter before overflow.
const MaxLogical = LogicalMask

// Now generates a new timestamp for a local event.
func (c *Clock) Now() Timestamp {
	c.mu.Lock()
	defer c.mu.Unlock()

	if now := truncatedNow(); now > c.wallTime {
		c.wallTime = now
		c.logical = 0
	}

	// If the logical counter is exhausted for this millisecond, spin until
	// the next one. Prevents message id collisions.
	for c.logical >= MaxLogical {
		time.Sleep(100 * time.Microsecond)
		if now := truncatedNow(); now > c.wallTime {
			c.wallTime = now
			c.logical = 0
			break
		}
	}

	c.logical++

	return Timestamp{
		WallTime: c.wallTime,
		Logical:  c.logical,
		SiteID:   c.siteID,
	}
}

// LogicalBits is the number of bits of logical counter carried in message
// ids (~65k messages per millisecond per site).
const LogicalBits = 16

// LogicalMask masks the logical counter to 16 bits.
const LogicalMask = (1 << LogicalBits) - 1

// SiteIDBits is the number of site id bits carried in message ids.
const SiteIDBits = 6

// SiteIDMask masks the site id to 6 bits.
const SiteIDMask = (1 << SiteIDBits) - 1

// TotalShiftBits is the total shift applied to wall time.
const TotalShiftBits = SiteIDBits + LogicalBits // 22 bits

// ToMessageID converts a timestamp to a unique 64-bit sync message id.
// Format: (physical_ms << 22) | (site_id << 16) | logical
//
// Bit allocation: 42 bits of wall-clock milliseconds, 6 bits of site id,
// 16 bits of logical counter. Ids stay unique across tabs even when two
// messages are stamped in the same millisecond.
func (t Timestamp) ToMessageID() uint64 {
	physicalMS := uint64(t.WallTime / 1_000_000)
	siteID := t.SiteID & SiteIDMask
	logical := uint64(t.Logical) & LogicalMask
	return (physicalMS << TotalShiftBits) | (siteID << LogicalBits) | logical
}
