package db

import (
	"encoding/binary"
	"sync"

	cuckoo "github.com/linvon/cuckoo-filter"

	"github.com/clipnote/capsync/telemetry"
)

const (
	// capacity = bucketSize × numBuckets = 4 × 65536 ≈ 256k cells,
	// far beyond what one annotation database touches in a session.
	cuckooBucketSize      = 4
	cuckooFingerprintSize = 16
	cuckooNumBuckets      = 65536
)

var seenBufPool = sync.Pool{
	New: func() any { return make([]byte, 8) },
}

// SeenFilter answers "has this cell ever appeared in the change log?" with
// no false negatives. A MISS proves the cell is new, so ApplyChanges can
// skip the per-cell version lookup (fast path). A HIT means maybe, and the
// change log is consulted (slow path).
type SeenFilter struct {
	mu     sync.Mutex
	filter *cuckoo.Filter
}

// NewSeenFilter creates an empty filter.
func NewSeenFilter() *SeenFilter {
	return &SeenFilter{
		filter: cuckoo.NewFilter(cuckooBucketSize, cuckooFingerprintSize,
			cuckooNumBuckets, cuckoo.TableTypePacked),
	}
}

// Check returns true if the cell might be recorded already.
func (f *SeenFilter) Check(cellHash uint64) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	buf := seenBufPool.Get().([]byte)
	binary.LittleEndian.PutUint64(buf, cellHash)
	hit := f.filter.Contain(buf)
	seenBufPool.Put(buf)
	if hit {
		telemetry.SeenFilterChecks.With("slow_path").Inc()
	} else {
		telemetry.SeenFilterChecks.With("fast_path").Inc()
	}
	return hit
}

// Add records a cell after its change row is written.
func (f *SeenFilter) Add(cellHash uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	buf := seenBufPool.Get().([]byte)
	binary.LittleEndian.PutUint64(buf, cellHash)
	f.filter.Add(buf)
	seenBufPool.Put(buf)
}
