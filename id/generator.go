package id

import "github.com/clipnote/capsync/hlc"

// Generator provides unique sync message ids.
// Ids are guaranteed unique across tabs and roughly time-ordered.
type Generator interface {
	NextID() uint64
}

// HLCGenerator generates unique ids using the hybrid logical clock.
// Thread-safe via the clock's internal mutex.
type HLCGenerator struct {
	clock *hlc.Clock
}

// NewHLCGenerator creates an id generator backed by the given clock.
func NewHLCGenerator(clock *hlc.Clock) *HLCGenerator {
	return &HLCGenerator{clock: clock}
}

// NextID generates a unique 64-bit id.
// Format: (physical_ms << 22) | (site_id << 16) | logical
// See hlc.Timestamp.ToMessageID for bit allocation details.
func (g *HLCGenerator) NextID() uint64 {
	return g.clock.Now().ToMessageID()
}
