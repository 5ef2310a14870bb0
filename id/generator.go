package id

import "github.com/kiliton/mongo/hlc"

// Generator provides unique ids for cursors.
// Ids are guaranteed unique across nodes and roughly time-ordered.
// A packed id is never zero: a zero cursor id on the wire means exhausted.
type Generator interface {
	NextID() uint64
}

// HLCGenerator generates unique ids using the Hybrid Logical Clock.
// Thread-safe via HLC's internal mutex.
type HLCGenerator struct {
	clock *hlc.Clock
}

// NewHLCGenerator creates a new id generator backed by the given HLC.
func NewHLCGenerator(clock *hlc.Clock) *HLCGenerator {
	return &HLCGenerator{clock: clock}
}

// NextID generates a unique 64-bit id.
// Format: (physical_ms << 22) | (node_id << 16) | logical
// See hlc.Timestamp.ToID for bit allocation details.
func (g *HLCGenerator) NextID() uint64 {
	return g.clock.Now().ToID()
}
