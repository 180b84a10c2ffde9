package core

import "sync/atomic"

// Capability enumerates the restricted entry-point gates.
type Capability int

const (
	// CapabilityManager guards parameter administration.
	CapabilityManager Capability = iota + 1
	// CapabilityCallbacks guards the trade-lifecycle callback.
	CapabilityCallbacks
)

func (c Capability) String() string {
	switch c {
	case CapabilityManager:
		return "manager"
	case CapabilityCallbacks:
		return "callbacks"
	default:
		return "unknown"
	}
}

// AccessController is the capability-check collaborator consulted before any
// restricted mutation. The engine never embeds role logic of its own.
type AccessController interface {
	Allowed(caller string, cap Capability) bool
}

// AllowAll grants every capability. Test and single-tenant wiring.
type AllowAll struct{}

func (AllowAll) Allowed(string, Capability) bool { return true }

// BlockClock supplies the engine's notion of "current block": a monotonically
// increasing external counter the engine can read but never rewind.
type BlockClock interface {
	CurrentBlock() uint64
}

// Watermark is a BlockClock advanced by inbound block ticks. Advancing to a
// block at or below the current one is ignored.
type Watermark struct {
	block atomic.Uint64
}

func NewWatermark(start uint64) *Watermark {
	w := &Watermark{}
	w.block.Store(start)
	return w
}

func (w *Watermark) CurrentBlock() uint64 { return w.block.Load() }

// Advance moves the watermark forward, reporting whether it moved.
func (w *Watermark) Advance(block uint64) bool {
	for {
		cur := w.block.Load()
		if block <= cur {
			return false
		}
		if w.block.CompareAndSwap(cur, block) {
			return true
		}
	}
}

// PositionLedger is the external position store. The engine reads a pair's
// aggregate open interest from it (collateral precision) when settling the
// pair and when migrating a pair between groups; it never writes to it.
type PositionLedger interface {
	PairOpenInterest(pairIndex uint32) (oiLong, oiShort uint64)
}
