package event

import "fmt"

// BlockTick advances the engine's view of the external block clock. Ticks
// with a block at or below the current watermark are ignored (the clock
// never rewinds).
type BlockTick struct {
	BlockNumber uint64
}

func (e *BlockTick) EventType() EventType { return EventTypeBlockTick }
func (e *BlockTick) Block() uint64        { return e.BlockNumber }

func (e *BlockTick) IdempotencyKey() string {
	return fmt.Sprintf("block:%d", e.BlockNumber)
}
