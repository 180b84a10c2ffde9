package event

// EventType enumerates all inbound event kinds.
type EventType int

const (
	EventTypeUnknown EventType = iota
	EventTypeTradeAction
	EventTypePairParamsUpdate
	EventTypeGroupParamsUpdate
	EventTypeBlockTick
)

func (t EventType) String() string {
	switch t {
	case EventTypeTradeAction:
		return "TradeAction"
	case EventTypePairParamsUpdate:
		return "PairParamsUpdate"
	case EventTypeGroupParamsUpdate:
		return "GroupParamsUpdate"
	case EventTypeBlockTick:
		return "BlockTick"
	default:
		return "Unknown"
	}
}

// Event is the contract every inbound event satisfies. Events are versioned
// inputs: they carry the block they were produced at, and the engine never
// consults wall-clock time.
type Event interface {
	EventType() EventType
	IdempotencyKey() string
	Block() uint64
}

// Envelope is the processed-event record the engine emits for the event log.
type Envelope struct {
	Sequence       int64
	IdempotencyKey string
	EventType      EventType
	Block          uint64
	Payload        []byte // JSON payload as received
}
