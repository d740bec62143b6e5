package domain

// EventKind distinguishes match-engine outputs.
type EventKind uint8

const (
	EventFill EventKind = iota + 1
	EventOut
)

func (k EventKind) String() string {
	switch k {
	case EventFill:
		return "fill"
	case EventOut:
		return "out"
	default:
		return "unknown"
	}
}

// Side of the order that produced the event.
type Side uint8

const (
	SideBid Side = iota + 1
	SideAsk
)

func (s Side) String() string {
	switch s {
	case SideBid:
		return "bid"
	case SideAsk:
		return "ask"
	default:
		return "unknown"
	}
}

// OrderID is the 128-bit order identifier. Hi carries the price in lots.
type OrderID struct {
	Hi uint64
	Lo uint64
}

// Event is one pending record of a market's event queue. Immutable.
type Event struct {
	Seq  uint64
	Kind EventKind
	Side Side

	Maker        bool
	ReleaseFunds bool
	OwnerSlot    uint8
	FeeTier      uint8

	NativeQtyReleased uint64
	NativeQtyPaid     uint64
	NativeFeeOrRebate uint64

	OrderID       OrderID
	Owner         Address
	ClientOrderID uint64
}

// PriceLots returns the order price in lots.
func (e Event) PriceLots() uint64 {
	return e.OrderID.Hi
}

// BaseQty returns the native base quantity the event settles. Bids receive
// base (released); asks pay base. Out events report what was unlocked.
func (e Event) BaseQty() uint64 {
	if e.Kind == EventOut || e.Side == SideBid {
		return e.NativeQtyReleased
	}
	return e.NativeQtyPaid
}

// QuoteQty returns the native quote quantity the event settles, the
// counterpart of BaseQty.
func (e Event) QuoteQty() uint64 {
	if e.Kind == EventOut || e.Side == SideAsk {
		return e.NativeQtyReleased
	}
	return e.NativeQtyPaid
}

// Batch is a contiguous run of a market's pending events consumed by one
// transaction, together with the distinct owners it references.
type Batch struct {
	Events []Event
	// Owners is sorted ascending and free of duplicates.
	Owners []Address
}

// Len returns the number of events in the batch.
func (b Batch) Len() int {
	return len(b.Events)
}

// FirstSeq returns the sequence number of the first event. Zero for an empty
// batch.
func (b Batch) FirstSeq() uint64 {
	if len(b.Events) == 0 {
		return 0
	}
	return b.Events[0].Seq
}

// LastSeq returns the sequence number of the last event.
func (b Batch) LastSeq() uint64 {
	if len(b.Events) == 0 {
		return 0
	}
	return b.Events[len(b.Events)-1].Seq
}
