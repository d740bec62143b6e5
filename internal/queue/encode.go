package queue

import (
	"encoding/binary"
	"fmt"

	"crank_go/internal/domain"
)

// Encode writes events into a fresh queue account of the given capacity,
// starting at ring index head. seqNum is the total number of events ever
// pushed; it must be at least len(events).
func Encode(capacity int, head uint64, seqNum uint64, events []domain.Event) ([]byte, error) {
	if capacity <= 0 {
		return nil, fmt.Errorf("capacity must be positive")
	}
	if len(events) > capacity {
		return nil, fmt.Errorf("%d events exceed capacity %d", len(events), capacity)
	}
	if head >= uint64(capacity) {
		return nil, fmt.Errorf("head %d out of range", head)
	}
	if seqNum < uint64(len(events)) {
		return nil, fmt.Errorf("seq num %d below count %d", seqNum, len(events))
	}

	data := make([]byte, Size(capacity))
	copy(data, prefix)
	copy(data[len(data)-PaddingLen:], padding)
	binary.LittleEndian.PutUint64(data[5:13], FlagInitialized|FlagEventQueue)
	binary.LittleEndian.PutUint64(data[13:21], head)
	binary.LittleEndian.PutUint64(data[21:29], uint64(len(events)))
	binary.LittleEndian.PutUint64(data[29:37], seqNum)

	for i, ev := range events {
		slot := (head + uint64(i)) % uint64(capacity)
		off := HeaderSize + int(slot)*EventSize
		encodeEvent(data[off:off+EventSize], ev)
	}
	return data, nil
}

func encodeEvent(b []byte, ev domain.Event) {
	var flags uint8
	switch ev.Kind {
	case domain.EventFill:
		flags |= eventFill
	case domain.EventOut:
		flags |= eventOut
	}
	if ev.Side == domain.SideBid {
		flags |= eventBid
	}
	if ev.Maker {
		flags |= eventMaker
	}
	if ev.ReleaseFunds {
		flags |= eventReleaseFunds
	}
	b[0] = flags
	b[1] = ev.OwnerSlot
	b[2] = ev.FeeTier
	binary.LittleEndian.PutUint64(b[8:16], ev.NativeQtyReleased)
	binary.LittleEndian.PutUint64(b[16:24], ev.NativeQtyPaid)
	binary.LittleEndian.PutUint64(b[24:32], ev.NativeFeeOrRebate)
	binary.LittleEndian.PutUint64(b[32:40], ev.OrderID.Lo)
	binary.LittleEndian.PutUint64(b[40:48], ev.OrderID.Hi)
	copy(b[48:80], ev.Owner[:])
	binary.LittleEndian.PutUint64(b[80:88], ev.ClientOrderID)
}
