// Package queue decodes the order-book program's event queue account.
package queue

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"crank_go/internal/domain"
)

// Layout constants of the event queue account.
const (
	EventSize  = 88
	HeaderSize = 5 + 32
	PaddingLen = 7

	prefix  = "serum"
	padding = "padding"
)

// Account flag bits.
const (
	FlagInitialized uint64 = 1 << 0
	FlagMarket      uint64 = 1 << 1
	FlagOpenOrders  uint64 = 1 << 2
	FlagRequestQ    uint64 = 1 << 3
	FlagEventQueue  uint64 = 1 << 4
	FlagBids        uint64 = 1 << 5
	FlagAsks        uint64 = 1 << 6
)

// Event flag bits.
const (
	eventFill         uint8 = 1 << 0
	eventOut          uint8 = 1 << 1
	eventBid          uint8 = 1 << 2
	eventMaker        uint8 = 1 << 3
	eventReleaseFunds uint8 = 1 << 4
)

// Header is the fixed queue header.
type Header struct {
	AccountFlags uint64
	// Head is the ring index of the next event to consume.
	Head   uint64
	Count  uint64
	SeqNum uint64
}

// Queue is a decoded snapshot of an event queue.
type Queue struct {
	Header
	Capacity int
	// Events holds the pending events in consumption order.
	Events []domain.Event
}

// HeadSeq returns the sequence number of the next event to consume.
func (q *Queue) HeadSeq() uint64 {
	return q.SeqNum - q.Count
}

// Size returns the account length for a queue of the given capacity.
func Size(capacity int) int {
	return HeaderSize + capacity*EventSize + PaddingLen
}

// Decode parses raw account bytes. It is pure and does not retain data.
func Decode(data []byte) (*Queue, error) {
	return DecodeInto(data, nil)
}

// DecodeInto is Decode reusing buf for the event slice.
func DecodeInto(data []byte, buf []domain.Event) (*Queue, error) {
	if len(data) < HeaderSize+PaddingLen {
		return nil, malformed("length %d shorter than header", len(data))
	}
	if !bytes.Equal(data[:len(prefix)], []byte(prefix)) {
		return nil, malformed("missing %q prefix", prefix)
	}
	if !bytes.Equal(data[len(data)-PaddingLen:], []byte(padding)) {
		return nil, malformed("missing %q suffix", padding)
	}

	body := len(data) - HeaderSize - PaddingLen
	if body%EventSize != 0 {
		return nil, malformed("body length %d not a multiple of %d", body, EventSize)
	}
	capacity := body / EventSize
	if capacity == 0 {
		return nil, malformed("zero capacity")
	}

	h := Header{
		AccountFlags: binary.LittleEndian.Uint64(data[5:13]),
		Head:         binary.LittleEndian.Uint64(data[13:21]),
		Count:        binary.LittleEndian.Uint64(data[21:29]),
		SeqNum:       binary.LittleEndian.Uint64(data[29:37]),
	}
	want := FlagInitialized | FlagEventQueue
	if h.AccountFlags&want != want {
		return nil, malformed("account flags %#x are not an initialized event queue", h.AccountFlags)
	}
	if h.Head >= uint64(capacity) {
		return nil, malformed("head %d out of range for capacity %d", h.Head, capacity)
	}
	if h.Count > uint64(capacity) {
		return nil, malformed("count %d exceeds capacity %d", h.Count, capacity)
	}
	if h.SeqNum < h.Count {
		return nil, malformed("seq num %d below count %d", h.SeqNum, h.Count)
	}

	events := buf[:0]
	base := h.SeqNum - h.Count
	for i := uint64(0); i < h.Count; i++ {
		slot := (h.Head + i) % uint64(capacity)
		off := HeaderSize + int(slot)*EventSize
		ev, err := decodeEvent(data[off : off+EventSize])
		if err != nil {
			return nil, malformed("event at slot %d: %v", slot, err)
		}
		ev.Seq = base + i
		events = append(events, ev)
	}

	return &Queue{Header: h, Capacity: capacity, Events: events}, nil
}

func decodeEvent(b []byte) (domain.Event, error) {
	flags := b[0]
	var ev domain.Event
	switch {
	case flags&eventFill != 0 && flags&eventOut != 0:
		return ev, fmt.Errorf("flags %#x mark both fill and out", flags)
	case flags&eventFill != 0:
		ev.Kind = domain.EventFill
	case flags&eventOut != 0:
		ev.Kind = domain.EventOut
	default:
		return ev, fmt.Errorf("flags %#x mark neither fill nor out", flags)
	}
	ev.Side = domain.SideAsk
	if flags&eventBid != 0 {
		ev.Side = domain.SideBid
	}
	ev.Maker = flags&eventMaker != 0
	ev.ReleaseFunds = flags&eventReleaseFunds != 0
	ev.OwnerSlot = b[1]
	ev.FeeTier = b[2]
	// b[3:8] padding
	ev.NativeQtyReleased = binary.LittleEndian.Uint64(b[8:16])
	ev.NativeQtyPaid = binary.LittleEndian.Uint64(b[16:24])
	ev.NativeFeeOrRebate = binary.LittleEndian.Uint64(b[24:32])
	ev.OrderID.Lo = binary.LittleEndian.Uint64(b[32:40])
	ev.OrderID.Hi = binary.LittleEndian.Uint64(b[40:48])
	copy(ev.Owner[:], b[48:80])
	ev.ClientOrderID = binary.LittleEndian.Uint64(b[80:88])
	return ev, nil
}

func malformed(format string, args ...any) error {
	return &domain.MalformedAccountError{Layout: "event queue", Reason: fmt.Sprintf(format, args...)}
}
