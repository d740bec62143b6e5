package queue

import (
	"sync"

	"crank_go/internal/domain"
)

// eventBufCap covers the common queue capacities without regrowing.
const eventBufCap = 2048

// eventsPool recycles event slices between crank cycles.
//
// Usage:
//
//	buf := AcquireEvents()
//	q, err := DecodeInto(data, buf)
//	// ... use q.Events until the cycle ends ...
//	ReleaseEvents(q.Events)
var eventsPool = sync.Pool{
	New: func() interface{} {
		s := make([]domain.Event, 0, eventBufCap)
		return &s
	},
}

// AcquireEvents gets an empty event slice from the pool.
func AcquireEvents() []domain.Event {
	return (*eventsPool.Get().(*[]domain.Event))[:0]
}

// ReleaseEvents returns a slice to the pool. The caller must not touch it
// afterwards, including batches that alias it.
func ReleaseEvents(events []domain.Event) {
	if cap(events) == 0 {
		return
	}
	events = events[:0]
	eventsPool.Put(&events)
}
