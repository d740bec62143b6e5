// Package batch partitions pending events into transaction-sized batches.
package batch

import (
	"fmt"
	"sort"

	"crank_go/internal/domain"
)

// Limits bound one consume-events transaction.
type Limits struct {
	// MaxEvents caps the events consumed per transaction.
	MaxEvents int
	// MaxAccounts caps the distinct owner accounts referenced.
	MaxAccounts int
}

// Validate rejects limits that cannot hold a single event.
func (l Limits) Validate() error {
	if l.MaxEvents < 1 {
		return &domain.ConfigError{Field: "max_batch_events", Err: fmt.Errorf("must be positive, got %d", l.MaxEvents)}
	}
	if l.MaxAccounts < 1 {
		return &domain.ConfigError{Field: "max_batch_accounts", Err: fmt.Errorf("must be positive, got %d", l.MaxAccounts)}
	}
	return nil
}

// Build greedily partitions events, which must be ordered and contiguous by
// sequence number, into batches. A batch is closed as soon as the next event
// would exceed either limit. Batches alias the input slice.
func Build(events []domain.Event, limits Limits) ([]domain.Batch, error) {
	if len(events) == 0 {
		return nil, nil
	}
	if limits.MaxAccounts < 1 {
		return nil, &domain.OversizedEventError{
			Seq:    events[0].Seq,
			Limit:  limits.MaxAccounts,
			Reason: "a single event references one owner account",
		}
	}
	if limits.MaxEvents < 1 {
		return nil, &domain.OversizedEventError{
			Seq:    events[0].Seq,
			Limit:  limits.MaxEvents,
			Reason: "batch cannot hold a single event",
		}
	}

	var (
		batches []domain.Batch
		start   int
		owners  = make(map[domain.Address]struct{}, limits.MaxAccounts)
	)
	closeBatch := func(end int) {
		batches = append(batches, domain.Batch{
			Events: events[start:end:end],
			Owners: sortedOwners(owners),
		})
		start = end
		clear(owners)
	}

	for i, ev := range events {
		if i > 0 && ev.Seq != events[i-1].Seq+1 {
			return nil, &domain.OversizedEventError{
				Seq:    ev.Seq,
				Limit:  limits.MaxEvents,
				Reason: fmt.Sprintf("sequence gap after %d", events[i-1].Seq),
			}
		}

		_, seen := owners[ev.Owner]
		full := i-start == limits.MaxEvents || (!seen && len(owners) == limits.MaxAccounts)
		if full {
			closeBatch(i)
		}
		owners[ev.Owner] = struct{}{}
	}
	closeBatch(len(events))
	return batches, nil
}

// Next returns only the first batch of the partition: the contiguous prefix
// the next transaction should consume.
func Next(events []domain.Event, limits Limits) (domain.Batch, error) {
	batches, err := Build(events, limits)
	if err != nil || len(batches) == 0 {
		return domain.Batch{}, err
	}
	return batches[0], nil
}

func sortedOwners(set map[domain.Address]struct{}) []domain.Address {
	out := make([]domain.Address, 0, len(set))
	for a := range set {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Less(out[j]) })
	return out
}
