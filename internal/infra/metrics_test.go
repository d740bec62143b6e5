package infra

import (
	"testing"
	"time"

	"crank_go/internal/domain"
)

func TestMetrics_RecordOutcome(t *testing.T) {
	m := &Metrics{}

	m.RecordOutcome(domain.CycleOutcome{Kind: domain.OutcomeConfirmed, Events: 5, Latency: 1000})
	m.RecordOutcome(domain.CycleOutcome{Kind: domain.OutcomeConfirmed, Events: 3, Latency: 3000, Retries: 2})
	m.RecordOutcome(domain.CycleOutcome{Kind: domain.OutcomeExpired, Retries: 1})
	m.RecordOutcome(domain.CycleOutcome{Kind: domain.OutcomeRejected})
	m.RecordOutcome(domain.CycleOutcome{Kind: domain.OutcomeNetworkError})
	m.RecordOutcome(domain.CycleOutcome{Kind: domain.OutcomeIdle})

	snap := m.Snapshot()

	if snap.CyclesTotal != 5 {
		t.Errorf("Expected 5 cycles, got %d", snap.CyclesTotal)
	}
	if snap.EventsConsumed != 8 {
		t.Errorf("Expected 8 events, got %d", snap.EventsConsumed)
	}
	if snap.Confirmed != 2 || snap.Expired != 1 || snap.Rejected != 1 {
		t.Errorf("Unexpected kind counts: %+v", snap)
	}
	if snap.ErrorsTotal != 1 {
		t.Errorf("Expected 1 error, got %d", snap.ErrorsTotal)
	}
	if snap.RetriesTotal != 3 {
		t.Errorf("Expected 3 retries, got %d", snap.RetriesTotal)
	}
	// Average latency: (1000 + 3000) / 2 = 2000
	if snap.AvgLatencyNs != 2000 {
		t.Errorf("Expected avg latency 2000, got %d", snap.AvgLatencyNs)
	}
}

func TestMetrics_Connections(t *testing.T) {
	m := &Metrics{}

	m.IncrementConnections()
	m.IncrementConnections()
	m.IncrementConnections()

	snap := m.Snapshot()
	if snap.ActiveConnections != 3 {
		t.Errorf("Expected 3 connections, got %d", snap.ActiveConnections)
	}

	m.DecrementConnections()
	snap = m.Snapshot()
	if snap.ActiveConnections != 2 {
		t.Errorf("Expected 2 connections, got %d", snap.ActiveConnections)
	}
}

func TestMetrics_Gauges(t *testing.T) {
	m := &Metrics{}

	m.SetInFlight(1)
	m.SetInFlight(1)
	m.SetInFlight(-1)
	m.SetDegraded(2)

	snap := m.Snapshot()
	if snap.InFlight != 1 {
		t.Errorf("Expected 1 in flight, got %d", snap.InFlight)
	}
	if snap.DegradedMarkets != 2 {
		t.Errorf("Expected 2 degraded, got %d", snap.DegradedMarkets)
	}
}

func TestMetrics_Reset(t *testing.T) {
	m := &Metrics{}

	m.RecordOutcome(domain.CycleOutcome{Kind: domain.OutcomeConfirmed, Events: 1})
	m.RecordError()
	m.IncrementConnections()

	m.Reset()
	snap := m.Snapshot()

	if snap.EventsConsumed != 0 {
		t.Error("Expected 0 events after reset")
	}
	if snap.ErrorsTotal != 0 {
		t.Error("Expected 0 errors after reset")
	}
	if snap.ActiveConnections != 0 {
		t.Error("Expected 0 connections after reset")
	}
}

func TestNopMetrics_Observe(t *testing.T) {
	p := NopMetrics()
	// must not panic on any kind
	for _, k := range []domain.OutcomeKind{domain.OutcomeConfirmed, domain.OutcomeIdle, domain.OutcomeRejected} {
		p.Observe(domain.CycleOutcome{Market: "SOL/USDC", Kind: k, Events: 2, Latency: time.Second, Degraded: true})
	}
}
