package domain

import "fmt"

// Phase is the position of a market's crank cycle in its state machine.
type Phase uint8

const (
	PhaseIdle Phase = iota
	PhaseDecoding
	PhaseBatching
	PhaseSubmitting
	PhaseConfirming
	PhaseBackoff
	PhaseError
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseDecoding:
		return "decoding"
	case PhaseBatching:
		return "batching"
	case PhaseSubmitting:
		return "submitting"
	case PhaseConfirming:
		return "confirming"
	case PhaseBackoff:
		return "backoff"
	case PhaseError:
		return "error"
	default:
		return fmt.Sprintf("phase(%d)", uint8(p))
	}
}

// Trigger drives a Phase transition.
type Trigger uint8

const (
	TriggerTick      Trigger = iota // scheduled or eager cycle start
	TriggerDecoded                  // queue decoded, events pending
	TriggerEmpty                    // queue decoded, nothing pending
	TriggerBatched                  // batch ready for submission
	TriggerSubmitted                // transaction accepted by the gateway
	TriggerConfirmed                // terminal success
	TriggerTransient                // expired or network error, retry allowed
	TriggerRetry                    // backoff elapsed
	TriggerFatal                    // rejected, malformed, oversized or retries exhausted
	TriggerAbort                    // shutdown, stale read or confirmation timeout
)

func (t Trigger) String() string {
	names := [...]string{"tick", "decoded", "empty", "batched", "submitted", "confirmed", "transient", "retry", "fatal", "abort"}
	if int(t) < len(names) {
		return names[t]
	}
	return fmt.Sprintf("trigger(%d)", uint8(t))
}

type transitionKey struct {
	from Phase
	on   Trigger
}

var transitions = map[transitionKey]Phase{
	{PhaseIdle, TriggerTick}:  PhaseDecoding,
	{PhaseError, TriggerTick}: PhaseDecoding,

	{PhaseDecoding, TriggerDecoded}: PhaseBatching,
	{PhaseDecoding, TriggerEmpty}:   PhaseIdle,
	{PhaseDecoding, TriggerFatal}:   PhaseError,
	{PhaseDecoding, TriggerAbort}:   PhaseIdle,

	{PhaseBatching, TriggerBatched}: PhaseSubmitting,
	{PhaseBatching, TriggerFatal}:   PhaseError,

	{PhaseSubmitting, TriggerSubmitted}: PhaseConfirming,
	{PhaseSubmitting, TriggerTransient}: PhaseBackoff,
	{PhaseSubmitting, TriggerFatal}:     PhaseError,
	{PhaseSubmitting, TriggerAbort}:     PhaseIdle,

	{PhaseConfirming, TriggerConfirmed}: PhaseIdle,
	{PhaseConfirming, TriggerTransient}: PhaseBackoff,
	{PhaseConfirming, TriggerFatal}:     PhaseError,
	{PhaseConfirming, TriggerAbort}:     PhaseIdle,

	{PhaseBackoff, TriggerRetry}: PhaseSubmitting,
	{PhaseBackoff, TriggerFatal}: PhaseError,
	{PhaseBackoff, TriggerAbort}: PhaseIdle,
}

// Transition returns the phase reached from p on t, or an error if the
// state machine has no such edge.
func Transition(p Phase, t Trigger) (Phase, error) {
	next, ok := transitions[transitionKey{p, t}]
	if !ok {
		return p, fmt.Errorf("invalid transition: %s on %s", p, t)
	}
	return next, nil
}

// CycleState is the per-market crank state. Owned by exactly one worker.
type CycleState struct {
	Phase Phase
	// HeadSeq is the last known sequence number of the next event to consume.
	HeadSeq uint64
	// Known reports whether HeadSeq has been observed at least once.
	Known               bool
	Pending             int
	InFlight            bool
	Retries             int
	ConsecutiveFailures int
	// StaleSkips counts consecutive reads behind HeadSeq.
	StaleSkips int
	Degraded   bool
}

// Fire applies a trigger, maintaining the in-flight flag.
func (s *CycleState) Fire(t Trigger) error {
	next, err := Transition(s.Phase, t)
	if err != nil {
		return err
	}
	switch next {
	case PhaseConfirming:
		s.InFlight = true
	case PhaseIdle, PhaseError, PhaseBackoff:
		s.InFlight = false
	}
	s.Phase = next
	return nil
}
