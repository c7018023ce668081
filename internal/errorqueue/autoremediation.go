package errorqueue

import "github.com/DSIN-INSA-Strasbourg/hermes-go/internal/bus"

// Policy is the autoremediation mode applied when a new event arrives
// for a pkey that already has queued events (spec.md §4.10).
type Policy string

const (
	Disabled     Policy = "disabled"
	Conservative Policy = "conservative"
	Maximum      Policy = "maximum"
)

// Coalesce appends incoming to existing, merging with the tail event
// according to policy. The safety rule holds regardless of policy: no
// merge is permitted if the tail has CurrentStep > 0 and
// IsPartiallyProcessed true.
func Coalesce(existing []QueuedEvent, incoming QueuedEvent, policy Policy) []QueuedEvent {
	if len(existing) == 0 || policy == Disabled {
		return append(existing, incoming)
	}

	tail := existing[len(existing)-1]
	if tail.CurrentStep > 0 && tail.IsPartiallyProcessed {
		return append(existing, incoming)
	}

	if merged, ok := tryMerge(tail, incoming, policy); ok {
		out := append([]QueuedEvent(nil), existing[:len(existing)-1]...)
		if merged != nil {
			out = append(out, *merged)
		}
		return out
	}

	return append(existing, incoming)
}

func tryMerge(tail, incoming QueuedEvent, policy Policy) (*QueuedEvent, bool) {
	tailOp, newOp := tail.Event.Operation, incoming.Event.Operation

	switch {
	case tailOp == bus.OpAdded && newOp == bus.OpModified:
		merged := tail
		merged.Event.Payload = mergePayload(tail.Event.Payload, incoming.Event.Payload)
		merged.Event.Operation = bus.OpAdded
		return &merged, true

	case tailOp == bus.OpModified && newOp == bus.OpModified:
		merged := tail
		merged.Event.Payload = mergePayload(tail.Event.Payload, incoming.Event.Payload)
		return &merged, true
	}

	if policy != Maximum {
		return nil, false
	}

	switch {
	case tailOp == bus.OpAdded && newOp == bus.OpRemoved:
		return nil, true // annihilate both

	case tailOp == bus.OpRemoved && newOp == bus.OpAdded:
		merged := incoming
		merged.Event.Operation = bus.OpModified
		return &merged, true

	case tailOp == bus.OpModified && newOp == bus.OpRemoved:
		merged := incoming
		return &merged, true
	}

	return nil, false
}

// mergePayload combines two JSON-object payloads, later keys winning
// per attribute, matching spec.md §4.10's "later value wins per attribute".
func mergePayload(older, newer []byte) []byte {
	a := decodePayload(older)
	b := decodePayload(newer)
	for k, v := range b {
		a[k] = v
	}
	return encodePayload(a)
}
