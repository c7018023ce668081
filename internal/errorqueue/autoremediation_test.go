package errorqueue_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/DSIN-INSA-Strasbourg/hermes-go/internal/bus"
	"github.com/DSIN-INSA-Strasbourg/hermes-go/internal/errorqueue"
)

func qe(op bus.Operation) errorqueue.QueuedEvent {
	return errorqueue.QueuedEvent{Event: bus.Event{Operation: op, Payload: []byte(`{}`)}}
}

func TestCoalesceDisabledAlwaysAppends(t *testing.T) {
	existing := []errorqueue.QueuedEvent{qe(bus.OpAdded)}
	out := errorqueue.Coalesce(existing, qe(bus.OpModified), errorqueue.Disabled)
	require.Len(t, out, 2)
}

func TestCoalesceConservativeAddedThenModifiedMerges(t *testing.T) {
	existing := []errorqueue.QueuedEvent{qe(bus.OpAdded)}
	out := errorqueue.Coalesce(existing, qe(bus.OpModified), errorqueue.Conservative)
	require.Len(t, out, 1)
	assert.Equal(t, bus.OpAdded, out[0].Event.Operation)
}

func TestCoalesceConservativeModifiedThenModifiedMerges(t *testing.T) {
	existing := []errorqueue.QueuedEvent{qe(bus.OpModified)}
	out := errorqueue.Coalesce(existing, qe(bus.OpModified), errorqueue.Conservative)
	require.Len(t, out, 1)
	assert.Equal(t, bus.OpModified, out[0].Event.Operation)
}

func TestCoalesceMaximumAddedThenRemovedAnnihilates(t *testing.T) {
	existing := []errorqueue.QueuedEvent{qe(bus.OpAdded)}
	out := errorqueue.Coalesce(existing, qe(bus.OpRemoved), errorqueue.Maximum)
	assert.Empty(t, out)
}

func TestCoalesceMaximumRemovedThenAddedBecomesModified(t *testing.T) {
	existing := []errorqueue.QueuedEvent{qe(bus.OpRemoved)}
	out := errorqueue.Coalesce(existing, qe(bus.OpAdded), errorqueue.Maximum)
	require.Len(t, out, 1)
	assert.Equal(t, bus.OpModified, out[0].Event.Operation)
}

func TestCoalesceMaximumModifiedThenRemovedKeepsRemoved(t *testing.T) {
	existing := []errorqueue.QueuedEvent{qe(bus.OpModified)}
	out := errorqueue.Coalesce(existing, qe(bus.OpRemoved), errorqueue.Maximum)
	require.Len(t, out, 1)
	assert.Equal(t, bus.OpRemoved, out[0].Event.Operation)
}

func TestCoalesceConservativeDoesNotApplyMaximumRules(t *testing.T) {
	existing := []errorqueue.QueuedEvent{qe(bus.OpAdded)}
	out := errorqueue.Coalesce(existing, qe(bus.OpRemoved), errorqueue.Conservative)
	require.Len(t, out, 2)
}

func TestCoalesceRefusesMergeWhenPartiallyProcessed(t *testing.T) {
	partial := qe(bus.OpAdded)
	partial.CurrentStep = 1
	partial.IsPartiallyProcessed = true
	existing := []errorqueue.QueuedEvent{partial}

	out := errorqueue.Coalesce(existing, qe(bus.OpModified), errorqueue.Maximum)
	require.Len(t, out, 2)
}
