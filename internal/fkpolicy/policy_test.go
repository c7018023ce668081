package fkpolicy_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/DSIN-INSA-Strasbourg/hermes-go/internal/bus"
	"github.com/DSIN-INSA-Strasbourg/hermes-go/internal/fkpolicy"
)

func TestDisabledNeverBlocks(t *testing.T) {
	ev := bus.Event{Operation: bus.OpRemoved}
	blocked := fkpolicy.ShouldBlock(fkpolicy.Disabled, ev, fkpolicy.RelationState{
		ParentHasPendingErrors: true, AnyChildHasPendingErrors: true,
	})
	assert.False(t, blocked)
}

func TestOnRemoveEventBlocksParentRemovalWhenChildErrored(t *testing.T) {
	ev := bus.Event{Operation: bus.OpRemoved}
	assert.True(t, fkpolicy.ShouldBlock(fkpolicy.OnRemoveEvent, ev, fkpolicy.RelationState{AnyChildHasPendingErrors: true}))

	modifyEv := bus.Event{Operation: bus.OpModified}
	assert.False(t, fkpolicy.ShouldBlock(fkpolicy.OnRemoveEvent, modifyEv, fkpolicy.RelationState{AnyChildHasPendingErrors: true}))
}

func TestOnRemoveEventBlocksChildOnAnyOperationWhenParentErrored(t *testing.T) {
	ev := bus.Event{Operation: bus.OpAdded}
	assert.True(t, fkpolicy.ShouldBlock(fkpolicy.OnRemoveEvent, ev, fkpolicy.RelationState{ParentHasPendingErrors: true}))
}

func TestOnEveryEventBlocksChildButNotParentRemoval(t *testing.T) {
	childEv := bus.Event{Operation: bus.OpModified}
	assert.True(t, fkpolicy.ShouldBlock(fkpolicy.OnEveryEvent, childEv, fkpolicy.RelationState{ParentHasPendingErrors: true}))

	removeEv := bus.Event{Operation: bus.OpRemoved}
	assert.False(t, fkpolicy.ShouldBlock(fkpolicy.OnEveryEvent, removeEv, fkpolicy.RelationState{AnyChildHasPendingErrors: true}))
}
