// Package fkpolicy implements the foreign-key blocking policy engine
// (C13): deciding whether an event on an object must wait behind
// pending errors somewhere in its foreign-key graph. Pure decision
// logic, free of the error queue's storage, so it can be tested as a
// function of policy plus the caller-supplied error state on each side
// of the relationship.
//
// Two relationships matter for one event on object X:
//   - X as a CHILD: X declares a foreign key to some parent P. If P has
//     pending errors, X's event may need to wait so it is never applied
//     against a parent state the target hasn't caught up to.
//   - X as a PARENT: some other type declares a foreign key to X. If one
//     of those children has pending errors, removing X may need to wait
//     so the target never loses the parent a still-erroring child
//     references.
package fkpolicy

import "github.com/DSIN-INSA-Strasbourg/hermes-go/internal/bus"

type Policy string

const (
	Disabled      Policy = "disabled"
	OnRemoveEvent Policy = "on_remove_event"
	OnEveryEvent  Policy = "on_every_event"
)

// BlocksAsChild decides whether ev on X must wait because X's
// foreign-key parent currently has pending errors. Both non-disabled
// policies apply this rule to every operation.
func BlocksAsChild(policy Policy, parentHasPendingErrors bool) bool {
	if !parentHasPendingErrors {
		return false
	}
	return policy == OnRemoveEvent || policy == OnEveryEvent
}

// BlocksAsParentRemoval decides whether a removed event on X must wait
// because a child of X currently has pending errors. Only
// on_remove_event protects this direction; on_every_event's blocking
// rule is scoped to the child side only.
func BlocksAsParentRemoval(policy Policy, ev bus.Event, anyChildHasPendingErrors bool) bool {
	if policy != OnRemoveEvent {
		return false
	}
	return ev.Operation == bus.OpRemoved && anyChildHasPendingErrors
}

// RelationState is what the applier gathers about one event's position
// in the foreign-key graph before asking ShouldBlock.
type RelationState struct {
	ParentHasPendingErrors   bool
	AnyChildHasPendingErrors bool
}

// ShouldBlock combines both directions for one event.
func ShouldBlock(policy Policy, ev bus.Event, state RelationState) bool {
	return BlocksAsChild(policy, state.ParentHasPendingErrors) ||
		BlocksAsParentRemoval(policy, ev, state.AnyChildHasPendingErrors)
}
