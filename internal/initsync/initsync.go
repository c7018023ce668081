// Package initsync implements the Consumer's initial-sync orchestration
// (C15): locating an initsync_begin/initsync_end marker pair on the bus
// when a consumer starts with no local cache, and running the cycle
// between them with authoritative (non-coalescing) added-event
// semantics. Scanning itself goes through the small Scanner seam below
// so this package stays independent of the concrete bus.Consumer
// implementation (kafka-go requires sequential reads from an offset; a
// test double can simulate arbitrary marker placement).
package initsync

import (
	"context"
	"fmt"

	"github.com/DSIN-INSA-Strasbourg/hermes-go/internal/bus"
)

// Scanner reads sequential events starting from the earliest retained
// offset, used only to locate marker boundaries before normal
// consumption begins.
type Scanner interface {
	// ScanFrom calls fn once per event starting at offset, in order,
	// until fn returns false or the stream is exhausted.
	ScanFrom(ctx context.Context, offset int64, fn func(bus.Event) bool) error
}

// Sequence is one discovered initsync_begin..initsync_end span.
type Sequence struct {
	BeginOffset int64
	EndOffset   int64
	Found       bool
}

// FindSequence scans from the earliest offset, collecting every
// begin/end marker pair, and returns the first one if
// useFirstInitsyncSequence is true, otherwise the most recently started
// one (spec.md §4.13).
func FindSequence(ctx context.Context, scanner Scanner, useFirstInitsyncSequence bool) (Sequence, error) {
	var sequences []Sequence
	var openBegin *int64

	err := scanner.ScanFrom(ctx, 0, func(ev bus.Event) bool {
		switch ev.Operation {
		case bus.OpInitsyncBegin:
			off := ev.Offset
			openBegin = &off
		case bus.OpInitsyncEnd:
			if openBegin != nil {
				sequences = append(sequences, Sequence{BeginOffset: *openBegin, EndOffset: ev.Offset, Found: true})
				openBegin = nil
			}
		}
		return true
	})
	if err != nil {
		return Sequence{}, fmt.Errorf("initsync: scan: %w", err)
	}

	if len(sequences) == 0 {
		return Sequence{}, nil
	}
	if useFirstInitsyncSequence {
		return sequences[0], nil
	}
	return sequences[len(sequences)-1], nil
}

// Cursor tracks progress through a discovered sequence so the applier
// can ask, per event, whether initsync's authoritative-add rule still
// applies and whether the sequence has just closed.
type Cursor struct {
	seq    Sequence
	active bool
}

func NewCursor(seq Sequence) *Cursor {
	return &Cursor{seq: seq}
}

// Observe updates the cursor with the next fetched event and reports
// whether that event is still inside the initsync window.
func (c *Cursor) Observe(ev bus.Event) (inWindow bool) {
	if !c.seq.Found {
		return false
	}
	if ev.Offset == c.seq.BeginOffset {
		c.active = true
		return true
	}
	if ev.Offset == c.seq.EndOffset {
		inWindow := c.active
		c.active = false
		return inWindow
	}
	return c.active
}

// IsAuthoritativeAdd reports whether an added event observed while
// inWindow must bypass error-queue coalescing and be treated as
// authoritative, per spec.md §4.13.
func IsAuthoritativeAdd(ev bus.Event, inWindow bool) bool {
	return inWindow && ev.Operation == bus.OpAdded
}
