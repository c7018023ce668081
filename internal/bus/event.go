// Package bus implements the FIFO, at-least-once messagebus abstraction
// (C9) that decouples producers from consumers. The wire event shape
// and identity rule come straight from spec.md §4.7; the transport is
// segmentio/kafka-go, the only message-broker client across the
// example pack, with offsets persisted in the shared badger store
// (internal/storage) rather than relying solely on the broker's
// consumer-group offset commit, so a consumer can resume precisely even
// if its group is reset.
package bus

import (
	"encoding/json"
	"fmt"

	"github.com/DSIN-INSA-Strasbourg/hermes-go/internal/dataschema"
)

// Operation is the event kind C9 tags every message with.
type Operation string

const (
	OpAdded          Operation = "added"
	OpModified       Operation = "modified"
	OpRemoved        Operation = "removed"
	OpInitsyncBegin  Operation = "initsync_begin"
	OpInitsyncEnd    Operation = "initsync_end"
	OpSchemaUpdate   Operation = "schema_update"
)

// Event is one message on the bus.
type Event struct {
	Offset         int64           `json:"offset"`
	Type           string          `json:"type"`
	Pkey           dataschema.Pkey `json:"pkey"`
	Operation      Operation       `json:"operation"`
	Payload        json.RawMessage `json:"payload"`
	// FKeys carries the values of this type's foreign-key attributes at
	// the moment of removal; populated only for Operation == OpRemoved,
	// since Payload is empty there and a removed event is the only place
	// the foreign-key policy engine (C13) needs a parent/child pkey it
	// can no longer read back from the cache.
	FKeys          json.RawMessage `json:"fkeys,omitempty"`
	SchemaRevision int             `json:"schema_revision"`
	ProducerStep   int64           `json:"producer_step"`
}

// Identity is the tuple spec.md §4.7 defines as an event's identity for
// idempotent resend detection: (type, pkey, producer_step, operation).
type Identity struct {
	Type         string
	Pkey         dataschema.Pkey
	ProducerStep int64
	Operation    Operation
}

func (e Event) Identity() Identity {
	return Identity{Type: e.Type, Pkey: e.Pkey, ProducerStep: e.ProducerStep, Operation: e.Operation}
}

func (e Event) String() string {
	return fmt.Sprintf("%s(%s/%s @step=%d off=%d)", e.Operation, e.Type, e.Pkey, e.ProducerStep, e.Offset)
}
