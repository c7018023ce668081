package producer_test

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/DSIN-INSA-Strasbourg/hermes-go/internal/bus"
	"github.com/DSIN-INSA-Strasbourg/hermes-go/internal/dataschema"
	"github.com/DSIN-INSA-Strasbourg/hermes-go/internal/producer"
)

type fakePublisher struct {
	published []bus.Event
}

func (f *fakePublisher) Publish(ctx context.Context, ev bus.Event) error {
	f.published = append(f.published, ev)
	return nil
}

func (f *fakePublisher) Close() error { return nil }

func TestPublishSchemaEncodesCurrentSchema(t *testing.T) {
	users := &dataschema.Type{Name: "Users", PrimaryKey: []string{"pkey"}}
	schema, err := dataschema.New(3, []*dataschema.Type{users})
	require.NoError(t, err)

	pub := &fakePublisher{}
	engine := &producer.Engine{Schema: schema, Publisher: pub}

	require.NoError(t, engine.PublishSchema(context.Background()))
	require.Len(t, pub.published, 1)

	ev := pub.published[0]
	assert.Equal(t, bus.OpSchemaUpdate, ev.Operation)
	assert.Equal(t, 3, ev.SchemaRevision)

	var wire struct {
		Revision int
		Types    []*dataschema.Type
	}
	require.NoError(t, json.Unmarshal(ev.Payload, &wire))
	assert.Equal(t, 3, wire.Revision)
	require.Len(t, wire.Types, 1)
	assert.Equal(t, "Users", wire.Types[0].Name)
}
