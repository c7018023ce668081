package bus

import (
	"context"
	"encoding/json"
	"fmt"

	kafka "github.com/segmentio/kafka-go"

	"github.com/DSIN-INSA-Strasbourg/hermes-go/internal/storage"
)

// KafkaPublisher publishes events with kafka-go's Writer, keyed by
// "type\x1fpkey" so every event for one object lands on the same
// partition and therefore keeps FIFO order relative to its siblings.
type KafkaPublisher struct {
	w *kafka.Writer
}

func NewKafkaPublisher(brokers []string, topic string) *KafkaPublisher {
	return &KafkaPublisher{w: &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
	}}
}

func (p *KafkaPublisher) Publish(ctx context.Context, ev Event) error {
	buf, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("bus: marshal event: %w", err)
	}
	key := storage.Key(ev.Type, string(ev.Pkey))
	return p.w.WriteMessages(ctx, kafka.Message{Key: key, Value: buf})
}

func (p *KafkaPublisher) Close() error { return p.w.Close() }

const offsetNamespace = "bus_offset"

// KafkaConsumer wraps kafka-go's Reader and additionally persists the
// last-committed offset to the shared badger store, keyed by consumer
// group, so LastCommittedOffset can tell a resumed run from a cold start.
// A resumed run reads from the group's broker-side offset; nothing seeks
// to the stored one.
type KafkaConsumer struct {
	r     *kafka.Reader
	db    *storage.DB
	group string
}

func NewKafkaConsumer(db *storage.DB, brokers []string, topic, group string) *KafkaConsumer {
	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers: brokers,
		Topic:   topic,
		GroupID: group,
	})
	return &KafkaConsumer{r: r, db: db, group: group}
}

func (c *KafkaConsumer) Fetch(ctx context.Context) (Event, error) {
	msg, err := c.r.FetchMessage(ctx)
	if err != nil {
		return Event{}, fmt.Errorf("bus: fetch: %w", err)
	}
	var ev Event
	if err := json.Unmarshal(msg.Value, &ev); err != nil {
		return Event{}, fmt.Errorf("bus: decode event: %w", err)
	}
	ev.Offset = msg.Offset
	return ev, nil
}

// Commit marks ev durably handled: it commits the underlying kafka
// message, then persists the offset to badger, where LastCommittedOffset
// finds it on the next start.
func (c *KafkaConsumer) Commit(ctx context.Context, ev Event) error {
	if err := c.r.CommitMessages(ctx, kafka.Message{
		Topic:     c.r.Config().Topic,
		Partition: 0,
		Offset:    ev.Offset,
	}); err != nil {
		return fmt.Errorf("bus: commit: %w", err)
	}
	return c.db.Put(storage.Key(offsetNamespace, c.group), ev.Offset)
}

func (c *KafkaConsumer) Seek(ctx context.Context, offset int64) error {
	if err := c.r.SetOffset(offset); err != nil {
		return fmt.Errorf("bus: seek: %w", err)
	}
	return nil
}

// LastCommittedOffset returns the offset persisted by the most recent
// Commit call for this group, or (0, false) if none has happened yet —
// used on startup to decide between resuming a run and running initsync.
func (c *KafkaConsumer) LastCommittedOffset() (int64, bool, error) {
	var offset int64
	found, err := c.db.Get(storage.Key(offsetNamespace, c.group), &offset)
	if err != nil {
		return 0, false, err
	}
	return offset, found, nil
}

func (c *KafkaConsumer) Close() error { return c.r.Close() }

// KafkaScanner implements initsync.Scanner over a dedicated, groupless
// reader so a cold-start marker scan never disturbs the main
// KafkaConsumer's committed group offset.
type KafkaScanner struct {
	brokers []string
	topic   string
}

func NewKafkaScanner(brokers []string, topic string) *KafkaScanner {
	return &KafkaScanner{brokers: brokers, topic: topic}
}

// ScanFrom reads every event from offset up to the partition's current
// high watermark, stopping once caught up rather than blocking for
// future messages — a marker scan only needs history already on the
// bus, never events yet to arrive.
func (s *KafkaScanner) ScanFrom(ctx context.Context, offset int64, fn func(Event) bool) error {
	r := kafka.NewReader(kafka.ReaderConfig{Brokers: s.brokers, Topic: s.topic})
	defer r.Close()

	if err := r.SetOffset(offset); err != nil {
		return fmt.Errorf("bus: scan: seek: %w", err)
	}

	for {
		msg, err := r.ReadMessage(ctx)
		if err != nil {
			return fmt.Errorf("bus: scan: read: %w", err)
		}
		var ev Event
		if err := json.Unmarshal(msg.Value, &ev); err != nil {
			return fmt.Errorf("bus: scan: decode: %w", err)
		}
		ev.Offset = msg.Offset

		if !fn(ev) {
			return nil
		}
		if r.Stats().Lag == 0 {
			return nil
		}
	}
}
