// Package notify publishes report results to external consumers.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/modoterra/tripwire/pkg/core"
)

// DefaultTopic receives incident events when none is configured.
const DefaultTopic = "tripwire.incidents"

// Publisher sends report results somewhere.
type Publisher interface {
	Publish(ctx context.Context, r core.ReportResult) error
	Close() error
}

// Kafka publishes results to a Kafka-compatible broker, keyed by title so
// events for one incident stay on one partition.
type Kafka struct {
	client *kgo.Client
	topic  string

	mu     sync.RWMutex
	closed bool
}

// NewKafka connects a producer to brokers.
func NewKafka(brokers []string, topic string) (*Kafka, error) {
	if len(brokers) == 0 {
		return nil, fmt.Errorf("at least one broker address is required")
	}
	if topic == "" {
		topic = DefaultTopic
	}
	client, err := kgo.NewClient(
		kgo.SeedBrokers(brokers...),
		kgo.AllowAutoTopicCreation(),
	)
	if err != nil {
		return nil, fmt.Errorf("create kafka client: %w", err)
	}
	return &Kafka{client: client, topic: topic}, nil
}

// Publish produces one record synchronously.
func (k *Kafka) Publish(ctx context.Context, r core.ReportResult) error {
	k.mu.RLock()
	defer k.mu.RUnlock()
	if k.closed {
		return fmt.Errorf("publisher is closed")
	}

	rec, err := Record(k.topic, r)
	if err != nil {
		return err
	}
	if err := k.client.ProduceSync(ctx, rec).FirstErr(); err != nil {
		return fmt.Errorf("produce incident event: %w", err)
	}
	return nil
}

// Close flushes nothing and shuts the client down.
func (k *Kafka) Close() error {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.closed {
		return nil
	}
	k.closed = true
	k.client.Close()
	return nil
}

// Record builds the Kafka record for r.
func Record(topic string, r core.ReportResult) (*kgo.Record, error) {
	value, err := json.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("marshal incident event: %w", err)
	}
	return &kgo.Record{
		Topic: topic,
		Key:   []byte(r.Title),
		Value: value,
		Headers: []kgo.RecordHeader{
			{Key: "signature", Value: []byte(r.Signature)},
		},
		Timestamp: r.At,
	}, nil
}
