package ingest

import (
	"context"
	"encoding/json"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/kwenda/dispatch/internal/models"
)

// Producer writes driver location pings and outbound dispatch events
// to Kafka. Location pings are keyed by driver so per-driver ordering
// holds; events are keyed by job.
type Producer struct {
	locations *kafka.Writer
	events    *kafka.Writer
}

func NewProducer(brokers []string, locationTopic, eventTopic string) *Producer {
	return &Producer{
		locations: kafka.NewWriter(kafka.WriterConfig{Brokers: brokers, Topic: locationTopic, Balancer: &kafka.Hash{}}),
		events:    kafka.NewWriter(kafka.WriterConfig{Brokers: brokers, Topic: eventTopic, Balancer: &kafka.Hash{}}),
	}
}

func (p *Producer) PublishLocation(d models.DriverLocation) error {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	b, err := json.Marshal(d)
	if err != nil {
		return err
	}
	return p.locations.WriteMessages(ctx, kafka.Message{Key: []byte(d.DriverID), Value: b})
}

// Publish implements the matcher's Events sink.
func (p *Producer) Publish(ctx context.Context, ev models.DispatchEvent) error {
	b, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	return p.events.WriteMessages(ctx, kafka.Message{Key: []byte(ev.JobID), Value: b})
}

func (p *Producer) Close() error {
	var first error
	for _, w := range []*kafka.Writer{p.locations, p.events} {
		if w == nil {
			continue
		}
		if err := w.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}
