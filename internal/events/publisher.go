// Package events publishes ride state changes onto the pub/sub fabric
// so other nodes and downstream consumers see transitions. Publishing is
// best-effort from the lifecycle's point of view.
package events

import (
	"context"
	"encoding/json"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/example/ride-dispatch/internal/models"
)

type StatusEvent struct {
	RideID   string            `json:"ride_id"`
	Status   models.RideStatus `json:"status"`
	DriverID string            `json:"driver_id,omitempty"`
	At       time.Time         `json:"at"`
}

type Publisher interface {
	PublishStatus(ctx context.Context, ev StatusEvent) error
}

type KafkaPublisher struct {
	writer *kafka.Writer
}

func NewKafkaPublisher(brokers []string, topic string) *KafkaPublisher {
	w := kafka.NewWriter(kafka.WriterConfig{Brokers: brokers, Topic: topic, Balancer: &kafka.LeastBytes{}})
	return &KafkaPublisher{writer: w}
}

func (k *KafkaPublisher) PublishStatus(ctx context.Context, ev StatusEvent) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	b, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	return k.writer.WriteMessages(ctx, kafka.Message{Key: []byte(ev.RideID), Value: b})
}

func (k *KafkaPublisher) Close() error {
	if k.writer == nil {
		return nil
	}
	return k.writer.Close()
}

// LocationPublisher forwards driver location snapshots to the ingest
// topic consumed by the geo updater.
type LocationPublisher struct {
	writer *kafka.Writer
}

func NewLocationPublisher(brokers []string, topic string) *LocationPublisher {
	w := kafka.NewWriter(kafka.WriterConfig{Brokers: brokers, Topic: topic, Balancer: &kafka.LeastBytes{}})
	return &LocationPublisher{writer: w}
}

func (k *LocationPublisher) PublishLocation(ctx context.Context, d models.DriverSnapshot) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	b, err := json.Marshal(d)
	if err != nil {
		return err
	}
	return k.writer.WriteMessages(ctx, kafka.Message{Key: []byte(d.ID), Value: b})
}

func (k *LocationPublisher) Close() error {
	if k.writer == nil {
		return nil
	}
	return k.writer.Close()
}

// Nop satisfies Publisher when no broker is configured.
type Nop struct{}

func (Nop) PublishStatus(ctx context.Context, ev StatusEvent) error { return nil }
