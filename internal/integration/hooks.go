package integration

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/odyssey-erp/stockcount/internal/stockcount"
)

// EventStockCountPosted is the event-type header of posted count messages.
const EventStockCountPosted = "stockcount.posted"

// ErrPublisherClosed is returned after Close.
var ErrPublisherClosed = errors.New("integration: publisher closed")

// MessageWriter is the subset of kafka.Writer used by Publisher.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Publisher forwards domain events from the stock count engine to Kafka.
type Publisher struct {
	writer  MessageWriter
	topic   string
	timeout time.Duration
	closed  bool
}

// NewKafkaPublisher builds a Publisher writing to topic on brokers.
func NewKafkaPublisher(brokers []string, topic string) *Publisher {
	writer := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		BatchSize:    100,
		BatchTimeout: 10 * time.Millisecond,
		RequiredAcks: kafka.RequireOne,
		Compression:  kafka.Snappy,
	}
	return NewPublisher(writer, topic)
}

// NewPublisher wraps an existing writer.
func NewPublisher(writer MessageWriter, topic string) *Publisher {
	return &Publisher{writer: writer, topic: topic, timeout: 5 * time.Second}
}

// Topic reports the destination topic.
func (p *Publisher) Topic() string {
	if p == nil {
		return ""
	}
	return p.topic
}

// PublishStockCountPosted writes one message per posting pass, keyed by the
// location so that consumers see passes for a location in order.
func (p *Publisher) PublishStockCountPosted(ctx context.Context, evt stockcount.PostedEvent) error {
	if p == nil || p.writer == nil {
		return nil
	}
	if p.closed {
		return ErrPublisherClosed
	}
	if evt.AdjustmentID == 0 {
		return errors.New("integration: adjustment id required")
	}
	payload, err := json.Marshal(newPostedMessage(evt))
	if err != nil {
		return fmt.Errorf("integration: marshal posted event %d: %w", evt.AdjustmentID, err)
	}
	msg := kafka.Message{
		Key:   []byte(fmt.Sprintf("location-%d", evt.LocationID)),
		Value: payload,
		Time:  evt.PostedAt,
		Headers: []kafka.Header{
			{Key: "event-type", Value: []byte(EventStockCountPosted)},
			{Key: "adjustment", Value: []byte(evt.Name)},
		},
	}
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()
	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("integration: write %s for %s: %w", EventStockCountPosted, evt.Name, err)
	}
	return nil
}

// Close flushes and closes the writer.
func (p *Publisher) Close() error {
	if p == nil || p.writer == nil || p.closed {
		return nil
	}
	p.closed = true
	return p.writer.Close()
}
