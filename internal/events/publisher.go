// Package events publishes contact lifecycle and run events to Kafka.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rpattn/contactsync/internal/domain"
	"github.com/rpattn/contactsync/internal/metrics"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// SchemaVersion is the current event schema version
const SchemaVersion = "1.0"

// Event types.
const (
	EventContactInserted = "contact.inserted"
	EventRunFinished     = "run.finished"
)

// Publisher emits pipeline events. Implementations must be safe for
// concurrent use by several runs.
type Publisher interface {
	// Enabled reports whether published events actually leave the process.
	Enabled() bool
	PublishContactInserted(ctx context.Context, runID uuid.UUID, contact domain.StoredContact) error
	PublishRunFinished(ctx context.Context, summary domain.RunSummary) error
	Close() error
}

// ContactEvent is the payload of a contact.inserted message.
type ContactEvent struct {
	EventType string    `json:"event_type"`
	RunID     uuid.UUID `json:"run_id"`
	ContactID int64     `json:"contact_id"`
	UUID      uuid.UUID `json:"uuid"`
	SourceID  string    `json:"source_id"`
	FullName  *string   `json:"full_name,omitempty"`
	Email     *string   `json:"email,omitempty"`
	PhoneE164 *string   `json:"phone_e164,omitempty"`
	Company   *string   `json:"company,omitempty"`
	Tags      []string  `json:"tags"`
	Timestamp time.Time `json:"timestamp"`
}

// RunEvent is the payload of a run.finished message.
type RunEvent struct {
	EventType string `json:"event_type"`
	domain.RunSummary
	Timestamp time.Time `json:"timestamp"`
}

// ProducerConfig holds Kafka producer configuration
type ProducerConfig struct {
	Brokers      []string
	ContactTopic string
	RunTopic     string
	BatchTimeout time.Duration
}

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaPublisher writes events with a segmentio kafka writer.
type KafkaPublisher struct {
	writer       messageWriter
	logger       *zap.Logger
	contactTopic string
	runTopic     string
	now          func() time.Time
}

// NewKafkaPublisher creates a publisher. The writer carries no default topic;
// every message names its own.
func NewKafkaPublisher(cfg ProducerConfig, logger *zap.Logger) (*KafkaPublisher, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("kafka brokers are required")
	}
	return newKafkaPublisher(newWriter(cfg), cfg, logger), nil
}

// newWriter builds a synchronous writer that flushes every event as its own
// batch; WriteMessages returns once the broker acknowledges it.
func newWriter(cfg ProducerConfig) *kafka.Writer {
	batchTimeout := cfg.BatchTimeout
	if batchTimeout <= 0 {
		batchTimeout = 10 * time.Millisecond
	}
	return &kafka.Writer{
		Addr:                   kafka.TCP(cfg.Brokers...),
		Balancer:               &kafka.Hash{},
		BatchSize:              1,
		BatchTimeout:           batchTimeout,
		RequiredAcks:           kafka.RequireOne,
		Compression:            kafka.Snappy,
		AllowAutoTopicCreation: true,
	}
}

func newKafkaPublisher(writer messageWriter, cfg ProducerConfig, logger *zap.Logger) *KafkaPublisher {
	return &KafkaPublisher{
		writer:       writer,
		logger:       logger.Named("events"),
		contactTopic: cfg.ContactTopic,
		runTopic:     cfg.RunTopic,
		now:          func() time.Time { return time.Now().UTC() },
	}
}

func (p *KafkaPublisher) Enabled() bool { return true }

// PublishContactInserted announces a newly created contact, keyed by source id.
func (p *KafkaPublisher) PublishContactInserted(ctx context.Context, runID uuid.UUID, contact domain.StoredContact) error {
	tags := contact.Tags
	if tags == nil {
		tags = []string{}
	}
	event := ContactEvent{
		EventType: EventContactInserted,
		RunID:     runID,
		ContactID: contact.ID,
		UUID:      contact.UUID,
		SourceID:  contact.SourceID,
		FullName:  contact.FullName(),
		Email:     contact.Email,
		PhoneE164: contact.PhoneE164,
		Company:   contact.Company,
		Tags:      tags,
		Timestamp: p.now(),
	}
	return p.publish(ctx, p.contactTopic, contact.SourceID, EventContactInserted, runID, event)
}

// PublishRunFinished announces the summary of a finished run, keyed by run id.
func (p *KafkaPublisher) PublishRunFinished(ctx context.Context, summary domain.RunSummary) error {
	event := RunEvent{
		EventType:  EventRunFinished,
		RunSummary: summary,
		Timestamp:  p.now(),
	}
	return p.publish(ctx, p.runTopic, summary.RunID.String(), EventRunFinished, summary.RunID, event)
}

func (p *KafkaPublisher) publish(ctx context.Context, topic, key, eventType string, runID uuid.UUID, event any) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to encode %s event: %w", eventType, err)
	}

	msg := kafka.Message{
		Topic: topic,
		Key:   []byte(key),
		Value: data,
		Headers: []kafka.Header{
			{Key: "event_type", Value: []byte(eventType)},
			{Key: "run_id", Value: []byte(runID.String())},
			{Key: "schema_version", Value: []byte(SchemaVersion)},
		},
	}

	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		metrics.EventsPublished.WithLabelValues(topic, "error").Inc()
		p.logger.Error("events: failed to publish",
			zap.String("topic", topic),
			zap.String("event_type", eventType),
			zap.String("key", key),
			zap.Error(err),
		)
		return fmt.Errorf("failed to publish %s event: %w", eventType, err)
	}

	metrics.EventsPublished.WithLabelValues(topic, "ok").Inc()
	p.logger.Debug("events: published",
		zap.String("topic", topic),
		zap.String("event_type", eventType),
		zap.String("key", key),
		zap.Int("bytes", len(data)),
	)
	return nil
}

// Close closes the producer
func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}

// Nop discards every event. It is used when no brokers are configured.
type Nop struct{}

func (Nop) Enabled() bool { return false }

func (Nop) PublishContactInserted(context.Context, uuid.UUID, domain.StoredContact) error {
	return nil
}

func (Nop) PublishRunFinished(context.Context, domain.RunSummary) error { return nil }

func (Nop) Close() error { return nil }

// New returns a Kafka publisher when brokers are configured and Nop otherwise.
func New(cfg ProducerConfig, logger *zap.Logger) (Publisher, error) {
	if len(cfg.Brokers) == 0 {
		logger.Info("events: no kafka brokers configured, publishing disabled")
		return Nop{}, nil
	}
	return NewKafkaPublisher(cfg, logger)
}

var (
	_ Publisher = (*KafkaPublisher)(nil)
	_ Publisher = Nop{}
)
