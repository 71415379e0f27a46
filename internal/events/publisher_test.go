package events

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rpattn/contactsync/internal/domain"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type recordingWriter struct {
	messages []kafka.Message
	err      error
	closed   bool
}

func (w *recordingWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	if w.err != nil {
		return w.err
	}
	w.messages = append(w.messages, msgs...)
	return nil
}

func (w *recordingWriter) Close() error {
	w.closed = true
	return nil
}

func strPtr(s string) *string { return &s }

func newTestPublisher(w *recordingWriter) *KafkaPublisher {
	p := newKafkaPublisher(w, ProducerConfig{ContactTopic: "contacts", RunTopic: "runs"}, zap.NewNop())
	p.now = func() time.Time { return time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC) }
	return p
}

func header(msg kafka.Message, key string) string {
	for _, h := range msg.Headers {
		if h.Key == key {
			return string(h.Value)
		}
	}
	return ""
}

func TestPublishContactInserted(t *testing.T) {
	w := &recordingWriter{}
	p := newTestPublisher(w)
	runID := uuid.New()

	contact := domain.StoredContact{
		CanonicalContact: domain.CanonicalContact{
			SourceID:  "crm-42",
			FirstName: strPtr("JEAN"),
			LastName:  strPtr("DUPONT"),
			PhoneE164: strPtr("+33612345678"),
		},
		ID:   7,
		UUID: uuid.New(),
	}
	require.NoError(t, p.PublishContactInserted(context.Background(), runID, contact))
	require.Len(t, w.messages, 1)

	msg := w.messages[0]
	assert.Equal(t, "contacts", msg.Topic)
	assert.Equal(t, "crm-42", string(msg.Key))
	assert.Equal(t, EventContactInserted, header(msg, "event_type"))
	assert.Equal(t, runID.String(), header(msg, "run_id"))

	var event ContactEvent
	require.NoError(t, json.Unmarshal(msg.Value, &event))
	assert.Equal(t, int64(7), event.ContactID)
	require.NotNil(t, event.FullName)
	assert.Equal(t, "JEAN DUPONT", *event.FullName)
	assert.Equal(t, []string{}, event.Tags)
}

func TestPublishRunFinished(t *testing.T) {
	w := &recordingWriter{}
	p := newTestPublisher(w)
	summary := domain.RunSummary{
		RunID:       uuid.New(),
		Status:      domain.RunStatusWarning,
		RunCounters: domain.RunCounters{Received: 3, Inserted: 2, Errors: 1},
	}

	require.NoError(t, p.PublishRunFinished(context.Background(), summary))
	require.Len(t, w.messages, 1)
	assert.Equal(t, "runs", w.messages[0].Topic)
	assert.Equal(t, summary.RunID.String(), string(w.messages[0].Key))

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(w.messages[0].Value, &decoded))
	assert.Equal(t, EventRunFinished, decoded["event_type"])
	assert.Equal(t, "warning", decoded["status"])
	assert.EqualValues(t, 3, decoded["received"])
}

func TestPublishWrapsWriterError(t *testing.T) {
	boom := errors.New("broker down")
	p := newTestPublisher(&recordingWriter{err: boom})

	err := p.PublishRunFinished(context.Background(), domain.RunSummary{RunID: uuid.New()})
	assert.ErrorIs(t, err, boom)
}

func TestNewWithoutBrokersIsNop(t *testing.T) {
	pub, err := New(ProducerConfig{}, zap.NewNop())
	require.NoError(t, err)
	assert.False(t, pub.Enabled())
	assert.NoError(t, pub.PublishRunFinished(context.Background(), domain.RunSummary{}))
	assert.NoError(t, pub.Close())
}

func TestWriterSendsEachEventImmediately(t *testing.T) {
	writer := newWriter(ProducerConfig{Brokers: []string{"localhost:9092"}})
	t.Cleanup(func() { _ = writer.Close() })

	assert.Equal(t, 1, writer.BatchSize)
	assert.False(t, writer.Async)
	assert.Equal(t, 10*time.Millisecond, writer.BatchTimeout)
	assert.Equal(t, kafka.RequireOne, writer.RequiredAcks)
	assert.IsType(t, &kafka.Hash{}, writer.Balancer)

	custom := newWriter(ProducerConfig{Brokers: []string{"localhost:9092"}, BatchTimeout: time.Second})
	t.Cleanup(func() { _ = custom.Close() })
	assert.Equal(t, time.Second, custom.BatchTimeout)
	assert.Equal(t, 1, custom.BatchSize)
}
