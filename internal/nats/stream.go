package nats

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/capitalize-ai/meeting-coordinator/internal/model"
	"github.com/capitalize-ai/meeting-coordinator/pkg/metrics"
)

const (
	// StreamName is the name of the scheduling events stream.
	StreamName = "SCHEDULING"

	// SubjectPrefix is the prefix for all scheduling subjects.
	SubjectPrefix = "sched"
)

// StreamManager handles JetStream stream operations.
type StreamManager struct {
	client *Client
}

// NewStreamManager creates a new stream manager.
func NewStreamManager(client *Client) *StreamManager {
	return &StreamManager{client: client}
}

// EnsureStream ensures the scheduling stream exists with proper configuration.
func (m *StreamManager) EnsureStream(ctx context.Context) error {
	js := m.client.JetStream()

	// Check if stream exists
	_, err := js.Stream(ctx, StreamName)
	if err == nil {
		return nil
	}
	if !errors.Is(err, jetstream.ErrStreamNotFound) {
		return fmt.Errorf("failed to look up stream: %w", err)
	}

	_, err = js.CreateStream(ctx, jetstream.StreamConfig{
		Name:        StreamName,
		Subjects:    []string{fmt.Sprintf("%s.>", SubjectPrefix)},
		Retention:   jetstream.LimitsPolicy,
		MaxAge:      90 * 24 * time.Hour,
		MaxBytes:    10 * 1024 * 1024 * 1024,
		Storage:     jetstream.FileStorage,
		Replicas:    1,
		Compression: jetstream.S2Compression,
		Description: "Scheduling thread events for notifier delivery",
	})
	if err != nil {
		return fmt.Errorf("failed to create stream: %w", err)
	}

	return nil
}

// Ping checks the stream is reachable and records its message count.
func (m *StreamManager) Ping(ctx context.Context) error {
	if !m.client.IsConnected() {
		return errors.New("nats: not connected")
	}
	stream, err := m.client.JetStream().Stream(ctx, StreamName)
	if err != nil {
		return fmt.Errorf("failed to get stream: %w", err)
	}
	info, err := stream.Info(ctx)
	if err != nil {
		return fmt.Errorf("failed to get stream info: %w", err)
	}
	metrics.NATSStreamMessages.WithLabelValues(StreamName).Set(float64(info.State.Msgs))
	return nil
}

// subjectToken makes an identifier safe for use as one subject token.
func subjectToken(id string) string {
	if id == "" {
		return "_"
	}
	return strings.NewReplacer(".", "_", "*", "_", ">", "_", " ", "_").Replace(id)
}

// EventSubject returns the subject for a thread event.
func EventSubject(organizerID, threadID string, eventType model.EventType) string {
	return fmt.Sprintf("%s.%s.%s.event.%s", SubjectPrefix, subjectToken(organizerID), subjectToken(threadID), eventType)
}

// ThreadFilter returns the filter subject for all events of a thread.
func ThreadFilter(organizerID, threadID string) string {
	return fmt.Sprintf("%s.%s.%s.event.>", SubjectPrefix, subjectToken(organizerID), subjectToken(threadID))
}

// PublishEvent publishes an event to JetStream. The notification id is used
// as the message id so retried publishes are deduplicated by the server.
func (m *StreamManager) PublishEvent(ctx context.Context, event *model.Notification) (uint64, error) {
	subject := EventSubject(event.OrganizerID, event.ActionTargetID, event.Type)

	data, err := json.Marshal(event)
	if err != nil {
		return 0, fmt.Errorf("failed to marshal event: %w", err)
	}

	ack, err := m.client.JetStream().Publish(ctx, subject, data, jetstream.WithMsgID(event.ID))
	if err != nil {
		return 0, fmt.Errorf("failed to publish event: %w", err)
	}

	return ack.Sequence, nil
}

// Notify publishes n to the stream so it can act as a notifier sink.
func (m *StreamManager) Notify(ctx context.Context, n *model.Notification) error {
	seq, err := m.PublishEvent(ctx, n)
	if err != nil {
		return err
	}
	n.Sequence = seq
	return nil
}

// GetEvents retrieves events matching filter starting after a sequence.
func (m *StreamManager) GetEvents(ctx context.Context, filter string, afterSequence uint64, limit int) ([]model.Notification, uint64, bool, error) {
	js := m.client.JetStream()

	consumerConfig := jetstream.ConsumerConfig{
		FilterSubject:     filter,
		AckPolicy:         jetstream.AckNonePolicy,
		DeliverPolicy:     jetstream.DeliverAllPolicy,
		InactiveThreshold: time.Minute,
	}

	if afterSequence > 0 {
		consumerConfig.DeliverPolicy = jetstream.DeliverByStartSequencePolicy
		consumerConfig.OptStartSeq = afterSequence + 1
	}

	consumer, err := js.CreateConsumer(ctx, StreamName, consumerConfig)
	if err != nil {
		return nil, 0, false, fmt.Errorf("failed to create consumer: %w", err)
	}

	batch, err := consumer.Fetch(limit, jetstream.FetchMaxWait(2*time.Second))
	if err != nil {
		return nil, 0, false, fmt.Errorf("failed to fetch events: %w", err)
	}

	var (
		events       []model.Notification
		lastSequence = afterSequence
	)
	for msg := range batch.Messages() {
		var event model.Notification
		if err := json.Unmarshal(msg.Data(), &event); err != nil {
			continue
		}

		if meta, err := msg.Metadata(); err == nil {
			event.Sequence = meta.Sequence.Stream
			lastSequence = meta.Sequence.Stream
		}

		events = append(events, event)
	}

	if err := batch.Error(); err != nil && !errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, jetstream.ErrNoMessages) {
		return nil, 0, false, fmt.Errorf("batch error: %w", err)
	}

	return events, lastSequence, len(events) == limit, nil
}
