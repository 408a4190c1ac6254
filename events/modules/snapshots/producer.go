package snapshots

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/ortelius/pdvd-vulncorr/model"
	"github.com/segmentio/kafka-go"
)

// MessageWriter is the part of kafka.Writer the producer uses
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// AlertProducer publishes alerts.calculated events
type AlertProducer struct {
	Writer MessageWriter
}

// NewAlertProducer initializes a new Kafka writer for alert events.
// transport may be nil for an unauthenticated local broker.
func NewAlertProducer(brokers []string, topic string, transport kafka.RoundTripper) *AlertProducer {
	return &AlertProducer{
		Writer: &kafka.Writer{
			Addr:      kafka.TCP(brokers...),
			Topic:     topic,
			Balancer:  &kafka.Hash{},
			Transport: transport,
		},
	}
}

// NewAlertsCalculatedEvent builds the event contract for one calculation
func NewAlertsCalculatedEvent(snap model.Snapshot, summary model.AlertSummary) AlertsCalculatedEvent {
	return AlertsCalculatedEvent{
		EventType:     EventAlertsCalculated,
		EventID:       uuid.New().String(),
		EventTime:     time.Now().UTC(),
		SchemaVersion: SchemaVersion,
		ProjectID:     snap.ProjectID,
		SnapshotID:    snap.Key,
		Sequence:      snap.Sequence,
		Summary:       summary,
	}
}

// AlertsCalculated sends the summary to the Kafka topic, keyed by project so
// a project's events stay ordered
func (p *AlertProducer) AlertsCalculated(ctx context.Context, snap model.Snapshot, summary model.AlertSummary) error {
	payload, err := json.Marshal(NewAlertsCalculatedEvent(snap, summary))
	if err != nil {
		return err
	}

	return p.Writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(snap.ProjectID),
		Value: payload,
	})
}

// Close cleans up the Kafka writer
func (p *AlertProducer) Close() error {
	return p.Writer.Close()
}
