package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/segmentio/kafka-go"
	"github.com/sirupsen/logrus"
)

// EventType identifies the kind of audit event on the wire.
type EventType string

const (
	EventTrustDecision  EventType = "trust.decision"
	EventRegisterDetail EventType = "trust.register"
)

// Event is the envelope published for each audit record.
type Event struct {
	ID        string          `json:"id"`
	Type      EventType       `json:"type"`
	HostID    string          `json:"host_id"`
	Source    string          `json:"source"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data"`
}

// Publisher delivers audit events to a broker.
type Publisher interface {
	Publish(ctx context.Context, event *Event) error
	Close() error
}

// EventSink adapts a Publisher to the Sink interface.
type EventSink struct {
	publisher Publisher
	source    string
}

// NewEventSink creates a new EventSink
func NewEventSink(publisher Publisher, source string) *EventSink {
	return &EventSink{publisher: publisher, source: source}
}

func (s *EventSink) RecordDecision(ctx context.Context, d *Decision) error {
	return s.publish(ctx, EventTrustDecision, d.ID, d.HostID, d.Timestamp, d)
}

func (s *EventSink) RecordRegisterDetail(ctx context.Context, d *RegisterDetail) error {
	return s.publish(ctx, EventRegisterDetail, d.ID, d.HostID, d.Timestamp, d)
}

func (s *EventSink) publish(ctx context.Context, typ EventType, id, hostID string, at time.Time, record interface{}) error {
	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("failed to marshal audit record: %w", err)
	}
	return s.publisher.Publish(ctx, &Event{
		ID:        id,
		Type:      typ,
		HostID:    hostID,
		Source:    s.source,
		Timestamp: at,
		Data:      data,
	})
}

// Close closes the underlying publisher.
func (s *EventSink) Close() error {
	return s.publisher.Close()
}

// NATSConfig configures the JetStream publisher.
type NATSConfig struct {
	URL     string
	Stream  string
	Subject string
	MaxAge  time.Duration
}

// NATSPublisher publishes audit events to a JetStream stream.
type NATSPublisher struct {
	conn    *nats.Conn
	js      nats.JetStreamContext
	logger  *logrus.Logger
	stream  string
	subject string
	maxAge  time.Duration
}

// NewNATSPublisher connects to NATS and ensures the audit stream exists.
func NewNATSPublisher(config NATSConfig, logger *logrus.Logger) (*NATSPublisher, error) {
	if config.URL == "" {
		config.URL = nats.DefaultURL
	}
	if config.Stream == "" {
		config.Stream = "TRUST_AUDIT"
	}
	if config.Subject == "" {
		config.Subject = "trust.audit"
	}
	if config.MaxAge == 0 {
		config.MaxAge = 7 * 24 * time.Hour
	}

	nc, err := nats.Connect(config.URL,
		nats.Name("attestation-trust-engine"),
		nats.ReconnectWait(2*time.Second),
		nats.MaxReconnects(10),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			logger.WithError(err).Warn("NATS disconnected")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("NATS reconnected")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to create JetStream context: %w", err)
	}

	p := &NATSPublisher{
		conn:    nc,
		js:      js,
		logger:  logger,
		stream:  config.Stream,
		subject: config.Subject,
		maxAge:  config.MaxAge,
	}
	if err := p.ensureStream(); err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to ensure stream: %w", err)
	}
	return p, nil
}

func (p *NATSPublisher) ensureStream() error {
	streamConfig := &nats.StreamConfig{
		Name:       p.stream,
		Subjects:   []string{p.subject + ".>"},
		Storage:    nats.FileStorage,
		Retention:  nats.LimitsPolicy,
		MaxAge:     p.maxAge,
		Duplicates: 5 * time.Minute,
		Replicas:   1,
	}

	if _, err := p.js.AddStream(streamConfig); err != nil {
		if _, err = p.js.UpdateStream(streamConfig); err != nil {
			return fmt.Errorf("failed to create/update stream: %w", err)
		}
	}
	return nil
}

// Subject returns the subject an event is published on.
func (p *NATSPublisher) Subject(event *Event) string {
	return fmt.Sprintf("%s.%s.%s", p.subject, event.Type, event.HostID)
}

func (p *NATSPublisher) Publish(ctx context.Context, event *Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	msg := &nats.Msg{
		Subject: p.Subject(event),
		Data:    data,
		Header: nats.Header{
			"Nats-Msg-Id":  []string{event.ID},
			"Event-Type":   []string{string(event.Type)},
			"Host-ID":      []string{event.HostID},
			"Event-Source": []string{event.Source},
			"Content-Type": []string{"application/json"},
			"Timestamp":    []string{event.Timestamp.Format(time.RFC3339)},
		},
	}

	ack, err := p.js.PublishMsg(msg, nats.Context(ctx))
	if err != nil {
		p.logger.WithError(err).WithField("event_id", event.ID).Error("Failed to publish audit event")
		return fmt.Errorf("failed to publish event: %w", err)
	}

	p.logger.WithFields(logrus.Fields{
		"event_id":   event.ID,
		"event_type": event.Type,
		"host_id":    event.HostID,
		"sequence":   ack.Sequence,
		"stream":     ack.Stream,
	}).Debug("Audit event published")
	return nil
}

func (p *NATSPublisher) Close() error {
	if p.conn != nil {
		p.conn.Close()
	}
	return nil
}

// KafkaPublisher publishes audit events to a Kafka topic keyed by host.
type KafkaPublisher struct {
	writer *kafka.Writer
	logger *logrus.Logger
	topic  string
}

// NewKafkaPublisher creates a new KafkaPublisher
func NewKafkaPublisher(brokers []string, topic string, logger *logrus.Logger) *KafkaPublisher {
	writer := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		BatchSize:    100,
		BatchTimeout: 10 * time.Millisecond,
		RequiredAcks: kafka.RequireAll,
		Compression:  kafka.Snappy,
		ErrorLogger:  kafka.LoggerFunc(logger.Errorf),
	}
	return &KafkaPublisher{writer: writer, logger: logger, topic: topic}
}

// Message builds the Kafka message for an event. Keying by host keeps a
// host's records ordered within a partition.
func (p *KafkaPublisher) Message(event *Event) (kafka.Message, error) {
	data, err := json.Marshal(event)
	if err != nil {
		return kafka.Message{}, fmt.Errorf("failed to marshal event: %w", err)
	}
	return kafka.Message{
		Key:   []byte(event.HostID),
		Value: data,
		Headers: []kafka.Header{
			{Key: "Event-ID", Value: []byte(event.ID)},
			{Key: "Event-Type", Value: []byte(event.Type)},
			{Key: "Event-Source", Value: []byte(event.Source)},
			{Key: "Content-Type", Value: []byte("application/json")},
		},
		Time: event.Timestamp,
	}, nil
}

func (p *KafkaPublisher) Publish(ctx context.Context, event *Event) error {
	msg, err := p.Message(event)
	if err != nil {
		return err
	}
	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		p.logger.WithError(err).WithField("event_id", event.ID).Error("Failed to publish audit event to Kafka")
		return fmt.Errorf("failed to publish event: %w", err)
	}

	p.logger.WithFields(logrus.Fields{
		"event_id":   event.ID,
		"event_type": event.Type,
		"host_id":    event.HostID,
		"topic":      p.topic,
	}).Debug("Audit event published to Kafka")
	return nil
}

func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}
