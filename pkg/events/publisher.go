package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"spotfleet/internal/model"
	"spotfleet/pkg/config"
	"spotfleet/pkg/interfaces"
	"spotfleet/pkg/logger"

	"github.com/segmentio/kafka-go"
)

const EventSwitchCommitted = "switch.committed"

// SwitchEvent is the message value written for every committed switch
type SwitchEvent struct {
	Type      string        `json:"type"`
	Timestamp time.Time     `json:"timestamp"`
	Switch    *model.Switch `json:"switch"`
}

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaPublisher streams committed switches to a Kafka topic, keyed by agent id
// so one agent's switches stay ordered within a partition
type KafkaPublisher struct {
	writer messageWriter
}

// NewKafkaPublisher creates a publisher writing to cfg.Topic
func NewKafkaPublisher(cfg config.KafkaConfig) *KafkaPublisher {
	writer := &kafka.Writer{
		Addr:                   kafka.TCP(cfg.Brokers...),
		Topic:                  cfg.Topic,
		Balancer:               &kafka.Hash{},
		AllowAutoTopicCreation: true,
		BatchTimeout:           10 * time.Millisecond,
		RequiredAcks:           kafka.RequireOne,
		MaxAttempts:            3,
		WriteBackoffMin:        100 * time.Millisecond,
		WriteBackoffMax:        1 * time.Second,
		Compression:            kafka.Snappy,
	}
	return &KafkaPublisher{writer: writer}
}

func newKafkaPublisherWithWriter(w messageWriter) *KafkaPublisher {
	return &KafkaPublisher{writer: w}
}

// OnSwitchCommitted publishes the switch
func (p *KafkaPublisher) OnSwitchCommitted(ctx context.Context, sw *model.Switch) error {
	event := SwitchEvent{
		Type:      EventSwitchCommitted,
		Timestamp: sw.CommittedAt,
		Switch:    sw,
	}
	value, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal switch event: %w", err)
	}

	msg := kafka.Message{
		Key:   []byte(sw.AgentID),
		Value: value,
		Time:  sw.CommittedAt,
	}
	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("failed to publish switch %s: %w", sw.SwitchID, err)
	}

	logger.DebugCtx(ctx, "switch %s published for agent %s", sw.SwitchID, sw.AgentID)
	return nil
}

func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}

// NoopPublisher drops every event, used when Kafka is disabled
type NoopPublisher struct{}

func (NoopPublisher) OnSwitchCommitted(context.Context, *model.Switch) error { return nil }
func (NoopPublisher) Close() error                                          { return nil }

// NewPublisher picks the publisher matching cfg
func NewPublisher(cfg config.KafkaConfig) interfaces.SwitchPublisher {
	if !cfg.Enabled {
		return NoopPublisher{}
	}
	return NewKafkaPublisher(cfg)
}
