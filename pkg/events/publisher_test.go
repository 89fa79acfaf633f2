package events

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"spotfleet/internal/model"
	"spotfleet/pkg/config"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingWriter struct {
	msgs   []kafka.Message
	err    error
	closed bool
}

func (w *recordingWriter) WriteMessages(ctx context.Context, msgs ...kafka.Message) error {
	if w.err != nil {
		return w.err
	}
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *recordingWriter) Close() error {
	w.closed = true
	return nil
}

func TestKafkaPublisher_KeysByAgent(t *testing.T) {
	w := &recordingWriter{}
	p := newKafkaPublisherWithWriter(w)
	committed := time.Date(2026, 3, 1, 12, 1, 0, 0, time.UTC)

	err := p.OnSwitchCommitted(context.Background(), &model.Switch{
		SwitchID:    "sw-1",
		AgentID:     "agent-1",
		TriggerType: model.TriggerEmergency,
		CommittedAt: committed,
	})
	require.NoError(t, err)
	require.Len(t, w.msgs, 1)
	assert.Equal(t, "agent-1", string(w.msgs[0].Key))

	var event SwitchEvent
	require.NoError(t, json.Unmarshal(w.msgs[0].Value, &event))
	assert.Equal(t, EventSwitchCommitted, event.Type)
	assert.Equal(t, "sw-1", event.Switch.SwitchID)
	assert.True(t, event.Timestamp.Equal(committed))

	require.NoError(t, p.Close())
	assert.True(t, w.closed)
}

func TestKafkaPublisher_WriteError(t *testing.T) {
	p := newKafkaPublisherWithWriter(&recordingWriter{err: errors.New("broker down")})
	err := p.OnSwitchCommitted(context.Background(), &model.Switch{SwitchID: "sw-1"})
	assert.ErrorContains(t, err, "broker down")
}

func TestNewPublisher(t *testing.T) {
	assert.IsType(t, NoopPublisher{}, NewPublisher(config.KafkaConfig{}))
	assert.IsType(t, &KafkaPublisher{}, NewPublisher(config.KafkaConfig{
		Enabled: true,
		Brokers: []string{"localhost:9092"},
		Topic:   "spotfleet.switches",
	}))
}
