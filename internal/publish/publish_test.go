package publish

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vigil/internal/events"
	"vigil/internal/identity"
	"vigil/internal/pipeline"
)

type doneToken struct {
	err     error
	timeout bool
}

func (t doneToken) Wait() bool                     { return !t.timeout }
func (t doneToken) WaitTimeout(time.Duration) bool { return !t.timeout }
func (t doneToken) Error() error                   { return t.err }
func (t doneToken) Done() <-chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}

type published struct {
	topic    string
	retained bool
	payload  []byte
}

type fakeMQTT struct {
	mu           sync.Mutex
	msgs         []published
	token        doneToken
	disconnected bool
}

func (c *fakeMQTT) Publish(topic string, _ byte, retained bool, payload interface{}) mqtt.Token {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.msgs = append(c.msgs, published{topic: topic, retained: retained, payload: payload.([]byte)})
	return c.token
}

func (c *fakeMQTT) Disconnect(uint) {
	c.mu.Lock()
	c.disconnected = true
	c.mu.Unlock()
}

func testRecord(cam string) events.Record {
	return events.Record{
		ID:         "rec-1",
		Timestamp:  time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC),
		CameraID:   cam,
		TrackID:    7,
		PersonName: identity.UnknownName,
		Role:       identity.RoleUnknown,
		Outcome:    identity.OutcomeUnknown,
	}
}

func TestMQTTPublisher(t *testing.T) {
	client := &fakeMQTT{}
	p := newMQTTPublisher(client, MQTTConfig{TopicPrefix: "site/"}, zerolog.Nop())

	p.OnEvent(testRecord("cam1"))
	p.OnStatus(pipeline.CameraStatus{CameraID: "cam1", State: pipeline.CameraRunning})
	require.NoError(t, p.Close())

	require.Len(t, client.msgs, 2)
	assert.True(t, client.disconnected)

	assert.Equal(t, "site/cam1/events", client.msgs[0].topic)
	assert.False(t, client.msgs[0].retained)
	var env Envelope
	require.NoError(t, json.Unmarshal(client.msgs[0].payload, &env))
	assert.Equal(t, KindEvent, env.Kind)
	require.NotNil(t, env.Event)
	assert.Equal(t, 7, env.Event.TrackID)

	assert.Equal(t, "site/cam1/status", client.msgs[1].topic)
	assert.True(t, client.msgs[1].retained)

	// after close nothing is queued
	p.OnEvent(testRecord("cam1"))
	assert.Len(t, client.msgs, 2)
}

func TestMQTTPublishErrors(t *testing.T) {
	tests := []struct {
		name  string
		token doneToken
		want  error
	}{
		{"ok", doneToken{}, nil},
		{"timeout", doneToken{timeout: true}, ErrPublishTimeout},
		{"broker error", doneToken{err: errors.New("not authorized")}, errors.New("not authorized")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client := &fakeMQTT{token: tt.token}
			p := newMQTTPublisher(client, MQTTConfig{}, zerolog.Nop())
			defer p.Close()

			err := p.publish(mqttMessage{topic: "vigil/cam1/events", payload: []byte("{}")})
			if tt.want == nil {
				assert.NoError(t, err)
				return
			}
			assert.EqualError(t, err, tt.want.Error())
		})
	}
}

type fakeWriter struct {
	mu      sync.Mutex
	batches [][]kafka.Message
	closed  bool
}

func (w *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.batches = append(w.batches, append([]kafka.Message(nil), msgs...))
	return nil
}

func (w *fakeWriter) Close() error {
	w.closed = true
	return nil
}

func TestKafkaPublisherBatches(t *testing.T) {
	w := &fakeWriter{}
	p := newKafkaPublisher(w, KafkaConfig{BatchSize: 2, FlushEvery: time.Hour}, zerolog.Nop())

	p.OnEvent(testRecord("cam1"))
	p.OnEvent(testRecord("cam2"))
	p.OnStatus(pipeline.CameraStatus{CameraID: "cam1", State: pipeline.CameraDegraded})
	require.NoError(t, p.Close())

	assert.True(t, w.closed)
	var msgs []kafka.Message
	for _, b := range w.batches {
		assert.NotEmpty(t, b)
		msgs = append(msgs, b...)
	}
	require.Len(t, msgs, 3)

	first := msgs[0]
	assert.Equal(t, "cam1", string(first.Key))
	require.Len(t, first.Headers, 1)
	assert.Equal(t, KindEvent, string(first.Headers[0].Value))
	assert.Equal(t, "cam2", string(msgs[1].Key))

	var env Envelope
	require.NoError(t, json.Unmarshal(msgs[2].Value, &env))
	assert.Equal(t, KindStatus, env.Kind)
	require.NotNil(t, env.Status)
	assert.Equal(t, pipeline.CameraDegraded, env.Status.State)
}

func TestKafkaDropsWhenFull(t *testing.T) {
	p := &KafkaPublisher{
		log:   zerolog.Nop(),
		now:   time.Now,
		input: make(chan kafka.Message, 1),
	}
	p.OnEvent(testRecord("cam1"))
	p.OnEvent(testRecord("cam1"))
	assert.Equal(t, uint64(1), p.Dropped())
}

func TestParseKafkaOptions(t *testing.T) {
	assert.Equal(t, kafka.Gzip, parseCompression("GZIP"))
	assert.Equal(t, kafka.Compression(0), parseCompression(""))
	assert.Equal(t, kafka.RequireAll, parseAcks("all"))
	assert.Equal(t, kafka.RequireOne, parseAcks(""))
}
