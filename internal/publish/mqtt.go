package publish

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog"

	"vigil/internal/events"
	"vigil/internal/pipeline"
)

// ErrPublishTimeout is returned when the broker does not acknowledge a
// message in time.
var ErrPublishTimeout = errors.New("publish timeout")

// MQTTConfig configures the MQTT publisher
type MQTTConfig struct {
	Enabled        bool          `mapstructure:"enabled"`
	Broker         string        `mapstructure:"broker"` // tcp://host:1883
	ClientID       string        `mapstructure:"client_id"`
	Username       string        `mapstructure:"username"`
	Password       string        `mapstructure:"password"`
	TopicPrefix    string        `mapstructure:"topic_prefix"`
	QoS            byte          `mapstructure:"qos"`
	PublishTimeout time.Duration `mapstructure:"publish_timeout"`
	QueueSize      int           `mapstructure:"queue_size"`
}

// mqttClient is the part of mqtt.Client the publisher uses
type mqttClient interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
	Disconnect(quiesce uint)
}

type mqttMessage struct {
	topic    string
	retained bool
	payload  []byte
}

// MQTTPublisher publishes events to {prefix}/{camera}/events and status
// changes, retained, to {prefix}/{camera}/status.
type MQTTPublisher struct {
	client  mqttClient
	cfg     MQTTConfig
	log     zerolog.Logger
	now     func() time.Time
	queue   chan mqttMessage
	done    chan struct{}
	once    sync.Once
	dropped atomic.Uint64

	mu     sync.RWMutex
	closed bool
}

// NewMQTTPublisher connects to the broker. The client keeps reconnecting in
// the background if the first attempt fails.
func NewMQTTPublisher(cfg MQTTConfig, log zerolog.Logger) (*MQTTPublisher, error) {
	if cfg.Broker == "" {
		return nil, fmt.Errorf("mqtt broker is required")
	}
	if cfg.ClientID == "" {
		cfg.ClientID = "vigil"
	}
	log = log.With().Str("component", "mqtt").Logger()

	opts := mqtt.NewClientOptions().
		AddBroker(cfg.Broker).
		SetClientID(cfg.ClientID).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(2 * time.Second).
		SetMaxReconnectInterval(30 * time.Second).
		SetOnConnectHandler(func(mqtt.Client) {
			log.Info().Str("broker", cfg.Broker).Msg("connected to mqtt broker")
		}).
		SetConnectionLostHandler(func(_ mqtt.Client, err error) {
			log.Warn().Err(err).Msg("mqtt connection lost")
		})
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}

	client := mqtt.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(5 * time.Second) {
		log.Warn().Str("broker", cfg.Broker).Msg("mqtt broker not reachable yet, retrying in background")
	} else if err := token.Error(); err != nil {
		return nil, fmt.Errorf("connect to mqtt broker: %w", err)
	}

	return newMQTTPublisher(client, cfg, log), nil
}

func newMQTTPublisher(client mqttClient, cfg MQTTConfig, log zerolog.Logger) *MQTTPublisher {
	if cfg.TopicPrefix == "" {
		cfg.TopicPrefix = "vigil"
	}
	if cfg.PublishTimeout <= 0 {
		cfg.PublishTimeout = 2 * time.Second
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = defaultQueueSize
	}
	p := &MQTTPublisher{
		client: client,
		cfg:    cfg,
		log:    log,
		now:    time.Now,
		queue:  make(chan mqttMessage, cfg.QueueSize),
		done:   make(chan struct{}),
	}
	go p.loop()
	return p
}

// Topic returns the topic for a camera and message kind
func (p *MQTTPublisher) Topic(cameraID, kind string) string {
	return strings.TrimSuffix(p.cfg.TopicPrefix, "/") + "/" + cameraID + "/" + kind
}

func (p *MQTTPublisher) OnEvent(rec events.Record) {
	p.enqueue(p.Topic(rec.CameraID, "events"), false, eventEnvelope(rec, p.now()))
}

func (p *MQTTPublisher) OnStatus(st pipeline.CameraStatus) {
	p.enqueue(p.Topic(st.CameraID, "status"), true, statusEnvelope(st, p.now()))
}

func (p *MQTTPublisher) enqueue(topic string, retained bool, env Envelope) {
	payload, err := env.encode()
	if err != nil {
		p.log.Error().Err(err).Str("topic", topic).Msg("encode mqtt payload")
		return
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return
	}
	select {
	case p.queue <- mqttMessage{topic: topic, retained: retained, payload: payload}:
	default:
		if n := p.dropped.Add(1); n == 1 || n%100 == 0 {
			p.log.Warn().Uint64("dropped", n).Msg("mqtt queue full, dropping message")
		}
	}
}

func (p *MQTTPublisher) loop() {
	defer close(p.done)
	for msg := range p.queue {
		if err := p.publish(msg); err != nil {
			p.log.Warn().Err(err).Str("topic", msg.topic).Msg("mqtt publish failed")
		}
	}
}

func (p *MQTTPublisher) publish(msg mqttMessage) error {
	token := p.client.Publish(msg.topic, p.cfg.QoS, msg.retained, msg.payload)
	if !token.WaitTimeout(p.cfg.PublishTimeout) {
		return ErrPublishTimeout
	}
	return token.Error()
}

// Dropped returns how many messages were discarded because the queue was full
func (p *MQTTPublisher) Dropped() uint64 { return p.dropped.Load() }

// Close drains queued messages and disconnects. Messages arriving after
// Close are ignored.
func (p *MQTTPublisher) Close() error {
	p.once.Do(func() {
		p.mu.Lock()
		p.closed = true
		close(p.queue)
		p.mu.Unlock()

		<-p.done
		p.client.Disconnect(250)
	})
	return nil
}

var _ pipeline.Observer = (*MQTTPublisher)(nil)
