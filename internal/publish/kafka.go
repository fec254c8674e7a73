package publish

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"

	"vigil/internal/events"
	"vigil/internal/pipeline"
)

// KafkaConfig configures the Kafka publisher
type KafkaConfig struct {
	Enabled      bool          `mapstructure:"enabled"`
	Brokers      []string      `mapstructure:"brokers"`
	Topic        string        `mapstructure:"topic"`
	BatchSize    int           `mapstructure:"batch_size"`
	FlushEvery   time.Duration `mapstructure:"flush_every"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	Compression  string        `mapstructure:"compression"` // none|gzip|snappy|lz4|zstd
	RequiredAcks string        `mapstructure:"required_acks"`
	QueueSize    int           `mapstructure:"queue_size"`
}

// messageWriter is satisfied by *kafka.Writer
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaPublisher batches records and status changes into a Kafka topic.
// Messages are keyed by camera id so one camera stays on one partition.
type KafkaPublisher struct {
	writer  messageWriter
	cfg     KafkaConfig
	log     zerolog.Logger
	now     func() time.Time
	input   chan kafka.Message
	stop    chan struct{}
	done    chan struct{}
	once    sync.Once
	dropped atomic.Uint64
}

// NewKafkaPublisher creates the writer and starts the dispatch loop
func NewKafkaPublisher(cfg KafkaConfig, log zerolog.Logger) (*KafkaPublisher, error) {
	if len(cfg.Brokers) == 0 || cfg.Topic == "" {
		return nil, fmt.Errorf("kafka brokers and topic are required")
	}
	w := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.Hash{},
		BatchTimeout: 50 * time.Millisecond,
		RequiredAcks: parseAcks(cfg.RequiredAcks),
		Compression:  parseCompression(cfg.Compression),
		MaxAttempts:  3,
	}
	return newKafkaPublisher(w, cfg, log.With().Str("component", "kafka").Logger()), nil
}

func newKafkaPublisher(w messageWriter, cfg KafkaConfig, log zerolog.Logger) *KafkaPublisher {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.FlushEvery <= 0 {
		cfg.FlushEvery = time.Second
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 10 * time.Second
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = defaultQueueSize
	}
	p := &KafkaPublisher{
		writer: w,
		cfg:    cfg,
		log:    log,
		now:    time.Now,
		input:  make(chan kafka.Message, cfg.QueueSize),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	go p.loop()
	return p
}

func (p *KafkaPublisher) OnEvent(rec events.Record) {
	p.enqueue(eventEnvelope(rec, p.now()))
}

func (p *KafkaPublisher) OnStatus(st pipeline.CameraStatus) {
	p.enqueue(statusEnvelope(st, p.now()))
}

func (p *KafkaPublisher) enqueue(env Envelope) {
	value, err := env.encode()
	if err != nil {
		p.log.Error().Err(err).Msg("encode kafka payload")
		return
	}
	msg := kafka.Message{
		Key:   []byte(env.CameraID),
		Value: value,
		Headers: []kafka.Header{
			{Key: "kind", Value: []byte(env.Kind)},
		},
		Time: env.SentAt,
	}
	select {
	case p.input <- msg:
	default:
		if n := p.dropped.Add(1); n == 1 || n%100 == 0 {
			p.log.Warn().Uint64("dropped", n).Msg("kafka queue full, dropping message")
		}
	}
}

func (p *KafkaPublisher) loop() {
	defer close(p.done)

	batch := make([]kafka.Message, 0, p.cfg.BatchSize)
	t := time.NewTicker(p.cfg.FlushEvery)
	defer t.Stop()

	flush := func() {
		if len(batch) == 0 {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), p.cfg.WriteTimeout)
		if err := p.writer.WriteMessages(ctx, batch...); err != nil {
			p.log.Warn().Err(err).Int("messages", len(batch)).Msg("kafka write failed")
		}
		cancel()
		batch = batch[:0]
	}

	for {
		select {
		case m := <-p.input:
			batch = append(batch, m)
			if len(batch) >= p.cfg.BatchSize {
				flush()
			}
		case <-t.C:
			flush()
		case <-p.stop:
			for {
				select {
				case m := <-p.input:
					batch = append(batch, m)
				default:
					flush()
					return
				}
			}
		}
	}
}

// Dropped returns how many messages were discarded because the queue was full
func (p *KafkaPublisher) Dropped() uint64 { return p.dropped.Load() }

// Close flushes queued messages and closes the writer
func (p *KafkaPublisher) Close() error {
	var err error
	p.once.Do(func() {
		close(p.stop)
		<-p.done
		err = p.writer.Close()
	})
	return err
}

func parseCompression(s string) kafka.Compression {
	switch strings.ToLower(s) {
	case "gzip":
		return kafka.Gzip
	case "snappy":
		return kafka.Snappy
	case "lz4":
		return kafka.Lz4
	case "zstd":
		return kafka.Zstd
	default:
		return kafka.Compression(0)
	}
}

func parseAcks(s string) kafka.RequiredAcks {
	switch strings.ToLower(s) {
	case "none", "0":
		return kafka.RequireNone
	case "all", "-1":
		return kafka.RequireAll
	default:
		return kafka.RequireOne
	}
}

var _ pipeline.Observer = (*KafkaPublisher)(nil)
