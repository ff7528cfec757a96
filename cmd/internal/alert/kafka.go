package alert

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/segmentio/kafka-go"
)

// ErrKafkaConfig is returned when the Kafka sink has no brokers or topic.
var ErrKafkaConfig = errors.New("invalid kafka alert config")

// KafkaConfig configures the Kafka alert sink.
type KafkaConfig struct {
	Brokers      []string
	Topic        string
	BatchTimeout time.Duration
	WriteTimeout time.Duration
}

// Validate returns ErrKafkaConfig when the sink cannot be built.
func (c KafkaConfig) Validate() error {
	if len(c.Brokers) == 0 || strings.TrimSpace(c.Topic) == "" {
		return ErrKafkaConfig
	}
	for _, b := range c.Brokers {
		if strings.TrimSpace(b) == "" {
			return ErrKafkaConfig
		}
	}
	return nil
}

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaSink publishes alerts as JSON to a topic, keyed by user id so one
// user's alerts stay ordered within a partition.
type KafkaSink struct {
	w       messageWriter
	timeout time.Duration
	log     *slog.Logger
	closed  atomic.Bool
}

// NewKafkaSink builds an async writer. Delivery failures are logged from the
// writer's completion callback.
func NewKafkaSink(cfg KafkaConfig, log *slog.Logger) (*KafkaSink, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if log == nil {
		log = slog.Default()
	}
	if cfg.BatchTimeout <= 0 {
		cfg.BatchTimeout = 50 * time.Millisecond
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 2 * time.Second
	}

	w := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.Hash{},
		BatchTimeout: cfg.BatchTimeout,
		WriteTimeout: cfg.WriteTimeout,
		RequiredAcks: kafka.RequireOne,
		Async:        true,
		Completion: func(msgs []kafka.Message, err error) {
			if err != nil {
				log.Warn("alert.kafka.delivery_failed", "messages", len(msgs), "err", err)
			}
		},
	}
	return newKafkaSink(w, cfg.WriteTimeout, log), nil
}

func newKafkaSink(w messageWriter, timeout time.Duration, log *slog.Logger) *KafkaSink {
	return &KafkaSink{w: w, timeout: timeout, log: log}
}

// Emit implements Sink.
func (s *KafkaSink) Emit(ctx context.Context, ev Event) {
	if s.closed.Load() {
		return
	}
	body, err := json.Marshal(ev)
	if err != nil {
		s.log.Warn("alert.kafka.encode_failed", "type", ev.Type, "err", err)
		return
	}

	// Detached from the request context: the alert should outlive a client
	// that disconnects right after triggering it.
	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.timeout)
	defer cancel()

	if err := s.w.WriteMessages(wctx, kafka.Message{
		Key:   []byte(ev.UserID),
		Value: body,
		Time:  ev.Time,
		Headers: []kafka.Header{
			{Key: "type", Value: []byte(ev.Type)},
			{Key: "severity", Value: []byte(ev.Severity)},
		},
	}); err != nil {
		s.log.Warn("alert.kafka.write_failed", "type", ev.Type, "err", err)
	}
}

// Close flushes pending messages and closes the writer.
func (s *KafkaSink) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	return s.w.Close()
}
