package heartbeat

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/segmentio/kafka-go"
)

// KafkaSink writes heartbeats as Kafka messages keyed by service name.
type KafkaSink struct {
	brokers   []string
	writer    *kafka.Writer
	key       []byte
	connected atomic.Bool
}

// NewKafkaSink maps qos onto the writer's required acks: 0 none, 1 leader, 2 all replicas.
func NewKafkaSink(brokers []string, service string, qos int) *KafkaSink {
	return &KafkaSink{
		brokers: brokers,
		key:     []byte(service),
		writer: &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			Balancer:     &kafka.LeastBytes{},
			RequiredAcks: requiredAcks(qos),
			BatchTimeout: 50 * time.Millisecond,
			WriteTimeout: 5 * time.Second,
		},
	}
}

func requiredAcks(qos int) kafka.RequiredAcks {
	switch {
	case qos <= 0:
		return kafka.RequireNone
	case qos == 1:
		return kafka.RequireOne
	}
	return kafka.RequireAll
}

var ErrNoBrokers = errors.New("kafka: no brokers configured")

// TopicName converts a slash separated topic into a legal Kafka topic name.
func TopicName(topic string) string {
	return strings.NewReplacer("/", ".", " ", "_").Replace(topic)
}

// Ping dials the first reachable broker.
func (s *KafkaSink) Ping(ctx context.Context) error {
	if len(s.brokers) == 0 {
		s.connected.Store(false)
		return ErrNoBrokers
	}
	var lastErr error
	for _, b := range s.brokers {
		conn, err := kafka.DialContext(ctx, "tcp", b)
		if err != nil {
			lastErr = err
			continue
		}
		conn.Close()
		s.connected.Store(true)
		return nil
	}
	s.connected.Store(false)
	return fmt.Errorf("kafka dial: %w", lastErr)
}

func (s *KafkaSink) IsConnected() bool {
	return s.connected.Load()
}

func (s *KafkaSink) Publish(ctx context.Context, topic string, payload []byte, _ int) error {
	err := s.writer.WriteMessages(ctx, kafka.Message{
		Topic: TopicName(topic),
		Key:   s.key,
		Value: payload,
		Time:  time.Now(),
	})
	s.connected.Store(err == nil)
	if err != nil {
		return fmt.Errorf("kafka publish %s: %w", topic, err)
	}
	return nil
}

func (s *KafkaSink) Close() error {
	s.connected.Store(false)
	return s.writer.Close()
}
