// Package kafkasink publishes records to a Kafka topic.
package kafkasink

import (
	"context"
	"encoding/json"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/LdDl/ppe-watch/store"
	"github.com/confluentinc/confluent-kafka-go/v2/kafka"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// Config of Kafka producer
type Config struct {
	BootstrapServers string `yaml:"bootstrap_servers"`
	Topic            string `yaml:"topic"`
	SecurityProtocol string `yaml:"security_protocol"`
	SASLMechanism    string `yaml:"sasl_mechanism"`
	SASLUsername     string `yaml:"sasl_username"`
	SASLPassword     string `yaml:"sasl_password"`
	CompressionType  string `yaml:"compression_type"`
	Acks             string `yaml:"acks"`
	LingerMS         int    `yaml:"linger_ms"`
}

// ConfigMap converts config into librdkafka properties
func (cfg Config) ConfigMap() *kafka.ConfigMap {
	cm := &kafka.ConfigMap{
		"bootstrap.servers":  cfg.BootstrapServers,
		"enable.idempotence": true,
		"request.timeout.ms": 30000,
	}
	if cfg.SecurityProtocol != "" {
		cm.SetKey("security.protocol", cfg.SecurityProtocol)
	}
	if cfg.SASLMechanism != "" {
		cm.SetKey("sasl.mechanism", cfg.SASLMechanism)
		cm.SetKey("sasl.username", cfg.SASLUsername)
		cm.SetKey("sasl.password", cfg.SASLPassword)
	}
	if cfg.CompressionType != "" {
		cm.SetKey("compression.type", cfg.CompressionType)
	}
	if cfg.Acks != "" {
		cm.SetKey("acks", cfg.Acks)
	}
	if cfg.LingerMS > 0 {
		cm.SetKey("linger.ms", cfg.LingerMS)
	}
	return cm
}

// producer is the subset of *kafka.Producer used by Sink
type producer interface {
	Produce(msg *kafka.Message, deliveryChan chan kafka.Event) error
	Flush(timeoutMs int) int
	Close()
}

// Sink produces JSON encoded records. Delivery reports are consumed in background
type Sink struct {
	producer   producer
	topic      string
	deliveries chan kafka.Event
	wg         sync.WaitGroup
	closeOnce  sync.Once
	sent       atomic.Int64
	acked      atomic.Int64
	failed     atomic.Int64
}

// New connects producer
func New(cfg Config) (*Sink, error) {
	if cfg.Topic == "" {
		return nil, errors.New("Kafka topic is not set")
	}
	p, err := kafka.NewProducer(cfg.ConfigMap())
	if err != nil {
		return nil, errors.Wrap(err, "Can't create Kafka producer")
	}
	return newSink(p, cfg.Topic), nil
}

func newSink(p producer, topic string) *Sink {
	s := &Sink{
		producer:   p,
		topic:      topic,
		deliveries: make(chan kafka.Event, 1024),
	}
	s.wg.Add(1)
	go s.handleDeliveryReports()
	return s
}

func (s *Sink) handleDeliveryReports() {
	defer s.wg.Done()
	for e := range s.deliveries {
		m, ok := e.(*kafka.Message)
		if !ok {
			continue
		}
		if m.TopicPartition.Error != nil {
			s.failed.Add(1)
			log.Error().Err(m.TopicPartition.Error).Str("topic", s.topic).Msg("Kafka delivery failed")
			continue
		}
		s.acked.Add(1)
	}
}

// Message builds Kafka message of a record. Key groups records of the same person on the same camera
func Message(topic string, rec store.Record) (*kafka.Message, error) {
	payload, err := json.Marshal(rec)
	if err != nil {
		return nil, errors.Wrap(err, "Can't serialize record")
	}
	return &kafka.Message{
		TopicPartition: kafka.TopicPartition{
			Topic:     &topic,
			Partition: kafka.PartitionAny,
		},
		Key:   []byte(strconv.Itoa(rec.CameraID) + "_" + strconv.Itoa(rec.PersonID)),
		Value: payload,
		Headers: []kafka.Header{
			{Key: "camera_id", Value: []byte(strconv.Itoa(rec.CameraID))},
			{Key: "class_name", Value: []byte(rec.ClassName)},
			{Key: "severity", Value: []byte(rec.Severity)},
		},
	}, nil
}

// Save implements store.Sink. Returns once message is queued by producer, delivery is asynchronous
func (s *Sink) Save(ctx context.Context, rec store.Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	msg, err := Message(s.topic, rec)
	if err != nil {
		return err
	}
	err = s.producer.Produce(msg, s.deliveries)
	if err != nil {
		s.failed.Add(1)
		return errors.Wrapf(err, "Can't produce record '%s'", rec.ID)
	}
	s.sent.Add(1)
	return nil
}

// Metrics returns sent/acked/failed counters
func (s *Sink) Metrics() map[string]int64 {
	return map[string]int64{
		"messages_sent":   s.sent.Load(),
		"messages_acked":  s.acked.Load(),
		"messages_failed": s.failed.Load(),
	}
}

// Close flushes pending messages (bounded by timeout) and closes producer
func (s *Sink) Close(timeout time.Duration) {
	s.closeOnce.Do(func() {
		remaining := s.producer.Flush(int(timeout.Milliseconds()))
		if remaining > 0 {
			log.Warn().Int("remaining", remaining).Msg("Kafka messages still queued after flush")
		}
		s.producer.Close()
		close(s.deliveries)
		s.wg.Wait()
	})
}
