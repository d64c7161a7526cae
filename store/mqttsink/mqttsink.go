// Package mqttsink emits violation alerts to an MQTT broker.
package mqttsink

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/LdDl/ppe-watch/store"
	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

const (
	connectTimeout = 5 * time.Second
	publishTimeout = 2 * time.Second
	disconnectMs   = 250
)

// Config of MQTT connection
type Config struct {
	Broker      string `yaml:"broker"`
	ClientID    string `yaml:"client_id"`
	Username    string `yaml:"username"`
	Password    string `yaml:"password"`
	TopicPrefix string `yaml:"topic_prefix"`
	QoS         byte   `yaml:"qos"`
}

// publisher is the subset of mqtt.Client used by Sink
type publisher interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
}

// Stats of published alerts
type Stats struct {
	Connected bool
	Published map[string]uint64
	Errors    uint64
}

// Sink publishes records as JSON to "<prefix>/<camera_id>/<severity>"
type Sink struct {
	client     publisher
	disconnect func()
	prefix     string
	qos        byte

	mu        sync.RWMutex
	connected bool
	published map[string]uint64
	errors    uint64
}

// Connect creates client with auto reconnect and waits for the first connection
func Connect(cfg Config) (*Sink, error) {
	if cfg.Broker == "" {
		return nil, errors.New("MQTT broker is not set")
	}
	broker := cfg.Broker
	if !strings.Contains(broker, "://") {
		broker = "tcp://" + broker
	}
	s := newSink(nil, cfg.TopicPrefix, cfg.QoS)

	opts := mqtt.NewClientOptions()
	opts.AddBroker(broker)
	opts.SetClientID(cfg.ClientID)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(2 * time.Second)
	opts.SetMaxReconnectInterval(30 * time.Second)
	opts.OnConnect = func(c mqtt.Client) {
		s.setConnected(true)
		log.Info().Str("broker", broker).Str("client_id", cfg.ClientID).Msg("MQTT connection established")
	}
	opts.OnConnectionLost = func(c mqtt.Client, err error) {
		s.setConnected(false)
		log.Warn().Err(err).Str("broker", broker).Msg("MQTT connection lost, waiting for reconnect")
	}

	client := mqtt.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(connectTimeout) {
		return nil, errors.Errorf("MQTT connection timeout '%s'", broker)
	}
	if err := token.Error(); err != nil {
		return nil, errors.Wrapf(err, "MQTT connection failed '%s'", broker)
	}
	s.client = client
	s.disconnect = func() {
		if client.IsConnected() {
			client.Disconnect(disconnectMs)
		}
	}
	s.setConnected(true)
	return s, nil
}

func newSink(client publisher, prefix string, qos byte) *Sink {
	if prefix == "" {
		prefix = "ppewatch/violations"
	}
	return &Sink{
		client:    client,
		prefix:    strings.TrimSuffix(prefix, "/"),
		qos:       qos,
		connected: client != nil,
		published: make(map[string]uint64),
	}
}

// Topic returns topic of a record
func (s *Sink) Topic(rec store.Record) string {
	return fmt.Sprintf("%s/%d/%s", s.prefix, rec.CameraID, strings.ToLower(string(rec.Severity)))
}

// Save implements store.Sink
func (s *Sink) Save(ctx context.Context, rec store.Record) error {
	if !s.isConnected() {
		s.countError()
		return errors.New("MQTT is not connected")
	}
	payload, err := json.Marshal(rec)
	if err != nil {
		s.countError()
		return errors.Wrap(err, "Can't marshal record")
	}
	topic := s.Topic(rec)
	timeout := publishTimeout
	if deadline, ok := ctx.Deadline(); ok {
		if left := time.Until(deadline); left < timeout {
			timeout = left
		}
	}
	token := s.client.Publish(topic, s.qos, false, payload)
	if !token.WaitTimeout(timeout) {
		s.countError()
		return errors.Errorf("MQTT publish timeout '%s'", topic)
	}
	if err := token.Error(); err != nil {
		s.countError()
		return errors.Wrapf(err, "MQTT publish failed '%s'", topic)
	}
	s.mu.Lock()
	s.published[topic]++
	s.mu.Unlock()
	return nil
}

// Stats returns copy of counters
func (s *Sink) Stats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	published := make(map[string]uint64, len(s.published))
	for k, v := range s.published {
		published[k] = v
	}
	return Stats{
		Connected: s.connected,
		Published: published,
		Errors:    s.errors,
	}
}

// Close disconnects from broker
func (s *Sink) Close() {
	if s.disconnect != nil {
		s.disconnect()
	}
	s.setConnected(false)
}

func (s *Sink) setConnected(v bool) {
	s.mu.Lock()
	s.connected = v
	s.mu.Unlock()
}

func (s *Sink) isConnected() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.connected && s.client != nil
}

func (s *Sink) countError() {
	s.mu.Lock()
	s.errors++
	s.mu.Unlock()
}
