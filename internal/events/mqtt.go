package events

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
)

// MQTTConfig configures the broker connection and publishing.
type MQTTConfig struct {
	Broker   string
	ClientID string
	Topic    string
	QoS      byte
	Encoding Encoding

	ConnectTimeout time.Duration
	PublishTimeout time.Duration
}

// Publisher is the subset of mqtt.Client the sink uses.
type Publisher interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
}

// MQTTSink publishes each event to <topic>/<kind>. Publish failures are
// logged and counted; they never reach the engine.
type MQTTSink struct {
	pub    Publisher
	cfg    MQTTConfig
	logger *slog.Logger

	mu        sync.Mutex
	published map[string]uint64
	errors    uint64
}

func NewMQTTSink(pub Publisher, cfg MQTTConfig, logger *slog.Logger) *MQTTSink {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.PublishTimeout <= 0 {
		cfg.PublishTimeout = 2 * time.Second
	}
	if cfg.Encoding == "" {
		cfg.Encoding = EncodingJSON
	}
	cfg.Topic = strings.TrimRight(cfg.Topic, "/")
	return &MQTTSink{pub: pub, cfg: cfg, logger: logger, published: map[string]uint64{}}
}

// DialMQTT connects to the configured broker with auto-reconnect enabled.
func DialMQTT(ctx context.Context, cfg MQTTConfig, logger *slog.Logger) (mqtt.Client, error) {
	if logger == nil {
		logger = slog.Default()
	}
	broker := cfg.Broker
	if !strings.Contains(broker, "://") {
		broker = "tcp://" + broker
	}
	clientID := cfg.ClientID
	if clientID == "" {
		clientID = "framelabel-" + uuid.NewString()
	}
	timeout := cfg.ConnectTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(broker)
	opts.SetClientID(clientID)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetryInterval(2 * time.Second)
	opts.SetMaxReconnectInterval(30 * time.Second)
	opts.OnConnect = func(mqtt.Client) {
		logger.Info("mqtt connection established", "broker", broker, "client_id", clientID)
	}
	opts.OnConnectionLost = func(_ mqtt.Client, err error) {
		logger.Warn("mqtt connection lost, will auto-reconnect", "error", err, "broker", broker)
	}

	client := mqtt.NewClient(opts)
	logger.Info("connecting to mqtt broker", "broker", broker)
	token := client.Connect()
	select {
	case <-token.Done():
	case <-time.After(timeout):
		return nil, fmt.Errorf("mqtt connection timeout")
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("mqtt connection failed: %w", err)
	}
	return client, nil
}

// Topic returns the topic an event of kind k is published to.
func (s *MQTTSink) Topic(k Kind) string {
	if s.cfg.Topic == "" {
		return string(k)
	}
	return s.cfg.Topic + "/" + string(k)
}

func (s *MQTTSink) Record(ev Event) {
	if err := s.publish(ev); err != nil {
		s.mu.Lock()
		s.errors++
		s.mu.Unlock()
		s.logger.Warn("event publish failed", "kind", ev.Kind, "item", ev.ItemID, "error", err)
	}
}

func (s *MQTTSink) publish(ev Event) error {
	payload, err := Encode(ev, s.cfg.Encoding)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	topic := s.Topic(ev.Kind)
	token := s.pub.Publish(topic, s.cfg.QoS, false, payload)
	if !token.WaitTimeout(s.cfg.PublishTimeout) {
		return fmt.Errorf("publish timeout")
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("publish failed: %w", err)
	}
	s.mu.Lock()
	s.published[topic]++
	s.mu.Unlock()
	s.logger.Debug("event published", "topic", topic, "qos", s.cfg.QoS, "size", len(payload))
	return nil
}

// MQTTStats reports per-topic publish counts and failures.
type MQTTStats struct {
	Published map[string]uint64
	Errors    uint64
}

func (s *MQTTSink) Stats() MQTTStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	published := make(map[string]uint64, len(s.published))
	for k, v := range s.published {
		published[k] = v
	}
	return MQTTStats{Published: published, Errors: s.errors}
}
