// services/branchops/internal/infrastructure/mqtt.go
package infrastructure

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"example.com/backstage/services/branchops/config"
	"example.com/backstage/services/branchops/internal/core"
	"example.com/backstage/services/branchops/internal/metrics"
	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/sirupsen/logrus"
)

// Message types derived from the topic.
const (
	MessageHeartbeat = "heartbeat"
	MessageUnknown   = "unknown"
)

// MessageHandler processes MQTT messages
type MessageHandler func(ctx context.Context, topic string, payload []byte) error

// MQTTSubscriber handles MQTT connections and message processing
type MQTTSubscriber struct {
	config    config.MQTTConfig
	client    mqtt.Client
	logger    *logrus.Logger
	handlers  map[string]MessageHandler
	mu        sync.RWMutex
	connected bool
	wg        sync.WaitGroup
}

// NewMQTTSubscriber creates a new MQTT subscriber
func NewMQTTSubscriber(cfg config.MQTTConfig, logger *logrus.Logger) (*MQTTSubscriber, error) {
	if cfg.BrokerURL == "" {
		return nil, fmt.Errorf("MQTT broker URL is required")
	}

	if cfg.ClientID == "" {
		cfg.ClientID = fmt.Sprintf("branchops-%d", time.Now().UnixNano())
	}

	return &MQTTSubscriber{
		config:   cfg,
		logger:   logger,
		handlers: make(map[string]MessageHandler),
	}, nil
}

// RegisterHandler registers a handler for a specific message type
func (s *MQTTSubscriber) RegisterHandler(messageType string, handler MessageHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[messageType] = handler
}

// Start connects to MQTT broker and subscribes to topics
func (s *MQTTSubscriber) Start() error {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(s.config.BrokerURL)
	opts.SetClientID(s.config.ClientID)

	if s.config.Username != "" {
		opts.SetUsername(s.config.Username)
	}
	if s.config.Password != "" {
		opts.SetPassword(s.config.Password)
	}

	opts.SetCleanSession(s.config.CleanSession)
	opts.SetKeepAlive(s.config.KeepAlive)
	opts.SetConnectTimeout(s.config.ConnectTimeout)
	opts.SetAutoReconnect(true)
	opts.SetMaxReconnectInterval(s.config.MaxReconnectDelay)

	opts.SetOnConnectHandler(s.onConnect)
	opts.SetConnectionLostHandler(s.onConnectionLost)
	opts.SetReconnectingHandler(s.onReconnecting)
	opts.SetDefaultPublishHandler(s.messageHandler)

	s.client = mqtt.NewClient(opts)

	if token := s.client.Connect(); token.Wait() && token.Error() != nil {
		return fmt.Errorf("failed to connect to MQTT broker: %w", token.Error())
	}

	s.logger.Info("MQTT subscriber started")
	return nil
}

// Stop gracefully shuts down the MQTT subscriber
func (s *MQTTSubscriber) Stop() {
	s.logger.Info("Stopping MQTT subscriber...")

	if s.client != nil && s.client.IsConnected() {
		for _, topic := range s.config.Topics {
			if token := s.client.Unsubscribe(topic); token.Wait() && token.Error() != nil {
				s.logger.WithError(token.Error()).WithField("topic", topic).
					Error("Failed to unsubscribe from topic")
			}
		}
		s.client.Disconnect(250)
	}

	s.wg.Wait()
	s.logger.Info("MQTT subscriber stopped")
}

// IsConnected returns the connection status
func (s *MQTTSubscriber) IsConnected() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.connected
}

func (s *MQTTSubscriber) onConnect(client mqtt.Client) {
	s.mu.Lock()
	s.connected = true
	s.mu.Unlock()

	s.logger.Info("Connected to MQTT broker")

	// Subscriptions are re-established after every reconnect.
	for _, topic := range s.config.Topics {
		if token := client.Subscribe(topic, s.config.QoS, nil); token.Wait() && token.Error() != nil {
			s.logger.WithError(token.Error()).WithField("topic", topic).
				Error("Failed to subscribe to topic")
		} else {
			s.logger.WithField("topic", topic).Info("Subscribed to topic")
		}
	}
}

func (s *MQTTSubscriber) onConnectionLost(client mqtt.Client, err error) {
	s.mu.Lock()
	s.connected = false
	s.mu.Unlock()

	s.logger.WithError(err).Warn("Lost connection to MQTT broker")
}

func (s *MQTTSubscriber) onReconnecting(client mqtt.Client, opts *mqtt.ClientOptions) {
	s.logger.Info("Attempting to reconnect to MQTT broker...")
}

func (s *MQTTSubscriber) messageHandler(client mqtt.Client, msg mqtt.Message) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.dispatch(msg.Topic(), msg.Payload())
	}()
}

func (s *MQTTSubscriber) dispatch(topic string, payload []byte) {
	s.logger.WithFields(logrus.Fields{
		"topic": topic,
		"size":  len(payload),
	}).Debug("Received MQTT message")

	messageType := messageTypeOf(topic)

	s.mu.RLock()
	handler, exists := s.handlers[messageType]
	s.mu.RUnlock()

	if !exists {
		s.logger.WithFields(logrus.Fields{
			"topic":        topic,
			"message_type": messageType,
		}).Warn("No handler registered for message type")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := handler(ctx, topic, payload); err != nil {
		s.logger.WithError(err).WithFields(logrus.Fields{
			"topic":        topic,
			"payload_size": len(payload),
		}).Error("Failed to process MQTT message")
	}
}

// messageTypeOf maps a topic such as branchops/heartbeat/{mac} to its message type.
func messageTypeOf(topic string) string {
	for _, segment := range strings.Split(topic, "/") {
		if segment == MessageHeartbeat {
			return MessageHeartbeat
		}
	}
	return MessageUnknown
}

// HeartbeatHandler decodes heartbeat payloads and hands them to the ingest
// queue. A payload without a MAC takes it from the last topic segment.
func HeartbeatHandler(queue *core.HeartbeatQueue) MessageHandler {
	return func(_ context.Context, topic string, payload []byte) error {
		var in core.HeartbeatInput
		if err := json.Unmarshal(payload, &in); err != nil {
			metrics.HeartbeatsRejectedTotal.WithLabelValues(core.TransportMQTT, "decode").Inc()
			return fmt.Errorf("invalid heartbeat payload: %w", err)
		}

		if in.MACAddress == "" {
			segments := strings.Split(topic, "/")
			if last := segments[len(segments)-1]; last != MessageHeartbeat && last != "#" {
				in.MACAddress = last
			}
		}

		if err := queue.Enqueue(in); err != nil {
			metrics.HeartbeatsRejectedTotal.WithLabelValues(core.TransportMQTT, "queue_full").Inc()
			return err
		}
		return nil
	}
}
