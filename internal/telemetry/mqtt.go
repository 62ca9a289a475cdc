package telemetry

import (
	"context"
	"fmt"
	"sync"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog"
)

// MQTT connection constants.
const (
	defaultMQTTTopic         = "gpusched/telemetry/#"
	defaultConnectTimeout    = 10 * time.Second
	defaultSubscribeTimeout  = 5 * time.Second
	defaultDisconnectQuiesce = 250 // milliseconds
	defaultKeepAlive         = 60 * time.Second
	defaultReconnectInterval = time.Second
	defaultMaxReconnect      = 30 * time.Second
)

// MQTTConfig configures the telemetry subscriber.
type MQTTConfig struct {
	Enabled bool
	// Broker is a URL such as tcp://localhost:1883 or ssl://broker:8883.
	Broker   string
	ClientID string
	Topic    string
	QoS      byte
	Username string
	Password string
}

// MQTTSubscriber ingests device telemetry pushed over MQTT. Each message is
// one DeviceMetrics object or an array of them. Subscriptions are restored on
// every reconnect.
type MQTTSubscriber struct {
	cfg  MQTTConfig
	sink Ingester
	log  zerolog.Logger

	mu       sync.RWMutex
	client   pahomqtt.Client
	received uint64
	rejected uint64
}

// NewMQTTSubscriber builds a subscriber; Start connects it.
func NewMQTTSubscriber(cfg MQTTConfig, sink Ingester, log zerolog.Logger) *MQTTSubscriber {
	if cfg.Topic == "" {
		cfg.Topic = defaultMQTTTopic
	}
	if cfg.ClientID == "" {
		cfg.ClientID = "gpusched"
	}
	if cfg.QoS > 2 {
		cfg.QoS = 1
	}
	return &MQTTSubscriber{cfg: cfg, sink: sink, log: log.With().Str("component", "telemetry_mqtt").Logger()}
}

func (s *MQTTSubscriber) clientOptions() *pahomqtt.ClientOptions {
	opts := pahomqtt.NewClientOptions()
	opts.AddBroker(s.cfg.Broker)
	opts.SetClientID(s.cfg.ClientID)
	if s.cfg.Username != "" {
		opts.SetUsername(s.cfg.Username)
		opts.SetPassword(s.cfg.Password)
	}
	opts.SetCleanSession(true)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(defaultReconnectInterval)
	opts.SetMaxReconnectInterval(defaultMaxReconnect)
	opts.SetConnectTimeout(defaultConnectTimeout)
	opts.SetKeepAlive(defaultKeepAlive)

	opts.SetOnConnectHandler(func(c pahomqtt.Client) {
		tok := c.Subscribe(s.cfg.Topic, s.cfg.QoS, s.wrapHandler())
		if !tok.WaitTimeout(defaultSubscribeTimeout) || tok.Error() != nil {
			s.log.Error().Err(tok.Error()).Str("topic", s.cfg.Topic).Msg("mqtt subscribe failed")
			return
		}
		s.log.Info().Str("broker", s.cfg.Broker).Str("topic", s.cfg.Topic).Msg("mqtt subscribed")
	})
	opts.SetConnectionLostHandler(func(_ pahomqtt.Client, err error) {
		s.log.Warn().Err(err).Str("broker", s.cfg.Broker).Msg("mqtt connection lost")
	})
	return opts
}

// Start connects to the broker. The subscription is made by the connect handler.
func (s *MQTTSubscriber) Start() error {
	if !s.cfg.Enabled {
		return ErrDisabled
	}
	c := pahomqtt.NewClient(s.clientOptions())
	tok := c.Connect()
	if !tok.WaitTimeout(defaultConnectTimeout) {
		return fmt.Errorf("%w: mqtt timeout after %v", ErrConnectionFailed, defaultConnectTimeout)
	}
	if err := tok.Error(); err != nil {
		return fmt.Errorf("%w: %w", ErrConnectionFailed, err)
	}
	s.mu.Lock()
	s.client = c
	s.mu.Unlock()
	return nil
}

// Run starts the subscriber and blocks until ctx is done.
func (s *MQTTSubscriber) Run(ctx context.Context) error {
	if err := s.Start(); err != nil {
		return err
	}
	<-ctx.Done()
	s.Close()
	return nil
}

// Close disconnects from the broker.
func (s *MQTTSubscriber) Close() {
	s.mu.Lock()
	c := s.client
	s.client = nil
	s.mu.Unlock()
	if c != nil {
		c.Disconnect(defaultDisconnectQuiesce)
	}
}

// IsConnected reports the client connection state.
func (s *MQTTSubscriber) IsConnected() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.client != nil && s.client.IsConnected()
}

// Counts returns received and rejected message totals.
func (s *MQTTSubscriber) Counts() (received, rejected uint64) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.received, s.rejected
}

// handle decodes one message and ingests it.
func (s *MQTTSubscriber) handle(topic string, payload []byte) error {
	ms, err := DecodeSnapshot(payload)
	s.mu.Lock()
	s.received++
	if err != nil {
		s.rejected++
	}
	s.mu.Unlock()
	if err != nil {
		return fmt.Errorf("topic %s: %w", topic, err)
	}
	return s.sink.Ingest(ms)
}

// wrapHandler adapts handle to paho with panic recovery and error logging.
func (s *MQTTSubscriber) wrapHandler() pahomqtt.MessageHandler {
	return func(_ pahomqtt.Client, msg pahomqtt.Message) {
		defer func() {
			if r := recover(); r != nil {
				s.log.Error().Str("topic", msg.Topic()).Interface("panic", r).Msg("mqtt handler panic recovered")
			}
		}()
		if err := s.handle(msg.Topic(), msg.Payload()); err != nil {
			s.log.Warn().Err(err).Str("topic", msg.Topic()).Msg("telemetry message rejected")
		}
	}
}
