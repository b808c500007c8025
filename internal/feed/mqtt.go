// internal/feed/mqtt.go
package feed

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"waternet-gateway/internal/config"
)

var ErrConnectTimeout = errors.New("mqtt connect timed out")

// Handler consumes one raw actuator message. valve.Synchronizer implements it.
type Handler interface {
	HandleMessage(topic string, payload []byte)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(topic string, payload []byte)

func (f HandlerFunc) HandleMessage(topic string, payload []byte) { f(topic, payload) }

// Subscriber relays the actuator topic from an MQTT broker to a Handler. The
// subscription is re-established on every (re)connect.
type Subscriber struct {
	cfg       config.MQTTConfig
	handler   Handler
	logger    *slog.Logger
	newClient func(*mqtt.ClientOptions) mqtt.Client

	mu     sync.Mutex
	client mqtt.Client
}

type Option func(*Subscriber)

func WithLogger(l *slog.Logger) Option {
	return func(s *Subscriber) { s.logger = l }
}

// WithClientFactory replaces mqtt.NewClient, mainly for tests.
func WithClientFactory(fn func(*mqtt.ClientOptions) mqtt.Client) Option {
	return func(s *Subscriber) { s.newClient = fn }
}

func NewSubscriber(cfg config.MQTTConfig, handler Handler, opts ...Option) *Subscriber {
	s := &Subscriber{
		cfg:       cfg,
		handler:   handler,
		logger:    slog.Default(),
		newClient: mqtt.NewClient,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Subscriber) options() *mqtt.ClientOptions {
	opts := mqtt.NewClientOptions().
		AddBroker(s.cfg.Broker).
		SetClientID(s.cfg.ClientID).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5 * time.Second).
		SetConnectTimeout(s.cfg.ConnectTimeout).
		SetOnConnectHandler(s.onConnect).
		SetConnectionLostHandler(func(_ mqtt.Client, err error) {
			s.logger.Warn("mqtt connection lost", "broker", s.cfg.Broker, "error", err)
		})
	if s.cfg.Username != "" {
		opts.SetUsername(s.cfg.Username)
		opts.SetPassword(s.cfg.Password)
	}
	return opts
}

// Start connects to the broker. The connect keeps retrying in the background
// after ctx is done or the connect timeout passes; only the wait is bounded.
func (s *Subscriber) Start(ctx context.Context) error {
	client := s.newClient(s.options())
	s.mu.Lock()
	s.client = client
	s.mu.Unlock()

	token := client.Connect()
	timeout := s.cfg.ConnectTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	select {
	case <-token.Done():
		if err := token.Error(); err != nil {
			return fmt.Errorf("connect %s: %w", s.cfg.Broker, err)
		}
		return nil
	case <-time.After(timeout):
		s.logger.Warn("mqtt broker not reachable yet, retrying in background", "broker", s.cfg.Broker)
		return ErrConnectTimeout
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Subscriber) onConnect(c mqtt.Client) {
	s.logger.Info("mqtt connected", "broker", s.cfg.Broker, "topic", s.cfg.Topic)
	token := c.Subscribe(s.cfg.Topic, s.cfg.QoS, s.onMessage)
	go func() {
		token.Wait()
		if err := token.Error(); err != nil {
			s.logger.Error("mqtt subscribe failed", "topic", s.cfg.Topic, "error", err)
		}
	}()
}

func (s *Subscriber) onMessage(_ mqtt.Client, m mqtt.Message) {
	s.handler.HandleMessage(m.Topic(), m.Payload())
}

// Connected reports whether the broker connection is currently up.
func (s *Subscriber) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.client != nil && s.client.IsConnectionOpen()
}

// Stop disconnects, waiting up to 250ms for in-flight work.
func (s *Subscriber) Stop() {
	s.mu.Lock()
	client := s.client
	s.client = nil
	s.mu.Unlock()
	if client == nil {
		return
	}
	if client.IsConnected() {
		client.Unsubscribe(s.cfg.Topic).WaitTimeout(250 * time.Millisecond)
	}
	client.Disconnect(250)
}
