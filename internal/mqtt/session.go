// Package mqtt maintains the manager's MQTT session with the platform
// broker: connect, subscribe to the command topic, reconnect on loss and
// publish updates.
package mqtt

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/developer-mesh/integration-manager/internal/metrics"
	"github.com/developer-mesh/integration-manager/internal/resilience"
	"github.com/developer-mesh/integration-manager/pkg/observability"
	"github.com/google/uuid"
)

// State of the session state machine
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateSubscribed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateSubscribed:
		return "subscribed"
	default:
		return "disconnected"
	}
}

// Identity is the manager's platform identity. platform.Session satisfies it.
type Identity interface {
	ClientID() string
	AccessToken() string
	MQTTEndpoint() string
}

// Message is one received command message
type Message struct {
	Topic   string
	Payload []byte
}

// Config configures the session
type Config struct {
	Version           string
	Topic             string
	CACertFile        string
	ReconnectInterval time.Duration
	ConnectTimeout    time.Duration
}

// Session is the single logical broker connection
type Session struct {
	cfg      Config
	identity Identity
	logger   observability.Logger
	metrics  *metrics.Metrics
	dial     dialFunc

	handler   func(Message)
	onConnect []func(ctx context.Context) error

	state atomic.Int32

	mu   sync.RWMutex
	conn conn
}

// NewSession creates a session; Run connects it
func NewSession(cfg Config, identity Identity, logger observability.Logger, m *metrics.Metrics) *Session {
	if cfg.ReconnectInterval <= 0 {
		cfg.ReconnectInterval = 5 * time.Second
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 30 * time.Second
	}
	if cfg.Topic == "" {
		cfg.Topic = "managers"
	}
	return &Session{
		cfg:      cfg,
		identity: identity,
		logger:   logger.WithPrefix("mqtt"),
		metrics:  m,
		dial:     dialPaho,
	}
}

// OnMessage sets the receiver of command messages. It must be called
// before Run. The handler may block; delivery stalls until it returns.
func (s *Session) OnMessage(handler func(Message)) {
	s.handler = handler
}

// OnConnect registers a callback run after every successful subscribe
func (s *Session) OnConnect(fn func(ctx context.Context) error) {
	s.onConnect = append(s.onConnect, fn)
}

// State returns the current state
func (s *Session) State() State {
	return State(s.state.Load())
}

// Connected reports whether the session is subscribed
func (s *Session) Connected() bool {
	return s.State() == StateSubscribed
}

// CommandFilter is the subscription of this manager
func (s *Session) CommandFilter() string {
	return SubscribeTopic(s.cfg.Version, s.cfg.Topic, s.identity.ClientID())
}

func (s *Session) setState(state State) {
	s.state.Store(int32(state))
	if s.metrics != nil {
		v := 0.0
		if state == StateSubscribed {
			v = 1
		}
		s.metrics.MQTTConnected.Set(v)
	}
}

// Run connects and keeps the session subscribed until ctx is done. It
// returns an error wrapping ErrConnectionRefused when the broker refuses
// the credentials, nil on cancellation.
func (s *Session) Run(ctx context.Context) error {
	defer s.setState(StateDisconnected)

	for {
		lost := make(chan error, 1)
		c, err := s.connect(ctx, lost)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}

		select {
		case <-ctx.Done():
			s.swap(nil)
			c.disconnect()
			s.logger.Info("MQTT session closed", nil)
			return nil
		case err := <-lost:
			s.swap(nil)
			s.setState(StateDisconnected)
			s.logger.Warn("MQTT connection lost", map[string]interface{}{"error": errString(err)})
		}
	}
}

func (s *Session) connect(ctx context.Context, lost chan error) (conn, error) {
	var c conn
	op := func() error {
		s.setState(StateConnecting)

		opts, err := s.dialOptions(lost)
		if err != nil {
			return resilience.Permanent(err)
		}
		candidate := s.dial(opts)
		if err := candidate.connect(); err != nil {
			if errors.Is(err, ErrConnectionRefused) {
				return resilience.Permanent(err)
			}
			return err
		}
		if err := candidate.subscribe(s.CommandFilter()); err != nil {
			candidate.disconnect()
			return err
		}
		c = candidate
		return nil
	}
	notify := func(err error, next time.Duration) {
		s.setState(StateDisconnected)
		s.logger.Warn("MQTT connect failed, retrying", map[string]interface{}{
			"error": err.Error(),
			"retry": next.String(),
		})
	}

	if err := resilience.RetryForever(ctx, s.cfg.ReconnectInterval, op, notify); err != nil {
		if errors.Is(err, ErrConnectionRefused) {
			s.logger.Error("MQTT broker refused the manager credentials", map[string]interface{}{"error": err.Error()})
		}
		return nil, err
	}

	s.swap(c)
	s.setState(StateSubscribed)
	s.logger.Info("MQTT session subscribed", map[string]interface{}{"filter": s.CommandFilter()})

	for _, fn := range s.onConnect {
		if err := fn(ctx); err != nil {
			s.logger.Error("MQTT post-connect callback failed", map[string]interface{}{"error": err.Error()})
		}
	}
	return c, nil
}

func (s *Session) dialOptions(lost chan error) (dialOptions, error) {
	broker := s.identity.MQTTEndpoint()
	if broker == "" {
		return dialOptions{}, errors.New("no mqtt endpoint in platform session")
	}
	tlsCfg, err := tlsConfig(broker, s.cfg.CACertFile)
	if err != nil {
		return dialOptions{}, err
	}

	clientID := s.identity.ClientID()
	return dialOptions{
		Broker:   broker,
		ClientID: fmt.Sprintf("%s-%s", clientID, uuid.NewString()[:8]),
		Username: clientID,
		Password: s.identity.AccessToken,
		TLS:      tlsCfg,
		Timeout:  s.cfg.ConnectTimeout,
		OnMessage: func(topic string, payload []byte) {
			if s.handler != nil {
				s.handler(Message{Topic: topic, Payload: payload})
			}
		},
		OnLost: func(err error) {
			select {
			case lost <- err:
			default:
			}
		},
	}, nil
}

func (s *Session) swap(c conn) {
	s.mu.Lock()
	s.conn = c
	s.mu.Unlock()
}

// Publish sends payload on topic with QoS 0
func (s *Session) Publish(ctx context.Context, topic string, payload []byte) error {
	s.mu.RLock()
	c := s.conn
	s.mu.RUnlock()

	if c == nil {
		return ErrNotConnected
	}
	if err := c.publish(ctx, topic, payload); err != nil {
		return fmt.Errorf("mqtt publish %s: %w", topic, err)
	}
	return nil
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
