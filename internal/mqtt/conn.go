package mqtt

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"net/url"
	"os"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
)

// ErrConnectionRefused is returned when the broker refuses the connection
// with a CONNACK code no retry can fix
var ErrConnectionRefused = errors.New("mqtt connection refused")

// ErrNotConnected is returned when publishing without a live connection
var ErrNotConnected = errors.New("mqtt session not connected")

// RefusedError carries the CONNACK return code of a refused connection
type RefusedError struct {
	Code byte
	Err  error
}

func (e *RefusedError) Error() string {
	return fmt.Sprintf("mqtt connection refused with code %d: %v", e.Code, e.Err)
}

func (e *RefusedError) Is(target error) bool {
	return target == ErrConnectionRefused
}

func (e *RefusedError) Unwrap() error {
	return e.Err
}

// dialOptions are the parameters of one connection attempt
type dialOptions struct {
	Broker    string
	ClientID  string
	Username  string
	Password  func() string
	TLS       *tls.Config
	Timeout   time.Duration
	OnMessage func(topic string, payload []byte)
	OnLost    func(err error)
}

// conn is one broker connection
type conn interface {
	connect() error
	subscribe(filter string) error
	publish(ctx context.Context, topic string, payload []byte) error
	disconnect()
}

type dialFunc func(opts dialOptions) conn

type pahoConn struct {
	client  paho.Client
	opts    dialOptions
	timeout time.Duration
}

func dialPaho(opts dialOptions) conn {
	o := paho.NewClientOptions().
		AddBroker(opts.Broker).
		SetClientID(opts.ClientID).
		SetCleanSession(true).
		SetAutoReconnect(false).
		SetConnectRetry(false).
		SetConnectTimeout(opts.Timeout).
		SetCredentialsProvider(func() (string, string) {
			return opts.Username, opts.Password()
		}).
		SetConnectionLostHandler(func(_ paho.Client, err error) {
			opts.OnLost(err)
		})
	if opts.TLS != nil {
		o.SetTLSConfig(opts.TLS)
	}
	return &pahoConn{client: paho.NewClient(o), opts: opts, timeout: opts.Timeout}
}

func (c *pahoConn) connect() error {
	t := c.client.Connect()
	if !t.WaitTimeout(c.timeout) {
		return fmt.Errorf("mqtt connect to %s timed out after %s", c.opts.Broker, c.timeout)
	}
	if err := t.Error(); err != nil {
		if ct, ok := t.(*paho.ConnectToken); ok {
			if code := ct.ReturnCode(); code >= 1 && code <= 5 {
				return &RefusedError{Code: code, Err: err}
			}
		}
		return fmt.Errorf("mqtt connect to %s: %w", c.opts.Broker, err)
	}
	return nil
}

func (c *pahoConn) subscribe(filter string) error {
	t := c.client.Subscribe(filter, 0, func(_ paho.Client, m paho.Message) {
		c.opts.OnMessage(m.Topic(), m.Payload())
	})
	if !t.WaitTimeout(c.timeout) {
		return fmt.Errorf("mqtt subscribe %s timed out", filter)
	}
	if err := t.Error(); err != nil {
		return fmt.Errorf("mqtt subscribe %s: %w", filter, err)
	}
	return nil
}

func (c *pahoConn) publish(ctx context.Context, topic string, payload []byte) error {
	t := c.client.Publish(topic, 0, false, payload)
	select {
	case <-t.Done():
		return t.Error()
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *pahoConn) disconnect() {
	c.client.Disconnect(250)
}

// tlsConfig returns a TLS configuration when the broker scheme asks for
// one, trusting caFile in addition to the system roots when set
func tlsConfig(broker, caFile string) (*tls.Config, error) {
	u, err := url.Parse(broker)
	if err != nil {
		return nil, fmt.Errorf("invalid mqtt endpoint %q: %w", broker, err)
	}
	switch u.Scheme {
	case "mqtts", "ssl", "tls", "tcps", "wss":
	default:
		return nil, nil
	}

	cfg := &tls.Config{MinVersion: tls.VersionTLS12}
	if caFile == "" {
		return cfg, nil
	}

	pem, err := os.ReadFile(caFile)
	if err != nil {
		return nil, fmt.Errorf("read mqtt CA bundle: %w", err)
	}
	pool, err := x509.SystemCertPool()
	if err != nil || pool == nil {
		pool = x509.NewCertPool()
	}
	if !pool.AppendCertsFromPEM(pem) {
		return nil, fmt.Errorf("no certificates found in %s", caFile)
	}
	cfg.RootCAs = pool
	return cfg, nil
}
