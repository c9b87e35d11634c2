// Package adapter defines the contract a vendor implementation satisfies
// to be driven by the integration manager.
//
// Every adapter implements Adapter. The optional capabilities
// (AccessChecker, PollingProvider, RefreshProvider, TCPReceiver) are
// discovered with type assertions and only required when the matching
// feature is enabled.
package adapter

import (
	"context"
	"net/http"
	"net/url"

	"github.com/developer-mesh/integration-manager/internal/models"
	"github.com/developer-mesh/integration-manager/pkg/observability"
)

// Kind tells whether channels stand for physical devices or for abstract
// business objects
type Kind int

const (
	KindDevice Kind = iota
	KindApplication
)

func (k Kind) String() string {
	switch k {
	case KindDevice:
		return "device"
	case KindApplication:
		return "application"
	default:
		return "unknown"
	}
}

// AuthRequest describes one request the end-user's browser performs
// against the vendor during the out-of-band OAuth flow
type AuthRequest struct {
	Method  string            `json:"method"`
	URL     string            `json:"url"`
	Headers map[string]string `json:"headers,omitempty"`
	Params  map[string]string `json:"params,omitempty"`
	Data    interface{}       `json:"data,omitempty"`
}

// DownstreamRequest is a vendor callback received on the inbox webhook
type DownstreamRequest struct {
	Method string
	Path   string
	Header http.Header
	Query  url.Values
	Body   []byte
}

// ResponseOverride replaces the default 200 answer of the inbox webhook
type ResponseOverride struct {
	Status int         `json:"status"`
	Data   interface{} `json:"data,omitempty"`
}

// MQTTOverride changes how a downstream result is published
type MQTTOverride struct {
	IO models.IO `json:"io"`
}

// DownstreamResult is one platform publish derived from a vendor callback
type DownstreamResult struct {
	Case     models.Case
	Data     interface{}
	Response *ResponseOverride
	MQTT     *MQTTOverride
}

// Adapter is the capability set required of every vendor implementation
type Adapter interface {
	Kind() Kind

	// Start is called once after webhook registration finished
	Start(ctx context.Context, svc Services) error

	AuthRequests(ctx context.Context, sender models.Sender) ([]AuthRequest, error)

	// AuthResponse turns the vendor token callback into credentials. A nil
	// result with a nil error means the vendor refused the authorization.
	AuthResponse(ctx context.Context, raw map[string]interface{}) (*models.Credentials, error)

	GetDevices(ctx context.Context, sender models.Sender, creds *models.Credentials) ([]models.Device, error)

	// Upstream performs a command against the vendor. For reads it returns
	// the fresh value or nil; for writes it returns a bool.
	Upstream(ctx context.Context, mode models.Mode, c models.Case, creds *models.Credentials, sender models.Sender, data interface{}) (interface{}, error)

	Downstream(ctx context.Context, req *DownstreamRequest) ([]DownstreamResult, error)

	DidPairDevices(ctx context.Context, sender models.Sender, creds *models.Credentials, devices []models.Device, channels []models.Channel) error
}

// AccessChecker replaces the default access check
type AccessChecker interface {
	// AccessCheck returns validated credentials, or nil to deny
	AccessCheck(ctx context.Context, mode models.Mode, c models.Case, creds *models.Credentials, sender models.Sender) (*models.Credentials, error)
}

// RequestConf describes a vendor HTTP request. URL may contain
// {device_id} and {channel_id} placeholders.
type RequestConf struct {
	URL     string                 `json:"url" mapstructure:"url"`
	Method  string                 `json:"method" mapstructure:"method"`
	Headers map[string]string      `json:"headers,omitempty" mapstructure:"headers"`
	Params  map[string]string      `json:"params,omitempty" mapstructure:"params"`
	Data    map[string]interface{} `json:"data,omitempty" mapstructure:"data"`
	JSON    bool                   `json:"json" mapstructure:"json"`
}

// RefreshConf describes the vendor refresh-token request
type RefreshConf struct {
	URL     string            `json:"url" mapstructure:"url"`
	Method  string            `json:"method" mapstructure:"method"`
	JSON    bool              `json:"json" mapstructure:"json"`
	Headers map[string]string `json:"headers,omitempty" mapstructure:"headers"`
	Extra   map[string]string `json:"extra,omitempty" mapstructure:"extra"`
}

// PollResult is one successful polling response
type PollResult struct {
	StatusCode  int
	Body        []byte
	JSON        interface{}
	ChannelID   string
	DeviceID    string
	Credentials *models.Credentials
}

// PollingProvider is required when polling is enabled
type PollingProvider interface {
	PollingConf() (*RequestConf, error)
	// Polling consumes one response and returns the updates to publish
	Polling(ctx context.Context, result PollResult) ([]models.Update, error)
}

// RefreshProvider is required when refresh is enabled
type RefreshProvider interface {
	RefreshTokenConf() (*RefreshConf, error)
}

// TCPReceiver consumes messages of the optional TCP ingress
type TCPReceiver interface {
	TCPMessage(ctx context.Context, data []byte) ([]models.Update, error)
}

// Services is the handle an adapter receives on Start
type Services interface {
	// Publish enqueues an update on the outbound queue
	Publish(ctx context.Context, update models.Update) error
	GetCredentials(ctx context.Context, client, owner, channel string) (*models.Credentials, error)
	GetDeviceID(ctx context.Context, channel string) (string, error)
	GetChannelID(ctx context.Context, device string) (string, error)
	GetChannelStatus(ctx context.Context, channel string) (interface{}, error)
	SetChannelStatus(ctx context.Context, channel string, status interface{}) error
	Logger() observability.Logger
}
