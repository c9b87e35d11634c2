package platform

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/developer-mesh/integration-manager/internal/access"
	"github.com/developer-mesh/integration-manager/internal/resilience"
	"github.com/developer-mesh/integration-manager/pkg/observability"
	"golang.org/x/oauth2"
)

// ErrChannelTemplateNotFound is returned when the platform rejects the
// channel template of a pairing request
var ErrChannelTemplateNotFound = errors.New("channel template not found")

// codeGrantUnauthorized is the platform error code for a refused grant
const codeGrantUnauthorized = 2000

// Roles accepted by the grant-access endpoint
const (
	RoleApplication = "application"
	RoleUser        = "user"
)

// StatusError is a non-2xx platform answer
type StatusError struct {
	Method     string
	Path       string
	StatusCode int
	Body       []byte
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("platform %s %s returned %d: %s", e.Method, e.Path, e.StatusCode, strings.TrimSpace(string(e.Body)))
}

// CreateChannelRequest is the body of a channel creation
type CreateChannelRequest struct {
	Name               string `json:"name"`
	ChannelTemplateID  string `json:"channeltemplate_id"`
	RemoteKey          string `json:"remote_key"`
	RequestingClientID string `json:"requesting_client_id"`
}

// WebhookURLs are the manager endpoints announced to the platform
type WebhookURLs struct {
	AuthorizeURL    string `json:"authorize_url"`
	ReceiveTokenURL string `json:"receive_token_url"`
	DevicesListURL  string `json:"devices_list_url"`
	SelectDeviceURL string `json:"select_device_url"`
}

// Client calls the platform REST API with the manager token
type Client struct {
	session *Session
	http    *http.Client
	retry   resilience.RetryConfig
	logger  observability.Logger
}

// NewClient creates a platform client authenticated by session
func NewClient(session *Session, timeout time.Duration, logger observability.Logger) *Client {
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		session: session,
		http: &http.Client{
			Timeout:   timeout,
			Transport: &oauth2.Transport{Source: session, Base: http.DefaultTransport},
		},
		retry: resilience.RetryConfig{
			MaxRetries:      3,
			InitialInterval: 250 * time.Millisecond,
			MaxInterval:     2 * time.Second,
			RetryIfFn:       retryable,
		},
		logger: logger.WithPrefix("platform-client"),
	}
}

func retryable(err error) bool {
	var se *StatusError
	if errors.As(err, &se) {
		return se.StatusCode >= 500
	}
	return !errors.Is(err, ErrNoSession) && !errors.Is(err, context.Canceled)
}

func (c *Client) do(ctx context.Context, method, path string, body interface{}) ([]byte, error) {
	return c.send(ctx, method, path, body, true)
}

// send issues one platform call. Without retry the request goes out exactly
// once, for calls the platform does not deduplicate.
func (c *Client) send(ctx context.Context, method, path string, body interface{}, retry bool) ([]byte, error) {
	base := strings.TrimRight(c.session.HTTPEndpoint(), "/")
	if base == "" {
		return nil, ErrNoSession
	}

	var payload []byte
	if body != nil {
		var err error
		if payload, err = json.Marshal(body); err != nil {
			return nil, fmt.Errorf("encode platform request: %w", err)
		}
	}

	attempt := func() ([]byte, error) {
		var reader io.Reader
		if payload != nil {
			reader = bytes.NewReader(payload)
		}
		req, err := http.NewRequestWithContext(ctx, method, base+path, reader)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Accept", "application/json")
		if payload != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := c.http.Do(req)
		if err != nil {
			return nil, fmt.Errorf("platform %s %s: %w", method, path, err)
		}
		defer resp.Body.Close()

		data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		if err != nil {
			return nil, fmt.Errorf("platform %s %s: %w", method, path, err)
		}
		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			return nil, &StatusError{Method: method, Path: path, StatusCode: resp.StatusCode, Body: data}
		}
		return data, nil
	}

	if !retry {
		return attempt()
	}
	return resilience.RetryWithResult(ctx, c.retry, attempt)
}

// ChannelExists reports whether the platform still knows channel
func (c *Client) ChannelExists(ctx context.Context, channel string) (bool, error) {
	_, err := c.do(ctx, http.MethodGet, "/channels/"+url.PathEscape(channel), nil)
	if err == nil {
		return true, nil
	}
	var se *StatusError
	if errors.As(err, &se) {
		return false, nil
	}
	return false, err
}

// CreateChannel creates a channel and returns its id. The request is never
// repeated: a failed answer may still have created the channel.
func (c *Client) CreateChannel(ctx context.Context, req CreateChannelRequest) (string, error) {
	data, err := c.send(ctx, http.MethodPost, "/managers/self/channels", req, false)
	if err != nil {
		var se *StatusError
		if errors.As(err, &se) && se.StatusCode == http.StatusNotFound {
			return "", fmt.Errorf("%w: %s", ErrChannelTemplateNotFound, req.ChannelTemplateID)
		}
		return "", err
	}

	var created struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(data, &created); err != nil {
		return "", fmt.Errorf("decode created channel: %w", err)
	}
	if created.ID == "" {
		return "", errors.New("platform returned a channel without id")
	}
	return created.ID, nil
}

// GrantAccess gives id the role on channel. A refused grant is an
// access.KindUnauthorized error.
func (c *Client) GrantAccess(ctx context.Context, channel, id, role string) error {
	body := map[string]string{"id": id, "role": role}
	_, err := c.do(ctx, http.MethodPost, "/channels/"+url.PathEscape(channel)+"/grant-access", body)
	if err == nil {
		return nil
	}

	var se *StatusError
	if errors.As(err, &se) && se.StatusCode == http.StatusPreconditionFailed {
		var detail struct {
			Code int `json:"code"`
		}
		if json.Unmarshal(se.Body, &detail) == nil && detail.Code == codeGrantUnauthorized {
			return access.NewError(access.KindUnauthorized, err)
		}
	}
	return err
}

// RegisterWebhooks announces the webhook URLs and stores the returned
// confirmation hash in the session
func (c *Client) RegisterWebhooks(ctx context.Context, urls WebhookURLs) (string, error) {
	data, err := c.do(ctx, http.MethodPatch, "/managers/"+url.PathEscape(c.session.ClientID()), urls)
	if err != nil {
		return "", err
	}

	var registered struct {
		ConfirmationHash string `json:"confirmation_hash"`
	}
	if err := json.Unmarshal(data, &registered); err != nil {
		return "", fmt.Errorf("decode webhook registration: %w", err)
	}
	if registered.ConfirmationHash == "" {
		return "", errors.New("platform returned no confirmation_hash")
	}

	c.session.SetConfirmationHash(registered.ConfirmationHash)
	c.logger.Info("Webhook URLs registered", map[string]interface{}{
		"authorize_url": urls.AuthorizeURL,
	})
	return registered.ConfirmationHash, nil
}
