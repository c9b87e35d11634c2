// Package oauthrest is a generic vendor adapter for manufacturers exposing
// an OAuth2 authorization-code flow and a JSON REST API. Every endpoint is
// described in the manufacturer.rest configuration section.
package oauthrest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"time"

	"github.com/developer-mesh/integration-manager/internal/access"
	"github.com/developer-mesh/integration-manager/internal/adapter"
	"github.com/developer-mesh/integration-manager/internal/models"
	"github.com/developer-mesh/integration-manager/internal/vendor"
	"github.com/developer-mesh/integration-manager/pkg/observability"
	"github.com/google/uuid"
	"golang.org/x/oauth2"
)

// Name is the registry name of the adapter
const Name = "oauthrest"

func init() {
	adapter.Register(Name, New)
}

// Adapter implements adapter.Adapter over a configurable REST API
type Adapter struct {
	adapter.Base

	cfg    Config
	oauth  *oauth2.Config
	http   *http.Client
	vendor *vendor.Client
	logger observability.Logger
}

// New builds the adapter from the manufacturer.rest section
func New(raw map[string]interface{}, logger observability.Logger) (adapter.Adapter, error) {
	cfg, err := decodeConfig(raw)
	if err != nil {
		return nil, err
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}

	return &Adapter{
		cfg: cfg,
		oauth: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			RedirectURL:  cfg.RedirectURL,
			Scopes:       cfg.Scopes,
			Endpoint: oauth2.Endpoint{
				AuthURL:  cfg.AuthorizeURL,
				TokenURL: cfg.TokenURL,
			},
		},
		http:   &http.Client{Timeout: cfg.Timeout},
		vendor: vendor.NewClient(vendor.Config{Timeout: cfg.Timeout}, logger, nil),
		logger: logger.WithPrefix(Name),
	}, nil
}

func (a *Adapter) Kind() adapter.Kind {
	if a.cfg.Kind == "application" {
		return adapter.KindApplication
	}
	return adapter.KindDevice
}

// AuthRequests points the browser at the vendor consent page
func (a *Adapter) AuthRequests(ctx context.Context, sender models.Sender) ([]adapter.AuthRequest, error) {
	return []adapter.AuthRequest{{
		Method: http.MethodGet,
		URL:    a.oauth.AuthCodeURL(uuid.NewString(), oauth2.AccessTypeOffline),
	}}, nil
}

// AuthResponse exchanges the authorization code. A callback carrying an
// error, or a code the vendor refuses, yields nil credentials.
func (a *Adapter) AuthResponse(ctx context.Context, raw map[string]interface{}) (*models.Credentials, error) {
	if _, refused := raw["error"]; refused {
		return nil, nil
	}

	if _, ok := raw["access_token"].(string); ok {
		data, err := json.Marshal(raw)
		if err != nil {
			return nil, err
		}
		var creds models.Credentials
		if err := json.Unmarshal(data, &creds); err != nil {
			return nil, fmt.Errorf("invalid token callback: %w", err)
		}
		return &creds, nil
	}

	code, _ := raw["code"].(string)
	if code == "" {
		return nil, nil
	}

	ctx = context.WithValue(ctx, oauth2.HTTPClient, a.http)
	token, err := a.oauth.Exchange(ctx, code)
	if err != nil {
		var re *oauth2.RetrieveError
		if errors.As(err, &re) {
			fields := map[string]interface{}{"error": re.ErrorCode}
			if re.Response != nil {
				fields["status"] = re.Response.StatusCode
			}
			a.logger.Warn("Vendor refused authorization code", fields)
			return nil, nil
		}
		return nil, access.NewError(access.KindAPIConnection, err)
	}
	return credentialsFromToken(token, time.Now()), nil
}

func credentialsFromToken(token *oauth2.Token, now time.Time) *models.Credentials {
	creds := &models.Credentials{
		AccessToken:  token.AccessToken,
		RefreshToken: token.RefreshToken,
		TokenType:    token.TokenType,
	}
	if !token.Expiry.IsZero() {
		creds.ExpiresIn = int64(token.Expiry.Sub(now).Round(time.Second) / time.Second)
	}
	return creds
}

// GetDevices lists the devices of the authorized user
func (a *Adapter) GetDevices(ctx context.Context, sender models.Sender, creds *models.Credentials) ([]models.Device, error) {
	resp, err := a.vendor.Do(ctx, a.cfg.Devices, nil, creds.AccessToken)
	if err != nil {
		return nil, classify(err)
	}

	list := resp.JSON
	if a.cfg.DevicesField != "" {
		obj, _ := list.(map[string]interface{})
		list = obj[a.cfg.DevicesField]
	}
	items, ok := list.([]interface{})
	if !ok {
		return nil, fmt.Errorf("vendor device list is not an array")
	}

	devices := make([]models.Device, 0, len(items))
	for _, item := range items {
		obj, ok := item.(map[string]interface{})
		if !ok {
			continue
		}
		id := stringify(obj["id"])
		if id == "" {
			continue
		}
		d := models.Device{ID: id, Content: stringify(obj["name"])}
		if photo, ok := obj["photoUrl"].(string); ok {
			d.PhotoURL = photo
		}
		devices = append(devices, d)
	}
	return devices, nil
}

// Upstream reads or writes one property on the vendor API
func (a *Adapter) Upstream(ctx context.Context, mode models.Mode, c models.Case, creds *models.Credentials, sender models.Sender, data interface{}) (interface{}, error) {
	vars := map[string]string{
		"device_id":  c.DeviceID,
		"channel_id": c.ChannelID,
		"component":  c.Component,
		"property":   c.Property,
	}

	if mode == models.ModeWrite {
		conf := a.cfg.Write
		if conf.URL == "" {
			return false, nil
		}
		body := make(map[string]interface{}, len(conf.Data)+1)
		for k, v := range conf.Data {
			body[k] = v
		}
		body["value"] = data
		conf.Data = body
		if conf.Method == "" {
			conf.Method = http.MethodPut
		}
		if _, err := a.vendor.Do(ctx, conf, vars, creds.AccessToken); err != nil {
			return nil, classify(err)
		}
		return true, nil
	}

	resp, err := a.vendor.Do(ctx, a.cfg.Read, vars, creds.AccessToken)
	if err != nil {
		return nil, classify(err)
	}
	if obj, ok := resp.JSON.(map[string]interface{}); ok {
		if v, ok := obj["value"]; ok {
			return v, nil
		}
	}
	if resp.JSON != nil {
		return resp.JSON, nil
	}
	if len(resp.Body) > 0 {
		return string(resp.Body), nil
	}
	return nil, nil
}

// Downstream turns a vendor event callback into platform updates. A
// verification callback carrying a challenge is echoed back.
func (a *Adapter) Downstream(ctx context.Context, req *adapter.DownstreamRequest) ([]adapter.DownstreamResult, error) {
	var probe struct {
		Challenge string `json:"challenge"`
	}
	if json.Unmarshal(req.Body, &probe) == nil && probe.Challenge != "" {
		return []adapter.DownstreamResult{{
			Response: &adapter.ResponseOverride{
				Status: http.StatusOK,
				Data:   map[string]string{"challenge": probe.Challenge},
			},
		}}, nil
	}

	events, err := decodeEvents(req.Body)
	if err != nil {
		return nil, err
	}
	results := make([]adapter.DownstreamResult, 0, len(events))
	for _, e := range events {
		r := adapter.DownstreamResult{Case: e.Case(), Data: e.Value}
		if e.IO != "" {
			r.MQTT = &adapter.MQTTOverride{IO: e.IO}
		}
		results = append(results, r)
	}
	return results, nil
}

// PollingConf returns the configured polling request
func (a *Adapter) PollingConf() (*adapter.RequestConf, error) {
	if a.cfg.Polling == nil || a.cfg.Polling.URL == "" {
		return nil, errors.New("oauthrest: polling is not configured")
	}
	conf := *a.cfg.Polling
	return &conf, nil
}

// Polling maps a {component: {property: value}} answer onto updates
func (a *Adapter) Polling(ctx context.Context, result adapter.PollResult) ([]models.Update, error) {
	state, ok := result.JSON.(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("polling answer of %s is not an object", result.DeviceID)
	}

	components := make([]string, 0, len(state))
	for name := range state {
		components = append(components, name)
	}
	sort.Strings(components)

	var updates []models.Update
	for _, component := range components {
		props, ok := state[component].(map[string]interface{})
		if !ok {
			continue
		}
		names := make([]string, 0, len(props))
		for name := range props {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, property := range names {
			updates = append(updates, models.Update{
				IO: models.IORead,
				Case: models.Case{
					ChannelID: result.ChannelID,
					DeviceID:  result.DeviceID,
					Component: component,
					Property:  property,
				},
				Data: props[property],
			})
		}
	}
	return updates, nil
}

// RefreshTokenConf returns the configured refresh request
func (a *Adapter) RefreshTokenConf() (*adapter.RefreshConf, error) {
	if a.cfg.Refresh != nil && a.cfg.Refresh.URL != "" {
		conf := *a.cfg.Refresh
		return &conf, nil
	}
	conf := &adapter.RefreshConf{URL: a.cfg.TokenURL, Method: http.MethodPost}
	conf.Extra = map[string]string{"client_id": a.cfg.ClientID}
	if a.cfg.ClientSecret != "" {
		conf.Extra["client_secret"] = a.cfg.ClientSecret
	}
	return conf, nil
}

// TCPMessage decodes events pushed over the TCP ingress
func (a *Adapter) TCPMessage(ctx context.Context, data []byte) ([]models.Update, error) {
	events, err := decodeEvents(data)
	if err != nil {
		return nil, err
	}
	updates := make([]models.Update, 0, len(events))
	for _, e := range events {
		dir := e.IO
		if dir == "" {
			dir = models.IORead
		}
		updates = append(updates, models.Update{IO: dir, Case: e.Case(), Data: e.Value})
	}
	return updates, nil
}

// classify maps vendor failures onto access kinds
func classify(err error) error {
	var he *vendor.HTTPError
	if errors.As(err, &he) {
		switch he.StatusCode {
		case http.StatusUnauthorized:
			return access.NewError(access.KindInvalidAccessCredentials, err)
		case http.StatusForbidden:
			return access.NewError(access.KindPermissionRevoked, err)
		case http.StatusNotFound:
			return access.NewError(access.KindNoAccessDevice, err)
		case http.StatusLocked:
			return access.NewError(access.KindRemoteControlDisabled, err)
		}
		return err
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	return access.NewError(access.KindAPIConnection, err)
}

func stringify(v interface{}) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case float64:
		return fmt.Sprintf("%.0f", t)
	default:
		return fmt.Sprint(t)
	}
}
