package oauthrest

import (
	"errors"
	"fmt"
	"time"

	"github.com/developer-mesh/integration-manager/internal/adapter"
	"github.com/mitchellh/mapstructure"
)

// Config is the manufacturer.rest section read by the adapter
type Config struct {
	Kind string `mapstructure:"kind"`

	AuthorizeURL string        `mapstructure:"authorize_url"`
	TokenURL     string        `mapstructure:"token_url"`
	ClientID     string        `mapstructure:"client_id"`
	ClientSecret string        `mapstructure:"client_secret"`
	RedirectURL  string        `mapstructure:"redirect_url"`
	Scopes       []string      `mapstructure:"scopes"`
	Timeout      time.Duration `mapstructure:"timeout"`

	Devices adapter.RequestConf `mapstructure:"devices"`
	// DevicesField names the member holding the device list when the
	// vendor wraps it in an object
	DevicesField string `mapstructure:"devices_field"`

	Read  adapter.RequestConf `mapstructure:"read"`
	Write adapter.RequestConf `mapstructure:"write"`

	Polling *adapter.RequestConf `mapstructure:"polling"`
	Refresh *adapter.RefreshConf `mapstructure:"refresh"`
}

func decodeConfig(raw map[string]interface{}) (Config, error) {
	var cfg Config
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           &cfg,
		WeaklyTypedInput: true,
		DecodeHook:       mapstructure.StringToTimeDurationHookFunc(),
	})
	if err != nil {
		return cfg, err
	}
	if err := dec.Decode(raw); err != nil {
		return cfg, fmt.Errorf("invalid oauthrest configuration: %w", err)
	}
	return cfg, cfg.validate()
}

func (c Config) validate() error {
	var errs []error
	if c.AuthorizeURL == "" {
		errs = append(errs, errors.New("authorize_url is required"))
	}
	if c.TokenURL == "" {
		errs = append(errs, errors.New("token_url is required"))
	}
	if c.ClientID == "" {
		errs = append(errs, errors.New("client_id is required"))
	}
	if c.Devices.URL == "" {
		errs = append(errs, errors.New("devices.url is required"))
	}
	if c.Read.URL == "" {
		errs = append(errs, errors.New("read.url is required"))
	}
	switch c.Kind {
	case "", "device", "application":
	default:
		errs = append(errs, fmt.Errorf("kind must be device or application, got %q", c.Kind))
	}
	return errors.Join(errs...)
}
