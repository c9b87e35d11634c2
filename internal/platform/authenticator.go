package platform

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/developer-mesh/integration-manager/internal/resilience"
	"github.com/developer-mesh/integration-manager/pkg/observability"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
)

// ErrAuthFailed is returned when the platform refuses the manager credentials
var ErrAuthFailed = errors.New("manager authentication failed")

const authorizePath = "/auth/authorize"

// AuthConfig holds the manager's platform OAuth settings
type AuthConfig struct {
	ClientID      string
	ClientSecret  string
	Server        string
	GrantType     string
	Scope         string
	RenewBefore   time.Duration
	RetryInterval time.Duration
	HTTPClient    *http.Client
}

// Authenticator obtains the manager token and keeps it renewed
type Authenticator struct {
	cfg     AuthConfig
	session *Session
	logger  observability.Logger

	// held for the whole of an authorize or renew
	mu    sync.Mutex
	timer *time.Timer
	fatal chan error
}

// NewAuthenticator creates an authenticator writing into session
func NewAuthenticator(cfg AuthConfig, session *Session, logger observability.Logger) *Authenticator {
	if cfg.RenewBefore == 0 {
		cfg.RenewBefore = 48 * time.Hour
	}
	if cfg.RetryInterval == 0 {
		cfg.RetryInterval = 10 * time.Second
	}
	if cfg.GrantType == "" {
		cfg.GrantType = "client_credentials"
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &Authenticator{
		cfg:     cfg,
		session: session,
		logger:  logger.WithPrefix("platform-auth"),
		fatal:   make(chan error, 1),
	}
}

// Fatal delivers the error of a failed renewal; the process is expected to exit
func (a *Authenticator) Fatal() <-chan error {
	return a.fatal
}

func (a *Authenticator) tokenURL() string {
	return strings.TrimRight(a.cfg.Server, "/") + authorizePath
}

func (a *Authenticator) oauthContext(ctx context.Context) context.Context {
	return context.WithValue(ctx, oauth2.HTTPClient, a.cfg.HTTPClient)
}

// Start authenticates, retrying at a fixed interval until it succeeds or
// ctx is done, then schedules the renewal.
func (a *Authenticator) Start(ctx context.Context) error {
	err := resilience.RetryForever(ctx, a.cfg.RetryInterval, func() error {
		return a.authorize(ctx)
	}, func(err error, next time.Duration) {
		a.logger.Warn("Platform authentication failed, retrying", map[string]interface{}{
			"error":    err.Error(),
			"retry_in": next.String(),
		})
	})
	if err != nil {
		return err
	}

	a.scheduleRenewal()
	return nil
}

func (a *Authenticator) authorize(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	cc := clientcredentials.Config{
		ClientID:       a.cfg.ClientID,
		ClientSecret:   a.cfg.ClientSecret,
		TokenURL:       a.tokenURL(),
		EndpointParams: url.Values{"grant_type": {a.cfg.GrantType}},
		AuthStyle:      oauth2.AuthStyleInParams,
	}
	if a.cfg.Scope != "" {
		cc.Scopes = []string{a.cfg.Scope}
	}

	tok, err := cc.Token(a.oauthContext(ctx))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrAuthFailed, err)
	}

	httpEndpoint, mqttEndpoint := endpoints(tok)
	if httpEndpoint == "" || mqttEndpoint == "" {
		return fmt.Errorf("%w: token response carries no endpoints", ErrAuthFailed)
	}

	a.session.Set(tok.AccessToken, tok.RefreshToken, tok.Expiry, httpEndpoint, mqttEndpoint)
	a.logger.Info("Platform session established", map[string]interface{}{
		"http_endpoint": httpEndpoint,
		"mqtt_endpoint": mqttEndpoint,
		"expiry":        tok.Expiry,
	})
	return nil
}

// Renew exchanges the refresh token for a new manager token
func (a *Authenticator) Renew(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	refreshToken := a.session.RefreshToken()
	if refreshToken == "" {
		return fmt.Errorf("%w: no refresh token", ErrAuthFailed)
	}

	conf := oauth2.Config{
		ClientID:     a.cfg.ClientID,
		ClientSecret: a.cfg.ClientSecret,
		Endpoint: oauth2.Endpoint{
			TokenURL:  a.tokenURL(),
			AuthStyle: oauth2.AuthStyleInParams,
		},
	}
	// an already expired token forces the source to refresh
	tok, err := conf.TokenSource(a.oauthContext(ctx), &oauth2.Token{
		RefreshToken: refreshToken,
		Expiry:       time.Unix(1, 0),
	}).Token()
	if err != nil {
		return fmt.Errorf("%w: renewal: %v", ErrAuthFailed, err)
	}

	httpEndpoint, mqttEndpoint := endpoints(tok)
	a.session.Set(tok.AccessToken, tok.RefreshToken, tok.Expiry, httpEndpoint, mqttEndpoint)
	a.logger.Info("Platform token renewed", map[string]interface{}{"expiry": tok.Expiry})
	return nil
}

func (a *Authenticator) scheduleRenewal() {
	expiry := a.session.Expiry()
	if expiry.IsZero() {
		a.logger.Info("Platform token does not expire, no renewal scheduled", nil)
		return
	}

	delay := time.Until(expiry.Add(-a.cfg.RenewBefore))
	if delay < 0 {
		delay = 0
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.timer != nil {
		a.timer.Stop()
	}
	a.timer = time.AfterFunc(delay, func() {
		if err := a.Renew(context.Background()); err != nil {
			a.logger.Error("Platform token renewal failed", map[string]interface{}{"error": err.Error()})
			select {
			case a.fatal <- err:
			default:
			}
			return
		}
		a.scheduleRenewal()
	})
	a.logger.Debug("Platform token renewal scheduled", map[string]interface{}{"in": delay.String()})
}

// Stop cancels the pending renewal
func (a *Authenticator) Stop() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.timer != nil {
		a.timer.Stop()
		a.timer = nil
	}
}

func endpoints(tok *oauth2.Token) (httpEndpoint, mqttEndpoint string) {
	raw, ok := tok.Extra("endpoints").(map[string]interface{})
	if !ok {
		return "", ""
	}
	httpEndpoint, _ = raw["http"].(string)
	mqttEndpoint, _ = raw["mqtt"].(string)
	return httpEndpoint, mqttEndpoint
}
