// Package platform authenticates the manager against the IoT platform and
// talks to its REST API.
package platform

import (
	"errors"
	"sync"
	"time"

	"golang.org/x/oauth2"
)

// ErrNoSession is returned while no platform token has been obtained yet
var ErrNoSession = errors.New("platform session not established")

// Session is the process-wide manager session. The authenticator is its
// only writer; the confirmation hash is rotated by webhook registration.
type Session struct {
	mu sync.RWMutex

	clientID         string
	accessToken      string
	refreshToken     string
	expiry           time.Time
	httpEndpoint     string
	mqttEndpoint     string
	confirmationHash string
}

// NewSession creates an empty session for the manager client id
func NewSession(clientID string) *Session {
	return &Session{clientID: clientID}
}

// ClientID returns the manager's platform client id
func (s *Session) ClientID() string {
	return s.clientID
}

func (s *Session) AccessToken() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.accessToken
}

func (s *Session) RefreshToken() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.refreshToken
}

func (s *Session) Expiry() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.expiry
}

func (s *Session) HTTPEndpoint() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.httpEndpoint
}

func (s *Session) MQTTEndpoint() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.mqttEndpoint
}

func (s *Session) ConfirmationHash() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.confirmationHash
}

// SetConfirmationHash rotates the webhook bearer
func (s *Session) SetConfirmationHash(hash string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.confirmationHash = hash
}

// Token implements oauth2.TokenSource for the platform REST client
func (s *Session) Token() (*oauth2.Token, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.accessToken == "" {
		return nil, ErrNoSession
	}
	return &oauth2.Token{AccessToken: s.accessToken, TokenType: "Bearer", Expiry: s.expiry}, nil
}

// Set replaces the token data. Empty endpoints keep the previous ones.
func (s *Session) Set(accessToken, refreshToken string, expiry time.Time, httpEndpoint, mqttEndpoint string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.accessToken = accessToken
	if refreshToken != "" {
		s.refreshToken = refreshToken
	}
	s.expiry = expiry
	if httpEndpoint != "" {
		s.httpEndpoint = httpEndpoint
	}
	if mqttEndpoint != "" {
		s.mqttEndpoint = mqttEndpoint
	}
}
