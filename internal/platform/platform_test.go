package platform

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/developer-mesh/integration-manager/internal/access"
	"github.com/developer-mesh/integration-manager/pkg/observability"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakePlatform struct {
	t      *testing.T
	server *httptest.Server

	mu          sync.Mutex
	authFails   int
	renewFails  bool
	expiresIn   int
	grants      []map[string]string
	created     []CreateChannelRequest
	channels    map[string]bool
	grantStatus int
	grantBody   string
	createFails int
	createPosts int
	patched     []WebhookURLs
	authCalls   atomic.Int32
}

func newFakePlatform(t *testing.T) *fakePlatform {
	f := &fakePlatform{t: t, channels: map[string]bool{}, expiresIn: 3600}
	mux := http.NewServeMux()
	mux.HandleFunc("/auth/authorize", f.authorize)
	mux.HandleFunc("/v3/channels/", f.channel)
	mux.HandleFunc("/v3/managers/self/channels", f.createChannel)
	mux.HandleFunc("/v3/managers/manager-client", f.patchManager)
	f.server = httptest.NewServer(mux)
	t.Cleanup(f.server.Close)
	return f
}

func (f *fakePlatform) authorize(w http.ResponseWriter, r *http.Request) {
	f.authCalls.Add(1)
	require.NoError(f.t, r.ParseForm())

	f.mu.Lock()
	defer f.mu.Unlock()

	grant := r.PostForm.Get("grant_type")
	if grant == "refresh_token" && f.renewFails {
		http.Error(w, `{"error":"invalid_grant"}`, http.StatusBadRequest)
		return
	}
	if grant == "client_credentials" {
		assert.Equal(f.t, "manager-client", r.PostForm.Get("client_id"))
		assert.Equal(f.t, "s3cret", r.PostForm.Get("client_secret"))
		assert.Equal(f.t, "manager", r.PostForm.Get("scope"))
		if f.authFails > 0 {
			f.authFails--
			http.Error(w, `{"error":"unavailable"}`, http.StatusServiceUnavailable)
			return
		}
	}

	token := "platform-token-1"
	if grant == "refresh_token" {
		token = "platform-token-2"
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"access_token":  token,
		"refresh_token": "platform-refresh",
		"token_type":    "Bearer",
		"expires_in":    f.expiresIn,
		"endpoints": map[string]string{
			"http": f.server.URL + "/v3",
			"mqtt": "mqtts://broker.platform.test:8883",
		},
	})
}

func (f *fakePlatform) channel(w http.ResponseWriter, r *http.Request) {
	assert.Equal(f.t, "Bearer platform-token-1", r.Header.Get("Authorization"))
	f.mu.Lock()
	defer f.mu.Unlock()

	id := r.URL.Path[len("/v3/channels/"):]
	if r.Method == http.MethodPost {
		var body map[string]string
		require.NoError(f.t, json.NewDecoder(r.Body).Decode(&body))
		f.grants = append(f.grants, body)
		if f.grantStatus != 0 {
			w.WriteHeader(f.grantStatus)
			_, _ = w.Write([]byte(f.grantBody))
			return
		}
		w.WriteHeader(http.StatusNoContent)
		return
	}
	if f.channels[id] {
		_, _ = w.Write([]byte(`{"id":"` + id + `"}`))
		return
	}
	w.WriteHeader(http.StatusNotFound)
}

func (f *fakePlatform) createChannel(w http.ResponseWriter, r *http.Request) {
	var req CreateChannelRequest
	require.NoError(f.t, json.NewDecoder(r.Body).Decode(&req))
	f.mu.Lock()
	defer f.mu.Unlock()
	f.createPosts++
	if f.createFails > 0 {
		// the channel exists on the platform even though the answer failed
		f.createFails--
		f.created = append(f.created, req)
		w.WriteHeader(http.StatusBadGateway)
		return
	}
	if req.ChannelTemplateID == "missing" {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	f.created = append(f.created, req)
	_, _ = w.Write([]byte(`{"id":"CH-7"}`))
}

func (f *fakePlatform) patchManager(w http.ResponseWriter, r *http.Request) {
	assert.Equal(f.t, http.MethodPatch, r.Method)
	var urls WebhookURLs
	require.NoError(f.t, json.NewDecoder(r.Body).Decode(&urls))
	f.mu.Lock()
	f.patched = append(f.patched, urls)
	f.mu.Unlock()
	_, _ = w.Write([]byte(`{"confirmation_hash":"hash-1"}`))
}

func newAuthenticator(f *fakePlatform, session *Session) *Authenticator {
	return NewAuthenticator(AuthConfig{
		ClientID:      "manager-client",
		ClientSecret:  "s3cret",
		Server:        f.server.URL,
		Scope:         "manager",
		RetryInterval: time.Millisecond,
		RenewBefore:   10 * time.Minute,
	}, session, observability.NewNoopLogger())
}

func TestAuthenticatorRetriesUntilSuccess(t *testing.T) {
	f := newFakePlatform(t)
	f.authFails = 2
	session := NewSession("manager-client")
	auth := newAuthenticator(f, session)
	defer auth.Stop()

	require.NoError(t, auth.Start(context.Background()))

	assert.EqualValues(t, 3, f.authCalls.Load())
	assert.Equal(t, "platform-token-1", session.AccessToken())
	assert.Equal(t, "platform-refresh", session.RefreshToken())
	assert.Equal(t, f.server.URL+"/v3", session.HTTPEndpoint())
	assert.Equal(t, "mqtts://broker.platform.test:8883", session.MQTTEndpoint())
	assert.WithinDuration(t, time.Now().Add(time.Hour), session.Expiry(), time.Minute)
}

func TestAuthenticatorStartHonoursContext(t *testing.T) {
	f := newFakePlatform(t)
	f.authFails = 1 << 20
	auth := newAuthenticator(f, NewSession("manager-client"))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	assert.Error(t, auth.Start(ctx))
}

func TestAuthenticatorRenew(t *testing.T) {
	f := newFakePlatform(t)
	session := NewSession("manager-client")
	auth := newAuthenticator(f, session)
	defer auth.Stop()
	require.NoError(t, auth.Start(context.Background()))

	require.NoError(t, auth.Renew(context.Background()))
	assert.Equal(t, "platform-token-2", session.AccessToken())
	assert.Equal(t, f.server.URL+"/v3", session.HTTPEndpoint())
}

func TestRenewalFailureIsFatal(t *testing.T) {
	f := newFakePlatform(t)
	// expiry inside the renewal window schedules an immediate renewal
	f.expiresIn = 60
	f.renewFails = true
	auth := newAuthenticator(f, NewSession("manager-client"))
	defer auth.Stop()

	require.NoError(t, auth.Start(context.Background()))

	select {
	case err := <-auth.Fatal():
		assert.ErrorIs(t, err, ErrAuthFailed)
	case <-time.After(2 * time.Second):
		t.Fatal("renewal failure was not reported")
	}
}

func newConnectedClient(t *testing.T) (*Client, *fakePlatform, *Session) {
	f := newFakePlatform(t)
	session := NewSession("manager-client")
	auth := newAuthenticator(f, session)
	t.Cleanup(auth.Stop)
	require.NoError(t, auth.Start(context.Background()))
	return NewClient(session, time.Second, observability.NewNoopLogger()), f, session
}

func TestChannelExists(t *testing.T) {
	client, f, _ := newConnectedClient(t)
	f.channels["CH-1"] = true

	ok, err := client.ChannelExists(context.Background(), "CH-1")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = client.ChannelExists(context.Background(), "CH-gone")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestCreateChannelAndGrantAccess(t *testing.T) {
	client, f, _ := newConnectedClient(t)

	id, err := client.CreateChannel(context.Background(), CreateChannelRequest{
		Name:               "Living room",
		ChannelTemplateID:  "tpl-1",
		RemoteKey:          "DEV-7",
		RequestingClientID: "APP",
	})
	require.NoError(t, err)
	assert.Equal(t, "CH-7", id)
	require.Len(t, f.created, 1)
	assert.Equal(t, "DEV-7", f.created[0].RemoteKey)

	require.NoError(t, client.GrantAccess(context.Background(), id, "APP", RoleApplication))
	require.NoError(t, client.GrantAccess(context.Background(), id, "OWN", RoleUser))
	assert.Equal(t, []map[string]string{
		{"id": "APP", "role": "application"},
		{"id": "OWN", "role": "user"},
	}, f.grants)

	_, err = client.CreateChannel(context.Background(), CreateChannelRequest{ChannelTemplateID: "missing"})
	assert.ErrorIs(t, err, ErrChannelTemplateNotFound)
}

func TestCreateChannelIsNotRetried(t *testing.T) {
	client, f, _ := newConnectedClient(t)
	f.createFails = 1

	_, err := client.CreateChannel(context.Background(), CreateChannelRequest{
		ChannelTemplateID: "tpl-1",
		RemoteKey:         "DEV-2",
	})
	var se *StatusError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, http.StatusBadGateway, se.StatusCode)

	f.mu.Lock()
	defer f.mu.Unlock()
	assert.Equal(t, 1, f.createPosts)
	assert.Len(t, f.created, 1)
}

func TestIdempotentCallsAreRetried(t *testing.T) {
	client, f, _ := newConnectedClient(t)
	f.grantStatus = http.StatusServiceUnavailable

	err := client.GrantAccess(context.Background(), "CH-7", "OWN", RoleUser)
	require.Error(t, err)

	f.mu.Lock()
	defer f.mu.Unlock()
	assert.Greater(t, len(f.grants), 1)
}

func TestGrantAccessRefused(t *testing.T) {
	client, f, _ := newConnectedClient(t)
	f.grantStatus = http.StatusPreconditionFailed
	f.grantBody = `{"code":2000,"message":"not allowed"}`

	err := client.GrantAccess(context.Background(), "CH-7", "OWN", RoleUser)
	assert.ErrorIs(t, err, access.ErrUnauthorized)

	f.grantBody = `{"code":3000}`
	err = client.GrantAccess(context.Background(), "CH-7", "OWN", RoleUser)
	require.Error(t, err)
	assert.NotErrorIs(t, err, access.ErrUnauthorized)
}

func TestRegisterWebhooksRotatesHash(t *testing.T) {
	client, f, session := newConnectedClient(t)

	hash, err := client.RegisterWebhooks(context.Background(), WebhookURLs{
		AuthorizeURL: "https://manager.example.com/v3/authorize",
	})
	require.NoError(t, err)
	assert.Equal(t, "hash-1", hash)
	assert.Equal(t, "hash-1", session.ConfirmationHash())
	require.Len(t, f.patched, 1)
}

func TestClientWithoutSession(t *testing.T) {
	client := NewClient(NewSession("manager-client"), time.Second, observability.NewNoopLogger())
	_, err := client.ChannelExists(context.Background(), "CH-1")
	assert.ErrorIs(t, err, ErrNoSession)
}
