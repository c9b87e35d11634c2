package oauthrest

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/developer-mesh/integration-manager/internal/access"
	"github.com/developer-mesh/integration-manager/internal/adapter"
	"github.com/developer-mesh/integration-manager/internal/models"
	"github.com/developer-mesh/integration-manager/pkg/observability"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeVendor struct {
	t      *testing.T
	server *httptest.Server
	writes []map[string]interface{}
}

func newFakeVendor(t *testing.T) *fakeVendor {
	f := &fakeVendor{t: t}
	mux := http.NewServeMux()
	mux.HandleFunc("/oauth/token", func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		w.Header().Set("Content-Type", "application/json")
		if r.PostForm.Get("code") != "good-code" {
			w.WriteHeader(http.StatusBadRequest)
			_, _ = w.Write([]byte(`{"error":"invalid_grant"}`))
			return
		}
		_, _ = w.Write([]byte(`{"access_token":"vendor-token","refresh_token":"vendor-refresh","token_type":"Bearer","expires_in":3600}`))
	})
	mux.HandleFunc("/devices", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer vendor-token", r.Header.Get("Authorization"))
		_, _ = w.Write([]byte(`{"data":[{"id":"DEV-7","name":"Living room"},{"id":8,"name":"Kitchen"},{"name":"no id"}]}`))
	})
	mux.HandleFunc("/devices/DEV-7/thermostat/temperature", func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPut {
			var body map[string]interface{}
			require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
			f.writes = append(f.writes, body)
			w.WriteHeader(http.StatusNoContent)
			return
		}
		_, _ = w.Write([]byte(`{"value":21.5,"unit":"C"}`))
	})
	mux.HandleFunc("/devices/GONE/thermostat/temperature", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})
	mux.HandleFunc("/devices/LOCKED/thermostat/temperature", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	})
	f.server = httptest.NewServer(mux)
	t.Cleanup(f.server.Close)
	return f
}

func (f *fakeVendor) config() map[string]interface{} {
	base := f.server.URL
	return map[string]interface{}{
		"authorize_url": base + "/oauth/authorize",
		"token_url":     base + "/oauth/token",
		"client_id":     "vendor-app",
		"client_secret": "vendor-secret",
		"redirect_url":  "https://manager.example.com/v3/receive-token",
		"scopes":        []interface{}{"devices", "control"},
		"timeout":       "5s",
		"devices":       map[string]interface{}{"url": base + "/devices"},
		"devices_field": "data",
		"read":          map[string]interface{}{"url": base + "/devices/{device_id}/{component}/{property}"},
		"write":         map[string]interface{}{"url": base + "/devices/{device_id}/{component}/{property}", "json": true},
		"polling":       map[string]interface{}{"url": base + "/devices/{device_id}/state"},
	}
}

func newAdapter(t *testing.T) (*Adapter, *fakeVendor) {
	t.Helper()
	f := newFakeVendor(t)
	a, err := New(f.config(), observability.NewNoopLogger())
	require.NoError(t, err)
	return a.(*Adapter), f
}

var sender = models.Sender{ClientID: "APP", OwnerID: "OWN"}

func TestRegistered(t *testing.T) {
	assert.Contains(t, adapter.Registered(), Name)
}

func TestConfigValidation(t *testing.T) {
	_, err := New(map[string]interface{}{"kind": "robot"}, observability.NewNoopLogger())
	require.Error(t, err)
	for _, field := range []string{"authorize_url", "token_url", "client_id", "devices.url", "read.url", "kind"} {
		assert.Contains(t, err.Error(), field)
	}
}

func TestKind(t *testing.T) {
	a, f := newAdapter(t)
	assert.Equal(t, adapter.KindDevice, a.Kind())

	cfg := f.config()
	cfg["kind"] = "application"
	app, err := New(cfg, observability.NewNoopLogger())
	require.NoError(t, err)
	assert.Equal(t, adapter.KindApplication, app.Kind())
}

func TestAuthRequests(t *testing.T) {
	a, f := newAdapter(t)

	reqs, err := a.AuthRequests(context.Background(), sender)
	require.NoError(t, err)
	require.Len(t, reqs, 1)
	assert.Equal(t, http.MethodGet, reqs[0].Method)

	u, err := url.Parse(reqs[0].URL)
	require.NoError(t, err)
	assert.Equal(t, f.server.URL+"/oauth/authorize", u.Scheme+"://"+u.Host+u.Path)
	q := u.Query()
	assert.Equal(t, "vendor-app", q.Get("client_id"))
	assert.Equal(t, "code", q.Get("response_type"))
	assert.Equal(t, "devices control", q.Get("scope"))
	assert.Equal(t, "offline", q.Get("access_type"))
	assert.NotEmpty(t, q.Get("state"))
}

func TestAuthResponse(t *testing.T) {
	a, _ := newAdapter(t)
	ctx := context.Background()

	creds, err := a.AuthResponse(ctx, map[string]interface{}{"code": "good-code"})
	require.NoError(t, err)
	require.NotNil(t, creds)
	assert.Equal(t, "vendor-token", creds.AccessToken)
	assert.Equal(t, "vendor-refresh", creds.RefreshToken)
	assert.InDelta(t, 3600, creds.ExpiresIn, 2)

	creds, err = a.AuthResponse(ctx, map[string]interface{}{"code": "stale-code"})
	require.NoError(t, err)
	assert.Nil(t, creds)

	creds, err = a.AuthResponse(ctx, map[string]interface{}{"error": "access_denied"})
	require.NoError(t, err)
	assert.Nil(t, creds)

	creds, err = a.AuthResponse(ctx, map[string]interface{}{
		"access_token": "direct-token",
		"expires_in":   float64(60),
		"home_id":      "H1",
	})
	require.NoError(t, err)
	require.NotNil(t, creds)
	assert.Equal(t, "direct-token", creds.AccessToken)
	assert.EqualValues(t, 60, creds.ExpiresIn)
	assert.Equal(t, "H1", creds.Extra["home_id"])
}

func TestGetDevices(t *testing.T) {
	a, _ := newAdapter(t)

	devices, err := a.GetDevices(context.Background(), sender, &models.Credentials{AccessToken: "vendor-token"})
	require.NoError(t, err)
	assert.Equal(t, []models.Device{
		{ID: "DEV-7", Content: "Living room"},
		{ID: "8", Content: "Kitchen"},
	}, devices)
}

func TestUpstream(t *testing.T) {
	a, f := newAdapter(t)
	ctx := context.Background()
	creds := &models.Credentials{AccessToken: "vendor-token"}
	c := models.Case{ChannelID: "CH-7", DeviceID: "DEV-7", Component: "thermostat", Property: "temperature"}

	value, err := a.Upstream(ctx, models.ModeRead, c, creds, sender, nil)
	require.NoError(t, err)
	assert.Equal(t, 21.5, value)

	ok, err := a.Upstream(ctx, models.ModeWrite, c, creds, sender, 19.0)
	require.NoError(t, err)
	assert.Equal(t, true, ok)
	assert.Equal(t, []map[string]interface{}{{"value": 19.0}}, f.writes)

	c.DeviceID = "GONE"
	_, err = a.Upstream(ctx, models.ModeRead, c, creds, sender, nil)
	kind, ok2 := access.KindOf(err)
	require.True(t, ok2)
	assert.Equal(t, access.KindNoAccessDevice, kind)

	c.DeviceID = "LOCKED"
	_, err = a.Upstream(ctx, models.ModeRead, c, creds, sender, nil)
	kind, _ = access.KindOf(err)
	assert.Equal(t, access.KindInvalidAccessCredentials, kind)
}

func TestDownstream(t *testing.T) {
	a, _ := newAdapter(t)
	ctx := context.Background()

	results, err := a.Downstream(ctx, &adapter.DownstreamRequest{Body: []byte(`{"challenge":"abc"}`)})
	require.NoError(t, err)
	require.Len(t, results, 1)
	require.NotNil(t, results[0].Response)
	assert.Equal(t, map[string]string{"challenge": "abc"}, results[0].Response.Data)

	results, err = a.Downstream(ctx, &adapter.DownstreamRequest{Body: []byte(`[
		{"device_id":"DEV-7","component":"thermostat","property":"temperature","value":22},
		{"device_id":"DEV-7","component":"thermostat","property":"setpoint","value":20,"io":"iw"},
		{"component":"orphan","property":"x","value":1}
	]`)})
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, "temperature", results[0].Case.Property)
	assert.Nil(t, results[0].MQTT)
	require.NotNil(t, results[1].MQTT)
	assert.Equal(t, models.IOWrite, results[1].MQTT.IO)

	_, err = a.Downstream(ctx, &adapter.DownstreamRequest{Body: []byte(`not json`)})
	assert.Error(t, err)
}

func TestPolling(t *testing.T) {
	a, f := newAdapter(t)

	conf, err := a.PollingConf()
	require.NoError(t, err)
	assert.Equal(t, f.server.URL+"/devices/{device_id}/state", conf.URL)

	updates, err := a.Polling(context.Background(), adapter.PollResult{
		ChannelID: "CH-7",
		DeviceID:  "DEV-7",
		JSON: map[string]interface{}{
			"thermostat": map[string]interface{}{"temperature": 21.5, "mode": "heat"},
			"ignored":    "scalar",
		},
	})
	require.NoError(t, err)
	require.Len(t, updates, 2)
	assert.Equal(t, "mode", updates[0].Case.Property)
	assert.Equal(t, "temperature", updates[1].Case.Property)
	assert.Equal(t, "CH-7", updates[1].Case.ChannelID)
	assert.Equal(t, models.IORead, updates[1].IO)
}

func TestRefreshTokenConfDefaultsToTokenURL(t *testing.T) {
	a, f := newAdapter(t)

	conf, err := a.RefreshTokenConf()
	require.NoError(t, err)
	assert.Equal(t, f.server.URL+"/oauth/token", conf.URL)
	assert.Equal(t, http.MethodPost, conf.Method)
	assert.Equal(t, map[string]string{"client_id": "vendor-app", "client_secret": "vendor-secret"}, conf.Extra)
}

func TestTCPMessage(t *testing.T) {
	a, _ := newAdapter(t)

	updates, err := a.TCPMessage(context.Background(), []byte(`{"device_id":"DEV-7","component":"meter","property":"reading","value":42}`))
	require.NoError(t, err)
	assert.Equal(t, []models.Update{{
		IO:   models.IORead,
		Case: models.Case{DeviceID: "DEV-7", Component: "meter", Property: "reading"},
		Data: float64(42),
	}}, updates)
}
