package webhooks

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/developer-mesh/integration-manager/internal/access"
	"github.com/developer-mesh/integration-manager/internal/adapter"
	"github.com/developer-mesh/integration-manager/internal/metrics"
	"github.com/developer-mesh/integration-manager/internal/models"
	"github.com/developer-mesh/integration-manager/internal/platform"
	"github.com/developer-mesh/integration-manager/internal/store"
	"github.com/developer-mesh/integration-manager/pkg/observability"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

const confirmationHash = "hash-1"

var owner = models.Sender{ClientID: "APP", OwnerID: "OWN"}

type mockAdapter struct {
	mock.Mock
	adapter.Base
}

func (m *mockAdapter) Kind() adapter.Kind { return adapter.KindDevice }

func (m *mockAdapter) AuthRequests(ctx context.Context, s models.Sender) ([]adapter.AuthRequest, error) {
	args := m.Called(s)
	reqs, _ := args.Get(0).([]adapter.AuthRequest)
	return reqs, args.Error(1)
}

func (m *mockAdapter) AuthResponse(ctx context.Context, raw map[string]interface{}) (*models.Credentials, error) {
	args := m.Called(raw)
	creds, _ := args.Get(0).(*models.Credentials)
	return creds, args.Error(1)
}

func (m *mockAdapter) GetDevices(ctx context.Context, s models.Sender, creds *models.Credentials) ([]models.Device, error) {
	args := m.Called(s, creds.AccessToken)
	devices, _ := args.Get(0).([]models.Device)
	return devices, args.Error(1)
}

func (m *mockAdapter) Upstream(ctx context.Context, mode models.Mode, c models.Case, creds *models.Credentials, s models.Sender, data interface{}) (interface{}, error) {
	return nil, nil
}

func (m *mockAdapter) Downstream(ctx context.Context, req *adapter.DownstreamRequest) ([]adapter.DownstreamResult, error) {
	args := m.Called(string(req.Body))
	results, _ := args.Get(0).([]adapter.DownstreamResult)
	return results, args.Error(1)
}

func (m *mockAdapter) DidPairDevices(ctx context.Context, s models.Sender, creds *models.Credentials, devices []models.Device, channels []models.Channel) error {
	return m.Called(s, creds.AccessToken, devices, channels).Error(0)
}

type fakePlatform struct {
	mu         sync.Mutex
	channels   map[string]bool
	created    []platform.CreateChannelRequest
	grants     []string
	grantErr   error
	createErr  error
	createGate chan struct{}
	creating   chan struct{}
	registered []platform.WebhookURLs
	calls      int
}

func (f *fakePlatform) ChannelExists(ctx context.Context, channel string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return f.channels[channel], nil
}

func (f *fakePlatform) CreateChannel(ctx context.Context, req platform.CreateChannelRequest) (string, error) {
	if f.createGate != nil {
		f.creating <- struct{}{}
		<-f.createGate
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.createErr != nil {
		return "", f.createErr
	}
	if req.ChannelTemplateID == "missing" {
		return "", fmt.Errorf("%w: %s", platform.ErrChannelTemplateNotFound, req.ChannelTemplateID)
	}
	f.created = append(f.created, req)
	id := fmt.Sprintf("CH-%d", 6+len(f.created))
	f.channels[id] = true
	return id, nil
}

func (f *fakePlatform) GrantAccess(ctx context.Context, channel, id, role string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.grantErr != nil {
		return f.grantErr
	}
	f.grants = append(f.grants, channel+"/"+id+"/"+role)
	return nil
}

func (f *fakePlatform) RegisterWebhooks(ctx context.Context, urls platform.WebhookURLs) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.registered = append(f.registered, urls)
	return confirmationHash, nil
}

type staticHash string

func (h staticHash) ConfirmationHash() string { return string(h) }

type publisher struct {
	mu      sync.Mutex
	updates []models.Update
}

func (p *publisher) Publish(ctx context.Context, u models.Update) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.updates = append(p.updates, u)
	return nil
}

type taskRecorder struct {
	mu    sync.Mutex
	tasks []map[string]interface{}
}

func (r *taskRecorder) Enqueue(ctx context.Context, funcName string, args []interface{}, kwargs map[string]interface{}) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	kwargs["func_name"] = funcName
	r.tasks = append(r.tasks, kwargs)
	return "task-1", nil
}

type env struct {
	handler   *Handler
	router    *gin.Engine
	adapter   *mockAdapter
	platform  *fakePlatform
	store     *store.Store
	redis     *miniredis.Miniredis
	publisher *publisher
	tasks     *taskRecorder
	levels    *observability.Levels
	now       time.Time
}

func setup(t *testing.T) *env {
	t.Helper()
	gin.SetMode(gin.TestMode)

	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	reg := prometheus.NewRegistry()
	e := &env{
		adapter:   &mockAdapter{},
		platform:  &fakePlatform{channels: map[string]bool{}},
		store:     store.NewWithClient(client, "acme", observability.NewNoopLogger()),
		redis:     mr,
		publisher: &publisher{},
		tasks:     &taskRecorder{},
		levels:    observability.NewLevels(3),
		now:       time.Unix(1_700_000_000, 0),
	}
	e.handler = NewHandler(Config{
		Version:        "v3",
		PublicURL:      "https://manager.example.com/",
		RefreshEnabled: true,
		SafetyMargin:   5 * time.Minute,
	}, Deps{
		Adapter:   e.adapter,
		Store:     e.store,
		Platform:  e.platform,
		Hash:      staticHash(confirmationHash),
		Publisher: e.publisher,
		Tasks:     e.tasks,
		Levels:    e.levels,
		Gatherer:  reg,
		Logger:    observability.NewNoopLogger(),
		Metrics:   metrics.NewMetrics(reg),
	})
	e.handler.now = func() time.Time { return e.now }
	e.router = e.handler.Router()
	return e
}

func (e *env) do(method, path, body string, headers map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

func platformHeaders(hash string) map[string]string {
	return map[string]string{
		"Authorization":       "Bearer " + hash,
		HeaderChannelTemplate: "tpl-1",
		HeaderClientID:        owner.ClientID,
		HeaderOwnerID:         owner.OwnerID,
	}
}

func (e *env) seedUserCredentials(t *testing.T) {
	t.Helper()
	e.seedCredentialsOf(t, owner)
}

func (e *env) seedCredentialsOf(t *testing.T, s models.Sender) {
	t.Helper()
	_, err := e.store.SetCredentials(context.Background(), s.ClientID, s.OwnerID, "", &models.Credentials{
		AccessToken:    "vendor-token",
		RefreshToken:   "vendor-refresh",
		ExpiresIn:      3600,
		ExpirationDate: e.now.Unix() + 3300,
		ClientID:       s.ClientID,
	})
	require.NoError(t, err)
}

func TestHashGateRejectsWithoutSideEffects(t *testing.T) {
	e := setup(t)

	routes := []struct {
		method string
		path   string
		body   string
	}{
		{http.MethodGet, "/v3/authorize", ""},
		{http.MethodPost, "/v3/receive-token", `{"code":"abc"}`},
		{http.MethodPost, "/v3/devices-list", `{}`},
		{http.MethodPost, "/v3/select-device", `{"channels":[{"id":"DEV-7"}]}`},
	}
	for _, rt := range routes {
		t.Run(rt.path, func(t *testing.T) {
			w := e.do(rt.method, rt.path, rt.body, platformHeaders("stale-hash"))
			assert.Equal(t, http.StatusForbidden, w.Code)

			headers := platformHeaders("")
			delete(headers, "Authorization")
			w = e.do(rt.method, rt.path, rt.body, headers)
			assert.Equal(t, http.StatusForbidden, w.Code)
		})
	}

	assert.Empty(t, e.redis.Keys())
	assert.Zero(t, e.platform.calls)
	e.adapter.AssertExpectations(t)
}

func TestHashGateRejectsBeforeRegistration(t *testing.T) {
	e := setup(t)
	e.handler.deps.Hash = staticHash("")

	w := e.do(http.MethodGet, "/v3/authorize", "", platformHeaders(""))
	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestAuthorize(t *testing.T) {
	e := setup(t)
	e.adapter.On("AuthRequests", owner).Return([]adapter.AuthRequest{{
		Method: http.MethodGet,
		URL:    "https://vendor.example.com/oauth/authorize",
		Params: map[string]string{"state": "xyz"},
	}}, nil).Once()

	w := e.do(http.MethodGet, "/v3/authorize", "", platformHeaders(confirmationHash))
	require.Equal(t, http.StatusOK, w.Code)

	var body struct {
		Location []adapter.AuthRequest `json:"location"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	require.Len(t, body.Location, 1)
	assert.Equal(t, "xyz", body.Location[0].Params["state"])
	e.adapter.AssertExpectations(t)
}

func TestAuthorizeRequiresHeaders(t *testing.T) {
	e := setup(t)
	headers := platformHeaders(confirmationHash)
	delete(headers, HeaderOwnerID)

	w := e.do(http.MethodGet, "/v3/authorize", "", headers)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	headers = platformHeaders(confirmationHash)
	delete(headers, HeaderChannelTemplate)
	w = e.do(http.MethodGet, "/v3/authorize", "", headers)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestReceiveTokenStoresNormalisedCredentials(t *testing.T) {
	e := setup(t)
	e.adapter.On("AuthResponse", map[string]interface{}{"code": "abc"}).Return(&models.Credentials{
		AccessToken:  "vendor-token",
		RefreshToken: "vendor-refresh",
		ExpiresIn:    3600,
	}, nil).Once()

	w := e.do(http.MethodPost, "/v3/receive-token", `{"code":"abc"}`, platformHeaders(confirmationHash))
	require.Equal(t, http.StatusOK, w.Code)

	creds, key, err := e.store.GetCredentials(context.Background(), "APP", "OWN", "")
	require.NoError(t, err)
	assert.Equal(t, store.ClientOwnerKey("APP", "OWN"), key)
	assert.Equal(t, "vendor-token", creds.AccessToken)
	assert.Equal(t, "APP", creds.ClientID)
	assert.Equal(t, e.now.Unix()+3600-300, creds.ExpirationDate)
}

func TestReceiveTokenRejections(t *testing.T) {
	e := setup(t)

	w := e.do(http.MethodPost, "/v3/receive-token", `not json`, platformHeaders(confirmationHash))
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)

	e.adapter.On("AuthResponse", map[string]interface{}{"error": "access_denied"}).Return(nil, nil).Once()
	w = e.do(http.MethodPost, "/v3/receive-token", `{"error":"access_denied"}`, platformHeaders(confirmationHash))
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	assert.Empty(t, e.redis.Keys())
}

func TestDevicesList(t *testing.T) {
	e := setup(t)

	w := e.do(http.MethodPost, "/v3/devices-list", `{}`, platformHeaders(confirmationHash))
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	e.seedUserCredentials(t)
	e.adapter.On("GetDevices", owner, "vendor-token").Return([]models.Device{
		{ID: "DEV-7", Content: "Living room"},
	}, nil).Once()

	w = e.do(http.MethodPost, "/v3/devices-list", `{}`, platformHeaders(confirmationHash))
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `[{"id":"DEV-7","content":"Living room"}]`, w.Body.String())
}

func TestSelectDevicePairsOnce(t *testing.T) {
	e := setup(t)
	e.seedUserCredentials(t)
	e.adapter.On("DidPairDevices", owner, "vendor-token",
		[]models.Device{{ID: "DEV-7"}}, []models.Channel{{ID: "CH-7"}}).Return(nil).Twice()

	for i := 0; i < 2; i++ {
		w := e.do(http.MethodPost, "/v3/select-device", `{"channels":[{"id":"DEV-7"}]}`, platformHeaders(confirmationHash))
		require.Equal(t, http.StatusOK, w.Code)
		assert.JSONEq(t, `[{"id":"CH-7"}]`, w.Body.String())
	}

	require.Len(t, e.platform.created, 1)
	created := e.platform.created[0]
	assert.Equal(t, "tpl-1", created.ChannelTemplateID)
	assert.Equal(t, "DEV-7", created.RemoteKey)
	assert.Equal(t, "APP", created.RequestingClientID)
	assert.Equal(t, []string{
		"CH-7/APP/application", "CH-7/OWN/user",
		"CH-7/APP/application", "CH-7/OWN/user",
	}, e.platform.grants)

	ctx := context.Background()
	channel, err := e.store.GetChannelID(ctx, "DEV-7")
	require.NoError(t, err)
	assert.Equal(t, "CH-7", channel)

	creds, key, err := e.store.GetCredentials(ctx, "APP", "OWN", "CH-7")
	require.NoError(t, err)
	assert.Equal(t, store.OwnerChannelKey("OWN", "CH-7"), key)
	assert.Equal(t, "vendor-token", creds.AccessToken)

	require.Len(t, e.tasks.tasks, 2)
	assert.Equal(t, "propagate_credentials", e.tasks.tasks[0]["func_name"])
	assert.Equal(t, key, e.tasks.tasks[0]["key"])
	assert.Equal(t, "vendor-refresh", e.tasks.tasks[0]["old_refresh_token"])
	e.adapter.AssertExpectations(t)
}

func TestConcurrentOwnersShareOneChannel(t *testing.T) {
	e := setup(t)
	second := models.Sender{ClientID: "APP", OwnerID: "OWN2"}
	e.seedCredentialsOf(t, owner)
	e.seedCredentialsOf(t, second)
	e.platform.createGate = make(chan struct{})
	e.platform.creating = make(chan struct{}, 2)
	e.adapter.On("DidPairDevices", mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(nil)

	selectAs := func(s models.Sender) *httptest.ResponseRecorder {
		headers := platformHeaders(confirmationHash)
		headers[HeaderOwnerID] = s.OwnerID
		return e.do(http.MethodPost, "/v3/select-device", `{"channels":[{"id":"DEV-7"}]}`, headers)
	}

	var wg sync.WaitGroup
	results := make([]*httptest.ResponseRecorder, 2)
	wg.Add(1)
	go func() {
		defer wg.Done()
		results[0] = selectAs(owner)
	}()
	<-e.platform.creating

	wg.Add(1)
	go func() {
		defer wg.Done()
		results[1] = selectAs(second)
	}()
	time.Sleep(50 * time.Millisecond)
	close(e.platform.createGate)
	wg.Wait()

	for _, w := range results {
		require.Equal(t, http.StatusOK, w.Code)
		assert.JSONEq(t, `[{"id":"CH-7"}]`, w.Body.String())
	}
	assert.Len(t, e.platform.created, 1)
	assert.Contains(t, e.platform.grants, "CH-7/OWN/user")
	assert.Contains(t, e.platform.grants, "CH-7/OWN2/user")

	for _, s := range []models.Sender{owner, second} {
		_, key, err := e.store.GetCredentials(context.Background(), s.ClientID, s.OwnerID, "CH-7")
		require.NoError(t, err)
		assert.Equal(t, store.OwnerChannelKey(s.OwnerID, "CH-7"), key)
	}
}

func TestSelectDeviceFailedCreateLeavesNoMapping(t *testing.T) {
	e := setup(t)
	e.seedUserCredentials(t)
	e.platform.createErr = &platform.StatusError{
		Method:     http.MethodPost,
		Path:       "/managers/self/channels",
		StatusCode: http.StatusBadGateway,
	}

	w := e.do(http.MethodPost, "/v3/select-device", `{"channels":[{"id":"DEV-7"}]}`, platformHeaders(confirmationHash))
	assert.Equal(t, http.StatusBadGateway, w.Code)
	assert.Equal(t, 1, e.platform.calls)
	assert.Empty(t, e.platform.grants)

	_, err := e.store.GetChannelID(context.Background(), "DEV-7")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestSelectDeviceReplacesDeletedChannel(t *testing.T) {
	e := setup(t)
	e.seedUserCredentials(t)
	ctx := context.Background()
	require.NoError(t, e.store.SetChannelDevice(ctx, "CH-gone", "DEV-7"))
	e.adapter.On("DidPairDevices", owner, "vendor-token", mock.Anything, mock.Anything).Return(nil).Once()

	w := e.do(http.MethodPost, "/v3/select-device", `{"channels":[{"id":"DEV-7"}]}`, platformHeaders(confirmationHash))
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `[{"id":"CH-7"}]`, w.Body.String())

	_, err := e.store.GetDeviceID(ctx, "CH-gone")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestSelectDeviceFailures(t *testing.T) {
	e := setup(t)
	e.seedUserCredentials(t)

	headers := platformHeaders(confirmationHash)
	headers[HeaderChannelTemplate] = "missing"
	w := e.do(http.MethodPost, "/v3/select-device", `{"channels":[{"id":"DEV-7"}]}`, headers)
	assert.Equal(t, http.StatusNotFound, w.Code)

	e.platform.grantErr = access.NewError(access.KindUnauthorized, fmt.Errorf("grant refused"))
	w = e.do(http.MethodPost, "/v3/select-device", `{"channels":[{"id":"DEV-7"}]}`, platformHeaders(confirmationHash))
	assert.Equal(t, http.StatusForbidden, w.Code)

	// the channel record is only written once access was granted
	_, key, err := e.store.GetCredentials(context.Background(), "APP", "OWN", "CH-7")
	require.NoError(t, err)
	assert.Equal(t, store.ClientOwnerKey("APP", "OWN"), key)
	assert.Empty(t, e.tasks.tasks)
	e.adapter.AssertNotCalled(t, "DidPairDevices", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestInboxPublishesAndOverridesResponse(t *testing.T) {
	e := setup(t)
	temperature := models.Case{DeviceID: "DEV-7", Component: "thermostat", Property: "temperature"}
	setpoint := models.Case{DeviceID: "DEV-7", Component: "thermostat", Property: "setpoint"}
	e.adapter.On("Downstream", `{"event":"changed"}`).Return([]adapter.DownstreamResult{
		{Case: temperature, Data: 21.5},
		{Case: setpoint, Data: 19.0, MQTT: &adapter.MQTTOverride{IO: models.IOWrite}},
		{Response: &adapter.ResponseOverride{Status: http.StatusAccepted, Data: map[string]interface{}{"ok": true}}},
	}, nil).Once()

	w := e.do(http.MethodPost, "/v3/inbox", `{"event":"changed"}`, nil)
	require.Equal(t, http.StatusAccepted, w.Code)
	assert.JSONEq(t, `{"ok":true}`, w.Body.String())

	assert.Equal(t, []models.Update{
		{IO: models.IORead, Case: temperature, Data: 21.5},
		{IO: models.IOWrite, Case: setpoint, Data: 19.0},
	}, e.publisher.updates)
}

func TestInboxDefaultsTo200(t *testing.T) {
	e := setup(t)
	e.adapter.On("Downstream", "").Return(nil, nil).Once()

	w := e.do(http.MethodPost, "/v3/inbox", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Empty(t, e.publisher.updates)
}

func TestLevelRuntime(t *testing.T) {
	e := setup(t)

	w := e.do(http.MethodPost, "/v3/level-runtime", `{"level":8,"ttl_seconds":60}`, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 8, e.levels.Current())
	assert.Equal(t, 3, e.levels.Base())

	w = e.do(http.MethodGet, "/v3/level-runtime", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"level":8,"base":3}`, w.Body.String())

	w = e.do(http.MethodPost, "/v3/level-runtime", `{"level":12}`, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	w = e.do(http.MethodPost, "/v3/level-runtime", `{}`, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestLivenessAndMetrics(t *testing.T) {
	e := setup(t)

	w := e.do(http.MethodGet, "/v3/", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"status":"ok"}`, w.Body.String())
	assert.NotEmpty(t, w.Header().Get(HeaderRequestID))

	w = e.do(http.MethodGet, "/metrics", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "im_webhook_requests_total")
}

func TestRegisterAnnouncesPublicURLs(t *testing.T) {
	e := setup(t)

	require.NoError(t, e.handler.Register(context.Background()))
	require.Len(t, e.platform.registered, 1)
	assert.Equal(t, platform.WebhookURLs{
		AuthorizeURL:    "https://manager.example.com/v3/authorize",
		ReceiveTokenURL: "https://manager.example.com/v3/receive-token",
		DevicesListURL:  "https://manager.example.com/v3/devices-list",
		SelectDeviceURL: "https://manager.example.com/v3/select-device",
	}, e.platform.registered[0])
}
