package manager

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/developer-mesh/integration-manager/internal/adapter"
	"github.com/developer-mesh/integration-manager/internal/config"
	"github.com/developer-mesh/integration-manager/internal/models"
	"github.com/developer-mesh/integration-manager/internal/platform"
	"github.com/developer-mesh/integration-manager/internal/store"
	"github.com/developer-mesh/integration-manager/internal/webhooks"
	"github.com/developer-mesh/integration-manager/pkg/observability"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type bareAdapter struct {
	adapter.Base
	mu     sync.Mutex
	starts int
	svc    adapter.Services
}

func (a *bareAdapter) Kind() adapter.Kind { return adapter.KindDevice }

func (a *bareAdapter) Start(ctx context.Context, svc adapter.Services) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.starts++
	a.svc = svc
	return nil
}

func (a *bareAdapter) AuthRequests(ctx context.Context, s models.Sender) ([]adapter.AuthRequest, error) {
	return nil, nil
}

func (a *bareAdapter) AuthResponse(ctx context.Context, raw map[string]interface{}) (*models.Credentials, error) {
	return nil, nil
}

func (a *bareAdapter) GetDevices(ctx context.Context, s models.Sender, creds *models.Credentials) ([]models.Device, error) {
	return nil, nil
}

func (a *bareAdapter) Upstream(ctx context.Context, mode models.Mode, c models.Case, creds *models.Credentials, s models.Sender, data interface{}) (interface{}, error) {
	return nil, nil
}

type registrar struct {
	mu    sync.Mutex
	calls int
	err   error
}

func (r *registrar) ChannelExists(ctx context.Context, channel string) (bool, error) { return true, nil }

func (r *registrar) CreateChannel(ctx context.Context, req platform.CreateChannelRequest) (string, error) {
	return "", errors.New("not used")
}

func (r *registrar) GrantAccess(ctx context.Context, channel, id, role string) error { return nil }

func (r *registrar) RegisterWebhooks(ctx context.Context, urls platform.WebhookURLs) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	if r.err != nil {
		return "", r.err
	}
	return "hash", nil
}

type updates struct {
	mu   sync.Mutex
	sent []models.Update
}

func (u *updates) Publish(ctx context.Context, up models.Update) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.sent = append(u.sent, up)
	return nil
}

func testConfig() *config.Config {
	cfg := &config.Config{}
	cfg.Boot.Rest.Credentials.Version = "v3"
	cfg.Boot.HTTP.Public = "https://manager.example.com"
	cfg.Boot.Modules.SkeletonImplementation = "oauthrest"
	cfg.Manufacturer.Rest = map[string]interface{}{
		"authorize_url": "https://vendor.example.com/oauth/authorize",
		"token_url":     "https://vendor.example.com/oauth/token",
		"client_id":     "vendor-app",
		"devices":       map[string]interface{}{"url": "https://vendor.example.com/devices"},
		"read":          map[string]interface{}{"url": "https://vendor.example.com/devices/{device_id}"},
	}
	return cfg
}

func TestNewBuildsConfiguredAdapter(t *testing.T) {
	m, err := New(testConfig(), observability.NewNoopLogger(), nil)
	require.NoError(t, err)
	assert.Equal(t, adapter.KindDevice, m.adapter.Kind())
	assert.NotNil(t, m.levels)
}

func TestNewRejectsUnknownAdapter(t *testing.T) {
	cfg := testConfig()
	cfg.Boot.Modules.SkeletonImplementation = "nope"

	_, err := New(cfg, observability.NewNoopLogger(), nil)
	assert.ErrorContains(t, err, "unknown adapter")
}

func TestCheckCapabilities(t *testing.T) {
	cfg := testConfig()
	a := &bareAdapter{}
	assert.NoError(t, checkCapabilities(cfg, a))

	cfg.Polling.Enabled = true
	assert.ErrorIs(t, checkCapabilities(cfg, a), ErrCapability)

	cfg.Polling.Enabled = false
	cfg.Refresh.Enabled = true
	assert.ErrorIs(t, checkCapabilities(cfg, a), ErrCapability)
}

func TestProbeURL(t *testing.T) {
	assert.Equal(t, "http://127.0.0.1:8080/v3/", probeURL("0.0.0.0:8080", "v3"))
	assert.Equal(t, "http://127.0.0.1:8080/v3/", probeURL(":8080", "v3"))
	assert.Equal(t, "http://10.0.0.5:9000/v3/", probeURL("10.0.0.5:9000", "v3"))
	assert.Equal(t, "http://[::1]:8080/v3/", probeURL("[::1]:8080", "v3"))
}

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return store.NewWithClient(client, "acme", observability.NewNoopLogger())
}

func TestBrokerConnectRegistersAndStartsAdapterOnce(t *testing.T) {
	a := &bareAdapter{}
	reg := &registrar{}
	m := &Manager{
		cfg:     testConfig(),
		base:    observability.NewNoopLogger(),
		logger:  observability.NewNoopLogger(),
		adapter: a,
		store:   newTestStore(t),
		ctx:     context.Background(),
	}
	m.webhooks = webhooks.NewHandler(webhooks.Config{Version: "v3"}, webhooks.Deps{
		Platform: reg,
		Logger:   observability.NewNoopLogger(),
	})

	reg.err = errors.New("platform down")
	assert.Error(t, m.onBrokerConnect(context.Background()))
	assert.Zero(t, a.starts)

	reg.err = nil
	require.NoError(t, m.onBrokerConnect(context.Background()))
	require.NoError(t, m.onBrokerConnect(context.Background()))
	assert.Equal(t, 3, reg.calls)
	assert.Equal(t, 1, a.starts)
	assert.NotNil(t, a.svc)
}

func TestServices(t *testing.T) {
	st := newTestStore(t)
	pub := &updates{}
	svc := &services{store: st, publisher: pub, logger: observability.NewNoopLogger()}
	ctx := context.Background()

	require.NoError(t, st.SetChannelDevice(ctx, "CH-7", "DEV-7"))
	device, err := svc.GetDeviceID(ctx, "CH-7")
	require.NoError(t, err)
	assert.Equal(t, "DEV-7", device)
	channel, err := svc.GetChannelID(ctx, "DEV-7")
	require.NoError(t, err)
	assert.Equal(t, "CH-7", channel)

	_, err = st.SetCredentials(ctx, "APP", "OWN", "", &models.Credentials{AccessToken: "t"})
	require.NoError(t, err)
	creds, err := svc.GetCredentials(ctx, "APP", "OWN", "CH-7")
	require.NoError(t, err)
	assert.Equal(t, "t", creds.AccessToken)

	require.NoError(t, svc.SetChannelStatus(ctx, "CH-7", "online"))
	status, err := svc.GetChannelStatus(ctx, "CH-7")
	require.NoError(t, err)
	assert.Equal(t, "online", status)

	require.NoError(t, svc.Publish(ctx, models.Update{Case: models.Case{DeviceID: "DEV-7", Component: "c", Property: "p"}}))
	require.Len(t, pub.sent, 1)
	assert.Equal(t, models.IORead, pub.sent[0].IO)
	assert.NotNil(t, svc.Logger())
}
