package adapter

import (
	"context"
	"errors"
	"testing"

	"github.com/developer-mesh/integration-manager/internal/models"
	"github.com/developer-mesh/integration-manager/pkg/observability"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubAdapter struct {
	Base
	kind Kind
}

func (s *stubAdapter) Kind() Kind { return s.kind }
func (s *stubAdapter) AuthRequests(ctx context.Context, sender models.Sender) ([]AuthRequest, error) {
	return nil, nil
}
func (s *stubAdapter) AuthResponse(ctx context.Context, raw map[string]interface{}) (*models.Credentials, error) {
	return nil, nil
}
func (s *stubAdapter) GetDevices(ctx context.Context, sender models.Sender, creds *models.Credentials) ([]models.Device, error) {
	return nil, nil
}
func (s *stubAdapter) Upstream(ctx context.Context, mode models.Mode, c models.Case, creds *models.Credentials, sender models.Sender, data interface{}) (interface{}, error) {
	return nil, nil
}

func TestRegistry(t *testing.T) {
	Register("registry-test-stub", func(cfg map[string]interface{}, logger observability.Logger) (Adapter, error) {
		return &stubAdapter{kind: KindApplication}, nil
	})
	Register("registry-test-broken", func(cfg map[string]interface{}, logger observability.Logger) (Adapter, error) {
		return nil, errors.New("missing api key")
	})

	a, err := New("registry-test-stub", nil, observability.NewNoopLogger())
	require.NoError(t, err)
	assert.Equal(t, KindApplication, a.Kind())
	assert.Contains(t, Registered(), "registry-test-stub")

	_, err = New("registry-test-broken", nil, observability.NewNoopLogger())
	assert.ErrorContains(t, err, "missing api key")

	_, err = New("does-not-exist", nil, observability.NewNoopLogger())
	assert.Error(t, err)

	assert.Panics(t, func() {
		Register("registry-test-stub", func(map[string]interface{}, observability.Logger) (Adapter, error) { return nil, nil })
	})
}

func TestBaseDefaults(t *testing.T) {
	a := &stubAdapter{}
	require.NoError(t, a.Start(context.Background(), nil))

	results, err := a.Downstream(context.Background(), &DownstreamRequest{})
	require.NoError(t, err)
	assert.Empty(t, results)
	assert.NoError(t, a.DidPairDevices(context.Background(), models.Sender{}, nil, nil, nil))
	assert.Equal(t, "device", a.Kind().String())
}
