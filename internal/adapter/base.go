package adapter

import (
	"context"

	"github.com/developer-mesh/integration-manager/internal/models"
)

// Base provides no-op implementations of the hooks most adapters ignore.
// Embed it and override what is needed.
type Base struct {
	Services Services
}

// Start keeps the services handle
func (b *Base) Start(ctx context.Context, svc Services) error {
	b.Services = svc
	return nil
}

// DidPairDevices does nothing
func (b *Base) DidPairDevices(ctx context.Context, sender models.Sender, creds *models.Credentials, devices []models.Device, channels []models.Channel) error {
	return nil
}

// Downstream ignores vendor callbacks
func (b *Base) Downstream(ctx context.Context, req *DownstreamRequest) ([]DownstreamResult, error) {
	return nil, nil
}
