package manager

import (
	"context"

	"github.com/developer-mesh/integration-manager/internal/models"
	"github.com/developer-mesh/integration-manager/internal/store"
	"github.com/developer-mesh/integration-manager/pkg/observability"
)

// Publisher enqueues updates for the platform
type Publisher interface {
	Publish(ctx context.Context, u models.Update) error
}

// services is the adapter.Services handle given to the adapter on Start
type services struct {
	store     *store.Store
	publisher Publisher
	logger    observability.Logger
}

func (s *services) Publish(ctx context.Context, u models.Update) error {
	if u.IO == "" {
		u.IO = models.IORead
	}
	return s.publisher.Publish(ctx, u)
}

func (s *services) GetCredentials(ctx context.Context, client, owner, channel string) (*models.Credentials, error) {
	creds, _, err := s.store.GetCredentials(ctx, client, owner, channel)
	return creds, err
}

func (s *services) GetDeviceID(ctx context.Context, channel string) (string, error) {
	return s.store.GetDeviceID(ctx, channel)
}

func (s *services) GetChannelID(ctx context.Context, device string) (string, error) {
	return s.store.GetChannelID(ctx, device)
}

func (s *services) GetChannelStatus(ctx context.Context, channel string) (interface{}, error) {
	return s.store.GetChannelStatus(ctx, channel)
}

func (s *services) SetChannelStatus(ctx context.Context, channel string, status interface{}) error {
	return s.store.SetChannelStatus(ctx, channel, status)
}

func (s *services) Logger() observability.Logger {
	return s.logger
}
