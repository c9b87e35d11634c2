package webhooks

import (
	"context"
	"errors"
	"fmt"

	"github.com/developer-mesh/integration-manager/internal/models"
	"github.com/developer-mesh/integration-manager/internal/platform"
	"github.com/developer-mesh/integration-manager/internal/refresher"
	"github.com/developer-mesh/integration-manager/internal/store"
)

// pair maps every requested device onto a platform channel. A failing
// device is skipped; the last failure is returned alongside the devices
// that were paired.
func (h *Handler) pair(ctx context.Context, tpl string, s models.Sender, creds *models.Credentials, requested []models.Device) ([]models.Device, []models.Channel, error) {
	var (
		devices  []models.Device
		channels = []models.Channel{}
		lastErr  error
	)
	for _, device := range requested {
		if device.ID == "" {
			continue
		}
		channel, err := h.pairDevice(ctx, tpl, s, creds, device)
		if err != nil {
			lastErr = err
			h.metrics.PairingResults.WithLabelValues("failed").Inc()
			h.logger.Warn("Device pairing failed", map[string]interface{}{
				"device_id": device.ID,
				"owner_id":  s.OwnerID,
				"error":     err.Error(),
			})
			continue
		}
		h.metrics.PairingResults.WithLabelValues("paired").Inc()
		devices = append(devices, device)
		channels = append(channels, models.Channel{ID: channel})
	}
	return devices, channels, lastErr
}

// pairDevice resolves the channel of device once for all concurrent
// callers, then grants access and stores credentials for this sender.
func (h *Handler) pairDevice(ctx context.Context, tpl string, s models.Sender, creds *models.Credentials, device models.Device) (string, error) {
	v, err, _ := h.pairing.Do(device.ID, func() (interface{}, error) {
		return h.channelFor(ctx, tpl, s, device)
	})
	if err != nil {
		return "", err
	}
	channel := v.(string)

	if err := h.deps.Platform.GrantAccess(ctx, channel, s.ClientID, platform.RoleApplication); err != nil {
		return "", fmt.Errorf("grant application access on %s: %w", channel, err)
	}
	if err := h.deps.Platform.GrantAccess(ctx, channel, s.OwnerID, platform.RoleUser); err != nil {
		return "", fmt.Errorf("grant user access on %s: %w", channel, err)
	}

	record := creds.Clone()
	record.Normalize(h.now(), h.cfg.SafetyMargin)
	if record.ClientID == "" {
		record.ClientID = s.ClientID
	}
	key, err := h.deps.Store.SetCredentials(ctx, s.ClientID, s.OwnerID, channel, record)
	if err != nil {
		return "", fmt.Errorf("store channel credentials: %w", err)
	}

	if h.cfg.RefreshEnabled {
		err := refresher.EnqueuePropagation(ctx, h.deps.Tasks, refresher.Propagation{
			Key:             key,
			OldRefreshToken: record.RefreshToken,
			Channel:         channel,
		})
		if err != nil {
			h.logger.Warn("Failed to enqueue credential propagation", map[string]interface{}{
				"channel_id": channel,
				"error":      err.Error(),
			})
		}
	}

	h.logger.Info("Device paired", map[string]interface{}{
		"device_id":  device.ID,
		"channel_id": channel,
		"owner_id":   s.OwnerID,
	})
	return channel, nil
}

// channelFor reuses the channel mapped to device while the platform still
// knows it, and creates one otherwise
func (h *Handler) channelFor(ctx context.Context, tpl string, s models.Sender, device models.Device) (string, error) {
	channel, err := h.deps.Store.GetChannelID(ctx, device.ID)
	switch {
	case err == nil:
		exists, err := h.deps.Platform.ChannelExists(ctx, channel)
		if err != nil {
			return "", fmt.Errorf("check channel %s: %w", channel, err)
		}
		if exists {
			return channel, nil
		}
		h.logger.Info("Discarding mapping of deleted channel", map[string]interface{}{
			"device_id":  device.ID,
			"channel_id": channel,
		})
		if err := h.deps.Store.DeleteChannelDevice(ctx, channel); err != nil {
			return "", fmt.Errorf("discard channel %s: %w", channel, err)
		}
	case !errors.Is(err, store.ErrNotFound):
		return "", fmt.Errorf("lookup channel of %s: %w", device.ID, err)
	}

	name := device.Content
	if name == "" {
		name = device.ID
	}
	channel, err = h.deps.Platform.CreateChannel(ctx, platform.CreateChannelRequest{
		Name:               name,
		ChannelTemplateID:  tpl,
		RemoteKey:          device.ID,
		RequestingClientID: s.ClientID,
	})
	if err != nil {
		return "", err
	}
	if err := h.deps.Store.SetChannelDevice(ctx, channel, device.ID); err != nil {
		return "", fmt.Errorf("store channel mapping: %w", err)
	}
	return channel, nil
}
