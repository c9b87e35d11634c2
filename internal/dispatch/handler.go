package dispatch

import (
	"context"
	"errors"

	"github.com/developer-mesh/integration-manager/internal/access"
	"github.com/developer-mesh/integration-manager/internal/adapter"
	"github.com/developer-mesh/integration-manager/internal/models"
	"github.com/developer-mesh/integration-manager/internal/mqtt"
	"github.com/developer-mesh/integration-manager/internal/refresher"
	"github.com/developer-mesh/integration-manager/internal/store"
)

// command outcomes recorded in metrics
const (
	resultOK      = "ok"
	resultDropped = "dropped"
	resultDenied  = "denied"
	resultError   = "error"
)

// handleInbound runs one platform command end to end
func (d *Dispatcher) handleInbound(ctx context.Context, task inboundTask) {
	started := d.now()
	cmd, err := mqtt.ParseCommand(task.topic, task.payload)
	if err != nil {
		d.logger.Trace("Dropping command", map[string]interface{}{
			"topic": task.topic,
			"error": err.Error(),
		})
		d.metrics.RecordCommand("", resultDropped, started)
		return
	}

	result := d.execute(ctx, task.kind, cmd)
	d.metrics.RecordCommand(string(cmd.Mode), result, started)
}

func (d *Dispatcher) execute(ctx context.Context, kind adapter.Kind, cmd *models.Command) string {
	fields := map[string]interface{}{
		"channel_id": cmd.Case.ChannelID,
		"component":  cmd.Case.Component,
		"property":   cmd.Case.Property,
		"io":         string(cmd.Mode),
	}

	device, err := d.store.GetDeviceID(ctx, cmd.Case.ChannelID)
	switch {
	case err == nil:
		cmd.Case.DeviceID = device
	case !errors.Is(err, store.ErrNotFound):
		fields["error"] = err.Error()
		d.logger.Error("Device lookup failed", fields)
		d.signalAccess(ctx, cmd.Case, d.values.Sentinel(access.ServiceError))
		return resultError
	case cmd.Case.Property == d.cfg.HeartbeatProperty:
		return resultDropped
	case kind == adapter.KindApplication:
		// abstract channels have no device behind them
	default:
		d.logger.Debug("No device paired with channel", fields)
		d.signalAccess(ctx, cmd.Case, d.values.Sentinel(access.ServiceError))
		return resultDenied
	}

	creds, key, err := d.store.GetCredentials(ctx, cmd.Sender.ClientID, cmd.Sender.OwnerID, cmd.Case.ChannelID)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			fields["error"] = err.Error()
			d.logger.Error("Credential lookup failed", fields)
			return resultError
		}
		d.logger.Debug("No credentials for sender, dropping command", fields)
		return resultDropped
	}

	validated, err := d.checkAccess(ctx, key, cmd, creds)
	if err != nil {
		return d.fail(ctx, cmd, err, fields)
	}
	if validated == nil {
		d.signalAccess(ctx, cmd.Case, d.values.Sentinel(access.Unauthorized))
		return resultDenied
	}

	value, err := d.adapter.Upstream(ctx, cmd.Mode, cmd.Case, validated, cmd.Sender, cmd.Data)
	if err != nil {
		return d.fail(ctx, cmd, err, fields)
	}

	switch cmd.Mode {
	case models.ModeRead:
		if value == nil {
			return resultOK
		}
		d.enqueue(ctx, models.Update{IO: models.IORead, Case: cmd.Case, Data: value})
	case models.ModeWrite:
		if ok, _ := value.(bool); !ok {
			return resultOK
		}
		d.enqueue(ctx, models.Update{IO: models.IOWrite, Case: cmd.Case, Data: cmd.Data})
	}
	return resultOK
}

// fail publishes the sentinel of an access failure and logs anything else
func (d *Dispatcher) fail(ctx context.Context, cmd *models.Command, err error, fields map[string]interface{}) string {
	fields["error"] = err.Error()
	if value, ok := d.values.ForError(err); ok {
		fields["access"] = value
		d.logger.Info("Command refused by vendor", fields)
		d.signalAccess(ctx, cmd.Case, value)
		return resultDenied
	}
	d.logger.Error("Command failed", fields)
	return resultError
}

// checkAccess validates creds. Credentials refreshed on the way are
// written back under key before the caller uses them.
func (d *Dispatcher) checkAccess(ctx context.Context, key string, cmd *models.Command, creds *models.Credentials) (*models.Credentials, error) {
	checker := access.NewChecker(&keyedRefresher{d: d, key: key})
	validated, err := checker.Check(ctx, d.adapter, models.ModeRead, cmd.Case, creds, cmd.Sender)
	if err != nil || validated == nil {
		return validated, err
	}

	if _, custom := d.adapter.(adapter.AccessChecker); custom && changed(creds, validated) {
		if err := d.store.PutCredentials(ctx, key, validated); err != nil {
			return nil, err
		}
	}
	return validated, nil
}

func changed(before, after *models.Credentials) bool {
	return before.AccessToken != after.AccessToken ||
		before.RefreshToken != after.RefreshToken ||
		before.ExpirationDate != after.ExpirationDate
}

type keyedRefresher struct {
	d   *Dispatcher
	key string
}

func (r *keyedRefresher) Refresh(ctx context.Context, creds *models.Credentials) (*models.Credentials, error) {
	return r.d.refresh(ctx, r.key, creds)
}

// refresh renews the credentials stored under key once for all concurrent
// callers. A caller arriving after another one refreshed gets the stored
// record without a vendor call.
func (d *Dispatcher) refresh(ctx context.Context, key string, creds *models.Credentials) (*models.Credentials, error) {
	if d.refresher == nil {
		return nil, nil
	}

	v, err, _ := d.flights.Do(key, func() (interface{}, error) {
		current, err := d.store.GetCredentialsByKey(ctx, key)
		switch {
		case err == nil && !current.Expired(d.now()):
			return current, nil
		case err == nil:
		case errors.Is(err, store.ErrNotFound):
			current = creds
		default:
			return nil, err
		}

		fresh, err := d.refresher.Refresh(ctx, current)
		if err != nil {
			return nil, err
		}
		if fresh == nil {
			return nil, nil
		}
		if err := d.store.PutCredentials(ctx, key, fresh); err != nil {
			return nil, err
		}
		d.logger.Debug("Credentials refreshed during access check", map[string]interface{}{"key": key})
		d.propagate(ctx, key, current.RefreshToken)
		return fresh, nil
	})
	if err != nil {
		return nil, err
	}
	fresh, _ := v.(*models.Credentials)
	if fresh == nil {
		return nil, nil
	}
	return fresh.Clone(), nil
}

// propagate queues the convergence of the records that still hold
// oldRefreshToken
func (d *Dispatcher) propagate(ctx context.Context, key, oldRefreshToken string) {
	if d.tasks == nil || oldRefreshToken == "" {
		return
	}
	err := refresher.EnqueuePropagation(ctx, d.tasks, refresher.Propagation{
		Key:             key,
		OldRefreshToken: oldRefreshToken,
	})
	if err != nil {
		d.logger.Error("Failed to queue credential propagation", map[string]interface{}{
			"key":   key,
			"error": err.Error(),
		})
	}
}

// signalAccess publishes value on the access property of the channel
func (d *Dispatcher) signalAccess(ctx context.Context, c models.Case, value string) {
	d.metrics.AccessPublished.WithLabelValues(value).Inc()
	d.enqueue(ctx, models.Update{
		IO: models.IORead,
		Case: models.Case{
			ChannelID: c.ChannelID,
			Component: c.Component,
			Property:  models.AccessProperty,
			DeviceID:  c.DeviceID,
		},
		Data: value,
	})
}

func (d *Dispatcher) enqueue(ctx context.Context, u models.Update) {
	if err := d.Publish(ctx, u); err != nil {
		d.logger.Warn("Update not queued", map[string]interface{}{
			"channel_id": u.Case.ChannelID,
			"property":   u.Case.Property,
			"error":      err.Error(),
		})
	}
}

var _ access.Refresher = (*keyedRefresher)(nil)
