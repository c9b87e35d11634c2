package refresher

import (
	"context"
	"errors"
	"fmt"

	"github.com/developer-mesh/integration-manager/internal/store"
	"github.com/developer-mesh/integration-manager/internal/taskpool"
)

// PropagateTask is the task pool function name of credential propagation
const PropagateTask = "propagate_credentials"

// Propagation copies the credentials stored under Key to every other
// record holding OldRefreshToken, and with owner updates enabled to every
// other owner of Channel.
type Propagation struct {
	Key             string `json:"key"`
	OldRefreshToken string `json:"old_refresh_token"`
	Channel         string `json:"channel"`
}

// EnqueuePropagation queues p on the task pool
func EnqueuePropagation(ctx context.Context, tasks TaskQueue, p Propagation) error {
	if tasks == nil {
		return errors.New("no task queue for propagation")
	}
	_, err := tasks.Enqueue(ctx, PropagateTask, nil, map[string]interface{}{
		"key":               p.Key,
		"old_refresh_token": p.OldRefreshToken,
		"channel":           p.Channel,
	})
	return err
}

// Register binds the propagation function on pool
func (r *Refresher) Register(pool *taskpool.Pool) {
	pool.Register(PropagateTask, r.runPropagation)
}

func (r *Refresher) runPropagation(ctx context.Context, task taskpool.Task) error {
	var p Propagation
	for name, dest := range map[string]*string{
		"key":               &p.Key,
		"old_refresh_token": &p.OldRefreshToken,
		"channel":           &p.Channel,
	} {
		if err := task.Kwarg(name, dest); err != nil {
			return err
		}
	}
	_, err := r.Propagate(ctx, p)
	return err
}

// Propagate converges the records related to p.Key and returns the keys it
// updated. Each record is written at most once.
func (r *Refresher) Propagate(ctx context.Context, p Propagation) ([]string, error) {
	if p.Key == "" {
		return nil, errors.New("propagation without source key")
	}
	source, err := r.store.GetCredentialsByKey(ctx, p.Key)
	if err != nil {
		return nil, fmt.Errorf("read propagation source %s: %w", p.Key, err)
	}

	channels, err := r.store.ScanChannelCredentials(ctx, "", "")
	if err != nil {
		return nil, err
	}
	clients, err := r.store.ScanClientCredentials(ctx)
	if err != nil {
		return nil, err
	}

	ignore := map[string]bool{p.Key: true}
	var updated []string
	for _, e := range append(channels, clients...) {
		if ignore[e.Key] || !r.related(e, p) {
			continue
		}
		ignore[e.Key] = true

		creds := e.Credentials.Clone()
		creds.ApplyRefresh(source)
		if err := r.store.PutCredentials(ctx, e.Key, creds); err != nil {
			r.logger.Error("Failed to propagate credentials", map[string]interface{}{
				"source": p.Key,
				"target": e.Key,
				"error":  err.Error(),
			})
			continue
		}
		updated = append(updated, e.Key)
	}

	if len(updated) > 0 {
		r.logger.Debug("Credentials propagated", map[string]interface{}{
			"source":  p.Key,
			"targets": updated,
		})
	}
	return updated, nil
}

func (r *Refresher) related(e store.CredentialEntry, p Propagation) bool {
	if p.OldRefreshToken != "" && e.Credentials.RefreshToken == p.OldRefreshToken {
		return true
	}
	return r.cfg.UpdateOwners && p.Channel != "" && e.Channel == p.Channel
}
