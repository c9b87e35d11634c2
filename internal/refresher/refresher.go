// Package refresher keeps stored vendor credentials fresh. A periodic
// pass refreshes every per-channel record close to expiry, once per
// refresh token, and queues a propagation task that converges the other
// records sharing that token.
package refresher

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/developer-mesh/integration-manager/internal/access"
	"github.com/developer-mesh/integration-manager/internal/metrics"
	"github.com/developer-mesh/integration-manager/internal/models"
	"github.com/developer-mesh/integration-manager/internal/resilience"
	"github.com/developer-mesh/integration-manager/internal/store"
	"github.com/developer-mesh/integration-manager/pkg/observability"
	"golang.org/x/sync/errgroup"
)

// Store is the part of the credential store the refresher uses
type Store interface {
	ScanChannelCredentials(ctx context.Context, owner, channel string) ([]store.CredentialEntry, error)
	ScanClientCredentials(ctx context.Context) ([]store.CredentialEntry, error)
	GetCredentialsByKey(ctx context.Context, key string) (*models.Credentials, error)
	PutCredentials(ctx context.Context, key string, creds *models.Credentials) error
}

// TaskQueue defers work to the task pool. *taskpool.Pool satisfies it.
type TaskQueue interface {
	Enqueue(ctx context.Context, funcName string, args []interface{}, kwargs map[string]interface{}) (string, error)
}

// Config configures the refresher
type Config struct {
	Interval      time.Duration
	RateLimit     float64
	BeforeExpires time.Duration
	UpdateOwners  bool
	PoolSize      int
}

// PassResult summarises one pass
type PassResult struct {
	Scanned   int
	Due       int
	Refreshed int
	Failed    int
}

// Refresher runs refresh passes
type Refresher struct {
	cfg     Config
	store   Store
	tokens  access.Refresher
	tasks   TaskQueue
	limiter *resilience.RateLimiter
	logger  observability.Logger
	metrics *metrics.Metrics
	now     func() time.Time
}

// New creates a refresher. tokens performs the vendor exchange.
func New(cfg Config, st Store, tokens access.Refresher, tasks TaskQueue, logger observability.Logger, m *metrics.Metrics) *Refresher {
	if cfg.PoolSize <= 0 {
		cfg.PoolSize = 2
	}
	if m == nil {
		m = metrics.NewNopMetrics()
	}
	logger = logger.WithPrefix("refresher")
	return &Refresher{
		cfg:    cfg,
		store:  st,
		tokens: tokens,
		tasks:  tasks,
		limiter: resilience.NewRateLimiter("refresh", resilience.RateLimiterConfig{
			RequestsPerSecond: cfg.RateLimit,
			BurstSize:         1,
		}, logger),
		logger:  logger,
		metrics: m,
		now:     time.Now,
	}
}

// Tick runs one pass and logs its outcome
func (r *Refresher) Tick(ctx context.Context) {
	res, err := r.RunPass(ctx)
	if err != nil {
		r.logger.Error("Refresh pass failed", map[string]interface{}{"error": err.Error()})
		return
	}
	if res.Due > 0 {
		r.logger.Info("Refresh pass completed", map[string]interface{}{
			"scanned":   res.Scanned,
			"due":       res.Due,
			"refreshed": res.Refreshed,
			"failed":    res.Failed,
		})
	}
}

// RunPass refreshes every due per-channel record. Records sharing a
// refresh token are refreshed once; the others converge through the
// propagation task.
func (r *Refresher) RunPass(ctx context.Context) (PassResult, error) {
	started := r.now()
	defer r.metrics.RecordPass("refresh", started)

	entries, err := r.store.ScanChannelCredentials(ctx, "", "")
	if err != nil {
		return PassResult{}, err
	}

	res := PassResult{Scanned: len(entries)}
	groups := r.dueGroups(entries)
	for _, g := range groups {
		res.Due += len(g)
	}

	var (
		refreshed atomic.Int32
		failed    atomic.Int32
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.cfg.PoolSize)
	for _, group := range groups {
		g.Go(func() error {
			if err := r.limiter.Wait(gctx); err != nil {
				return err
			}
			if r.refreshGroup(gctx, group) {
				refreshed.Add(1)
			} else {
				failed.Add(1)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return res, err
	}

	res.Refreshed = int(refreshed.Load())
	res.Failed = int(failed.Load())
	return res, nil
}

// dueGroups returns the records due for refresh grouped by refresh token,
// in scan order
func (r *Refresher) dueGroups(entries []store.CredentialEntry) [][]store.CredentialEntry {
	now := r.now()
	var (
		order  []string
		groups = make(map[string][]store.CredentialEntry)
	)
	for _, e := range entries {
		if !e.Credentials.DueForRefresh(now, r.cfg.BeforeExpires) {
			continue
		}
		key := e.Credentials.RefreshToken
		if key == "" {
			key = "key:" + e.Key
		}
		if _, seen := groups[key]; !seen {
			order = append(order, key)
		}
		groups[key] = append(groups[key], e)
	}

	out := make([][]store.CredentialEntry, 0, len(order))
	for _, key := range order {
		out = append(out, groups[key])
	}
	return out
}

// refreshGroup refreshes the first record of a group and queues the
// propagation to the rest
func (r *Refresher) refreshGroup(ctx context.Context, group []store.CredentialEntry) bool {
	lead := group[0]
	fields := map[string]interface{}{
		"key":     lead.Key,
		"channel": lead.Channel,
		"members": len(group),
	}

	fresh, err := r.tokens.Refresh(ctx, lead.Credentials)
	if err != nil {
		fields["error"] = err.Error()
		r.logger.Warn("Credential refresh failed", fields)
		r.metrics.RefreshResults.WithLabelValues("error").Inc()
		return false
	}
	if err := r.store.PutCredentials(ctx, lead.Key, fresh); err != nil {
		fields["error"] = err.Error()
		r.logger.Error("Failed to store refreshed credentials", fields)
		r.metrics.RefreshResults.WithLabelValues("error").Inc()
		return false
	}
	r.metrics.RefreshResults.WithLabelValues("success").Inc()
	r.logger.Debug("Credentials refreshed", fields)

	err = EnqueuePropagation(ctx, r.tasks, Propagation{
		Key:             lead.Key,
		OldRefreshToken: lead.Credentials.RefreshToken,
		Channel:         lead.Channel,
	})
	if err != nil {
		fields["error"] = err.Error()
		r.logger.Error("Failed to queue credential propagation", fields)
	}
	return true
}
