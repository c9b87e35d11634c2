// Package poller periodically reads every paired channel from the vendor
// and hands the answers to the adapter's polling callback.
package poller

import (
	"context"
	"errors"
	"time"

	"github.com/developer-mesh/integration-manager/internal/adapter"
	"github.com/developer-mesh/integration-manager/internal/metrics"
	"github.com/developer-mesh/integration-manager/internal/models"
	"github.com/developer-mesh/integration-manager/internal/resilience"
	"github.com/developer-mesh/integration-manager/internal/store"
	"github.com/developer-mesh/integration-manager/internal/vendor"
	"github.com/developer-mesh/integration-manager/pkg/observability"
)

// Store is the part of the credential store the poller reads
type Store interface {
	ScanChannelCredentials(ctx context.Context, owner, channel string) ([]store.CredentialEntry, error)
	GetDeviceID(ctx context.Context, channel string) (string, error)
}

// Requester performs vendor requests. *vendor.Client satisfies it.
type Requester interface {
	Do(ctx context.Context, conf adapter.RequestConf, vars map[string]string, bearer string) (*vendor.Response, error)
}

// Publisher enqueues updates for the platform
type Publisher interface {
	Publish(ctx context.Context, u models.Update) error
}

// Config configures the poller
type Config struct {
	Interval  time.Duration
	RateLimit float64
}

// PassResult summarises one pass
type PassResult struct {
	Channels  int
	Polled    int
	Skipped   int
	Failed    int
	Published int
}

// Poller runs polling passes
type Poller struct {
	cfg       Config
	store     Store
	client    Requester
	provider  adapter.PollingProvider
	publisher Publisher
	limiter   *resilience.RateLimiter
	logger    observability.Logger
	metrics   *metrics.Metrics
	now       func() time.Time
}

// New creates a poller
func New(cfg Config, st Store, client Requester, provider adapter.PollingProvider, publisher Publisher, logger observability.Logger, m *metrics.Metrics) *Poller {
	if m == nil {
		m = metrics.NewNopMetrics()
	}
	logger = logger.WithPrefix("poller")
	return &Poller{
		cfg:       cfg,
		store:     st,
		client:    client,
		provider:  provider,
		publisher: publisher,
		limiter: resilience.NewRateLimiter("polling", resilience.RateLimiterConfig{
			RequestsPerSecond: cfg.RateLimit,
			BurstSize:         1,
		}, logger),
		logger:  logger,
		metrics: m,
		now:     time.Now,
	}
}

// Tick runs one pass and logs its outcome
func (p *Poller) Tick(ctx context.Context) {
	res, err := p.RunPass(ctx)
	if err != nil {
		p.logger.Error("Polling pass failed", map[string]interface{}{"error": err.Error()})
		return
	}
	p.logger.Debug("Polling pass completed", map[string]interface{}{
		"channels":  res.Channels,
		"polled":    res.Polled,
		"skipped":   res.Skipped,
		"failed":    res.Failed,
		"published": res.Published,
	})
}

// RunPass polls every channel once. A failing channel never stops the
// pass; channels with expired credentials wait for the refresher.
func (p *Poller) RunPass(ctx context.Context) (PassResult, error) {
	started := p.now()
	defer p.metrics.RecordPass("polling", started)

	conf, err := p.provider.PollingConf()
	if err != nil {
		return PassResult{}, err
	}
	if conf == nil {
		return PassResult{}, errors.New("adapter returned no polling configuration")
	}

	entries, err := p.store.ScanChannelCredentials(ctx, "", "")
	if err != nil {
		return PassResult{}, err
	}

	var res PassResult
	for _, e := range latestPerChannel(entries) {
		res.Channels++

		if e.Credentials.Expired(p.now()) {
			res.Skipped++
			p.metrics.PollResults.WithLabelValues("skipped").Inc()
			continue
		}

		if err := p.limiter.Wait(ctx); err != nil {
			return res, err
		}

		n, err := p.pollChannel(ctx, *conf, e)
		if err != nil {
			res.Failed++
			p.metrics.PollResults.WithLabelValues("error").Inc()
			p.logger.Warn("Polling channel failed", map[string]interface{}{
				"channel_id": e.Channel,
				"error":      err.Error(),
			})
			continue
		}
		res.Polled++
		res.Published += n
		p.metrics.PollResults.WithLabelValues("success").Inc()
	}
	return res, nil
}

// latestPerChannel keeps the record of each channel that expires last, in
// scan order of the channels
func latestPerChannel(entries []store.CredentialEntry) []store.CredentialEntry {
	index := make(map[string]int)
	var out []store.CredentialEntry
	for _, e := range entries {
		i, seen := index[e.Channel]
		if !seen {
			index[e.Channel] = len(out)
			out = append(out, e)
			continue
		}
		if expiresLater(e.Credentials, out[i].Credentials) {
			out[i] = e
		}
	}
	return out
}

// expiresLater reports whether a outlives b; zero means no expiry
func expiresLater(a, b *models.Credentials) bool {
	if b.ExpirationDate == 0 {
		return false
	}
	return a.ExpirationDate == 0 || a.ExpirationDate > b.ExpirationDate
}

func (p *Poller) pollChannel(ctx context.Context, conf adapter.RequestConf, e store.CredentialEntry) (int, error) {
	device, err := p.store.GetDeviceID(ctx, e.Channel)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return 0, err
	}

	resp, err := p.client.Do(ctx, conf, map[string]string{
		"device_id":  device,
		"channel_id": e.Channel,
	}, e.Credentials.AccessToken)
	if err != nil {
		return 0, err
	}

	updates, err := p.provider.Polling(ctx, adapter.PollResult{
		StatusCode:  resp.StatusCode,
		Body:        resp.Body,
		JSON:        resp.JSON,
		ChannelID:   e.Channel,
		DeviceID:    device,
		Credentials: e.Credentials,
	})
	if err != nil {
		return 0, err
	}

	for _, u := range updates {
		if u.Case.ChannelID == "" && u.Case.DeviceID == "" {
			u.Case.ChannelID = e.Channel
		}
		if err := p.publisher.Publish(ctx, u); err != nil {
			return 0, err
		}
	}
	return len(updates), nil
}
