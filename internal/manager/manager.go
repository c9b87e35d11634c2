// Package manager wires the integration manager's components together and
// runs them until shutdown.
package manager

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/developer-mesh/integration-manager/internal/access"
	"github.com/developer-mesh/integration-manager/internal/adapter"
	"github.com/developer-mesh/integration-manager/internal/config"
	"github.com/developer-mesh/integration-manager/internal/dispatch"
	"github.com/developer-mesh/integration-manager/internal/metrics"
	"github.com/developer-mesh/integration-manager/internal/mqtt"
	"github.com/developer-mesh/integration-manager/internal/platform"
	"github.com/developer-mesh/integration-manager/internal/poller"
	"github.com/developer-mesh/integration-manager/internal/refresher"
	"github.com/developer-mesh/integration-manager/internal/resilience"
	"github.com/developer-mesh/integration-manager/internal/schedule"
	"github.com/developer-mesh/integration-manager/internal/store"
	"github.com/developer-mesh/integration-manager/internal/taskpool"
	"github.com/developer-mesh/integration-manager/internal/tcp"
	"github.com/developer-mesh/integration-manager/internal/vendor"
	"github.com/developer-mesh/integration-manager/internal/watchdog"
	"github.com/developer-mesh/integration-manager/internal/webhooks"
	"github.com/developer-mesh/integration-manager/pkg/observability"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"

	// built-in adapters
	_ "github.com/developer-mesh/integration-manager/internal/adapter/oauthrest"
)

// ErrCapability is returned when an enabled feature needs an adapter
// capability the configured adapter lacks
var ErrCapability = errors.New("adapter lacks a required capability")

// Manager owns every component of a running integration manager
type Manager struct {
	cfg      *config.Config
	base     observability.Logger
	logger   observability.Logger
	levels   *observability.Levels
	registry *prometheus.Registry
	metrics  *metrics.Metrics

	adapter    adapter.Adapter
	store      *store.Store
	session    *platform.Session
	auth       *platform.Authenticator
	platform   *platform.Client
	vendor     *vendor.Client
	tokens     access.Refresher
	mqtt       *mqtt.Session
	dispatcher *dispatch.Dispatcher
	pool       *taskpool.Pool
	refresher  *refresher.Refresher
	poller     *poller.Poller
	scheduler  *schedule.Runner
	webhooks   *webhooks.Handler
	watchdog   *watchdog.Watchdog
	tcp        *tcp.Server

	// ctx bounds background work started by timers and the adapter
	ctx         context.Context
	adapterOnce sync.Once
	serving     atomic.Bool
}

// New builds the adapter and checks that it supports the enabled
// features. Nothing is connected until Run.
func New(cfg *config.Config, logger observability.Logger, levels *observability.Levels) (*Manager, error) {
	a, err := adapter.New(cfg.Boot.Modules.SkeletonImplementation, cfg.Manufacturer.Rest, logger)
	if err != nil {
		return nil, err
	}
	if err := checkCapabilities(cfg, a); err != nil {
		return nil, err
	}

	if levels == nil {
		levels = observability.DefaultLevels()
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	return &Manager{
		cfg:      cfg,
		base:     logger,
		logger:   logger.WithPrefix("manager"),
		levels:   levels,
		registry: registry,
		metrics:  metrics.NewMetrics(registry),
		adapter:  a,
	}, nil
}

func checkCapabilities(cfg *config.Config, a adapter.Adapter) error {
	if cfg.Polling.Enabled {
		if _, ok := a.(adapter.PollingProvider); !ok {
			return fmt.Errorf("%w: polling is enabled but %s does not poll", ErrCapability, cfg.Boot.Modules.SkeletonImplementation)
		}
	}
	if cfg.Refresh.Enabled {
		if _, ok := a.(adapter.RefreshProvider); !ok {
			return fmt.Errorf("%w: refresh is enabled but %s has no refresh configuration", ErrCapability, cfg.Boot.Modules.SkeletonImplementation)
		}
	}
	return nil
}

// Run starts every component and blocks until ctx is done or a component
// fails fatally. A broker refusal or a failed platform renewal is returned.
func (m *Manager) Run(ctx context.Context) error {
	if err := m.connect(ctx); err != nil {
		return err
	}
	defer m.auth.Stop()
	defer m.closeStore()

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	m.ctx = runCtx

	if err := m.build(); err != nil {
		return err
	}

	m.dispatcher.Start(runCtx)
	m.pool.Start(runCtx)

	ln, err := net.Listen("tcp", m.cfg.Boot.HTTP.Bind)
	if err != nil {
		m.shutdown()
		return fmt.Errorf("listen on %s: %w", m.cfg.Boot.HTTP.Bind, err)
	}
	server := &http.Server{
		Handler:           m.webhooks.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	// the broker session outlives the other components so that the
	// outbound queue can drain on shutdown
	mqttCtx, mqttCancel := context.WithCancel(context.WithoutCancel(ctx))
	defer mqttCancel()
	mqttErr := make(chan error, 1)
	go func() { mqttErr <- m.mqtt.Run(mqttCtx) }()

	var mqttEnded bool
	g, gctx := errgroup.WithContext(runCtx)
	g.Go(func() error {
		select {
		case err := <-mqttErr:
			mqttEnded = true
			if err == nil {
				err = errors.New("mqtt session ended")
			}
			return err
		case <-gctx.Done():
			return nil
		}
	})
	g.Go(func() error {
		select {
		case err := <-m.auth.Fatal():
			return err
		case <-gctx.Done():
			return nil
		}
	})
	g.Go(func() error {
		m.serving.Store(true)
		defer m.serving.Store(false)
		m.logger.Info("Webhook server listening", map[string]interface{}{"bind": ln.Addr().String()})
		if err := server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("webhook server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, done := context.WithTimeout(context.Background(), m.shutdownTimeout())
		defer done()
		return server.Shutdown(shutdownCtx)
	})
	g.Go(func() error {
		m.scheduler.Run(gctx)
		return nil
	})
	if m.watchdog != nil {
		g.Go(func() error {
			m.watchdog.Ready()
			return m.watchdog.Run(gctx)
		})
	}
	if m.tcp != nil {
		g.Go(func() error {
			if err := m.tcp.ListenAndServe(gctx); err != nil {
				return fmt.Errorf("tcp ingress: %w", err)
			}
			return nil
		})
	}

	m.logger.Info("Integration manager running", map[string]interface{}{
		"adapter": m.cfg.Boot.Modules.SkeletonImplementation,
		"polling": m.cfg.Polling.Enabled,
		"refresh": m.cfg.Refresh.Enabled,
		"tcp":     m.tcp != nil,
	})

	runErr := g.Wait()
	if runErr != nil {
		m.logger.Error("Integration manager stopping after failure", map[string]interface{}{"error": runErr.Error()})
	}

	m.shutdown()

	mqttCancel()
	if !mqttEnded {
		<-mqttErr
	}
	m.logger.Info("Integration manager stopped", nil)
	return runErr
}

// connect opens the store and authenticates the manager on the platform
func (m *Manager) connect(ctx context.Context) error {
	redisCfg := m.cfg.Boot.Redis.Managers
	st, err := store.New(ctx, store.Config{
		Address:   redisCfg.Bind,
		Password:  redisCfg.Password,
		Namespace: redisCfg.DB,
	}, m.base)
	if err != nil {
		return err
	}
	m.store = st

	creds := m.cfg.Boot.Rest.Credentials
	m.session = platform.NewSession(creds.ClientID)
	m.auth = platform.NewAuthenticator(platform.AuthConfig{
		ClientID:      creds.ClientID,
		ClientSecret:  creds.ClientSecret,
		Server:        creds.Server,
		GrantType:     creds.GrantType,
		Scope:         creds.Scope,
		RenewBefore:   m.cfg.Platform.RenewBefore,
		RetryInterval: m.cfg.Platform.RetryInterval,
	}, m.session, m.base)
	if err := m.auth.Start(ctx); err != nil {
		m.closeStore()
		return fmt.Errorf("platform authentication: %w", err)
	}
	return nil
}

// build creates the components around the connected store and session
func (m *Manager) build() error {
	cfg := m.cfg
	version := cfg.APIVersion()
	logger := m.base

	m.platform = platform.NewClient(m.session, cfg.Platform.Timeout, logger)

	cb := cfg.Vendor.CircuitBreaker
	m.vendor = vendor.NewClient(vendor.Config{
		Timeout: cfg.Vendor.Timeout,
		CircuitBreaker: resilience.CircuitBreakerConfig{
			MaxRequests:  cb.MaxRequests,
			Interval:     cb.Interval,
			Timeout:      cb.Timeout,
			FailureRatio: cb.FailureRatio,
		},
	}, logger, m.metrics)

	margin := time.Duration(cfg.Refresh.SafetyMarginSeconds) * time.Second
	if rp, ok := m.adapter.(adapter.RefreshProvider); ok {
		conf, err := rp.RefreshTokenConf()
		if err != nil && cfg.Refresh.Enabled {
			return fmt.Errorf("adapter refresh configuration: %w", err)
		}
		if conf != nil {
			m.tokens = vendor.NewTokenRefresher(m.vendor, *conf, m.appCredentials(), margin)
		}
	}

	m.mqtt = mqtt.NewSession(mqtt.Config{
		Version:           version,
		Topic:             cfg.MQTT.Topic,
		CACertFile:        cfg.Boot.TLS.Cert,
		ReconnectInterval: cfg.MQTT.ReconnectInterval,
		ConnectTimeout:    cfg.MQTT.ConnectTimeout,
	}, m.session, logger, m.metrics)

	m.pool = taskpool.New(taskpool.Config{
		Name:      cfg.ThreadPool.ThreadName,
		Workers:   cfg.ThreadPool.Workers,
		SleepTime: cfg.ThreadPool.SleepTime,
	}, m.store, logger, m.metrics)

	d := cfg.Dispatch
	m.dispatcher = dispatch.New(dispatch.Config{
		Version:           version,
		Workers:           d.Workers,
		BatchSize:         d.BatchSize,
		MinWait:           d.MinWait,
		InboundCapacity:   d.InboundCapacity,
		OutboundCapacity:  d.OutboundCapacity,
		PublishRate:       d.PublishRate,
		HeartbeatProperty: d.HeartbeatProperty,
	}, dispatch.Deps{
		Adapter:   m.adapter,
		Store:     m.store,
		Publisher: m.mqtt,
		Refresher: m.tokens,
		Tasks:     m.pool,
		Values:    access.NewValues(cfg.Access.Values),
		Logger:    logger,
		Metrics:   m.metrics,
	})

	m.scheduler = schedule.New(logger)

	if m.tokens != nil {
		m.refresher = refresher.New(refresher.Config{
			Interval:      time.Duration(cfg.Refresh.IntervalSeconds) * time.Second,
			RateLimit:     cfg.Refresh.RateLimit,
			BeforeExpires: time.Duration(cfg.Refresh.BeforeExpiresSeconds) * time.Second,
			UpdateOwners:  cfg.Refresh.UpdateOwners,
			PoolSize:      cfg.Refresh.PoolSize,
		}, m.store, m.tokens, m.pool, logger, m.metrics)
		// propagation tasks may still be queued from an earlier run
		m.refresher.Register(m.pool)
	}
	if cfg.Refresh.Enabled && m.refresher != nil {
		if err := m.scheduler.Every("refresh", time.Duration(cfg.Refresh.IntervalSeconds)*time.Second, func() {
			m.refresher.Tick(m.ctx)
		}); err != nil {
			return err
		}
	}

	if cfg.Polling.Enabled {
		m.poller = poller.New(poller.Config{
			Interval:  time.Duration(cfg.Polling.IntervalSeconds) * time.Second,
			RateLimit: cfg.Polling.RateLimit,
		}, m.store, m.vendor, m.adapter.(adapter.PollingProvider), m.dispatcher, logger, m.metrics)
		if err := m.scheduler.Every("polling", time.Duration(cfg.Polling.IntervalSeconds)*time.Second, func() {
			m.poller.Tick(m.ctx)
		}); err != nil {
			return err
		}
	}

	if !m.levels.Enabled(observability.LogLevelDebug) {
		gin.SetMode(gin.ReleaseMode)
	}
	m.webhooks = webhooks.NewHandler(webhooks.Config{
		Version:        version,
		PublicURL:      cfg.Boot.HTTP.Public,
		RefreshEnabled: cfg.Refresh.Enabled,
		SafetyMargin:   margin,
	}, webhooks.Deps{
		Adapter:   m.adapter,
		Store:     m.store,
		Platform:  m.platform,
		Hash:      m.session,
		Publisher: m.dispatcher,
		Tasks:     m.pool,
		Levels:    m.levels,
		Gatherer:  m.registry,
		Logger:    logger,
		Metrics:   m.metrics,
	})

	m.mqtt.OnMessage(m.dispatcher.HandleMessage)
	m.mqtt.OnConnect(m.onBrokerConnect)

	if keepAlive := cfg.KeepAlive(); keepAlive > 0 {
		m.watchdog = watchdog.New(watchdog.Config{
			KeepAlive: keepAlive,
			HealthURL: probeURL(cfg.Boot.HTTP.Bind, version),
		}, m.serving.Load, logger)
	}

	if cfg.TCP.Port > 0 {
		receiver, ok := m.adapter.(adapter.TCPReceiver)
		if !ok {
			logger.Warn("TCP ingress configured but the adapter does not accept TCP messages", nil)
		} else {
			m.tcp = tcp.New(tcp.Config{
				Address:           net.JoinHostPort(cfg.TCP.IPAddress, strconv.Itoa(cfg.TCP.Port)),
				ConnectionTimeout: time.Duration(cfg.TCP.ConnectionTimeout) * time.Second,
				DataLength:        cfg.TCP.DataLength,
				MaxConnections:    int64(cfg.TCP.ThreadPoolLimit),
			}, receiver, m.dispatcher, logger)
		}
	}
	return nil
}

// onBrokerConnect re-announces the webhooks on every (re)connect and
// starts the adapter after the first successful registration
func (m *Manager) onBrokerConnect(ctx context.Context) error {
	if err := m.webhooks.Register(ctx); err != nil {
		return fmt.Errorf("webhook registration: %w", err)
	}

	var startErr error
	m.adapterOnce.Do(func() {
		svc := &services{
			store:     m.store,
			publisher: m.dispatcher,
			logger:    m.base.WithPrefix("adapter"),
		}
		startErr = m.adapter.Start(m.ctx, svc)
		if startErr == nil {
			m.logger.Info("Adapter started", map[string]interface{}{
				"adapter": m.cfg.Boot.Modules.SkeletonImplementation,
				"kind":    m.adapter.Kind().String(),
			})
		}
	})
	return startErr
}

// shutdown stops producers first, then drains the queues
func (m *Manager) shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), m.shutdownTimeout())
	defer cancel()

	m.pool.Stop()
	if err := m.dispatcher.Close(ctx); err != nil {
		m.logger.Warn("Dispatcher did not drain before the shutdown timeout", map[string]interface{}{"error": err.Error()})
	}
}

func (m *Manager) closeStore() {
	if m.store == nil {
		return
	}
	if err := m.store.Close(); err != nil {
		m.logger.Warn("Failed to close store", map[string]interface{}{"error": err.Error()})
	}
}

func (m *Manager) shutdownTimeout() time.Duration {
	if m.cfg.Service.ShutdownTimeout > 0 {
		return m.cfg.Service.ShutdownTimeout
	}
	return 30 * time.Second
}

func (m *Manager) appCredentials() vendor.AppCredentialsFunc {
	if len(m.cfg.Manufacturer.Credentials) == 0 {
		return nil
	}
	return func(client string) (string, string, bool) {
		creds, ok := m.cfg.AppCredentials(client)
		return creds.AppID, creds.AppSecret, ok
	}
}

// probeURL is the liveness URL of the webhook server as seen from the
// host itself
func probeURL(bind, version string) string {
	host, port, err := net.SplitHostPort(bind)
	if err != nil {
		return "http://" + bind + "/" + version + "/"
	}
	if ip := net.ParseIP(host); host == "" || (ip != nil && ip.IsUnspecified()) {
		host = "127.0.0.1"
	}
	return "http://" + net.JoinHostPort(host, port) + "/" + version + "/"
}
