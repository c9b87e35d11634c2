// Package dispatch moves platform commands to the vendor adapter and
// adapter results back to the platform.
//
// Inbound messages are sharded by (channel, component, property) over a
// fixed set of bounded queues, one worker each, so commands addressing the
// same property keep their arrival order. Every publish towards the
// platform goes through a single bounded outbound queue drained by one
// publisher.
package dispatch

import (
	"context"
	"errors"
	"hash/fnv"
	"sync"
	"time"

	"github.com/developer-mesh/integration-manager/internal/access"
	"github.com/developer-mesh/integration-manager/internal/adapter"
	"github.com/developer-mesh/integration-manager/internal/metrics"
	"github.com/developer-mesh/integration-manager/internal/models"
	"github.com/developer-mesh/integration-manager/internal/mqtt"
	"github.com/developer-mesh/integration-manager/internal/refresher"
	"github.com/developer-mesh/integration-manager/internal/resilience"
	"github.com/developer-mesh/integration-manager/pkg/observability"
	"golang.org/x/sync/singleflight"
)

// ErrClosed is returned when enqueueing on a closed dispatcher
var ErrClosed = errors.New("dispatcher closed")

// Publisher sends one MQTT message. *mqtt.Session satisfies it.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload []byte) error
}

// Store is the part of the credential store the dispatcher reads and
// writes. *store.Store satisfies it.
type Store interface {
	GetDeviceID(ctx context.Context, channel string) (string, error)
	GetChannelID(ctx context.Context, device string) (string, error)
	GetCredentials(ctx context.Context, client, owner, channel string) (*models.Credentials, string, error)
	GetCredentialsByKey(ctx context.Context, key string) (*models.Credentials, error)
	PutCredentials(ctx context.Context, key string, creds *models.Credentials) error
}

// Config configures the pipeline
type Config struct {
	Version           string
	Workers           int
	BatchSize         int
	MinWait           time.Duration
	InboundCapacity   int
	OutboundCapacity  int
	PublishRate       float64
	HeartbeatProperty string
}

type inboundTask struct {
	topic   string
	payload []byte
	kind    adapter.Kind
}

// Dispatcher owns the inbound and outbound queues
type Dispatcher struct {
	cfg       Config
	adapter   adapter.Adapter
	store     Store
	publisher Publisher
	refresher access.Refresher
	tasks     refresher.TaskQueue
	values    *access.Values
	limiter   *resilience.RateLimiter
	logger    observability.Logger
	metrics   *metrics.Metrics
	now       func() time.Time

	flights singleflight.Group

	ctx    context.Context
	cancel context.CancelFunc

	inMu     sync.RWMutex
	inClosed bool
	inbound  []chan inboundTask
	workers  sync.WaitGroup

	outMu     sync.RWMutex
	outClosed bool
	outbound  chan models.Update
	pubDone   chan struct{}
}

// Deps are the collaborators of the dispatcher
type Deps struct {
	Adapter   adapter.Adapter
	Store     Store
	Publisher Publisher
	// Refresher renews expired credentials during the access check; nil
	// denies expired credentials.
	Refresher access.Refresher
	// Tasks receives the propagation of credentials refreshed here to the
	// other records sharing their refresh token.
	Tasks     refresher.TaskQueue
	Values    *access.Values
	Logger    observability.Logger
	Metrics   *metrics.Metrics
}

// New creates a dispatcher. Start launches its goroutines.
func New(cfg Config, deps Deps) *Dispatcher {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 1
	}
	if cfg.InboundCapacity <= 0 {
		cfg.InboundCapacity = 1024
	}
	if cfg.OutboundCapacity <= 0 {
		cfg.OutboundCapacity = 1024
	}
	if deps.Values == nil {
		deps.Values = access.NewValues(nil)
	}
	if deps.Metrics == nil {
		deps.Metrics = metrics.NewNopMetrics()
	}
	logger := deps.Logger.WithPrefix("dispatch")

	d := &Dispatcher{
		cfg:       cfg,
		adapter:   deps.Adapter,
		store:     deps.Store,
		publisher: deps.Publisher,
		refresher: deps.Refresher,
		tasks:     deps.Tasks,
		values:    deps.Values,
		limiter: resilience.NewRateLimiter("publish", resilience.RateLimiterConfig{
			RequestsPerSecond: cfg.PublishRate,
			BurstSize:         int(cfg.PublishRate) + 1,
		}, logger),
		logger:   logger,
		metrics:  deps.Metrics,
		now:      time.Now,
		outbound: make(chan models.Update, cfg.OutboundCapacity),
		pubDone:  make(chan struct{}),
	}
	perShard := cfg.InboundCapacity / cfg.Workers
	if perShard < 1 {
		perShard = 1
	}
	for i := 0; i < cfg.Workers; i++ {
		d.inbound = append(d.inbound, make(chan inboundTask, perShard))
	}
	return d
}

// Start launches the workers and the publisher. Cancelling ctx does not
// stop them; Close drains and stops.
func (d *Dispatcher) Start(ctx context.Context) {
	d.ctx, d.cancel = context.WithCancel(context.WithoutCancel(ctx))

	for i, in := range d.inbound {
		d.workers.Add(1)
		go d.worker(i, in)
	}
	go d.publishLoop()

	d.logger.Info("Dispatcher started", map[string]interface{}{
		"workers":    d.cfg.Workers,
		"batch_size": d.cfg.BatchSize,
		"min_wait":   d.cfg.MinWait.String(),
	})
}

// HandleMessage is the MQTT message callback. It blocks while the target
// inbound shard is full.
func (d *Dispatcher) HandleMessage(m mqtt.Message) {
	if err := d.Enqueue(context.Background(), m.Topic, m.Payload); err != nil {
		d.logger.Warn("Inbound command not queued", map[string]interface{}{
			"topic": m.Topic,
			"error": err.Error(),
		})
	}
}

// Enqueue appends a raw command to its inbound shard
func (d *Dispatcher) Enqueue(ctx context.Context, topic string, payload []byte) error {
	d.inMu.RLock()
	defer d.inMu.RUnlock()
	if d.inClosed {
		return ErrClosed
	}

	task := inboundTask{topic: topic, payload: payload, kind: d.adapter.Kind()}
	select {
	case d.inbound[d.shard(topic)] <- task:
		d.recordDepth()
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Publish appends an update to the outbound queue, blocking while it is full
func (d *Dispatcher) Publish(ctx context.Context, u models.Update) error {
	d.outMu.RLock()
	defer d.outMu.RUnlock()
	if d.outClosed {
		return ErrClosed
	}

	select {
	case d.outbound <- u:
		d.recordDepth()
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops accepting commands, drains both queues and stops the
// goroutines. When ctx expires first, in-flight work is cancelled.
func (d *Dispatcher) Close(ctx context.Context) error {
	d.inMu.Lock()
	if !d.inClosed {
		d.inClosed = true
		for _, in := range d.inbound {
			close(in)
		}
	}
	d.inMu.Unlock()

	if err := d.wait(ctx, func() { d.workers.Wait() }); err != nil {
		return err
	}

	d.outMu.Lock()
	if !d.outClosed {
		d.outClosed = true
		close(d.outbound)
	}
	d.outMu.Unlock()

	if d.ctx == nil {
		return nil
	}
	if err := d.wait(ctx, func() { <-d.pubDone }); err != nil {
		return err
	}
	d.stop()
	d.logger.Info("Dispatcher drained", nil)
	return nil
}

func (d *Dispatcher) wait(ctx context.Context, fn func()) error {
	done := make(chan struct{})
	go func() {
		fn()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		d.stop()
		<-done
		return ctx.Err()
	}
}

func (d *Dispatcher) stop() {
	if d.cancel != nil {
		d.cancel()
	}
}

// shard picks the inbound queue of a topic. Commands on the same property
// always land on the same shard.
func (d *Dispatcher) shard(topic string) int {
	if len(d.inbound) == 1 {
		return 0
	}
	h := fnv.New32a()
	_, _ = h.Write([]byte(groupKey(topic)))
	return int(h.Sum32() % uint32(len(d.inbound)))
}

// groupKey is channel/component/property of a command topic, or the
// topic itself when it does not parse
func groupKey(topic string) string {
	c, err := mqtt.ParseCommandTopic(topic)
	if err != nil {
		return topic
	}
	return c.ChannelID + "/" + c.Component + "/" + c.Property
}

func (d *Dispatcher) recordDepth() {
	pending := 0
	for _, in := range d.inbound {
		pending += len(in)
	}
	d.metrics.QueueDepth.WithLabelValues("inbound").Set(float64(pending))
	d.metrics.QueueDepth.WithLabelValues("outbound").Set(float64(len(d.outbound)))
}
