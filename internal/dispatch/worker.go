package dispatch

import (
	"context"
	"errors"
	"time"

	"github.com/developer-mesh/integration-manager/internal/mqtt"
	"golang.org/x/sync/errgroup"
)

func (d *Dispatcher) worker(id int, in <-chan inboundTask) {
	defer d.workers.Done()

	for {
		batch, open := d.collect(in)
		if len(batch) > 0 {
			d.runBatch(batch)
		}
		if !open {
			d.logger.Debug("Dispatch worker stopped", map[string]interface{}{"worker": id})
			return
		}
	}
}

// collect blocks for the first task, then gathers more until the batch is
// full or min_wait elapsed. open is false once the shard is closed and empty.
func (d *Dispatcher) collect(in <-chan inboundTask) (batch []inboundTask, open bool) {
	first, ok := <-in
	if !ok {
		return nil, false
	}
	batch = append(batch, first)
	if d.cfg.BatchSize <= 1 || d.cfg.MinWait <= 0 {
		return batch, true
	}

	timer := time.NewTimer(d.cfg.MinWait)
	defer timer.Stop()

	for len(batch) < d.cfg.BatchSize {
		select {
		case task, ok := <-in:
			if !ok {
				return batch, false
			}
			batch = append(batch, task)
		case <-timer.C:
			return batch, true
		}
	}
	return batch, true
}

// runBatch runs the tasks of different properties concurrently and the
// tasks of one property in arrival order
func (d *Dispatcher) runBatch(batch []inboundTask) {
	d.recordDepth()

	var (
		order  []string
		groups = make(map[string][]inboundTask)
	)
	for _, task := range batch {
		key := groupKey(task.topic)
		if _, seen := groups[key]; !seen {
			order = append(order, key)
		}
		groups[key] = append(groups[key], task)
	}

	var g errgroup.Group
	for _, key := range order {
		tasks := groups[key]
		g.Go(func() error {
			for _, task := range tasks {
				d.handleInbound(d.ctx, task)
			}
			return nil
		})
	}
	_ = g.Wait()
}

func (d *Dispatcher) publishLoop() {
	defer close(d.pubDone)

	for u := range d.outbound {
		if err := d.limiter.Wait(d.ctx); err != nil && d.ctx.Err() != nil {
			d.logger.Warn("Dropping update on shutdown", map[string]interface{}{
				"channel_id": u.Case.ChannelID,
				"property":   u.Case.Property,
			})
			d.metrics.Publishes.WithLabelValues(string(u.IO), "dropped").Inc()
			continue
		}
		d.recordDepth()

		if u.Case.ChannelID == "" {
			channel, err := d.store.GetChannelID(d.ctx, u.Case.DeviceID)
			if err != nil {
				d.logger.Warn("No channel for device, update dropped", map[string]interface{}{
					"device_id": u.Case.DeviceID,
					"error":     err.Error(),
				})
				d.metrics.Publishes.WithLabelValues(string(u.IO), "unroutable").Inc()
				continue
			}
			u.Case.ChannelID = channel
		}

		topic, payload, err := mqtt.EncodeUpdate(d.cfg.Version, u)
		if err != nil {
			d.logger.Error("Failed to encode update", map[string]interface{}{"error": err.Error()})
			d.metrics.Publishes.WithLabelValues(string(u.IO), "error").Inc()
			continue
		}

		if err := d.publisher.Publish(d.ctx, topic, payload); err != nil {
			level := d.logger.Error
			if errors.Is(err, mqtt.ErrNotConnected) || errors.Is(err, context.Canceled) {
				level = d.logger.Warn
			}
			level("Publish failed", map[string]interface{}{
				"topic": topic,
				"error": err.Error(),
			})
			d.metrics.Publishes.WithLabelValues(string(u.IO), "error").Inc()
			continue
		}

		d.metrics.Publishes.WithLabelValues(string(u.IO), "success").Inc()
		d.logger.Trace("Update published", map[string]interface{}{"topic": topic})
	}
}
