// Package schedule runs periodic passes on a cron scheduler
package schedule

import (
	"context"
	"fmt"
	"time"

	"github.com/developer-mesh/integration-manager/pkg/observability"
	"github.com/robfig/cron/v3"
)

// Runner runs registered jobs until its context is done. A job still
// running when its next tick arrives skips that tick.
type Runner struct {
	cron   *cron.Cron
	logger observability.Logger
}

// New creates a runner
func New(logger observability.Logger) *Runner {
	cl := cronLogger{logger: logger.WithPrefix("scheduler")}
	return &Runner{
		cron: cron.New(
			cron.WithLogger(cl),
			cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
		),
		logger: cl.logger,
	}
}

// Every schedules job at a fixed interval. Intervals below one second are
// rounded up by the scheduler.
func (r *Runner) Every(name string, interval time.Duration, job func()) error {
	if interval <= 0 {
		return fmt.Errorf("schedule %s: interval must be positive", name)
	}
	if _, err := r.cron.AddFunc("@every "+interval.String(), job); err != nil {
		return fmt.Errorf("schedule %s: %w", name, err)
	}
	r.logger.Info("Job scheduled", map[string]interface{}{
		"job":      name,
		"interval": interval.String(),
	})
	return nil
}

// Run starts the scheduler and blocks until ctx is done and every running
// job returned
func (r *Runner) Run(ctx context.Context) {
	r.cron.Start()
	<-ctx.Done()
	<-r.cron.Stop().Done()
}

// Jobs returns the number of scheduled jobs
func (r *Runner) Jobs() int {
	return len(r.cron.Entries())
}

// cronLogger adapts the structured logger to cron.Logger
type cronLogger struct {
	logger observability.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Trace(msg, fields(keysAndValues))
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	f := fields(keysAndValues)
	f["error"] = err.Error()
	l.logger.Error(msg, f)
}

func fields(kv []interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(kv)/2+1)
	for i := 0; i+1 < len(kv); i += 2 {
		out[fmt.Sprint(kv[i])] = kv[i+1]
	}
	return out
}
