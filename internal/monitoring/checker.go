package monitoring

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/sells-group/paradas/internal/config"
)

// defaultCheckInterval applies when monitoring.check_interval_secs is unset.
const defaultCheckInterval = 5 * time.Minute

// Checker watches the local sync queue in the background. Each check
// refreshes the record gauges and evaluates the queue snapshot. An alert is
// posted when it first triggers and again only after it has cleared.
type Checker struct {
	collector *Collector
	alerter   *Alerter
	interval  time.Duration

	// raised holds the alert types triggered by the previous check. Only Run
	// touches it.
	raised map[AlertType]bool
}

// NewChecker creates a queue watcher.
func NewChecker(collector *Collector, alerter *Alerter, cfg config.MonitoringConfig) *Checker {
	interval := time.Duration(cfg.CheckIntervalSecs) * time.Second
	if interval <= 0 {
		interval = defaultCheckInterval
	}
	return &Checker{
		collector: collector,
		alerter:   alerter,
		interval:  interval,
		raised:    make(map[AlertType]bool),
	}
}

// Run checks the queue once immediately, then on every interval. It blocks
// until ctx is cancelled.
func (c *Checker) Run(ctx context.Context) {
	log := zap.L().With(zap.String("component", "monitoring.checker"))
	log.Info("monitoring: watching sync queue", zap.Duration("interval", c.interval))

	if ctx.Err() == nil {
		c.check(ctx, log)
	}

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info("monitoring: queue watch stopped")
			return
		case <-ticker.C:
			c.check(ctx, log)
		}
	}
}

// check collects one queue snapshot and returns the alerts it newly raised.
func (c *Checker) check(ctx context.Context, log *zap.Logger) []Alert {
	snap, err := c.collector.Collect(ctx)
	if err != nil {
		log.Error("monitoring: collect queue snapshot", zap.Error(err))
		return nil
	}

	fields := []zap.Field{
		zap.Int("pending", snap.Pending),
		zap.Int("failed", snap.Failed),
		zap.Int("syncing", snap.Syncing),
		zap.Int("synced", snap.Synced),
	}
	if snap.OldestQueuedAt != nil {
		fields = append(fields, zap.Duration("oldest_queued_age", snap.CollectedAt.Sub(*snap.OldestQueuedAt)))
	}
	log.Debug("monitoring: queue snapshot", fields...)

	triggered := c.alerter.Evaluate(snap)
	current := make(map[AlertType]bool, len(triggered))
	var fresh []Alert
	for _, a := range triggered {
		current[a.Type] = true
		if !c.raised[a.Type] {
			fresh = append(fresh, a)
		}
	}
	for t := range c.raised {
		if !current[t] {
			log.Info("monitoring: alert cleared", zap.String("type", string(t)))
		}
	}
	c.raised = current

	if len(fresh) == 0 {
		return nil
	}

	sent := c.alerter.SendAlerts(ctx, fresh)
	log.Info("monitoring: queue alerts raised",
		zap.Int("raised", len(fresh)),
		zap.Int("still_active", len(triggered)-len(fresh)),
		zap.Int("sent", sent),
	)
	return fresh
}
