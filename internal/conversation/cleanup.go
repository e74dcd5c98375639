package conversation

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// DefaultCleanupInterval is how often the cleanup service sweeps and saves.
const DefaultCleanupInterval = 1 * time.Minute

// CleanupService periodically sweeps expired sessions and persists the
// registry. Run blocks until its context is cancelled; serve runs it next to
// the coordinator loop.
type CleanupService struct {
	registry *Registry
	logger   *zap.Logger
	onSweep  func(SweepResult)
	interval time.Duration
}

// NewCleanupService creates a cleanup service. A non-positive interval uses
// DefaultCleanupInterval.
func NewCleanupService(registry *Registry, interval time.Duration, logger *zap.Logger) *CleanupService {
	if interval <= 0 {
		interval = DefaultCleanupInterval
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CleanupService{
		registry: registry,
		logger:   logger.Named("sessions.cleanup"),
		interval: interval,
	}
}

// OnSweep registers a callback invoked with every sweep result.
func (c *CleanupService) OnSweep(fn func(SweepResult)) {
	c.onSweep = fn
}

// Run sweeps once immediately and then every interval until ctx is done. A
// final save is attempted on the way out.
func (c *CleanupService) Run(ctx context.Context) error {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	c.performCleanup()

	for {
		select {
		case <-ctx.Done():
			if err := c.registry.Save(); err != nil {
				c.logger.Error("Final session save failed", zap.Error(err))
			}
			c.logger.Info("Cleanup service stopping")
			return nil
		case <-ticker.C:
			c.performCleanup()
		}
	}
}

func (c *CleanupService) performCleanup() {
	startTime := time.Now()
	res := c.registry.Sweep(startTime)

	if res.Removed+res.Expired+res.ForceReset > 0 {
		c.logger.Info("Swept sessions",
			zap.Int("removed", res.Removed),
			zap.Int("expired", res.Expired),
			zap.Int("force_reset", res.ForceReset),
			zap.Duration("duration", time.Since(startTime)))
	}
	if c.onSweep != nil {
		c.onSweep(res)
	}

	if err := c.registry.Save(); err != nil {
		c.logger.Error("Failed to save sessions", zap.Error(err))
	}

	c.logger.Debug("Session stats after cleanup",
		zap.Int("total", c.registry.Len()),
		zap.Int("active", c.registry.ActiveCount()))
}
