package dispatcher

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/fetch-scheduler/internal/crawler"
	"github.com/JakeFAU/fetch-scheduler/internal/scheduler"
)

// FeederConfig controls task publication in crowdsourced mode.
type FeederConfig struct {
	Topic     string
	BatchSize int
	Interval  time.Duration
}

// Feeder hands dispatched task keys to external fetchers. It samples the
// registry round robin so every batch gets a turn. A key that fails to
// publish stays pending until the scheduler evicts it.
type Feeder struct {
	cfg       FeederConfig
	registry  *scheduler.Registry
	publisher crawler.Publisher
	logger    *zap.Logger
}

// NewFeeder builds a Feeder.
func NewFeeder(cfg FeederConfig, registry *scheduler.Registry, publisher crawler.Publisher, logger *zap.Logger) *Feeder {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 16
	}
	if cfg.Interval <= 0 {
		cfg.Interval = time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Feeder{cfg: cfg, registry: registry, publisher: publisher, logger: logger.Named("feeder")}
}

// Run feeds on every tick until ctx ends.
func (f *Feeder) Run(ctx context.Context) {
	ticker := time.NewTicker(f.cfg.Interval)
	defer ticker.Stop()
	for {
		if _, err := f.FeedOnce(ctx); err != nil {
			f.logger.Warn("Task feed round failed", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// FeedOnce publishes one round of task keys and returns how many were sent.
func (f *Feeder) FeedOnce(ctx context.Context) (int, error) {
	keys := f.registry.RegisterSchedulerFor(f.cfg.BatchSize)
	sent := 0
	for _, key := range keys {
		if _, err := f.publisher.Publish(ctx, f.cfg.Topic, key); err != nil {
			return sent, fmt.Errorf("publish task %d of %s: %w", key.ItemID, key.BatchID, err)
		}
		sent++
	}
	if sent > 0 {
		f.logger.Debug("Published task keys", zap.Int("count", sent))
	}
	return sent, nil
}
