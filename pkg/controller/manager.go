package controller

import (
	"context"
	"sync"
	"time"

	"codeberg.org/rostersync/rostersync/pkg/config"
	"go.uber.org/zap"
)

// Cycler is what the scheduler drives.
type Cycler interface {
	SyncAll(ctx context.Context) error
	SweepAll(ctx context.Context) error
}

// Manager runs the sync and sweep loops on their own tickers until the
// context ends. Both loops run once immediately.
type Manager struct {
	cycles   Cycler
	schedule config.ScheduleConfig
	logger   *zap.Logger
}

func NewManager(cycles Cycler, schedule config.ScheduleConfig, logger *zap.Logger) *Manager {
	return &Manager{
		cycles:   cycles,
		schedule: schedule,
		logger:   logger,
	}
}

type loop struct {
	name   string
	period time.Duration
	run    func(ctx context.Context) error
}

// Start blocks until ctx is done and every loop has returned.
func (m *Manager) Start(ctx context.Context) error {
	m.logger.Info("Starting scheduler")

	loops := []loop{
		{name: "sync", period: m.schedule.SyncPeriod, run: m.cycles.SyncAll},
		{name: "sweep", period: m.schedule.SweepPeriod, run: m.cycles.SweepAll},
	}

	var wg sync.WaitGroup
	for _, l := range loops {
		if l.period <= 0 {
			m.logger.Info("Loop disabled", zap.String("loop", l.name))
			continue
		}

		wg.Add(1)
		go func(l loop) {
			defer wg.Done()
			m.runLoop(ctx, l)
		}(l)
	}

	wg.Wait()
	m.logger.Info("Scheduler stopped")
	return nil
}

func (m *Manager) runLoop(ctx context.Context, l loop) {
	ticker := time.NewTicker(l.period)
	defer ticker.Stop()

	logger := m.logger.With(zap.String("loop", l.name))
	logger.Info("Starting loop", zap.Duration("period", l.period))

	m.tick(ctx, logger, l)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.tick(ctx, logger, l)
		}
	}
}

func (m *Manager) tick(ctx context.Context, logger *zap.Logger, l loop) {
	if ctx.Err() != nil {
		return
	}
	if err := l.run(ctx); err != nil {
		logger.Error("Cycle finished with errors", zap.Error(err))
	}
}
