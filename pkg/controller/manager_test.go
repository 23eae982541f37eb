package controller

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"codeberg.org/rostersync/rostersync/pkg/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type mockCycler struct {
	syncs  atomic.Int32
	sweeps atomic.Int32
	err    error
}

func (m *mockCycler) SyncAll(ctx context.Context) error {
	m.syncs.Add(1)
	return m.err
}

func (m *mockCycler) SweepAll(ctx context.Context) error {
	m.sweeps.Add(1)
	return m.err
}

func TestManager_StartRunsLoopsUntilCancelled(t *testing.T) {
	logger, _ := zap.NewDevelopment()
	cycler := &mockCycler{err: errors.New("endpoint down")}
	manager := NewManager(cycler, config.ScheduleConfig{
		SyncPeriod:  10 * time.Millisecond,
		SweepPeriod: time.Hour,
	}, logger)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- manager.Start(ctx) }()

	require.Eventually(t, func() bool {
		return cycler.syncs.Load() >= 3
	}, 2*time.Second, 5*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("manager did not stop")
	}

	assert.Equal(t, int32(1), cycler.sweeps.Load(), "sweep runs once at start")
}

func TestManager_DisabledLoop(t *testing.T) {
	logger, _ := zap.NewDevelopment()
	cycler := &mockCycler{}
	manager := NewManager(cycler, config.ScheduleConfig{SyncPeriod: time.Hour}, logger)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = manager.Start(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool { return cycler.syncs.Load() == 1 }, time.Second, 5*time.Millisecond)
	cancel()
	<-done

	assert.Equal(t, int32(0), cycler.sweeps.Load())
}

func TestNewElector_RequiresEndpoints(t *testing.T) {
	logger, _ := zap.NewDevelopment()
	_, err := NewElector(config.EtcdConfig{}, logger)
	assert.ErrorIs(t, err, ErrNoEtcdEndpoints)
}
