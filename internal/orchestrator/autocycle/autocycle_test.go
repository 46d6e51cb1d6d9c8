package autocycle

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crewkit/crewkit/internal/common/logger"
	"github.com/crewkit/crewkit/internal/orchestrator"
	"github.com/crewkit/crewkit/internal/policy"
)

func newTestEngine(t *testing.T) *orchestrator.Engine {
	t.Helper()
	engine, err := orchestrator.New(t.TempDir(), policy.Default("test"), logger.Default())
	require.NoError(t, err)
	require.NoError(t, engine.Bootstrap())
	return engine
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, 60*time.Second, cfg.Interval)
	assert.True(t, cfg.Strict)
}

func TestNewClampsInterval(t *testing.T) {
	engine := newTestEngine(t)

	d := New(engine, Config{Interval: time.Second}, nil)
	assert.Equal(t, MinInterval, d.config.Interval)

	d = New(engine, Config{Interval: time.Hour}, nil)
	assert.Equal(t, MaxInterval, d.config.Interval)

	d = New(engine, Config{Interval: 30 * time.Second}, nil)
	assert.Equal(t, 30*time.Second, d.config.Interval)
}

func TestStartStopLifecycle(t *testing.T) {
	engine := newTestEngine(t)
	d := New(engine, DefaultConfig(), nil)

	assert.False(t, d.IsRunning())
	require.NoError(t, d.Start(context.Background()))
	assert.True(t, d.IsRunning())

	assert.ErrorIs(t, d.Start(context.Background()), ErrAlreadyRunning)

	require.NoError(t, d.Stop())
	assert.False(t, d.IsRunning())
	assert.ErrorIs(t, d.Stop(), ErrNotRunning)
}

func TestSingletonLockAcrossDaemons(t *testing.T) {
	engine := newTestEngine(t)

	first := New(engine, DefaultConfig(), nil)
	require.NoError(t, first.Start(context.Background()))

	second := New(engine, DefaultConfig(), nil)
	assert.ErrorIs(t, second.Start(context.Background()), ErrLockHeld)

	require.NoError(t, first.Stop())

	// The lock is released on Stop, so a new daemon may take over.
	require.NoError(t, second.Start(context.Background()))
	require.NoError(t, second.Stop())
}

func TestRunOnceExecutesManagerCycle(t *testing.T) {
	engine := newTestEngine(t)
	d := New(engine, DefaultConfig(), nil)

	d.runOnce(context.Background())

	events, err := engine.Bus().EventsFrom(0)
	require.NoError(t, err)
	found := false
	for _, entry := range events {
		if entry.Event.Type == "manager.task_contracts" {
			found = true
		}
	}
	assert.True(t, found, "manager cycle should publish the task contract digest")
}

func TestContextCancellationStopsLoop(t *testing.T) {
	engine := newTestEngine(t)
	d := New(engine, DefaultConfig(), nil)

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, d.Start(ctx))
	cancel()

	// The loop goroutine exits on its own; Stop still reclaims the lock
	// and flips the running flag.
	require.NoError(t, d.Stop())
	assert.False(t, d.IsRunning())
}
