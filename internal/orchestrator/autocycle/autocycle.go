// Package autocycle runs the manager cycle as a background daemon so
// reported tasks get validated and stale owners get handled even when
// no operator is driving the orchestrator interactively.
package autocycle

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/crewkit/crewkit/internal/common/fslock"
	"github.com/crewkit/crewkit/internal/common/logger"
	"github.com/crewkit/crewkit/internal/orchestrator"
)

// Common errors
var (
	ErrAlreadyRunning = errors.New("auto cycle is already running")
	ErrNotRunning     = errors.New("auto cycle is not running")

	// ErrLockHeld means another process on this host already runs the
	// daemon for the same state directory.
	ErrLockHeld = errors.New("auto cycle lock held by another process")
)

// Interval bounds. Values outside are clamped, never rejected, so a
// misconfigured environment still gets a sane daemon.
const (
	MinInterval = 5 * time.Second
	MaxInterval = 300 * time.Second
)

// Config holds the daemon settings.
type Config struct {
	Interval time.Duration // how often to run one manager cycle
	Strict   bool          // strict report validation (require commit sha + test command)
}

// DefaultConfig returns the default daemon configuration.
func DefaultConfig() Config {
	return Config{
		Interval: 60 * time.Second,
		Strict:   true,
	}
}

// Daemon periodically runs the engine's manager cycle. At most one
// daemon per host may run against a given state directory; the
// singleton is enforced with an OS-level lock file.
type Daemon struct {
	engine *orchestrator.Engine
	config Config
	logger *logger.Logger

	mu          sync.Mutex
	running     bool
	stopCh      chan struct{}
	wg          sync.WaitGroup
	releaseLock fslock.Release
}

// New creates a daemon around the engine. A nil logger falls back to
// the process default.
func New(engine *orchestrator.Engine, cfg Config, log *logger.Logger) *Daemon {
	if log == nil {
		log = logger.Default()
	}
	if cfg.Interval < MinInterval {
		cfg.Interval = MinInterval
	}
	if cfg.Interval > MaxInterval {
		cfg.Interval = MaxInterval
	}
	return &Daemon{
		engine: engine,
		config: cfg,
		logger: log.WithFields(zap.String("component", "autocycle")),
	}
}

// lockPath is the singleton lock guarding the state directory.
func (d *Daemon) lockPath() string {
	return filepath.Join(d.engine.Root(), "state", ".manager_auto_cycle.lock")
}

// Start begins the cycle loop. It fails with ErrAlreadyRunning when
// this daemon is active and ErrLockHeld when another process holds the
// singleton lock.
func (d *Daemon) Start(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.running {
		return ErrAlreadyRunning
	}

	held, release, err := fslock.TryExclusive(d.lockPath())
	if err != nil {
		return err
	}
	if !held {
		return ErrLockHeld
	}
	d.releaseLock = release
	d.running = true
	d.stopCh = make(chan struct{})

	d.logger.Info("auto manager cycle starting",
		zap.Duration("interval", d.config.Interval),
		zap.Bool("strict", d.config.Strict))

	d.wg.Add(1)
	go d.loop(ctx)
	return nil
}

// Stop halts the loop and releases the singleton lock. Stopping a
// stopped daemon returns ErrNotRunning.
func (d *Daemon) Stop() error {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return ErrNotRunning
	}
	d.running = false
	close(d.stopCh)
	d.mu.Unlock()

	d.wg.Wait()

	d.mu.Lock()
	if d.releaseLock != nil {
		d.releaseLock()
		d.releaseLock = nil
	}
	d.mu.Unlock()

	d.logger.Info("auto manager cycle stopped")
	return nil
}

// IsRunning reports whether the loop is active.
func (d *Daemon) IsRunning() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.running
}

func (d *Daemon) loop(ctx context.Context) {
	defer d.wg.Done()

	ticker := time.NewTicker(d.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			d.logger.Info("auto manager cycle stopping: context cancelled")
			return
		case <-d.stopCh:
			return
		case <-ticker.C:
			d.runOnce(ctx)
		}
	}
}

// runOnce executes one cycle. Cycle errors are logged and swallowed;
// a broken cycle must not kill the daemon.
func (d *Daemon) runOnce(ctx context.Context) {
	result, err := d.engine.ManagerCycle(ctx, d.config.Strict)
	if err != nil {
		d.logger.Error("manager cycle failed", zap.Error(err))
		return
	}
	d.logger.Debug("manager cycle completed",
		zap.Int("processed_reports", len(result.ProcessedReports)),
		zap.Int("stale_requeues", len(result.StaleRequeues)),
		zap.Int("pending_total", result.PendingTotal))
}
