// Package procman implements the process supervisor of spec.md §2's
// "process manager" (SPEC_FULL.md §4.14): it os/exec-forks one
// dispatcher process, N syncer worker processes, and one
// replication-manager process — each re-invoking the current binary
// with the role's subcommand — restarts a worker that exits unexpectedly using
// internal/lifecycle's backoff policy, and coordinates a graceful
// drain across process boundaries via OS signals. Grounded on
// server/lifecycle.go's Start/Stop drain sequence (ordered shutdown,
// a timeout on waiting for goroutines to exit), generalized from
// in-process goroutines to forked OS processes supervised with
// golang.org/x/sync/errgroup.
package procman

import (
	"context"
	"os"
	"os/exec"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	serrors "github.com/zerocache/sync-engine/internal/errors"
	"github.com/zerocache/sync-engine/internal/lifecycle"
	"github.com/zerocache/sync-engine/internal/logging"
)

// Role identifies which process role a forked child should run as,
// passed back to the binary as its subcommand name.
type Role string

const (
	RoleDispatcher         Role = "dispatcher"
	RoleSyncerWorker       Role = "syncer-worker"
	RoleReplicationManager Role = "replication-manager"
)

// LoadThresholds configures when the supervisor considers the system
// overloaded, per spec.md §6/§7's ServerOverloaded/Rebalance hints.
type LoadThresholds struct {
	CPUPercent    float64
	MemoryPercent float64
	// SustainedFor is how long load must stay above threshold before
	// Overloaded() flips true; a single spike shouldn't reroute traffic.
	SustainedFor time.Duration
	SampleEvery  time.Duration
}

// DefaultLoadThresholds mirrors the teacher's pulse ticker cadence
// (a few seconds) for a responsive-but-not-noisy sampling interval.
var DefaultLoadThresholds = LoadThresholds{
	CPUPercent:    85,
	MemoryPercent: 90,
	SustainedFor:  10 * time.Second,
	SampleEvery:   2 * time.Second,
}

// Config configures a Manager.
type Config struct {
	// BinaryPath is the executable to re-invoke for each role; os.Args[0]
	// in production, an arbitrary test binary in tests.
	BinaryPath string
	// ExtraArgs are appended after the role subcommand for every forked process
	// (e.g. --config, --port).
	ExtraArgs     []string
	SyncerWorkers int
	Logger        *zap.SugaredLogger
	Thresholds    LoadThresholds
}

// Manager supervises the dispatcher, syncer-worker, and
// replication-manager child processes for one zero-cache deployment.
type Manager struct {
	cfg Config
	rs  *lifecycle.RunningState

	mu         sync.RWMutex
	overloaded bool
}

// New constructs a Manager. Call Run to start supervising.
func New(cfg Config) *Manager {
	if cfg.SyncerWorkers <= 0 {
		cfg.SyncerWorkers = 1
	}
	if cfg.Thresholds == (LoadThresholds{}) {
		cfg.Thresholds = DefaultLoadThresholds
	}
	return &Manager{
		cfg: cfg,
		rs:  lifecycle.New("procman", cfg.Logger),
	}
}

// Overloaded reports whether sustained system load currently exceeds
// the configured thresholds. The value lives in the supervisor process
// only; the dispatcher process does not read it, and no
// Rebalance/ServerOverloaded hint is derived from it.
func (m *Manager) Overloaded() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.overloaded
}

func (m *Manager) setOverloaded(v bool) {
	m.mu.Lock()
	m.overloaded = v
	m.mu.Unlock()
}

// Run forks every configured process, supervises them with restart-on-
// unexpected-exit backoff, samples system load, and blocks until ctx
// is canceled or a child reports an unrecoverable error. It installs
// its own SIGINT/SIGTERM/SIGQUIT handling so callers don't need to.
func (m *Manager) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	forceCh := make(chan os.Signal, 1)
	signal.Notify(forceCh, syscall.SIGQUIT)
	defer signal.Stop(forceCh)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return m.superviseRole(gctx, RoleDispatcher, 1)
	})
	g.Go(func() error {
		return m.superviseRole(gctx, RoleSyncerWorker, m.cfg.SyncerWorkers)
	})
	g.Go(func() error {
		return m.superviseRole(gctx, RoleReplicationManager, 1)
	})
	g.Go(func() error {
		return m.sampleLoad(gctx)
	})
	g.Go(func() error {
		select {
		case <-forceCh:
			m.rs.Stop(lifecycle.MarkUnrecoverable(serrors.New("procman: forced shutdown via SIGQUIT")))
			return serrors.New("procman: forced shutdown via SIGQUIT")
		case <-gctx.Done():
			return nil
		}
	})

	return g.Wait()
}

// superviseRole runs count instances of role, restarting any instance
// that exits unexpectedly with internal/lifecycle's exponential
// backoff, until ctx is canceled.
func (m *Manager) superviseRole(ctx context.Context, role Role, count int) error {
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < count; i++ {
		index := i
		g.Go(func() error {
			return m.runOneWithRestart(gctx, role, index)
		})
	}
	return g.Wait()
}

func (m *Manager) runOneWithRestart(ctx context.Context, role Role, index int) error {
	for {
		if ctx.Err() != nil {
			return nil
		}
		err := m.runOnce(ctx, role, index)
		if ctx.Err() != nil {
			return nil
		}
		if err == nil {
			m.logger().Warnw("process exited cleanly, restarting", "role", role, "index", index)
		} else {
			m.logger().Warnw("process exited with error, restarting", "role", role, "index", index, "error", err)
		}
		if !m.rs.Backoff(ctx, err) {
			return err
		}
	}
}

func (m *Manager) runOnce(ctx context.Context, role Role, index int) error {
	args := append([]string{string(role)}, m.cfg.ExtraArgs...)
	cmd := exec.CommandContext(ctx, m.cfg.BinaryPath, args...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	cmd.Env = append(os.Environ(), envWorkerIndex(index))

	if err := cmd.Start(); err != nil {
		return serrors.Wrapf(err, "procman: start %s[%d]", role, index)
	}
	m.logger().Infow("process started", "role", role, "index", index, "pid", cmd.Process.Pid)

	if err := cmd.Wait(); err != nil {
		return serrors.Wrapf(err, "procman: %s[%d] exited", role, index)
	}
	return nil
}

func envWorkerIndex(index int) string {
	return "ZERO_CACHE_WORKER_INDEX=" + strconv.Itoa(index)
}

// sampleLoad polls CPU and memory usage on cfg.Thresholds.SampleEvery,
// flipping Overloaded() once usage has stayed above threshold for
// SustainedFor, per spec.md §6/§7's ServerOverloaded hint.
func (m *Manager) sampleLoad(ctx context.Context) error {
	ticker := time.NewTicker(m.cfg.Thresholds.SampleEvery)
	defer ticker.Stop()

	var sustainedSince time.Time
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			over, err := m.loadExceedsThreshold()
			if err != nil {
				m.logger().Warnw("load sample failed", "error", err)
				continue
			}
			if !over {
				sustainedSince = time.Time{}
				m.setOverloaded(false)
				continue
			}
			if sustainedSince.IsZero() {
				sustainedSince = time.Now()
			}
			if time.Since(sustainedSince) >= m.cfg.Thresholds.SustainedFor {
				m.setOverloaded(true)
			}
		}
	}
}

func (m *Manager) loadExceedsThreshold() (bool, error) {
	cpuPct, err := cpu.Percent(0, false)
	if err != nil {
		return false, serrors.Wrap(err, "procman: sample cpu")
	}
	vm, err := mem.VirtualMemory()
	if err != nil {
		return false, serrors.Wrap(err, "procman: sample memory")
	}
	if len(cpuPct) > 0 && cpuPct[0] >= m.cfg.Thresholds.CPUPercent {
		return true, nil
	}
	if vm.UsedPercent >= m.cfg.Thresholds.MemoryPercent {
		return true, nil
	}
	return false, nil
}

func (m *Manager) logger() *zap.SugaredLogger {
	if m.cfg.Logger != nil {
		return m.cfg.Logger
	}
	return logging.Nop()
}
