package blockstm

import (
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
	"time"
)

// PoolConfig controls the worker pool BlockExecutor drives. The pool is
// configuration-injected, never a hidden package-level global, so a process
// can run several block executions with independently sized pools.
type PoolConfig struct {
	// Workers is the number of goroutines executing tasks concurrently. If
	// <= 0, NewWorkerPool uses runtime.NumCPU(). Through a BlockExecutor, 0
	// selects DefaultPoolConfig and a negative count makes Execute return
	// ErrInvalidConcurrency.
	Workers int
}

// DefaultPoolConfig returns a PoolConfig sized to the host.
func DefaultPoolConfig() PoolConfig {
	return PoolConfig{Workers: runtime.NumCPU()}
}

// PoolMetrics tracks pool-wide counters for a single block's execution.
type PoolMetrics struct {
	TasksExecuted  atomic.Uint64
	TasksValidated atomic.Uint64
	Reexecutions   atomic.Uint64
	IdleNanos      atomic.Int64
}

// Snapshot returns a copy of the current counters.
func (m *PoolMetrics) Snapshot() (executed, validated, reexecuted uint64, idle time.Duration) {
	return m.TasksExecuted.Load(), m.TasksValidated.Load(), m.Reexecutions.Load(), time.Duration(m.IdleNanos.Load())
}

// WorkerPool drives a fixed number of goroutines that each repeatedly pull
// tasks from a Scheduler until the scheduler finishes. Unlike a
// work-stealing deque pool, there is no per-worker task ownership to steal:
// the Scheduler's cursors already serialize task handout, so a flat pull
// model is simpler and just as effective here.
type WorkerPool struct {
	cfg     PoolConfig
	metrics PoolMetrics
}

// NewWorkerPool creates a pool from cfg, filling in defaults for zero values.
func NewWorkerPool(cfg PoolConfig) *WorkerPool {
	if cfg.Workers <= 0 {
		cfg.Workers = runtime.NumCPU()
	}
	return &WorkerPool{cfg: cfg}
}

// Metrics returns the pool's performance counters.
func (p *WorkerPool) Metrics() *PoolMetrics { return &p.metrics }

// Run spawns p.cfg.Workers goroutines, each calling handle for every task
// the scheduler hands out, until the scheduler is done or cancel closes.
// handle runs behind a recover that reports any panic to the scheduler as a
// fatal abort, so one bad task fails the block instead of the process.
func (p *WorkerPool) Run(sched *Scheduler, cancel <-chan struct{}, handle func(Task)) {
	var wg sync.WaitGroup
	for w := 0; w < p.cfg.Workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				idleStart := time.Now()
				task := sched.NextTask(cancel)
				p.metrics.IdleNanos.Add(time.Since(idleStart).Nanoseconds())
				if task.Kind == TaskNone {
					return
				}
				p.runGuarded(sched, task, handle)
				switch task.Kind {
				case TaskExecute:
					p.metrics.TasksExecuted.Add(1)
					if task.Incarnation > 0 {
						p.metrics.Reexecutions.Add(1)
					}
				case TaskValidate:
					p.metrics.TasksValidated.Add(1)
				}
			}
		}()
	}
	wg.Wait()
}

// runGuarded calls handle(task), recovering any panic and reporting it to
// sched as a fatal abort rather than letting it unwind past the worker.
func (p *WorkerPool) runGuarded(sched *Scheduler, task Task, handle func(Task)) {
	defer func() {
		if r := recover(); r != nil {
			sched.ReportFatal(fmt.Errorf("%w: %v", ErrExecutorPanic, r))
		}
	}()
	handle(task)
}
