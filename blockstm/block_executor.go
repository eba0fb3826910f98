package blockstm

import (
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/eth2030/eth2030-blockstm/log"
)

// ExecutorConfig tunes a BlockExecutor. Concurrency is always supplied
// explicitly, never read from a hidden global, so a process can run several
// independently sized executors.
type ExecutorConfig struct {
	Pool PoolConfig
	// Preprocess, if true, runs a best-effort conflict-free grouping pass
	// over the block before speculative execution starts. The groups are
	// kept only for diagnostics (LastPreprocessGroups); they affect neither
	// scheduling order nor correctness.
	Preprocess bool
	// MaxBlockSize caps how many transactions one Execute call accepts. The
	// speculative log buffer and the per-position bookkeeping are all sized
	// to the block, so the cap keeps a malformed oversized block from
	// exhausting memory. 0 means no cap.
	MaxBlockSize int
	// LogFormat selects how this executor's own log lines are rendered:
	// "text", "color", or "json" pick the corresponding log.LogFormatter;
	// empty uses the process default logger unchanged.
	LogFormat string
	// LogLevel is parsed with log.LevelFromString ("debug", "info", "warn",
	// "error"); empty means info. Only consulted when LogFormat is set.
	LogLevel string
	// LogOutput is where formatted log lines are written. Defaults to
	// stderr. Only consulted when LogFormat is set.
	LogOutput io.Writer
}

// DefaultExecutorConfig returns an ExecutorConfig sized to the host with
// preprocessing enabled.
func DefaultExecutorConfig() ExecutorConfig {
	return ExecutorConfig{Pool: DefaultPoolConfig(), Preprocess: true}
}

// Preprocessor is an optional interface a TransactionExecutor may implement
// to run its per-transaction pre-execution work, signature verification and
// normalization into canonical form, before speculative execution starts.
// BlockExecutor fans Preprocess calls out in parallel across the block; the
// first error fails the block before any transaction executes.
type Preprocessor interface {
	Preprocess() error
}

// TouchHinter is an optional interface a TransactionExecutor may implement
// to declare, cheaply and without running Execute, the keys it expects to
// touch. BlockExecutor uses this only to group transactions for
// diagnostics when ExecutorConfig.Preprocess is set; it never affects
// correctness, so an inaccurate or absent hint is harmless.
type TouchHinter interface {
	TouchHint() []StateKey
}

// TxRecord is the final, ordered output BlockExecutor.Execute returns for
// one transaction: the committed TransactionOutput, the finalized write set
// (with aggregator deltas materialized into concrete values), and the
// incarnation that produced it, for diagnostics. A Discarded or Retry
// position carries no writes.
type TxRecord struct {
	Output      TransactionOutput
	Writes      map[StateKey]WriteOp
	Incarnation Incarnation
}

// BlockExecutor drives speculative parallel execution of a block of
// transactions against a TransactionExecutor, following the scheduler's
// execute/validate/commit cursor discipline, then resolves aggregator
// deltas into final writes.
type BlockExecutor struct {
	cfg     ExecutorConfig
	metrics *Metrics
	log     *log.Logger

	// lastGroups holds the conflict-free grouping computed by the most
	// recent Execute call when every transaction implemented TouchHinter
	// and ExecutorConfig.Preprocess was set. It is diagnostic only.
	lastGroups [][]Position

	// lastPoolMetrics holds the per-worker task/idle counters from the most
	// recent Execute call's WorkerPool. These are plain atomic counters
	// scoped to a single block, distinct from Metrics' cross-block
	// Prometheus collectors: the former is a cheap per-call diagnostic
	// snapshot, the latter the durable, scrape-able series a node operator
	// wires up once.
	lastPoolMetrics *PoolMetrics

}

// LastPoolMetrics returns the worker pool counters from the most recent
// Execute call, or nil if Execute has not run yet.
func (b *BlockExecutor) LastPoolMetrics() *PoolMetrics { return b.lastPoolMetrics }

// LastPreprocessGroups returns the grouping computed by the most recent
// Execute call, or nil if preprocessing did not run.
func (b *BlockExecutor) LastPreprocessGroups() [][]Position { return b.lastGroups }

// Metrics returns this executor's Prometheus collectors.
func (b *BlockExecutor) Metrics() *Metrics { return b.metrics }

// NewBlockExecutor creates a driver with cfg, filling in defaults for zero
// values. A negative worker count is preserved so Execute can reject it.
func NewBlockExecutor(cfg ExecutorConfig) *BlockExecutor {
	if cfg.Pool.Workers == 0 {
		cfg.Pool = DefaultPoolConfig()
	}
	return &BlockExecutor{cfg: cfg, metrics: NewMetrics(), log: executorLogger(cfg).Module("blockstm")}
}

// executorLogger builds the logger this executor's own events go through:
// the process default (JSON slog on stderr) unless cfg selects one of the
// log package's formatter renderings.
func executorLogger(cfg ExecutorConfig) *log.Logger {
	var f log.LogFormatter
	switch cfg.LogFormat {
	case "text":
		f = &log.TextFormatter{}
	case "color":
		f = &log.ColorFormatter{}
	case "json":
		f = &log.JSONFormatter{}
	default:
		return log.Default()
	}
	w := cfg.LogOutput
	if w == nil {
		w = os.Stderr
	}
	return log.NewWithFormatter(w, f, log.LevelFromString(cfg.LogLevel).SlogLevel())
}

// moduleTracker records which positions have written or read module-kind
// keys, to detect the fatal "module published and observed in the same
// block" condition. It is intentionally coarse: any
// cross-position module write plus any module read anywhere in the block is
// treated as a conflict, since module publication is expected to be rare
// and the cost of a false positive is only a fallback to sequential
// execution.
type moduleTracker struct {
	mu      sync.Mutex
	writers map[Position]bool
	readers map[Position]bool
}

func newModuleTracker() *moduleTracker {
	return &moduleTracker{writers: make(map[Position]bool), readers: make(map[Position]bool)}
}

// observe records a position's module touch and reports whether a fatal
// conflict now exists.
func (m *moduleTracker) observe(pos Position, wrote, read bool) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if wrote {
		m.writers[pos] = true
	}
	if read {
		m.readers[pos] = true
	}
	if len(m.writers) == 0 {
		return false
	}
	for r := range m.readers {
		for w := range m.writers {
			if r != w {
				return true
			}
		}
	}
	return false
}

// Execute speculatively runs transactions against exec, using base as the
// pre-block state view, and returns one TxRecord per transaction in block
// order. It returns ErrModulePathReadWrite if a fatal module conflict is
// detected; the caller should retry the whole block with ExecuteSequential.
func (b *BlockExecutor) Execute(transactions []TransactionExecutor, base BaseStateView, cancel <-chan struct{}) ([]TxRecord, error) {
	n := len(transactions)
	if n == 0 {
		return nil, ErrNoTransactions
	}
	if b.cfg.Pool.Workers < 1 {
		return nil, ErrInvalidConcurrency
	}
	if b.cfg.MaxBlockSize > 0 && n > b.cfg.MaxBlockSize {
		return nil, fmt.Errorf("%w: block of %d transactions exceeds the configured cap of %d",
			ErrResourceExhausted, n, b.cfg.MaxBlockSize)
	}
	b.log.Info("executing block", "txs", n, "workers", b.cfg.Pool.Workers)

	if err := preprocessAll(transactions); err != nil {
		b.log.Warn("preprocessing failed", "err", err)
		return nil, err
	}

	mv := NewMVHashMap()
	sched := NewScheduler(n)
	mods := newModuleTracker()
	pool := NewWorkerPool(b.cfg.Pool)
	logs := NewLogBuffer(n)

	if b.cfg.Preprocess {
		if hinted, groups, err := preprocessIfHinted(transactions); err == nil && hinted {
			b.lastGroups = groups
		}
	}

	records := make([]TxRecord, n)
	executed := make([]bool, n)
	var recMu sync.Mutex

	aggKeys := make(map[StateKey]bool)
	var aggMu sync.Mutex

	handle := func(task Task) {
		switch task.Kind {
		case TaskExecute:
			b.runExecute(transactions[task.Position], mv, base, sched, mods, logs, task.Position, task.Incarnation, cancel, &recMu, records, executed, &aggMu, aggKeys)
		case TaskValidate:
			b.runValidate(mv, sched, task.Position, task.Incarnation)
		}
	}

	pool.Run(sched, cancel, handle)
	b.lastPoolMetrics = pool.Metrics()
	b.metrics.CommitCursor.Set(float64(sched.CommitCursor()))
	b.metrics.Commits.Add(float64(sched.CommitCursor()))

	if err := sched.FatalErr(); err != nil {
		b.metrics.Aborts.Inc()
		b.log.Warn("block execution aborted", "err", err)
		return nil, err
	}
	select {
	case <-cancel:
		return nil, ErrAborted
	default:
	}

	// Every position covered by a skip-rest signal gets the canonical Retry
	// output. A position that happened to be mid-execution when the signal
	// landed also has its published writes stripped from the store, so the
	// result is identical to never having run it.
	if from, skipped := sched.SkipInfo(); skipped {
		for p := int(from); p < n; p++ {
			for _, k := range sched.WriteSetFor(Position(p)) {
				mv.Delete(k, Position(p))
			}
			records[p] = TxRecord{Output: TransactionOutput{Status: ExecRetry}}
			executed[p] = true
			logs.Set(Position(p), nil)
		}
	}
	for p := range records {
		if !executed[p] {
			records[p] = TxRecord{Output: TransactionOutput{Status: ExecRetry}}
		}
	}

	keys := make([]StateKey, 0, len(aggKeys))
	for k := range aggKeys {
		keys = append(keys, k)
	}
	resolver := NewDeltaResolver(mv, base)
	if err := resolver.ResolveKeys(keys, applyResolvedWrites(records)); err != nil {
		return nil, err
	}

	flushed := logs.Flush()
	for i := range records {
		records[i].Output.Events = flushed[i]
	}

	b.log.Info("block executed", "txs", n, "aggregator_keys", len(keys))
	return records, nil
}

// BenchmarkReport summarizes an ExecuteBenchmark run: wall-clock time and
// derived transactions-per-second for each path.
type BenchmarkReport struct {
	Parallel      time.Duration
	Sequential    time.Duration
	ParallelTPS   float64
	SequentialTPS float64
}

// ExecuteBenchmark runs the block through both the speculative parallel path
// and the sequential fallback, verifies the two output vectors agree
// position by position, and reports the observed throughput of each. A
// parallel abort on ErrModulePathReadWrite is not a failure here: the
// sequential outputs are returned alone, matching what a production caller
// does on that signal.
func (b *BlockExecutor) ExecuteBenchmark(transactions []TransactionExecutor, base BaseStateView) ([]TxRecord, BenchmarkReport, error) {
	var report BenchmarkReport

	start := time.Now()
	par, parErr := b.Execute(transactions, base, nil)
	report.Parallel = time.Since(start)

	start = time.Now()
	seq, err := ExecuteSequential(transactions, base)
	report.Sequential = time.Since(start)
	if err != nil {
		return nil, report, err
	}

	n := len(transactions)
	if s := report.Sequential.Seconds(); s > 0 {
		report.SequentialTPS = float64(n) / s
	}
	if parErr == ErrModulePathReadWrite {
		return seq, report, nil
	}
	if parErr != nil {
		return nil, report, parErr
	}
	if s := report.Parallel.Seconds(); s > 0 {
		report.ParallelTPS = float64(n) / s
	}

	for i := range seq {
		if !recordsEquivalent(par[i], seq[i]) {
			return nil, report, fmt.Errorf("%w: position %d", ErrBenchmarkMismatch, i)
		}
	}
	return par, report, nil
}

// recordsEquivalent compares the caller-visible portion of two records:
// status, gas, emitted events, and the finalized write set. Payload is
// deliberately ignored, it is opaque to this package and need not be
// comparable; Incarnation is a diagnostic and legitimately differs between
// the two paths.
func recordsEquivalent(a, b TxRecord) bool {
	if a.Output.Status != b.Output.Status || a.Output.GasUsed != b.Output.GasUsed {
		return false
	}
	if len(a.Output.Events) != len(b.Output.Events) || len(a.Writes) != len(b.Writes) {
		return false
	}
	for i := range a.Output.Events {
		if string(a.Output.Events[i].Hash()) != string(b.Output.Events[i].Hash()) {
			return false
		}
	}
	for k, op := range a.Writes {
		other, ok := b.Writes[k]
		if !ok || other.Kind != op.Kind || string(other.Value) != string(op.Value) {
			return false
		}
	}
	return true
}

// runExecute drives one incarnation to completion, suspending through
// ReadDependency stalls, then publishes its writes and reports completion to
// the scheduler. Events are buffered into logs rather than written directly
// into the shared records slice, so a re-executing incarnation never
// contends with any other position's writer.
func (b *BlockExecutor) runExecute(exec TransactionExecutor, mv *MVHashMap, base BaseStateView, sched *Scheduler, mods *moduleTracker, logs *LogBuffer, pos Position, inc Incarnation, cancel <-chan struct{}, recMu *sync.Mutex, records []TxRecord, executed []bool, aggMu *sync.Mutex, aggKeys map[StateKey]bool) {
	task := &executorTask{exec: exec, mv: mv, base: base}

	for {
		res := task.run(pos, inc)
		if res.panicErr != nil {
			sched.ReportFatal(res.panicErr)
			b.log.Warn("executor panic recovered", "position", pos, "err", res.panicErr)
			return
		}
		if res.blocked {
			if !sched.Suspend(pos, inc, res.dependsOn, cancel) {
				return
			}
			continue
		}

		task.publish(pos, inc, res)
		b.metrics.Executions.WithLabelValues(execOutcomeLabel(res.output.Status)).Inc()
		if mods.observe(pos, res.touchedMod, res.readMod) {
			sched.ReportModuleConflict()
			b.metrics.ModuleAborts.Inc()
			b.log.Warn("module read/write conflict detected", "position", pos)
		}
		if len(res.deltas) > 0 {
			aggMu.Lock()
			for k := range res.deltas {
				aggKeys[k] = true
			}
			aggMu.Unlock()
		}

		logs.Set(pos, res.output.Events)
		out := res.output
		out.Events = nil

		recMu.Lock()
		records[pos] = TxRecord{Output: out, Writes: res.writes, Incarnation: inc}
		executed[pos] = true
		recMu.Unlock()

		if out.Status == ExecSkipped {
			// This transaction's own output stands, but every later
			// position is force-committed without executing and assigned
			// the canonical Retry output once the block finishes (see
			// Execute's backfill pass).
			sched.SkipRest(pos + 1)
			b.log.Warn("skip-rest requested", "position", pos)
		}

		sched.FinishExecution(mv, pos, inc, res.writeKeys, res.reads, res.touchedMod, res.readMod)
		return
	}
}

// runValidate re-checks a position's recorded read set against the current
// MVHashMap contents and reports the verdict to the scheduler.
func (b *BlockExecutor) runValidate(mv *MVHashMap, sched *Scheduler, pos Position, inc Incarnation) {
	reads := sched.ReadSetFor(pos)
	outcome := ValidationPassed
	for _, rec := range reads {
		if !mv.Revalidate(pos, rec) {
			outcome = ValidationFailed
			break
		}
	}
	if outcome == ValidationPassed {
		b.metrics.Validations.WithLabelValues("passed").Inc()
	} else {
		b.metrics.Validations.WithLabelValues("failed").Inc()
	}
	sched.FinishValidation(mv, pos, inc, outcome)
}

func execOutcomeLabel(s ExecStatus) string {
	switch s {
	case ExecSuccess:
		return "success"
	case ExecSkipped:
		return "skipped"
	case ExecDiscarded:
		return "discarded"
	case ExecRetry:
		return "retry"
	default:
		return "unknown"
	}
}

// preprocessGroups partitions positions into conflict-free batches using
// each transaction's declared touch set, purely as a scheduling hint: the
// speculative engine is correct with or without it. Mirrors the access-list
// grouping idea without depending on any access-list type.
func preprocessGroups(n int, touches func(Position) []StateKey) [][]Position {
	seen := make(map[StateKey]int, n)
	group := make([]int, n)
	for p := 0; p < n; p++ {
		g := -1
		for _, k := range touches(Position(p)) {
			if owner, ok := seen[k]; ok && owner > g {
				g = owner
			}
		}
		g++
		group[p] = g
		for _, k := range touches(Position(p)) {
			seen[k] = g
		}
	}
	maxG := 0
	for _, g := range group {
		if g > maxG {
			maxG = g
		}
	}
	out := make([][]Position, maxG+1)
	for p, g := range group {
		out[g] = append(out[g], Position(p))
	}
	return out
}

// preprocessAll fans each transaction's Preprocess across the block and
// returns the first failure. Input order is untouched; only the calls run
// concurrently.
func preprocessAll(transactions []TransactionExecutor) error {
	var g errgroup.Group
	for _, tx := range transactions {
		if p, ok := tx.(Preprocessor); ok {
			g.Go(p.Preprocess)
		}
	}
	return g.Wait()
}

// preprocessIfHinted fans out TouchHint calls across transactions via an
// errgroup and folds the results into conflict-free groups. hinted is false
// (no error, no work done) if any transaction does not implement
// TouchHinter.
func preprocessIfHinted(transactions []TransactionExecutor) (hinted bool, groups [][]Position, err error) {
	n := len(transactions)
	hints := make([]TouchHinter, n)
	for i, tx := range transactions {
		h, ok := tx.(TouchHinter)
		if !ok {
			return false, nil, nil
		}
		hints[i] = h
	}

	touches := make([][]StateKey, n)
	var g errgroup.Group
	for p := 0; p < n; p++ {
		p := p
		g.Go(func() error {
			touches[p] = hints[p].TouchHint()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return false, nil, err
	}

	return true, preprocessGroups(n, func(pos Position) []StateKey { return touches[pos] }), nil
}
