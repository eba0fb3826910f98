package blockstm

import "sync"

// Status is a position's place in the execute/validate/commit state machine.
type Status uint8

const (
	StatusReadyToExecute Status = iota
	StatusExecuting
	StatusReadyToValidate
	StatusValidating
	StatusValidated
	StatusCommitted
)

// TaskKind distinguishes what NextTask handed out.
type TaskKind uint8

const (
	TaskNone TaskKind = iota
	TaskExecute
	TaskValidate
)

// Task is one unit of work handed to a worker.
type Task struct {
	Kind        TaskKind
	Position    Position
	Incarnation Incarnation
}

type posState struct {
	status      Status
	incarnation Incarnation
	// writeKeys is the full set of keys the most recently completed
	// incarnation of this position wrote to; needed to mark estimates and
	// to clear stale entries a re-execution no longer produces.
	writeKeys []StateKey
	// reads is the read set recorded by the most recently completed
	// incarnation; needed for validation.
	reads []ReadRecord
	// wroteModule/readModule record whether this incarnation touched a
	// module-kind key, for the fatal conflict check.
	wroteModule bool
	readModule  bool
	// revalidate is set when a lower position's re-execution lands while a
	// validation of this position is in flight: the in-flight verdict is
	// void and the position must be validated again. Keeping the flag here,
	// instead of demoting the status, guarantees at most one validation of
	// a position is ever in flight.
	revalidate bool
}

// Scheduler hands out execute/validate tasks and drives the commit cursor
// toward the end of the block: positions start ReadyToExecute, move through
// Executing and validation, and commit in strict block order once validated
// with an unchanged read set. A single mutex guards all of it; block sizes
// in practice (thousands of transactions, not millions) keep contention on
// one lock negligible next to the execution work itself.
type Scheduler struct {
	mu   sync.Mutex
	cond *sync.Cond

	n int
	c int // commit cursor: positions [0, c) are committed

	positions []posState

	// inProgress counts positions whose status is Executing or Validating.
	inProgress int

	// toValidate is the set of positions that still need at least one
	// validation pass after being (re-)executed.
	toValidate map[Position]bool

	abortErr   error
	skipRest   bool
	skipFrom   Position
	fatalAbort bool

	// waiters tracks the count of workers parked because no task is
	// currently available; used only for diagnostics/tests.
	waiters int
}

// NewScheduler creates a scheduler for n transactions, all initially
// ReadyToExecute at incarnation 0.
func NewScheduler(n int) *Scheduler {
	s := &Scheduler{
		n:          n,
		positions:  make([]posState, n),
		toValidate: make(map[Position]bool),
	}
	s.cond = sync.NewCond(&s.mu)
	return s
}

// Done reports whether every position has committed or the scheduler has
// been fatally aborted.
func (s *Scheduler) Done() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.doneLocked()
}

func (s *Scheduler) doneLocked() bool {
	return s.c >= s.n || s.fatalAbort
}

// NextTask blocks until a task is available, the scheduler finishes, or the
// caller-supplied cancel channel closes. It returns TaskNone once finished.
func (s *Scheduler) NextTask(cancel <-chan struct{}) Task {
	s.mu.Lock()
	defer s.mu.Unlock()

	for {
		if s.doneLocked() {
			return Task{Kind: TaskNone}
		}
		if t, ok := s.pickLocked(); ok {
			return t
		}
		select {
		case <-cancel:
			s.fatalAbort = true
			s.cond.Broadcast()
			return Task{Kind: TaskNone}
		default:
		}
		s.waiters++
		s.waitWithCancel(cancel)
		s.waiters--
	}
}

// waitWithCancel blocks on s.cond until woken, polling cancel on every wake.
// sync.Cond has no native channel-select, so a watcher goroutine is spun up
// only when a cancel channel was actually supplied.
func (s *Scheduler) waitWithCancel(cancel <-chan struct{}) {
	if cancel == nil {
		s.cond.Wait()
		return
	}
	done := make(chan struct{})
	stop := make(chan struct{})
	go func() {
		select {
		case <-cancel:
			s.mu.Lock()
			s.cond.Broadcast()
			s.mu.Unlock()
		case <-stop:
		}
		close(done)
	}()
	s.cond.Wait()
	close(stop)
	<-done
}

// pickLocked hands out validation work before execution work, per the
// block-STM heuristic that a transaction likely to be re-executed is better
// caught by validation first.
func (s *Scheduler) pickLocked() (Task, bool) {
	s.applySkipRestLocked()

	for p := 0; p < s.n; p++ {
		pos := Position(p)
		if s.toValidate[pos] && s.positions[p].status == StatusReadyToValidate {
			s.positions[p].status = StatusValidating
			delete(s.toValidate, pos)
			s.inProgress++
			return Task{Kind: TaskValidate, Position: pos, Incarnation: s.positions[p].incarnation}, true
		}
	}

	for p := 0; p < s.n; p++ {
		if s.positions[p].status == StatusReadyToExecute {
			s.positions[p].status = StatusExecuting
			s.inProgress++
			return Task{Kind: TaskExecute, Position: Position(p), Incarnation: s.positions[p].incarnation}, true
		}
	}

	s.tryAdvanceCommitLocked()
	return Task{}, false
}

// applySkipRestLocked force-commits every not-yet-started position from
// skipFrom onward, once SkipRest has been called.
func (s *Scheduler) applySkipRestLocked() {
	if !s.skipRest {
		return
	}
	for p := 0; p < s.n; p++ {
		if Position(p) >= s.skipFrom && s.positions[p].status == StatusReadyToExecute {
			s.positions[p].status = StatusCommitted
		}
	}
}

// tryAdvanceCommitLocked commits the longest prefix of validated positions.
// A position already forced to Committed by SkipRest is simply passed over.
func (s *Scheduler) tryAdvanceCommitLocked() {
	for s.c < s.n {
		st := s.positions[s.c].status
		if st == StatusValidated {
			s.positions[s.c].status = StatusCommitted
		} else if st != StatusCommitted {
			break
		}
		s.c++
	}
	if s.c >= s.n {
		s.cond.Broadcast()
	}
}

// FinishExecution records the output of an execution attempt: the key set it
// wrote and whether it touched module-kind keys. Keys the previous
// incarnation wrote but this one no longer does are deleted from mv, so no
// reader stays parked on a stale estimate entry. The executed position
// becomes ReadyToValidate, and every later position is re-queued for
// validation too: any of them may already have read this position's keys as
// NotFound or a stale version before this write landed, and a cached
// Validated status must never be trusted past a write that could falsify it.
func (s *Scheduler) FinishExecution(mv *MVHashMap, pos Position, inc Incarnation, writeKeys []StateKey, reads []ReadRecord, touchedModule, readModule bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p := &s.positions[pos]
	if p.incarnation != inc {
		s.inProgress--
		s.cond.Broadcast()
		return // stale report from an already-superseded incarnation
	}
	if mv != nil && len(p.writeKeys) > 0 {
		current := make(map[StateKey]bool, len(writeKeys))
		for _, k := range writeKeys {
			current[k] = true
		}
		for _, k := range p.writeKeys {
			if !current[k] {
				mv.Delete(k, pos)
			}
		}
	}
	p.writeKeys = writeKeys
	p.reads = reads
	p.wroteModule = touchedModule
	p.readModule = readModule
	if s.skipRest && pos >= s.skipFrom {
		// The position was mid-execution when a skip-rest signal landed.
		// Its output is voided by the driver anyway, so there is nothing
		// worth validating; commit it directly like its skipped peers.
		p.status = StatusCommitted
		s.tryAdvanceCommitLocked()
		s.inProgress--
		s.cond.Broadcast()
		return
	}
	p.status = StatusReadyToValidate
	s.toValidate[pos] = true
	s.invalidateLaterLocked(pos)
	s.inProgress--
	s.cond.Broadcast()
}

// ValidationOutcome is the verdict FinishValidation records.
type ValidationOutcome uint8

const (
	ValidationPassed ValidationOutcome = iota
	ValidationFailed
)

// FinishValidation records a validation verdict. A pass leaves the position
// committed-eligible; a fail bumps its incarnation and re-queues it for
// execution and every later position for validation, after first marking its old write set
// as estimates so in-flight readers of those keys suspend instead of
// trusting stale data.
func (s *Scheduler) FinishValidation(mv *MVHashMap, pos Position, inc Incarnation, outcome ValidationOutcome) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p := &s.positions[pos]
	if p.incarnation != inc {
		s.inProgress--
		s.cond.Broadcast()
		return
	}
	if outcome == ValidationPassed {
		if p.revalidate {
			// A write landed below this position while the verdict was
			// being computed; it may have checked a view that no longer
			// holds, so the pass is void and the position goes back in the
			// validation queue.
			p.revalidate = false
			p.status = StatusReadyToValidate
			s.toValidate[pos] = true
		} else {
			p.status = StatusValidated
			s.tryAdvanceCommitLocked()
		}
		s.inProgress--
		s.cond.Broadcast()
		return
	}

	for _, k := range p.writeKeys {
		mv.MarkEstimate(k, pos)
	}
	p.revalidate = false
	p.incarnation++
	p.status = StatusReadyToExecute
	s.invalidateLaterLocked(pos)
	s.inProgress--
	s.cond.Broadcast()
}

// invalidateLaterLocked re-queues every later position for validation: a
// write-set change at pos may have falsified reads recorded further on. A
// position whose validation is currently in flight is flagged instead of
// demoted, so its stale verdict is discarded when it lands.
func (s *Scheduler) invalidateLaterLocked(pos Position) {
	for p := int(pos) + 1; p < s.n; p++ {
		switch s.positions[p].status {
		case StatusValidating:
			s.positions[p].revalidate = true
		case StatusReadyToValidate, StatusValidated:
			s.positions[p].status = StatusReadyToValidate
			s.toValidate[Position(p)] = true
		}
	}
}

// Suspend parks a worker whose execution of pos (at incarnation inc) hit a
// read dependency on dep. It returns true once dep has published output and
// the caller should re-run the same incarnation from scratch. It returns
// false when the caller should instead go back to NextTask: either the block
// finished, cancel fired, or dep has not even started executing yet, in
// which case pos is handed back to the scheduler so this worker can pick up
// dep (a strictly earlier position) instead of spinning on it.
func (s *Scheduler) Suspend(pos Position, inc Incarnation, dep Position, cancel <-chan struct{}) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for {
		if s.doneLocked() {
			return false
		}
		select {
		case <-cancel:
			return false
		default:
		}
		switch s.positions[dep].status {
		case StatusExecuting:
			s.waitWithCancel(cancel)
		case StatusReadyToExecute:
			p := &s.positions[pos]
			if p.incarnation == inc && p.status == StatusExecuting {
				p.status = StatusReadyToExecute
				s.inProgress--
				s.cond.Broadcast()
			}
			return false
		default:
			return true
		}
	}
}

// ReportModuleConflict marks the scheduler fatally aborted: one transaction
// published a code module and a different one read a module within the same block, which the
// engine cannot safely resolve speculatively. The caller must retry the
// whole block with ExecuteSequential.
func (s *Scheduler) ReportModuleConflict() {
	s.ReportFatal(ErrModulePathReadWrite)
}

// ReportFatal marks the scheduler fatally aborted with err. Only the first
// reported error is kept; later calls just wake parked workers so they can
// observe Done.
func (s *Scheduler) ReportFatal(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fatalAbort {
		return
	}
	s.fatalAbort = true
	s.abortErr = err
	s.cond.Broadcast()
}

// SkipRest marks every not-yet-started position from start onward as
// immediately committed with no output, used e.g. when a block-level gas
// limit is reached mid-block.
func (s *Scheduler) SkipRest(start Position) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.skipRest && s.skipFrom <= start {
		return
	}
	s.skipRest = true
	s.skipFrom = start
	s.applySkipRestLocked()
	s.tryAdvanceCommitLocked()
	s.cond.Broadcast()
}

// SkipInfo reports whether a skip-rest signal was raised and, if so, the
// first position it covers.
func (s *Scheduler) SkipInfo() (Position, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.skipFrom, s.skipRest
}

// FatalErr returns the error that caused a fatal abort, if any.
func (s *Scheduler) FatalErr() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.abortErr
}

// ReadSetFor returns the currently recorded read set for a position, used by
// the validation task.
func (s *Scheduler) ReadSetFor(pos Position) []ReadRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.positions[pos].reads
}

// WriteSetFor returns the key set the position's most recently completed
// incarnation wrote, used by the driver to strip the contributions of
// positions voided by a skip-rest signal.
func (s *Scheduler) WriteSetFor(pos Position) []StateKey {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]StateKey(nil), s.positions[pos].writeKeys...)
}

// StatusOf reports a position's current status, for tests and metrics.
func (s *Scheduler) StatusOf(pos Position) Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.positions[pos].status
}

// CommitCursor reports how many leading positions have committed.
func (s *Scheduler) CommitCursor() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.c
}
