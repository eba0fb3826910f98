package blockstm

import "fmt"

// ExecStatus classifies the outcome of one transaction incarnation.
type ExecStatus uint8

const (
	// ExecSuccess keeps the transaction: its writes contribute to state.
	ExecSuccess ExecStatus = iota
	// ExecSkipped means the transaction executed normally but is also
	// requesting that every later position be committed with no output,
	// without executing them at all (e.g. a block-level resource limit
	// reached mid-block). BlockExecutor.Execute calls Scheduler.SkipRest
	// when it sees this status returned from a transaction's own Execute.
	ExecSkipped
	// ExecDiscarded drops the transaction's writes; the position still
	// counts for gas.
	ExecDiscarded
	// ExecRetry is the canonical output BlockExecutor assigns, without ever
	// executing them, to every position after one that returned ExecSkipped.
	ExecRetry
)

// TransactionOutput is what a TransactionExecutor returns for a single
// transaction attempt. Reads and writes against plain/aggregator keys go
// through the ReadView passed to Execute and are not part of this struct;
// the driver collects them itself and folds them into TxRecord.Writes once
// the incarnation finally commits. Output carries only the caller-facing
// result payload.
type TransactionOutput struct {
	Status  ExecStatus
	Payload any // opaque per-transaction result (e.g. a receipt)
	Events  []Event
	GasUsed uint64
	Err     error
}

// TransactionExecutor is the external per-transaction VM this package
// drives speculatively. Implementations must be safe to invoke concurrently
// across distinct positions and must perform all state access through the
// supplied ReadView: direct access to any other state source breaks the
// conflict-detection guarantee.
type TransactionExecutor interface {
	Execute(rv *ReadView, pos Position, incarnation Incarnation) TransactionOutput
}

// executorTask drives one execution attempt through a TransactionExecutor,
// returning whether it needs to suspend on a dependency.
type executorTask struct {
	exec TransactionExecutor
	mv   *MVHashMap
	base BaseStateView
}

// runResult is the outcome of attempting one incarnation.
type runResult struct {
	blocked    bool
	dependsOn  Position
	output     TransactionOutput
	writeKeys  []StateKey
	writes     map[StateKey]WriteOp
	deltas     map[StateKey][]DeltaOp
	reads      []ReadRecord
	touchedMod bool
	readMod    bool
	// panicErr is set if the external TransactionExecutor panicked; the
	// recover happens at the worker boundary and fails the whole block.
	panicErr error
}

// run executes one incarnation of pos against a fresh ReadView. If the
// underlying executor observed a Dependency mid-execution, run reports
// blocked=true and the caller must park the worker until the blocking
// position commits or re-executes, then retry the same incarnation from
// scratch (speculative re-execution is always idempotent: no partial state
// escapes the ReadView until publish installs it). A panic inside the
// external executor is recovered here, at the worker boundary, and reported
// via panicErr rather than crashing the process.
func (t *executorTask) run(pos Position, inc Incarnation) (result runResult) {
	defer func() {
		if r := recover(); r != nil {
			result = runResult{panicErr: fmt.Errorf("%w: %v", ErrExecutorPanic, r)}
		}
	}()

	rv := NewReadView(pos, t.mv, t.base)
	out := t.exec.Execute(rv, pos, inc)

	if dep, blocked := rv.Blocked(); blocked {
		return runResult{blocked: true, dependsOn: dep}
	}

	writes, deltas, reads, touchedMod, readMod := rv.Finish()
	if out.Status == ExecDiscarded {
		// A discarded transaction contributes no state changes, only gas;
		// its read set still matters for validation.
		writes, deltas = nil, nil
	}
	keys := make([]StateKey, 0, len(writes)+len(deltas))
	for k := range writes {
		keys = append(keys, k)
	}
	for k := range deltas {
		keys = append(keys, k)
	}
	return runResult{
		output:     out,
		writeKeys:  keys,
		writes:     writes,
		deltas:     deltas,
		reads:      reads,
		touchedMod: touchedMod,
		readMod:    readMod,
	}
}

// publish installs a completed incarnation's writes and deltas into the
// multi-version store under its version. A key the transaction applied
// several deltas to gets them folded into one entry first; a position holds
// at most one entry per key.
func (t *executorTask) publish(pos Position, inc Incarnation, r runResult) {
	v := Version{Position: pos, Incarnation: inc}
	for k, op := range r.writes {
		t.mv.Write(k, v, op)
	}
	for k, ds := range r.deltas {
		if len(ds) == 0 {
			continue
		}
		merged := ds[0]
		for _, d := range ds[1:] {
			merged.Delta += d.Delta
			if d.Max != 0 {
				merged.Max = d.Max
			}
		}
		t.mv.WriteDelta(k, v, merged)
	}
}
