package blockstm

import (
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"testing"
)

// mapBase is a trivial in-memory BaseStateView for tests.
type mapBase struct {
	values map[StateKey][]byte
}

func newMapBase() *mapBase { return &mapBase{values: make(map[StateKey][]byte)} }

func (b *mapBase) Get(key StateKey) ([]byte, bool, error) {
	v, ok := b.values[key]
	return v, ok, nil
}

// transferTx debits `from` and credits `to` by amount, reading both
// balances through the ReadView.
type transferTx struct {
	from, to StateKey
	amount   int64
}

// transferReceipt is the Payload a transferTx reports: the post-transfer
// balances it wrote, so a test can assert on committed values without
// reaching into the driver's internal MVHashMap.
type transferReceipt struct {
	fromBalance, toBalance int64
}

func (tx *transferTx) Execute(rv *ReadView, pos Position, inc Incarnation) TransactionOutput {
	fromRaw, _, err := rv.Get(tx.from)
	if err != nil {
		return TransactionOutput{Status: ExecDiscarded, Err: err}
	}
	if _, blocked := rv.Blocked(); blocked {
		return TransactionOutput{}
	}
	fromBal := decodeInt64(fromRaw)

	toRaw, _, err := rv.Get(tx.to)
	if err != nil {
		return TransactionOutput{Status: ExecDiscarded, Err: err}
	}
	if _, blocked := rv.Blocked(); blocked {
		return TransactionOutput{}
	}
	toBal := decodeInt64(toRaw)

	newFrom := fromBal - tx.amount
	newTo := toBal + tx.amount
	rv.Write(tx.from, WriteOp{Kind: WriteModify, Value: encodeInt64(newFrom)})
	rv.Write(tx.to, WriteOp{Kind: WriteModify, Value: encodeInt64(newTo)})
	return TransactionOutput{Status: ExecSuccess, Payload: transferReceipt{fromBalance: newFrom, toBalance: newTo}}
}

func TestBlockExecutorSequentialChainOfTransfers(t *testing.T) {
	alice := NewPlainKey("alice")
	bob := NewPlainKey("bob")
	carol := NewPlainKey("carol")

	base := newMapBase()
	base.values[alice] = encodeInt64(100)
	base.values[bob] = encodeInt64(0)
	base.values[carol] = encodeInt64(0)

	txs := []TransactionExecutor{
		&transferTx{from: alice, to: bob, amount: 30},
		&transferTx{from: bob, to: carol, amount: 10},
	}

	be := NewBlockExecutor(DefaultExecutorConfig())
	records, err := be.Execute(txs, base, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("expected 2 records, got %d", len(records))
	}
	for i, r := range records {
		if r.Output.Status != ExecSuccess {
			t.Fatalf("record %d did not succeed: %+v", i, r)
		}
	}

	// alice starts at 100, sends 30 to bob: alice=70, bob=30.
	first, ok := records[0].Output.Payload.(transferReceipt)
	if !ok {
		t.Fatalf("record 0 payload = %#v, want transferReceipt", records[0].Output.Payload)
	}
	if first.fromBalance != 70 || first.toBalance != 30 {
		t.Fatalf("alice->bob receipt = %+v, want {fromBalance:70 toBalance:30}", first)
	}

	// bob then sends 10 to carol, reading the 30 the first transfer just
	// wrote: bob=20, carol=10.
	second, ok := records[1].Output.Payload.(transferReceipt)
	if !ok {
		t.Fatalf("record 1 payload = %#v, want transferReceipt", records[1].Output.Payload)
	}
	if second.fromBalance != 20 || second.toBalance != 10 {
		t.Fatalf("bob->carol receipt = %+v, want {fromBalance:20 toBalance:10}", second)
	}

	// The finalized write sets carry the committed values directly.
	if got := decodeInt64(records[0].Writes[alice].Value); got != 70 {
		t.Fatalf("committed alice = %d, want 70", got)
	}
	if got := decodeInt64(records[1].Writes[bob].Value); got != 20 {
		t.Fatalf("committed bob = %d, want 20", got)
	}
	if got := decodeInt64(records[1].Writes[carol].Value); got != 10 {
		t.Fatalf("committed carol = %d, want 10", got)
	}
}

func TestBlockExecutorEmptyBlockReturnsError(t *testing.T) {
	be := NewBlockExecutor(DefaultExecutorConfig())
	_, err := be.Execute(nil, newMapBase(), nil)
	if err != ErrNoTransactions {
		t.Fatalf("expected ErrNoTransactions, got %v", err)
	}
}

func TestBlockExecutorDependencyChainResolves(t *testing.T) {
	// Build a long dependency chain (each transaction reads the previous
	// one's output account) so the worker pool must repeatedly suspend and
	// resume rather than ever observing every key up front.
	const n = 50
	base := newMapBase()
	keys := make([]StateKey, n+1)
	for i := range keys {
		keys[i] = NewPlainKey(fmt.Sprintf("acct:%d", i))
	}
	base.values[keys[0]] = encodeInt64(1000)
	for i := 1; i <= n; i++ {
		base.values[keys[i]] = encodeInt64(0)
	}

	txs := make([]TransactionExecutor, n)
	for i := 0; i < n; i++ {
		txs[i] = &transferTx{from: keys[i], to: keys[i+1], amount: 1}
	}

	cfg := DefaultExecutorConfig()
	cfg.Pool.Workers = 8
	be := NewBlockExecutor(cfg)
	records, err := be.Execute(txs, base, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	for i, r := range records {
		if r.Output.Status != ExecSuccess {
			t.Fatalf("record %d did not succeed: %+v", i, r)
		}
	}
}

func TestBlockExecutorModuleConflictAborts(t *testing.T) {
	modKey := NewModuleKey("mod:a")
	reader := &fakeExecutor{reads: []StateKey{modKey}}
	writer := &fakeExecutor{writes: map[StateKey]WriteOp{modKey: {Kind: WriteCreate, Value: []byte("code")}}}

	base := newMapBase()
	be := NewBlockExecutor(DefaultExecutorConfig())
	_, err := be.Execute([]TransactionExecutor{writer, reader}, base, nil)
	if err != ErrModulePathReadWrite {
		t.Fatalf("expected ErrModulePathReadWrite, got %v", err)
	}
}

func TestExecuteBenchmarkAgreesWithSequential(t *testing.T) {
	const n = 20
	base := newMapBase()
	keys := make([]StateKey, n+1)
	for i := range keys {
		keys[i] = NewPlainKey(fmt.Sprintf("acct:%d", i))
		base.values[keys[i]] = encodeInt64(100)
	}
	txs := make([]TransactionExecutor, n)
	for i := 0; i < n; i++ {
		txs[i] = &transferTx{from: keys[i], to: keys[i+1], amount: 5}
	}

	be := NewBlockExecutor(DefaultExecutorConfig())
	records, report, err := be.ExecuteBenchmark(txs, base)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(records) != n {
		t.Fatalf("expected %d records, got %d", n, len(records))
	}
	if report.Parallel <= 0 || report.Sequential <= 0 {
		t.Fatalf("expected both paths timed, got %+v", report)
	}
}

func TestExecuteBenchmarkFallsBackOnModuleConflict(t *testing.T) {
	modKey := NewModuleKey("mod:b")
	writer := &fakeExecutor{writes: map[StateKey]WriteOp{modKey: {Kind: WriteCreate, Value: []byte("code")}}}
	reader := &fakeExecutor{reads: []StateKey{modKey}}

	be := NewBlockExecutor(DefaultExecutorConfig())
	records, _, err := be.ExecuteBenchmark([]TransactionExecutor{writer, reader}, newMapBase())
	if err != nil {
		t.Fatalf("expected the sequential fallback to absorb the module conflict: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("expected 2 records from the fallback, got %d", len(records))
	}
	for i, r := range records {
		if r.Output.Status != ExecSuccess {
			t.Fatalf("record %d = %+v, want success", i, r)
		}
	}
}

// preprocTx counts Preprocess calls and optionally fails them.
type preprocTx struct {
	setValueTx
	preprocessed int32
	fail         error
}

func (tx *preprocTx) Preprocess() error {
	atomic.AddInt32(&tx.preprocessed, 1)
	return tx.fail
}

func TestBlockExecutorRunsPreprocessorsBeforeExecution(t *testing.T) {
	base := newMapBase()
	a, b := NewPlainKey("a"), NewPlainKey("b")
	tx0 := &preprocTx{setValueTx: setValueTx{key: a, value: 1}}
	tx1 := &preprocTx{setValueTx: setValueTx{key: b, value: 2}}

	be := NewBlockExecutor(DefaultExecutorConfig())
	if _, err := be.Execute([]TransactionExecutor{tx0, tx1}, base, nil); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if atomic.LoadInt32(&tx0.preprocessed) != 1 || atomic.LoadInt32(&tx1.preprocessed) != 1 {
		t.Fatalf("expected each transaction preprocessed exactly once")
	}
}

func TestBlockExecutorPreprocessorFailureFailsBlock(t *testing.T) {
	base := newMapBase()
	bad := errors.New("bad signature")
	tx0 := &preprocTx{setValueTx: setValueTx{key: NewPlainKey("a"), value: 1}}
	tx1 := &preprocTx{setValueTx: setValueTx{key: NewPlainKey("b"), value: 2}, fail: bad}

	be := NewBlockExecutor(DefaultExecutorConfig())
	if _, err := be.Execute([]TransactionExecutor{tx0, tx1}, base, nil); err != bad {
		t.Fatalf("expected the preprocessing error surfaced, got %v", err)
	}
}

func TestBlockExecutorRejectsNegativeConcurrency(t *testing.T) {
	cfg := DefaultExecutorConfig()
	cfg.Pool.Workers = -1
	be := NewBlockExecutor(cfg)
	_, err := be.Execute([]TransactionExecutor{&setValueTx{key: NewPlainKey("a"), value: 1}}, newMapBase(), nil)
	if err != ErrInvalidConcurrency {
		t.Fatalf("expected ErrInvalidConcurrency, got %v", err)
	}
}

func TestBlockExecutorEnforcesBlockSizeCap(t *testing.T) {
	cfg := DefaultExecutorConfig()
	cfg.MaxBlockSize = 1
	be := NewBlockExecutor(cfg)
	txs := []TransactionExecutor{
		&setValueTx{key: NewPlainKey("a"), value: 1},
		&setValueTx{key: NewPlainKey("b"), value: 2},
	}
	_, err := be.Execute(txs, newMapBase(), nil)
	if !errors.Is(err, ErrResourceExhausted) {
		t.Fatalf("expected ErrResourceExhausted, got %v", err)
	}
}

func TestBlockExecutorTextLogFormat(t *testing.T) {
	var buf strings.Builder
	cfg := DefaultExecutorConfig()
	cfg.LogFormat = "text"
	cfg.LogLevel = "debug"
	cfg.LogOutput = &buf

	be := NewBlockExecutor(cfg)
	if _, err := be.Execute([]TransactionExecutor{&setValueTx{key: NewPlainKey("a"), value: 1}}, newMapBase(), nil); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	out := buf.String()
	if !strings.Contains(out, "module=blockstm") {
		t.Fatalf("expected executor log lines tagged with the module, got %q", out)
	}
	if !strings.Contains(out, "executing block") || !strings.Contains(out, "block executed") {
		t.Fatalf("expected formatted start/finish lines, got %q", out)
	}
}
