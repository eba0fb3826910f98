package blockstm

import (
	"errors"
	"testing"
)

var errDiskGone = errors.New("disk gone")

func TestDeltaResolverFoldsChainOntoBase(t *testing.T) {
	mv := NewMVHashMap()
	base := newMapBase()
	key := NewAggregatorKey("agg:1")
	base.values[key] = encodeInt64(100)

	mv.WriteDelta(key, Version{Position: 0, Incarnation: 0}, DeltaOp{Delta: 10})
	mv.WriteDelta(key, Version{Position: 1, Incarnation: 0}, DeltaOp{Delta: -20})
	mv.WriteDelta(key, Version{Position: 2, Incarnation: 0}, DeltaOp{Delta: 5})

	r := NewDeltaResolver(mv, base)
	var failures []Position
	resolved := make(map[Position]int64)
	if err := r.ResolveKeys([]StateKey{key}, func(pos Position, k StateKey, op WriteOp, failed bool) {
		if failed {
			failures = append(failures, pos)
			return
		}
		resolved[pos] = decodeInt64(op.Value)
	}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(failures) != 0 {
		t.Fatalf("unexpected failures: %v", failures)
	}

	want := map[Position]int64{0: 110, 1: 90, 2: 95}
	for pos, w := range want {
		if resolved[pos] != w {
			t.Fatalf("materialized value at position %d = %d, want %d", pos, resolved[pos], w)
		}
	}

	res := mv.Read(key, 3)
	if res.Kind != ReadValue {
		t.Fatalf("expected materialized write after resolution, got %+v", res)
	}
	if got := decodeInt64(res.Value); got != 95 {
		t.Fatalf("expected 100+10-20+5=95, got %d", got)
	}
}

func TestDeltaResolverSaturatesAtMax(t *testing.T) {
	mv := NewMVHashMap()
	base := newMapBase()
	key := NewAggregatorKey("agg:cap")
	base.values[key] = encodeInt64(0)

	mv.WriteDelta(key, Version{Position: 0, Incarnation: 0}, DeltaOp{Delta: 90, Max: 100})
	mv.WriteDelta(key, Version{Position: 1, Incarnation: 0}, DeltaOp{Delta: 50, Max: 100})

	var failedPos []Position
	r := NewDeltaResolver(mv, base)
	if err := r.ResolveKeys([]StateKey{key}, func(pos Position, k StateKey, op WriteOp, failed bool) {
		if failed {
			failedPos = append(failedPos, pos)
		}
	}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(failedPos) != 1 || failedPos[0] != 1 {
		t.Fatalf("expected position 1 to overflow, got %v", failedPos)
	}

	res := mv.Read(key, 1)
	if res.Kind != ReadValue || decodeInt64(res.Value) != 90 {
		t.Fatalf("expected position 0's materialized value of 90 to survive, got %+v", res)
	}
}

func TestDeltaResolverNegativeUnderflowFails(t *testing.T) {
	mv := NewMVHashMap()
	base := newMapBase()
	key := NewAggregatorKey("agg:neg")
	base.values[key] = encodeInt64(5)

	mv.WriteDelta(key, Version{Position: 0, Incarnation: 0}, DeltaOp{Delta: -10})

	var failed bool
	r := NewDeltaResolver(mv, base)
	if err := r.ResolveKeys([]StateKey{key}, func(pos Position, k StateKey, op WriteOp, f bool) {
		if f {
			failed = true
		}
	}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !failed {
		t.Fatalf("expected underflow to be reported as a failure")
	}
}

// failingBase errors on every read, standing in for a broken storage layer.
type failingBase struct{ err error }

func (b failingBase) Get(key StateKey) ([]byte, bool, error) { return nil, false, b.err }

func TestDeltaResolverBaseReadFailureDiscardsAffectedPositions(t *testing.T) {
	mv := NewMVHashMap()
	key := NewAggregatorKey("agg:io")
	mv.WriteDelta(key, Version{Position: 0, Incarnation: 0}, DeltaOp{Delta: 1})
	mv.WriteDelta(key, Version{Position: 2, Incarnation: 0}, DeltaOp{Delta: 1})

	var failed []Position
	r := NewDeltaResolver(mv, failingBase{err: errDiskGone})
	if err := r.ResolveKeys([]StateKey{key}, func(pos Position, k StateKey, op WriteOp, f bool) {
		if f {
			failed = append(failed, pos)
		}
	}); err != nil {
		t.Fatalf("a base read failure must not fail the whole block: %v", err)
	}
	if len(failed) != 2 || failed[0] != 0 || failed[1] != 2 {
		t.Fatalf("expected positions 0 and 2 discarded, got %v", failed)
	}
}
