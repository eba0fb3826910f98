package blockstm

import (
	"sort"

	"github.com/holiman/uint256"
)

// DeltaResolver performs the post-execution pass that folds every
// aggregator key's delta chain against base state, once per key, into one
// materialized write per position that contributed a delta. It runs
// after every position has committed, so no further speculative
// re-execution can invalidate the fold.
type DeltaResolver struct {
	mv   *MVHashMap
	base BaseStateView
}

// NewDeltaResolver creates a resolver reading deltas from mv and floor
// values from base.
func NewDeltaResolver(mv *MVHashMap, base BaseStateView) *DeltaResolver {
	return &DeltaResolver{mv: mv, base: base}
}

// ResolveKeys folds every given aggregator key's full delta chain against
// base state, once per key, writing a materialized value back into the
// multi-version store at each position that contributed a delta so the
// engine's final per-position output reflects concrete values rather than
// unresolved deltas. apply is invoked once per contributing position: on
// success it receives the materialized write for that position, so the
// caller can fold it into the position's finalized write set; failed=true
// (with a zero WriteOp) marks a position whose delta would overflow its
// configured Max, underflow below zero, or whose floor value could not be
// read, and that position's output must be discarded.
//
// Keys are grouped and folded exactly once, not once per reader.
func (r *DeltaResolver) ResolveKeys(keys []StateKey, apply func(pos Position, key StateKey, op WriteOp, failed bool)) error {
	sorted := append([]StateKey(nil), keys...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Less(sorted[j]) })
	for _, key := range sorted {
		if err := r.resolveKey(key, apply); err != nil {
			return err
		}
	}
	return nil
}

// resolveKey folds one aggregator key's full delta chain against base
// state, walking positions in ascending order and writing a materialized
// value back at each position that held a delta entry. A delta that would
// take the value outside [0, Max] is rejected and leaves the value unchanged.
func (r *DeltaResolver) resolveKey(key StateKey, apply func(pos Position, key StateKey, op WriteOp, failed bool)) error {
	positions := r.mv.deltaChainPositions(key)
	if len(positions) == 0 {
		return nil
	}

	floor, found, err := r.base.Get(key)
	if err != nil {
		// A base read failure is fatal only to the transactions whose
		// deltas needed this key's floor value; they are discarded and the
		// rest of the block stands.
		for _, pos := range positions {
			if entry, ok := r.mv.entryAt(key, pos); ok && entry.kind == entryDelta && apply != nil {
				apply(pos, key, WriteOp{}, true)
			}
		}
		return nil
	}
	acc := uint256.NewInt(0)
	if found {
		acc = uint256.NewInt(uint64(decodeInt64(floor)))
	}

	for _, pos := range positions {
		entry, ok := r.mv.entryAt(key, pos)
		if !ok || entry.kind != entryDelta {
			// A concrete write breaks the chain here; restart folding
			// from its value for everything above it.
			if ok && entry.kind == entryWrite {
				acc = uint256.NewInt(uint64(decodeInt64(entry.write.Value)))
			}
			continue
		}

		overflowed := applyDelta(acc, entry.delta)
		if overflowed {
			if apply != nil {
				apply(pos, key, WriteOp{}, true)
			}
			continue
		}
		op := WriteOp{Kind: WriteModify, Value: encodeInt64(int64(acc.Uint64()))}
		r.mv.Write(key, Version{Position: pos, Incarnation: entry.incarnation}, op)
		if apply != nil {
			apply(pos, key, op, false)
		}
	}
	return nil
}

// applyResolvedWrites returns a ResolveKeys callback that folds materialized
// aggregator writes into each position's finalized write set and discards a
// position whose delta failed to resolve. Shared by Execute and
// ExecuteSequential so the two paths finalize records identically.
func applyResolvedWrites(records []TxRecord) func(pos Position, key StateKey, op WriteOp, failed bool) {
	return func(pos Position, key StateKey, op WriteOp, failed bool) {
		r := &records[pos]
		if failed {
			r.Output.Status = ExecDiscarded
			r.Writes = nil
			return
		}
		if r.Output.Status == ExecDiscarded {
			return
		}
		if r.Writes == nil {
			r.Writes = make(map[StateKey]WriteOp, 1)
		}
		r.Writes[key] = op
	}
}

// applyDelta mutates acc in place by d.Delta when the result stays within
// [0, d.Max] (Max is unbounded when d.Max == 0). It reports true, leaving
// acc unchanged, if the delta would have taken acc out of range.
func applyDelta(acc *uint256.Int, d DeltaOp) bool {
	if d.Delta >= 0 {
		add := uint256.NewInt(uint64(d.Delta))
		next := new(uint256.Int).Add(acc, add)
		if d.Max != 0 {
			limit := uint256.NewInt(d.Max)
			if next.Gt(limit) {
				return true
			}
		}
		acc.Set(next)
		return false
	}
	sub := uint256.NewInt(uint64(-d.Delta))
	if acc.Lt(sub) {
		return true
	}
	acc.Sub(acc, sub)
	return false
}
