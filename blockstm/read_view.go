package blockstm

// BaseStateView is the externally supplied, read-only view of state as of
// the start of the block. Implementations must be safe for concurrent Get
// calls; the engine never calls Set on it.
type BaseStateView interface {
	// Get returns the committed value for key, or found=false if absent.
	Get(key StateKey) (value []byte, found bool, err error)
}

// ReadView is the per-incarnation window a transaction executor sees into
// state. It layers the speculative MVHashMap over BaseStateView and records
// every read for later validation.
type ReadView struct {
	pos   Position
	mv    *MVHashMap
	base  BaseStateView
	reads []ReadRecord

	// local holds this incarnation's own not-yet-published writes/deltas,
	// so a transaction reading a key it already wrote observes its own
	// write without round-tripping through the MVHashMap or recording a
	// read-set entry for it.
	localWrites map[StateKey]WriteOp
	localDeltas map[StateKey][]DeltaOp

	dependency  *Position
	moduleRead  bool
	moduleWrite bool
}

// NewReadView constructs a read view for the incarnation executing at pos.
func NewReadView(pos Position, mv *MVHashMap, base BaseStateView) *ReadView {
	return &ReadView{
		pos:         pos,
		mv:          mv,
		base:        base,
		localWrites: make(map[StateKey]WriteOp),
		localDeltas: make(map[StateKey][]DeltaOp),
	}
}

// Blocked reports whether a prior Get call hit a Dependency and the
// executor-task adapter should suspend the transaction rather than continue.
func (rv *ReadView) Blocked() (Position, bool) {
	if rv.dependency == nil {
		return 0, false
	}
	return *rv.dependency, true
}

// Get reads key as of this transaction's position. It first checks the
// incarnation's own local writes, then the multi-version store, then base
// state, recording a ReadRecord for every path except read-your-own-write
// and a dependency stall.
// The incarnation's own not-yet-published deltas are folded on top of
// whatever the store and base state provide; the read record captures only
// what was observed from other positions, which is the part a validation
// pass has to re-check.
func (rv *ReadView) Get(key StateKey) ([]byte, bool, error) {
	if op, ok := rv.localWrites[key]; ok {
		if op.Kind == WriteDelete {
			return nil, false, nil
		}
		return op.Value, true, nil
	}
	if key.Kind == KindModule {
		rv.moduleRead = true
	}
	local, hasLocal := rv.localDeltas[key]

	res := rv.mv.Read(key, rv.pos)
	switch res.Kind {
	case ReadValue:
		rv.reads = append(rv.reads, ReadRecord{Key: key, Kind: RecordVersion, Version: res.Version})
		if !hasLocal {
			return res.Value, true, nil
		}
		acc := decodeInt64(res.Value)
		for _, d := range local {
			acc += d.Delta
		}
		return encodeInt64(acc), true, nil
	case ReadDelta:
		rv.reads = append(rv.reads, ReadRecord{Key: key, Kind: RecordDeltaChain, Delta: res.Delta})
		floor, found, err := rv.base.Get(key)
		if err != nil {
			return nil, false, &StorageError{Key: key, Err: err}
		}
		acc := res.Delta
		if found {
			acc += decodeInt64(floor)
		}
		for _, d := range local {
			acc += d.Delta
		}
		return encodeInt64(acc), true, nil
	case ReadDependency:
		p := res.DependencyPos
		rv.dependency = &p
		return nil, false, nil
	default: // ReadNotFound
		rv.reads = append(rv.reads, ReadRecord{Key: key, Kind: RecordStorage})
		v, found, err := rv.base.Get(key)
		if err != nil {
			return nil, false, &StorageError{Key: key, Err: err}
		}
		if !hasLocal {
			return v, found, nil
		}
		var acc int64
		if found {
			acc = decodeInt64(v)
		}
		for _, d := range local {
			acc += d.Delta
		}
		return encodeInt64(acc), true, nil
	}
}

// Write records a concrete write, visible to subsequent Get calls from the
// same incarnation immediately, and returned by Finish for executorTask.publish
// to install in the MVHashMap.
func (rv *ReadView) Write(key StateKey, op WriteOp) {
	if key.Kind == KindModule && op.Kind != WriteDelete {
		rv.moduleWrite = true
	}
	rv.localWrites[key] = op
	delete(rv.localDeltas, key)
}

// ApplyDelta records a commutative delta against an aggregator key.
func (rv *ReadView) ApplyDelta(key StateKey, op DeltaOp) {
	rv.localDeltas[key] = append(rv.localDeltas[key], op)
}

// Finish returns everything the scheduler and MVHashMap need once the
// transaction body has returned: the write/delta sets to publish and the
// recorded read set to validate against.
func (rv *ReadView) Finish() (writes map[StateKey]WriteOp, deltas map[StateKey][]DeltaOp, reads []ReadRecord, touchedModule, readModule bool) {
	return rv.localWrites, rv.localDeltas, rv.reads, rv.moduleWrite, rv.moduleRead
}

func encodeInt64(v int64) []byte {
	b := make([]byte, 8)
	u := uint64(v)
	for i := 0; i < 8; i++ {
		b[i] = byte(u >> (8 * uint(i)))
	}
	return b
}

func decodeInt64(b []byte) int64 {
	if len(b) < 8 {
		return 0
	}
	var u uint64
	for i := 0; i < 8; i++ {
		u |= uint64(b[i]) << (8 * uint(i))
	}
	return int64(u)
}
