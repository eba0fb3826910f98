package blockstm

import (
	"sort"
	"sync"
)

// WriteKind classifies a concrete write entry.
type WriteKind uint8

const (
	WriteCreate WriteKind = iota
	WriteModify
	WriteDelete
)

// WriteOp is a concrete write to a plain or aggregator-materialized key.
type WriteOp struct {
	Kind  WriteKind
	Value []byte
}

// DeltaOp is a commutative numeric update to an aggregator-capable key.
// Delta may be negative; resolution rejects a delta that would leave [0, Max].
type DeltaOp struct {
	Delta int64
	Max   uint64
}

// entryKind distinguishes what a versioned MVHashMap entry carries.
type entryKind uint8

const (
	entryWrite entryKind = iota
	entryDelta
)

// versionedEntry is one transaction's contribution to a key's history.
type versionedEntry struct {
	kind        entryKind
	write       WriteOp
	delta       DeltaOp
	incarnation Incarnation
	// estimate marks an entry left behind by an incarnation that is
	// currently being superseded by a re-execution: the scheduler flags
	// the positions a prior incarnation wrote to as "estimate" the moment
	// it starts re-executing, before the new incarnation has produced any
	// output. Readers that land on an estimate entry must suspend.
	estimate bool
}

// ReadKind classifies the outcome of an MVHashMap read.
type ReadKind uint8

const (
	ReadValue ReadKind = iota
	ReadDelta
	ReadNotFound
	ReadDependency
)

// ReadResult is the result of MVHashMap.Read.
type ReadResult struct {
	Kind          ReadKind
	Value         []byte
	Version       Version // set for ReadValue
	Delta         int64   // accumulated delta, set for ReadDelta
	DeltaMax      uint64  // max of the nearest delta entry, set for ReadDelta
	DependencyPos Position
}

// ReadRecordKind classifies how a read must be revalidated.
type ReadRecordKind uint8

const (
	// RecordVersion pins the read to an exact (position, incarnation):
	// valid only if a re-read resolves to the identical version.
	RecordVersion ReadRecordKind = iota
	// RecordStorage means the read fell through to base state: valid only
	// if a re-read still finds nothing below the reading position.
	RecordStorage
	// RecordDeltaChain means the read observed a pure-delta chain without
	// pinning any specific version: valid as long as a re-read still
	// resolves to a delta chain with the same accumulated value. A
	// transaction that only applies deltas records no read at all, which is
	// what makes aggregator updates commute without false conflicts.
	RecordDeltaChain
)

// ReadRecord is one entry of a position's recorded read set.
type ReadRecord struct {
	Key     StateKey
	Kind    ReadRecordKind
	Version Version // meaningful only when Kind == RecordVersion
	Delta   int64   // accumulated chain value, meaningful only when Kind == RecordDeltaChain
}

// keyHistory is the per-key, per-position sparse version list. positions is
// kept sorted ascending; entries is indexed by Position.
type keyHistory struct {
	mu        sync.Mutex
	positions []Position
	entries   map[Position]*versionedEntry
}

func newKeyHistory() *keyHistory {
	return &keyHistory{entries: make(map[Position]*versionedEntry)}
}

// insert installs or replaces the entry at pos, keeping positions sorted.
func (h *keyHistory) insert(pos Position, e *versionedEntry) {
	if _, exists := h.entries[pos]; !exists {
		i := sort.Search(len(h.positions), func(i int) bool { return h.positions[i] >= pos })
		h.positions = append(h.positions, 0)
		copy(h.positions[i+1:], h.positions[i:])
		h.positions[i] = pos
	}
	h.entries[pos] = e
}

// remove deletes the entry at pos entirely (used by delete()).
func (h *keyHistory) remove(pos Position) {
	if _, ok := h.entries[pos]; !ok {
		return
	}
	delete(h.entries, pos)
	i := sort.Search(len(h.positions), func(i int) bool { return h.positions[i] >= pos })
	if i < len(h.positions) && h.positions[i] == pos {
		h.positions = append(h.positions[:i], h.positions[i+1:]...)
	}
}

// below returns the highest position strictly less than upto, or found=false.
func (h *keyHistory) below(upto Position) (Position, bool) {
	i := sort.Search(len(h.positions), func(i int) bool { return h.positions[i] >= upto })
	if i == 0 {
		return 0, false
	}
	return h.positions[i-1], true
}

// MVHashMap is the concurrent multi-version store backing speculative
// reads. Keys are sharded across a fixed set of buckets to spread
// lock contention; each key's own history is guarded independently.
type MVHashMap struct {
	shards []*mvShard
}

type mvShard struct {
	mu   sync.RWMutex
	keys map[StateKey]*keyHistory
}

const mvShardCount = 32

// NewMVHashMap creates an empty multi-version store.
func NewMVHashMap() *MVHashMap {
	mv := &MVHashMap{shards: make([]*mvShard, mvShardCount)}
	for i := range mv.shards {
		mv.shards[i] = &mvShard{keys: make(map[StateKey]*keyHistory)}
	}
	return mv
}

func (mv *MVHashMap) shardFor(key StateKey) *mvShard {
	h := fnv32(key.ID) ^ uint32(key.Kind)*2654435761
	return mv.shards[h%uint32(len(mv.shards))]
}

func fnv32(s string) uint32 {
	const prime = 16777619
	var h uint32 = 2166136261
	for i := 0; i < len(s); i++ {
		h ^= uint32(s[i])
		h *= prime
	}
	return h
}

func (mv *MVHashMap) historyFor(key StateKey, create bool) *keyHistory {
	shard := mv.shardFor(key)
	shard.mu.RLock()
	h, ok := shard.keys[key]
	shard.mu.RUnlock()
	if ok || !create {
		return h
	}
	shard.mu.Lock()
	defer shard.mu.Unlock()
	if h, ok = shard.keys[key]; ok {
		return h
	}
	h = newKeyHistory()
	shard.keys[key] = h
	return h
}

// Write installs a concrete write entry for (key, version). An entry from an
// earlier incarnation of the same position is replaced, not appended.
func (mv *MVHashMap) Write(key StateKey, v Version, op WriteOp) {
	h := mv.historyFor(key, true)
	h.mu.Lock()
	defer h.mu.Unlock()
	h.insert(v.Position, &versionedEntry{kind: entryWrite, write: op, incarnation: v.Incarnation})
}

// WriteDelta installs a delta entry for (key, version). Only legal for
// aggregator-capable keys; callers are responsible for only emitting deltas
// against keys created with NewAggregatorKey.
func (mv *MVHashMap) WriteDelta(key StateKey, v Version, op DeltaOp) {
	h := mv.historyFor(key, true)
	h.mu.Lock()
	defer h.mu.Unlock()
	h.insert(v.Position, &versionedEntry{kind: entryDelta, delta: op, incarnation: v.Incarnation})
}

// Delete marks the position's contribution at key as absent for this
// incarnation (used when a re-execution no longer touches the key).
func (mv *MVHashMap) Delete(key StateKey, pos Position) {
	h := mv.historyFor(key, false)
	if h == nil {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.remove(pos)
}

// MarkEstimate flags the entry a prior incarnation of pos left behind on key
// as an estimate: a reader landing on it must suspend via Dependency rather
// than trust a value that the in-flight re-execution may not reproduce. The
// scheduler calls this for every key the previous incarnation wrote, the
// moment it hands out the re-execution task, before any new output exists.
func (mv *MVHashMap) MarkEstimate(key StateKey, pos Position) {
	h := mv.historyFor(key, false)
	if h == nil {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if e, ok := h.entries[pos]; ok {
		e.estimate = true
	}
}

// Read returns the highest-positioned entry at some position strictly below
// reader. Pure delta chains fold across all delta entries below
// reader down to (and not including) the first concrete write or the bottom
// of the history.
func (mv *MVHashMap) Read(key StateKey, reader Position) ReadResult {
	h := mv.historyFor(key, false)
	if h == nil {
		return ReadResult{Kind: ReadNotFound}
	}
	h.mu.Lock()
	defer h.mu.Unlock()

	pos, ok := h.below(reader)
	if !ok {
		return ReadResult{Kind: ReadNotFound}
	}
	e := h.entries[pos]
	if e.estimate {
		return ReadResult{Kind: ReadDependency, DependencyPos: pos}
	}
	if e.kind == entryWrite {
		return ReadResult{Kind: ReadValue, Value: e.write.Value, Version: Version{Position: pos, Incarnation: e.incarnation}}
	}

	// Pure delta at the nearest position: fold every delta entry down to
	// the first concrete write (exclusive) or the bottom of the chain.
	acc := e.delta.Delta
	maxV := e.delta.Max
	cursor := pos
	for {
		below, ok := h.below(cursor)
		if !ok {
			return ReadResult{Kind: ReadDelta, Delta: acc, DeltaMax: maxV}
		}
		be := h.entries[below]
		if be.estimate {
			return ReadResult{Kind: ReadDependency, DependencyPos: below}
		}
		if be.kind == entryWrite {
			return ReadResult{Kind: ReadDelta, Delta: acc, DeltaMax: maxV}
		}
		acc += be.delta.Delta
		cursor = below
	}
}

// deltaChainPositions returns, in ascending order, every position that has
// contributed a delta or write entry to key. Used by the delta resolver to
// fold a key's full history once.
func (mv *MVHashMap) deltaChainPositions(key StateKey) []Position {
	h := mv.historyFor(key, false)
	if h == nil {
		return nil
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]Position, len(h.positions))
	copy(out, h.positions)
	return out
}

// entryAt returns a copy of the entry at pos for key, if any.
func (mv *MVHashMap) entryAt(key StateKey, pos Position) (versionedEntry, bool) {
	h := mv.historyFor(key, false)
	if h == nil {
		return versionedEntry{}, false
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	e, ok := h.entries[pos]
	if !ok {
		return versionedEntry{}, false
	}
	return *e, true
}

// Revalidate re-evaluates one recorded read and reports whether it still
// holds against the current MVHashMap contents. It never blocks: an encounter with an estimate entry counts as a
// mismatch (the validator must abort and retry later, once the producer
// finishes), never as ReadDependency.
func (mv *MVHashMap) Revalidate(reader Position, rec ReadRecord) bool {
	res := mv.Read(rec.Key, reader)
	switch rec.Kind {
	case RecordStorage:
		return res.Kind == ReadNotFound
	case RecordDeltaChain:
		return res.Kind == ReadDelta && res.Delta == rec.Delta
	case RecordVersion:
		return res.Kind == ReadValue && res.Version == rec.Version
	default:
		return false
	}
}
