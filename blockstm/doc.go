// Package blockstm implements the parallel block executor for the eth2030
// execution client: a block-STM style scheduler that speculatively runs an
// opaque per-transaction executor across a worker pool, detects read/write
// conflicts against the serial transaction order, re-executes invalidated
// transactions, and resolves commutative aggregator deltas against base
// state at commit time.
//
// The five pieces are MVHashMap (the multi-version store), Scheduler (task
// handout and commit tracking), the executor-task adapter (read-view plumbing
// around the external VM), BlockExecutor (the driver), and DeltaResolver
// (post-commit aggregator materialization). Transaction signature
// verification, the VM itself, mempool/consensus/networking, and persistent
// storage are external collaborators; this package only specifies the
// interfaces it consumes from them.
package blockstm
