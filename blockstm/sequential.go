package blockstm

// ExecuteSequential runs transactions one at a time, in block order, with no
// speculation: each transaction's ReadView sees only the accumulated
// MVHashMap writes of strictly earlier positions, which by construction can
// never be invalidated. This is the mandatory fallback after
// ErrModulePathReadWrite and the baseline ExecuteBenchmark checks the
// parallel path against.
//
// It still exercises MVHashMap and DeltaResolver rather than bypassing them:
// concurrency drops to nothing, but the conflict-detection plumbing (and any
// bugs in it) is exercised identically to the parallel path.
func ExecuteSequential(transactions []TransactionExecutor, base BaseStateView) ([]TxRecord, error) {
	n := len(transactions)
	if n == 0 {
		return nil, ErrNoTransactions
	}
	if err := preprocessAll(transactions); err != nil {
		return nil, err
	}

	mv := NewMVHashMap()
	records := make([]TxRecord, n)
	aggKeys := make(map[StateKey]bool)

	skipFrom := -1
	for p := 0; p < n; p++ {
		pos := Position(p)
		if skipFrom >= 0 && p >= skipFrom {
			records[p] = TxRecord{Output: TransactionOutput{Status: ExecRetry}}
			continue
		}
		task := &executorTask{exec: transactions[p], mv: mv, base: base}
		res := task.run(pos, 0)
		if res.panicErr != nil {
			return nil, res.panicErr
		}
		if res.blocked {
			// A sequential pass never reads ahead of itself, so a
			// dependency here can only mean the executor tried to read a
			// position that has not run yet: a programming error in the
			// supplied TransactionExecutor, not a transient stall.
			return nil, ErrAborted
		}
		task.publish(pos, 0, res)
		for k := range res.deltas {
			aggKeys[k] = true
		}
		records[p] = TxRecord{Output: res.output, Writes: res.writes, Incarnation: 0}
		if res.output.Status == ExecSkipped {
			skipFrom = p + 1
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

	return records, nil
}
