package journal

// TxReader reassembles multi-entry transactions from the entry stream a
// Reader decodes. It is stateful: MULTI_COMMAND entries for a given txid
// may be interleaved with entries for other txids (or other shards'
// entries multiplexed onto the same stream), so the accumulator persists
// across NextTx calls until the matching EXEC arrives.
type TxReader struct {
	r   *Reader
	acc map[uint64]*Transaction
}

// NewTxReader wraps r.
func NewTxReader(r *Reader) *TxReader {
	return &TxReader{r: r, acc: make(map[uint64]*Transaction)}
}

// NextTx returns the next reassembled transaction, or nil if the stream
// ended. Assembly rules (spec.md §4.F):
//   - COMMAND (always shard_cnt==1 by definition) yields a single-entry
//     transaction immediately.
//   - MULTI_COMMAND opens/extends an accumulator keyed by txid; EXEC closes
//     and emits it.
//   - SELECT, PING, LSN, FIN pass through as zero-command transactions.
//
// If the stream ends while a transaction is still accumulating, NextTx
// reports the underlying read error (ErrShortRead included) on ctx before
// returning nil — a short read is only "clean" when no transaction was
// left half-assembled.
func (t *TxReader) NextTx(ctx *ExecutionState) *Transaction {
	for {
		e, err := t.r.ReadEntry()
		if err != nil {
			if err == ErrShortRead && len(t.acc) == 0 {
				return nil
			}
			if ctx != nil {
				ctx.ReportError(err)
			}
			return nil
		}

		switch e.Opcode {
		case OpCommand:
			return &Transaction{
				TxID:     e.TxID,
				Opcode:   OpCommand,
				DBID:     e.DBID,
				Slot:     e.Slot,
				Commands: [][][]byte{e.Argv},
			}

		case OpMultiCommand:
			tx, ok := t.acc[e.TxID]
			if !ok {
				tx = &Transaction{TxID: e.TxID, Opcode: OpMultiCommand, DBID: e.DBID, Slot: e.Slot}
				t.acc[e.TxID] = tx
			}
			tx.Commands = append(tx.Commands, e.Argv)
			continue

		case OpExec:
			tx, ok := t.acc[e.TxID]
			if ok {
				delete(t.acc, e.TxID)
			} else {
				tx = &Transaction{TxID: e.TxID}
			}
			tx.Opcode = OpExec
			return tx

		case OpSelect, OpPing, OpLSN, OpFin:
			return &Transaction{
				TxID:      e.TxID,
				Opcode:    e.Opcode,
				DBID:      e.DBID,
				Slot:      e.Slot,
				LSNMarker: e.LSNMarker,
			}

		case OpNoop:
			continue

		default:
			continue
		}
	}
}
