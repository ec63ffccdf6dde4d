package cluster

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"emberdb/journal"
)

// pauseSleep is the fixed poll interval a paused flow sleeps for between
// checks, per spec.md §4.G.
const pauseSleep = 100 * time.Millisecond

// ShardMigrationFlow drains one source shard's journal stream, decodes
// transactions, replays them against the local executor, and participates
// in the LSN-quiescence finalization handshake. It is grounded line-for-
// line on original_source/.../incoming_slot_migration.cc's
// ClusterShardMigration, translated from fiber/absl primitives to
// goroutine/channel/mutex Go.
type ShardMigrationFlow struct {
	sourceShardID int
	executor      Executor
	dbID          uint32
	latch         *Latch
	coord         *IncomingMigration
	logger        *slog.Logger

	mu         sync.Mutex
	isFinished bool
	socket     Socket

	lastAttempt atomic.Int64
	pause       atomic.Bool
}

// NewShardMigrationFlow constructs a flow for sourceShardID, replaying
// decoded commands against dbID on executor and signaling latch/coord on
// completion.
func NewShardMigrationFlow(sourceShardID int, executor Executor, dbID uint32, latch *Latch, coord *IncomingMigration, logger *slog.Logger) *ShardMigrationFlow {
	f := &ShardMigrationFlow{
		sourceShardID: sourceShardID,
		executor:      executor,
		dbID:          dbID,
		latch:         latch,
		coord:         coord,
		logger:        logger,
	}
	f.lastAttempt.Store(-1)
	return f
}

// LastAttempt returns the target LSN of the most recent finalization
// attempt this flow has quiesced at, or -1 if none yet.
func (f *ShardMigrationFlow) LastAttempt() int64 {
	return f.lastAttempt.Load()
}

// SetPause toggles whether the flow's drain loop is paused.
func (f *ShardMigrationFlow) SetPause(paused bool) {
	f.pause.Store(paused)
}

// IsFinished reports whether Start has run to completion (or was never
// given a chance to, via Cancel) for this flow.
func (f *ShardMigrationFlow) IsFinished() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.isFinished
}

// Start drains socket until ctx stops running, a clean LSN-quiescence
// finalization occurs, or an unrecoverable error is hit. The latch is
// decremented exactly once across the union of those outcomes; attempt
// retries balance a decrement with a re-increment, never leaving the
// count permanently unbalanced.
func (f *ShardMigrationFlow) Start(ctx *ExecutionState, socket Socket) {
	f.mu.Lock()
	if f.isFinished {
		f.mu.Unlock()
		return
	}
	f.isFinished = true
	f.socket = socket
	f.mu.Unlock()

	defer func() {
		f.mu.Lock()
		f.socket = nil
		f.mu.Unlock()
	}()

	reader := journal.NewTxReader(journal.NewReader(socket))
	cleanFinalize := f.drain(ctx, reader)

	if !cleanFinalize {
		f.latch.Dec()
	}
}

// drain runs the main loop and reports whether the flow finalized cleanly
// (in which case the caller must NOT decrement the latch again — the
// LSN-quiescence branch already did so and left it decremented).
func (f *ShardMigrationFlow) drain(ctx *ExecutionState, reader *journal.TxReader) bool {
	for ctx.IsRunning() {
		if f.pause.Load() {
			time.Sleep(pauseSleep)
			continue
		}

		tx := reader.NextTx(ctx)
		if tx == nil {
			if ctx.Err() != nil {
				f.logger.Warn("migration flow read failed", "source_shard", f.sourceShardID, "err", ctx.Err())
			}
			return false
		}

		// A re-armed attempt can itself hand back another OpLSN marker
		// (the sender raced a second finalize attempt against the first),
		// so loop rather than checking once — a single if would let the
		// second marker fall through to the IsPseudo() continue below and
		// vanish without ever being finalized against.
		for tx.Opcode == journal.OpLSN {
			finalized, fatal, next := f.attemptFinalize(ctx, reader, tx.LSNMarker)
			if finalized {
				return true
			}
			if fatal {
				return false
			}
			// Re-armed: next carries real data (or another marker) the
			// sender produced after the failed attempt. Process it now
			// rather than discarding it.
			tx = next
		}

		if tx.Opcode == journal.OpPing {
			continue
		}
		if tx.IsPseudo() {
			continue
		}

		if fatal := f.execute(ctx, tx); fatal {
			return false
		}
	}
	return false
}

// attemptFinalize implements the LSN-quiescence sub-protocol: store the
// target LSN, decrement the latch to signal "drained to this attempt",
// then read one more transaction to see whether the sender truly stopped.
func (f *ShardMigrationFlow) attemptFinalize(ctx *ExecutionState, reader *journal.TxReader, targetLSN uint64) (finalized, fatal bool, next *journal.Transaction) {
	f.lastAttempt.Store(int64(targetLSN))
	f.latch.Dec()

	tx := reader.NextTx(ctx)
	if tx == nil {
		// Clean finalization: nothing more arrived. Latch stays decremented.
		return true, false, nil
	}
	if f.coord.State() == StateFatal {
		return false, true, nil
	}

	// The sender emitted more data after the marker: the attempt failed.
	f.latch.Add(1)
	return false, false, tx
}

// execute replays tx's commands against the executor, reporting fatal if
// the executor ran out of memory.
func (f *ShardMigrationFlow) execute(ctx *ExecutionState, tx *journal.Transaction) (fatal bool) {
	for _, argv := range tx.Commands {
		if f.executor.IsGlobalCommand(argv) {
			ctx.ReportError(ErrUnsupportedCommand)
			f.coord.ReportError(ErrUnsupportedCommand)
			continue
		}
		err := f.executor.Execute(context.Background(), f.dbID, argv)
		if err == nil {
			continue
		}
		if err == ErrOutOfMemory {
			ctx.ReportError(ErrOutOfMemory)
			f.coord.SetFatal(ErrOutOfMemory)
			return true
		}
		ctx.ReportError(err)
	}
	return false
}

// Cancel half-closes a bound socket (hopping onto its owning shard first,
// since only that shard's goroutine may touch it) or, if the flow never
// started, marks it finished and decrements the latch so a coordinator
// Join on a never-started flow still completes.
func (f *ShardMigrationFlow) Cancel() error {
	f.mu.Lock()
	socket := f.socket
	alreadyFinished := f.isFinished
	if socket == nil && !alreadyFinished {
		f.isFinished = true
	}
	f.mu.Unlock()

	if socket != nil {
		if sh := socket.Proactor(); sh != nil {
			var err error
			sh.Run(func() { err = socket.Shutdown(ShutdownBoth) })
			return err
		}
		return socket.Shutdown(ShutdownBoth)
	}

	if !alreadyFinished {
		f.latch.Dec()
	}
	return nil
}
