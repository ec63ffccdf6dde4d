package store

import (
	"bytes"
	"context"
	"fmt"

	"emberdb/cluster"
	"emberdb/journal"
)

// defaultMaxShardMemoryBytes is the memory budget a new ShardExecutor starts
// with, until SetMemoryBudget changes it: the store's BytesWritten at or above
// which migration replay writes are refused with cluster.ErrOutOfMemory.
// 0 disables the check.
const defaultMaxShardMemoryBytes = 0

// ShardExecutor adapts a *store.Store (and the *journal.Facade that shard
// feeds) to cluster.Executor, so a ShardMigrationFlow can replay decoded
// commands against real storage and journal them back out on the
// receiving side. Grounded on store.Transaction's Put/Delete/Commit and
// server.go's handleSet/handleDel argument shapes.
type ShardExecutor struct {
	st       *Store
	facade   *journal.Facade
	shardID  int
	maxBytes uint64
}

// NewShardExecutor wraps st for shardID, journaling replayed writes via
// facade (which may be nil if this store's shard does not maintain a
// journal slice).
func NewShardExecutor(st *Store, facade *journal.Facade, shardID int) *ShardExecutor {
	return &ShardExecutor{st: st, facade: facade, shardID: shardID, maxBytes: defaultMaxShardMemoryBytes}
}

// SetMemoryBudget installs a byte ceiling above which Execute refuses
// writes with cluster.ErrOutOfMemory.
func (e *ShardExecutor) SetMemoryBudget(maxBytes uint64) {
	e.maxBytes = maxBytes
}

var globalCommands = map[string]bool{
	"FLUSHALL": true,
	"FLUSHDB":  true,
}

// IsGlobalCommand reports whether argv names a cluster-wide administrative
// command, which migration replay must reject rather than apply locally.
func (e *ShardExecutor) IsGlobalCommand(argv [][]byte) bool {
	if len(argv) == 0 {
		return false
	}
	return globalCommands[string(bytes.ToUpper(argv[0]))]
}

// Execute applies a single decoded command (SET key value | DEL key) to
// the wrapped store inside its own transaction, then journals the result.
// dbID is accepted for interface symmetry with multi-database deployments;
// this executor always targets its own wrapped store.
func (e *ShardExecutor) Execute(ctx context.Context, dbID uint32, argv [][]byte) error {
	if len(argv) == 0 {
		return fmt.Errorf("store: empty command")
	}
	if e.maxBytes > 0 && e.st.BytesWritten() >= e.maxBytes {
		return cluster.ErrOutOfMemory
	}

	cmd := string(bytes.ToUpper(argv[0]))
	tx := e.st.NewTransaction(true)

	switch cmd {
	case "SET":
		if len(argv) != 3 {
			tx.Discard()
			return fmt.Errorf("store: SET wants 2 args, got %d", len(argv)-1)
		}
		if err := tx.Put(argv[1], argv[2]); err != nil {
			tx.Discard()
			return err
		}
	case "DEL":
		if len(argv) != 2 {
			tx.Discard()
			return fmt.Errorf("store: DEL wants 1 arg, got %d", len(argv)-1)
		}
		if err := tx.Delete(argv[1]); err != nil {
			tx.Discard()
			return err
		}
	default:
		tx.Discard()
		return fmt.Errorf("store: unsupported migration command %q", cmd)
	}

	if err := tx.Commit(); err != nil {
		return err
	}

	if e.facade != nil {
		e.facade.RecordEntry(e.shardID, journal.Entry{
			Opcode: journal.OpCommand,
			DBID:   dbID,
			Argv:   argv,
		})
	}
	return nil
}
