package cluster

import (
	"context"
	"errors"
)

// ErrOutOfMemory is the sentinel an Executor returns when it refuses a
// write because the shard is over its memory budget. ShardMigrationFlow
// treats it specially: it is promoted to the coordinator's C_FATAL state
// rather than merely logged.
var ErrOutOfMemory = errors.New("cluster: executor out of memory")

// ErrUnsupportedCommand is returned by a flow when the executor reports a
// command as a global command during migration replay — global commands
// are rejected while a migration is in flight (spec.md §6).
var ErrUnsupportedCommand = errors.New("cluster: unsupported command during migration")

// ErrFinalizationTimeout is reported on the coordinator's context when
// Join or Stop exceed the configured finalization timeout.
var ErrFinalizationTimeout = errors.New("cluster: migration finalization timed out")

// Executor is the external command-execution seam (spec.md §6): "the
// command executor that actually applies mutations" is out of scope of the
// journal/migration subsystem proper, but a migration flow must be able to
// replay decoded commands against it, so the contract is defined here and
// a reference implementation (store.ShardExecutor) is provided.
type Executor interface {
	// Execute applies argv against dbID. It returns ErrOutOfMemory when the
	// shard is over its memory budget; all other errors are surfaced on the
	// caller's execution context but do not themselves force C_FATAL.
	Execute(ctx context.Context, dbID uint32, argv [][]byte) error

	// IsGlobalCommand reports whether argv is a cluster-wide command
	// (e.g. FLUSHALL) that must be rejected while a migration is running.
	IsGlobalCommand(argv [][]byte) bool
}
