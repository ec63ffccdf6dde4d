package cluster

import (
	"log/slog"
	"sync"
	"time"
)

// MigrationState is the closed set of states an IncomingMigration passes
// through.
type MigrationState int

const (
	StateConnecting MigrationState = iota
	StateSync
	StateFinished
	StateFatal
)

func (s MigrationState) String() string {
	switch s {
	case StateConnecting:
		return "CONNECTING"
	case StateSync:
		return "SYNC"
	case StateFinished:
		return "FINISHED"
	case StateFatal:
		return "FATAL"
	default:
		return "UNKNOWN"
	}
}

// joinPollInterval bounds how long Join waits per iteration before
// re-checking attempt freshness and the timeout deadline.
const joinPollInterval = 100 * time.Millisecond

// IncomingMigration coordinates the lifecycle of N ShardMigrationFlows
// receiving one logical migration, one per source shard. Grounded
// line-for-line on original_source/.../incoming_slot_migration.cc's
// IncomingSlotMigration.
type IncomingMigration struct {
	executor   Executor
	dbID       uint32
	timeout    time.Duration
	keyCounter func() int64
	logger     *slog.Logger

	mu         sync.Mutex
	state      MigrationState
	keysNumber int64
	ctx        *ExecutionState
	flows      []*ShardMigrationFlow
	latch      *Latch
}

// NewIncomingMigration constructs a coordinator. keyCounter recomputes the
// key count for the slots this migration owns; it is consulted by
// GetKeyCount whenever the migration has not yet reached C_FINISHED.
func NewIncomingMigration(executor Executor, dbID uint32, timeout time.Duration, keyCounter func() int64, logger *slog.Logger) *IncomingMigration {
	return &IncomingMigration{
		executor:   executor,
		dbID:       dbID,
		timeout:    timeout,
		keyCounter: keyCounter,
		logger:     logger,
		state:      StateConnecting,
	}
}

// Init resets the coordinator for nShards source shards, entering C_SYNC.
func (m *IncomingMigration) Init(nShards int) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.ctx = NewExecutionState()
	m.state = StateSync
	m.keysNumber = 0
	m.latch = NewLatch(nShards)
	m.flows = make([]*ShardMigrationFlow, nShards)
	for i := range m.flows {
		m.flows[i] = NewShardMigrationFlow(i, m.executor, m.dbID, m.latch, m, m.logger)
	}
}

// State returns the current migration state.
func (m *IncomingMigration) State() MigrationState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Flow returns the flow for the given source shard index.
func (m *IncomingMigration) Flow(shardIdx int) *ShardMigrationFlow {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.flows[shardIdx]
}

// SetFatal promotes the coordinator to C_FATAL (absorbing) and records err
// on the shared context.
func (m *IncomingMigration) SetFatal(err error) {
	m.mu.Lock()
	m.state = StateFatal
	ctx := m.ctx
	m.mu.Unlock()
	if ctx != nil {
		ctx.ReportError(err)
	}
}

// ReportError records err on the shared context without forcing C_FATAL.
func (m *IncomingMigration) ReportError(err error) {
	m.mu.Lock()
	ctx := m.ctx
	m.mu.Unlock()
	if ctx != nil {
		ctx.ReportError(err)
	}
}

// StartFlow runs shardIdx's flow to completion against socket. If the
// coordinator ends up in C_FATAL as a result, it stops every other flow
// too.
func (m *IncomingMigration) StartFlow(shardIdx int, socket Socket) {
	m.mu.Lock()
	flow := m.flows[shardIdx]
	ctx := m.ctx
	m.mu.Unlock()

	flow.Start(ctx, socket)

	if m.State() == StateFatal {
		m.Stop()
	}
}

// Pause broadcasts the pause flag to every flow.
func (m *IncomingMigration) Pause(paused bool) {
	m.mu.Lock()
	flows := m.flows
	m.mu.Unlock()
	for _, f := range flows {
		f.SetPause(paused)
	}
}

// Join polls until either the finalization timeout elapses, the
// coordinator enters C_FATAL, or every flow reports last_attempt==attempt
// at the moment the latch reaches zero. On success it transitions to
// C_FINISHED and caches the key count.
func (m *IncomingMigration) Join(attempt uint64) bool {
	deadline := time.Now().Add(m.timeout)

	for {
		if m.State() == StateFatal {
			return false
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			m.ReportError(ErrFinalizationTimeout)
			return false
		}
		wait := joinPollInterval
		if remaining < wait {
			wait = remaining
		}

		if m.latch.WaitFor(wait) {
			if m.allFlowsAtAttempt(attempt) {
				m.mu.Lock()
				m.state = StateFinished
				m.keysNumber = m.keyCounter()
				m.mu.Unlock()
				return true
			}
			// Latch reached zero but at least one flow quiesced at a
			// different attempt (stale). Keep polling until timeout.
		}
	}
}

func (m *IncomingMigration) allFlowsAtAttempt(attempt uint64) bool {
	m.mu.Lock()
	flows := m.flows
	m.mu.Unlock()
	for _, f := range flows {
		if f.LastAttempt() != int64(attempt) {
			return false
		}
	}
	return true
}

// Stop cancels the shared context and every flow, then — unless already
// C_FATAL, which never waits — waits on the latch with the finalization
// timeout, logging but not blocking indefinitely if it is exceeded.
func (m *IncomingMigration) Stop() {
	m.mu.Lock()
	ctx := m.ctx
	flows := m.flows
	fatal := m.state == StateFatal
	latch := m.latch
	m.mu.Unlock()

	if ctx != nil {
		ctx.Stop()
	}
	for _, f := range flows {
		f.Cancel()
	}

	if fatal || latch == nil {
		return
	}
	if !latch.WaitFor(m.timeout) {
		m.logger.Warn("migration stop timed out waiting on latch", "timeout", m.timeout)
	}
}

// MigrationState reports the coordinator's current state and whether a
// migration has ever been started (Init called). Satisfies
// metrics.MigrationStatsProvider.
func (m *IncomingMigration) MigrationState() (int, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return int(m.state), m.ctx != nil
}

// GetKeyCount returns the cached key count once C_FINISHED, otherwise
// recomputes it from current slot ownership via keyCounter.
func (m *IncomingMigration) GetKeyCount() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state == StateFinished {
		return m.keysNumber
	}
	return m.keyCounter()
}
