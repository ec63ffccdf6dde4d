package cluster

import "emberdb/journal"

// ExecutionState is the shared cancellation/error-reporting context flows
// and the coordinator poll at loop boundaries. It is an alias for
// journal.ExecutionState: journal.Reader needs the same type and package
// cluster already depends on journal for Entry/TxReader, so defining it
// twice would either duplicate the type or create an import cycle. See
// journal.ExecutionState's doc comment for the full rationale.
type ExecutionState = journal.ExecutionState

// NewExecutionState returns a running context with no error.
func NewExecutionState() *ExecutionState {
	return journal.NewExecutionState()
}
