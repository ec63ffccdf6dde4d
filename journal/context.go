package journal

import "sync/atomic"

// ExecutionState is the explicit cancellation/error-reporting context
// spec.md §9 calls for in place of ambient cancellation or exceptions:
// readers and migration flows poll IsRunning() at loop boundaries and
// record failures via ReportError instead of panicking or returning
// through an exception-like mechanism.
//
// It lives here (rather than in package cluster, which is what
// SPEC_FULL.md's component table suggests) because journal.Reader needs
// it and cluster already depends on journal for Entry/TxReader — package
// cluster re-exports it as cluster.ExecutionState via a type alias so
// callers see the name the spec uses.
type ExecutionState struct {
	running atomic.Bool
	err     atomic.Pointer[error]
}

// NewExecutionState returns a state that is running with no error.
func NewExecutionState() *ExecutionState {
	s := &ExecutionState{}
	s.running.Store(true)
	return s
}

// IsRunning reports whether the context has not yet been stopped.
func (s *ExecutionState) IsRunning() bool {
	return s.running.Load()
}

// Stop marks the context as no longer running. Idempotent.
func (s *ExecutionState) Stop() {
	s.running.Store(false)
}

// ReportError records err in the context's error slot and stops it. The
// first error reported wins; later calls are no-ops once an error is set.
func (s *ExecutionState) ReportError(err error) {
	if err == nil {
		return
	}
	if s.err.CompareAndSwap(nil, &err) {
		s.running.Store(false)
	}
}

// Err returns the recorded error, or nil if none was reported.
func (s *ExecutionState) Err() error {
	p := s.err.Load()
	if p == nil {
		return nil
	}
	return *p
}
