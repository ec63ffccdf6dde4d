package journal

import (
	"fmt"
	"sync"

	"emberdb/proactor"
)

// ErrNoSlice is returned by a thread-local proxy method when asked about a
// shard that never called StartInThread.
var ErrNoSlice = fmt.Errorf("journal: no slice started for this shard")

// Facade is the process-wide handle coordinating per-thread slices. It is
// the only journal object shared across shards; individual Slices are
// never accessed off their owning goroutine.
//
// Go has no real thread-local storage, so where spec.md's C++ origin reads
// "the current thread's slice" this Facade takes an explicit shardID
// parameter instead of faking TLS through a goroutine-indexed lookup — the
// caller, itself running on that shard's goroutine (see proactor.Shard),
// already knows its own id via Shard.ID(). This is the idiomatic-Go
// rendering of spec.md §9's "thread-local slice + global facade" note.
type Facade struct {
	pool *proactor.Pool

	mu     sync.Mutex // serializes Close only, per spec.md §4.D
	slices []*Slice   // indexed by shard id; nil until StartInThread

	ringEntries int
	ringBytes   int64
}

// NewFacade creates a facade bound to pool, with new slices sized per the
// given ring bounds.
func NewFacade(pool *proactor.Pool, ringEntries int, ringBytes int64) *Facade {
	return &Facade{
		pool:        pool,
		slices:      make([]*Slice, pool.Size()),
		ringEntries: ringEntries,
		ringBytes:   ringBytes,
	}
}

// StartInThread initializes the slice for shardID. Must be called from
// shardID's own goroutine (e.g. inside a closure passed to
// proactor.Pool.RunOnAll at startup). A newly created slice starts with
// flush mode enabled, so recorded entries go straight to its ring.
func (f *Facade) StartInThread(shardID int) *Slice {
	if f.slices[shardID] == nil {
		f.slices[shardID] = NewSlice(f.ringEntries, f.ringBytes)
		f.slices[shardID].SetFlushMode(true)
	} else {
		f.slices[shardID].Init()
	}
	return f.slices[shardID]
}

// Close resets every shard's ring and clears its slice, running each reset
// on the owning shard's own goroutine and blocking until all have
// completed — the cross-thread fan-out/await spec.md §4.D and §5 require.
func (f *Facade) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.pool.RunOnAll(func(sh *proactor.Shard) {
		id := sh.ID()
		if f.slices[id] != nil {
			f.slices[id].ResetRingBuffer()
			f.slices[id] = nil
		}
	})
}

func (f *Facade) slice(shardID int) (*Slice, error) {
	if shardID < 0 || shardID >= len(f.slices) || f.slices[shardID] == nil {
		return nil, ErrNoSlice
	}
	return f.slices[shardID], nil
}

// RecordEntry is a thin pass-through to AddLogRecord on shardID's slice —
// the entry point mutating commands (and, per SPEC_FULL.md, replayed
// migration writes) use to feed the journal.
func (f *Facade) RecordEntry(shardID int, e Entry) (Entry, error) {
	s, err := f.slice(shardID)
	if err != nil {
		return Entry{}, err
	}
	return s.AddLogRecord(e), nil
}

// RegisterOnChange is a thread-local proxy to Slice.RegisterOnChange.
func (f *Facade) RegisterOnChange(shardID int, fn OnChange) (uint64, error) {
	s, err := f.slice(shardID)
	if err != nil {
		return 0, err
	}
	return s.RegisterOnChange(fn), nil
}

// UnregisterOnChange is a thread-local proxy to Slice.UnregisterOnChange.
func (f *Facade) UnregisterOnChange(shardID int, id uint64) error {
	s, err := f.slice(shardID)
	if err != nil {
		return err
	}
	s.UnregisterOnChange(id)
	return nil
}

// SetFlushMode is a thread-local proxy to Slice.SetFlushMode.
func (f *Facade) SetFlushMode(shardID int, enabled bool) error {
	s, err := f.slice(shardID)
	if err != nil {
		return err
	}
	s.SetFlushMode(enabled)
	return nil
}

// IsLSNInBuffer is a thread-local proxy to Slice.IsLSNInBuffer.
func (f *Facade) IsLSNInBuffer(shardID int, lsn uint64) (bool, error) {
	s, err := f.slice(shardID)
	if err != nil {
		return false, err
	}
	return s.IsLSNInBuffer(lsn), nil
}

// GetEntry is a thread-local proxy to Slice.GetEntry.
func (f *Facade) GetEntry(shardID int, lsn uint64) (Entry, bool, error) {
	s, err := f.slice(shardID)
	if err != nil {
		return Entry{}, false, err
	}
	e, ok := s.GetEntry(lsn)
	return e, ok, nil
}

// LSNBufferSize is a thread-local proxy reporting the shard's ring
// occupancy.
func (f *Facade) LSNBufferSize(shardID int) (int, error) {
	s, err := f.slice(shardID)
	if err != nil {
		return 0, err
	}
	return s.RingSize(), nil
}

// CurrentLSN is a thread-local proxy returning the next LSN the shard will
// assign.
func (f *Facade) CurrentLSN(shardID int) (uint64, error) {
	s, err := f.slice(shardID)
	if err != nil {
		return 0, err
	}
	return s.CurrentLSN(), nil
}

// RingBytes is a thread-local proxy reporting the shard's ring byte usage.
func (f *Facade) RingBytes(shardID int) (int64, error) {
	s, err := f.slice(shardID)
	if err != nil {
		return 0, err
	}
	return s.RingBytes(), nil
}

// ConsumerCount is a thread-local proxy reporting the shard's registered
// fanout consumer count.
func (f *Facade) ConsumerCount(shardID int) (int, error) {
	s, err := f.slice(shardID)
	if err != nil {
		return 0, err
	}
	return s.ConsumerCount(), nil
}

// ShardCount returns the number of shards this facade was built for.
func (f *Facade) ShardCount() int {
	return len(f.slices)
}
