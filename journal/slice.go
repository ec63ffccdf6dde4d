package journal

// OnChange is the consumer callback signature: invoked synchronously, in
// LSN order, for every entry the slice appends (subject to flush-mode
// batching).
type OnChange func(Entry)

type consumer struct {
	id uint64
	fn OnChange
}

// pendingEntry is a deferred, not-yet-fanned-out append captured while
// flush mode is disabled.
type pendingEntry struct {
	entry Entry
	data  []byte
}

// Slice is the thread-local per-shard journal: append, LSN allocation,
// consumer registry, and flush-mode gate. It carries no internal locking —
// per spec.md §5, ring buffer and consumer registry are thread-confined,
// owned exclusively by the one goroutine that runs this shard. Callers
// outside that goroutine must go through proactor.Shard.Run/Await.
type Slice struct {
	curLSN uint64
	ring   *Ring

	consumers  []consumer
	nextConsID uint64

	flushEnabled bool
	backlog      []pendingEntry
}

// NewSlice constructs a Slice. It is equivalent to a freshly init'd slice;
// Init exists separately only to match the idempotent-init contract spec.md
// names (a Facade may call it more than once per shard across restarts).
func NewSlice(ringEntries int, ringBytes int64) *Slice {
	s := &Slice{ring: NewRing(ringEntries, ringBytes)}
	s.Init()
	return s
}

// Init is idempotent: it allocates the ring if missing and, on the very
// first call, sets cur_lsn to 1. Subsequent calls are no-ops so a Facade
// can call StartInThread more than once without losing history.
func (s *Slice) Init() {
	if s.ring == nil {
		s.ring = NewRing(0, 0)
	}
	if s.curLSN == 0 {
		s.curLSN = 1
	}
}

// AddLogRecord assigns the next LSN, serializes the entry, and — if flush
// mode is enabled — appends it to the ring and fans it out to every
// registered consumer synchronously, in registration order, before
// returning. If flush mode is disabled, the entry is queued on the backlog
// instead and flushed in order the next time SetFlushMode(true) runs.
func (s *Slice) AddLogRecord(e Entry) Entry {
	e.LSN = s.curLSN
	s.curLSN++
	data := e.Encode()

	if !s.flushEnabled {
		s.backlog = append(s.backlog, pendingEntry{entry: e, data: data})
		return e
	}
	s.deliver(e, data)
	return e
}

// deliver appends to the ring and fans out to consumers. Snapshotting the
// consumer slice before iterating lets a consumer unregister itself from
// inside its own callback without corrupting the loop (the same technique
// the teacher uses when walking db.activeTxns during ApplyBatch).
func (s *Slice) deliver(e Entry, data []byte) {
	s.ring.Append(e.LSN, data)

	snapshot := make([]consumer, len(s.consumers))
	copy(snapshot, s.consumers)
	for _, c := range snapshot {
		c.fn(e)
	}
}

// RegisterOnChange adds a consumer and returns its id. A newly registered
// consumer receives only entries appended after registration — no backfill
// from the ring.
func (s *Slice) RegisterOnChange(fn OnChange) uint64 {
	id := s.nextConsID
	s.nextConsID++
	s.consumers = append(s.consumers, consumer{id: id, fn: fn})
	return id
}

// UnregisterOnChange removes a consumer by id. Safe to call from inside a
// fanout callback, including the callback being removed.
func (s *Slice) UnregisterOnChange(id uint64) {
	for i, c := range s.consumers {
		if c.id == id {
			s.consumers = append(s.consumers[:i:i], s.consumers[i+1:]...)
			return
		}
	}
}

// SetFlushMode toggles the batching gate. Disabling it means "batch
// subsequent appends"; enabling it drains and delivers the backlog, in
// append order, before returning.
func (s *Slice) SetFlushMode(enabled bool) {
	s.flushEnabled = enabled
	if !enabled {
		return
	}
	backlog := s.backlog
	s.backlog = nil
	for _, p := range backlog {
		s.deliver(p.entry, p.data)
	}
}

// FlushEnabled reports the current flush-mode gate state.
func (s *Slice) FlushEnabled() bool {
	return s.flushEnabled
}

// IsLSNInBuffer reports whether lsn is currently stored in the ring.
func (s *Slice) IsLSNInBuffer(lsn uint64) bool {
	return s.ring.Contains(lsn)
}

// GetEntry decodes and returns the entry stored at lsn, if present.
func (s *Slice) GetEntry(lsn uint64) (Entry, bool) {
	data, ok := s.ring.Get(lsn)
	if !ok {
		return Entry{}, false
	}
	e, _, err := Decode(data)
	if err != nil {
		return Entry{}, false
	}
	return e, true
}

// ResetRingBuffer drops ring contents. It does not reset cur_lsn and does
// not touch the consumer registry.
func (s *Slice) ResetRingBuffer() {
	s.ring.Reset()
}

// CurrentLSN returns the next LSN that will be assigned.
func (s *Slice) CurrentLSN() uint64 {
	return s.curLSN
}

// RingSize and RingBytes expose the ring's current occupancy, used by
// metrics collection.
func (s *Slice) RingSize() int      { return s.ring.Size() }
func (s *Slice) RingBytes() int64   { return s.ring.Bytes() }
func (s *Slice) ConsumerCount() int { return len(s.consumers) }
