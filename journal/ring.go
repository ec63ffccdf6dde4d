package journal

// ringRec is one stored record: the encoded entry bytes keyed by LSN.
type ringRec struct {
	lsn  uint64
	data []byte
}

// Ring is a bounded, LSN-indexed store of the most recently appended
// journal entries. It is bounded by entry count and/or aggregate byte
// size — both tracked, eviction continues while either budget is
// exceeded. Entries are only ever appended at the high end and evicted
// from the low end, so the set of stored LSNs is always a contiguous
// range by construction; there is no need for a hash index, a slice with
// a trimmed front suffices (mirrors the counters stonedb/vlog.go keeps
// for its own stale-byte accounting rather than re-deriving them).
type Ring struct {
	maxEntries int   // 0 means unbounded by count
	maxBytes   int64 // 0 means unbounded by bytes
	buf        []ringRec
	bytes      int64
}

// NewRing creates a ring bounded by maxEntries and/or maxBytes. A zero
// value for either disables that bound.
func NewRing(maxEntries int, maxBytes int64) *Ring {
	return &Ring{maxEntries: maxEntries, maxBytes: maxBytes}
}

// Append inserts entryBytes under lsn, evicting the oldest entries while
// either bound is exceeded. Callers are responsible for calling it with
// strictly increasing lsn values (the slice's cur_lsn allocation already
// guarantees this).
func (r *Ring) Append(lsn uint64, entryBytes []byte) {
	r.buf = append(r.buf, ringRec{lsn: lsn, data: entryBytes})
	r.bytes += int64(len(entryBytes))
	r.evict()
}

func (r *Ring) evict() {
	for len(r.buf) > 0 {
		tooManyEntries := r.maxEntries > 0 && len(r.buf) > r.maxEntries
		tooManyBytes := r.maxBytes > 0 && r.bytes > r.maxBytes
		if !tooManyEntries && !tooManyBytes {
			return
		}
		r.bytes -= int64(len(r.buf[0].data))
		r.buf = r.buf[1:]
	}
}

// Contains reports whether lsn currently has a stored entry.
func (r *Ring) Contains(lsn uint64) bool {
	_, ok := r.Get(lsn)
	return ok
}

// Get returns the stored bytes for lsn, if present.
func (r *Ring) Get(lsn uint64) ([]byte, bool) {
	if len(r.buf) == 0 {
		return nil, false
	}
	low := r.buf[0].lsn
	high := r.buf[len(r.buf)-1].lsn
	if lsn < low || lsn > high {
		return nil, false
	}
	idx := lsn - low
	if idx >= uint64(len(r.buf)) {
		return nil, false
	}
	rec := r.buf[idx]
	if rec.lsn != lsn {
		return nil, false
	}
	return rec.data, true
}

// Reset drops ring contents without affecting anything outside the ring
// (in particular, the slice's cur_lsn counter).
func (r *Ring) Reset() {
	r.buf = nil
	r.bytes = 0
}

// Size returns the number of entries currently stored.
func (r *Ring) Size() int {
	return len(r.buf)
}

// Bytes returns the aggregate size of entries currently stored.
func (r *Ring) Bytes() int64 {
	return r.bytes
}

// Range reports the contiguous [low, high] interval of stored LSNs. ok is
// false when the ring is empty.
func (r *Ring) Range() (low, high uint64, ok bool) {
	if len(r.buf) == 0 {
		return 0, 0, false
	}
	return r.buf[0].lsn, r.buf[len(r.buf)-1].lsn, true
}
