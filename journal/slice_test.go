package journal

import "testing"

func TestSliceLSNMonotonicity(t *testing.T) {
	s := NewSlice(100, 0)
	s.SetFlushMode(true)
	var last uint64
	for i := 0; i < 50; i++ {
		got := s.AddLogRecord(Entry{Opcode: OpCommand})
		if got.LSN <= last {
			t.Fatalf("lsn did not increase: %d <= %d", got.LSN, last)
		}
		last = got.LSN
	}
}

func TestSliceResetRingDoesNotResetCurLSN(t *testing.T) {
	s := NewSlice(100, 0)
	s.SetFlushMode(true)
	s.AddLogRecord(Entry{Opcode: OpCommand})
	s.AddLogRecord(Entry{Opcode: OpCommand})
	before := s.CurrentLSN()
	s.ResetRingBuffer()
	if s.CurrentLSN() != before {
		t.Fatalf("cur_lsn changed across reset: %d -> %d", before, s.CurrentLSN())
	}
	if s.RingSize() != 0 {
		t.Fatalf("expected empty ring after reset")
	}
}

func TestSliceOrderedFanout(t *testing.T) {
	s := NewSlice(100, 0)
	s.SetFlushMode(true)

	var seen []uint64
	s.RegisterOnChange(func(e Entry) { seen = append(seen, e.LSN) })

	for i := 0; i < 5; i++ {
		s.AddLogRecord(Entry{Opcode: OpCommand})
	}

	for i := 1; i < len(seen); i++ {
		if seen[i] != seen[i-1]+1 {
			t.Fatalf("fanout not in order: %v", seen)
		}
	}
	if len(seen) != 5 {
		t.Fatalf("expected 5 deliveries, got %d", len(seen))
	}
}

func TestSliceRegistrationIsolation(t *testing.T) {
	s := NewSlice(100, 0)
	s.SetFlushMode(true)

	s.AddLogRecord(Entry{Opcode: OpCommand}) // lsn 1
	s.AddLogRecord(Entry{Opcode: OpCommand}) // lsn 2

	var seen []uint64
	s.RegisterOnChange(func(e Entry) { seen = append(seen, e.LSN) })

	s.AddLogRecord(Entry{Opcode: OpCommand}) // lsn 3

	if len(seen) != 1 || seen[0] != 3 {
		t.Fatalf("expected only lsn 3 observed, got %v", seen)
	}
}

func TestSliceUnregisterDuringFanout(t *testing.T) {
	s := NewSlice(100, 0)
	s.SetFlushMode(true)

	var idA, idB uint64
	var aCalls, bCalls int
	idA = s.RegisterOnChange(func(e Entry) {
		aCalls++
		s.UnregisterOnChange(idA) // unregister self mid-fanout
	})
	idB = s.RegisterOnChange(func(e Entry) {
		bCalls++
	})

	s.AddLogRecord(Entry{Opcode: OpCommand})
	s.AddLogRecord(Entry{Opcode: OpCommand})
	s.AddLogRecord(Entry{Opcode: OpCommand})

	if aCalls != 1 {
		t.Fatalf("expected consumer A to fire exactly once before self-unregister, got %d", aCalls)
	}
	if bCalls != 3 {
		t.Fatalf("expected consumer B to see all 3 entries, got %d", bCalls)
	}
	_ = idB
}

func TestSliceFlushModeBacklog(t *testing.T) {
	s := NewSlice(100, 0)
	// flush disabled by default
	var seen []uint64
	s.RegisterOnChange(func(e Entry) { seen = append(seen, e.LSN) })

	s.AddLogRecord(Entry{Opcode: OpCommand}) // lsn 1, backlogged
	s.AddLogRecord(Entry{Opcode: OpCommand}) // lsn 2, backlogged

	if len(seen) != 0 {
		t.Fatalf("expected no deliveries while flush disabled, got %v", seen)
	}

	s.SetFlushMode(true)
	if len(seen) != 2 || seen[0] != 1 || seen[1] != 2 {
		t.Fatalf("expected backlog delivered in order, got %v", seen)
	}
}

func TestSliceIsLSNInBufferAfterEviction(t *testing.T) {
	s := NewSlice(2, 0)
	s.SetFlushMode(true)
	s.AddLogRecord(Entry{Opcode: OpCommand}) // lsn 1
	s.AddLogRecord(Entry{Opcode: OpCommand}) // lsn 2
	s.AddLogRecord(Entry{Opcode: OpCommand}) // lsn 3, evicts lsn 1

	if s.IsLSNInBuffer(1) {
		t.Fatalf("expected lsn 1 evicted")
	}
	if !s.IsLSNInBuffer(3) {
		t.Fatalf("expected lsn 3 present")
	}
}

func TestSliceZeroConsumersStillRecords(t *testing.T) {
	s := NewSlice(10, 0)
	s.SetFlushMode(true)
	s.AddLogRecord(Entry{Opcode: OpCommand})
	if s.RingSize() != 1 {
		t.Fatalf("expected ring to record entry with zero consumers")
	}
}
