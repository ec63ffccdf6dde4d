package store

import (
	"io"
	"log/slog"
	"testing"

	"emberdb/protocol"
)

func TestStore_Recover_Basic(t *testing.T) {
	dir := t.TempDir()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	s1, err := NewStore(dir, logger)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}

	keys := []string{"alpha", "beta", "gamma"}
	for _, k := range keys {
		entry := protocol.LogEntry{OpCode: protocol.OpJournalSet, Key: []byte(k), Value: []byte("val-" + k)}
		if _, err := s1.ApplyBatch([]protocol.LogEntry{entry}); err != nil {
			t.Fatalf("ApplyBatch(%s): %v", k, err)
		}
	}
	if err := s1.Close(); err != nil {
		t.Fatalf("Close store 1: %v", err)
	}

	s2, err := NewStore(dir, logger)
	if err != nil {
		t.Fatalf("reopen store: %v", err)
	}
	defer s2.Close()

	for _, k := range keys {
		val, err := s2.Get(k)
		if err != nil {
			t.Errorf("Get(%s) after reopen: %v", k, err)
			continue
		}
		if want := "val-" + k; string(val) != want {
			t.Errorf("Get(%s) = %q, want %q", k, val, want)
		}
	}

	if got := s2.Stats().KeyCount; got != len(keys) {
		t.Errorf("KeyCount after reopen = %d, want %d", got, len(keys))
	}
}

func TestStore_ApplyBatch_DeleteRemovesKey(t *testing.T) {
	s := newTestStore(t)

	if _, err := s.ApplyBatch([]protocol.LogEntry{
		{OpCode: protocol.OpJournalSet, Key: []byte("k1"), Value: []byte("v1")},
	}); err != nil {
		t.Fatalf("ApplyBatch(set): %v", err)
	}
	if _, err := s.ApplyBatch([]protocol.LogEntry{
		{OpCode: protocol.OpJournalDelete, Key: []byte("k1")},
	}); err != nil {
		t.Fatalf("ApplyBatch(delete): %v", err)
	}

	if _, err := s.Get("k1"); err != protocol.ErrKeyNotFound {
		t.Fatalf("Get after delete = %v, want ErrKeyNotFound", err)
	}
}

func TestStore_ApplyBatch_AssignsIncreasingTxIDs(t *testing.T) {
	s := newTestStore(t)

	tx1, err := s.ApplyBatch([]protocol.LogEntry{{OpCode: protocol.OpJournalSet, Key: []byte("a"), Value: []byte("1")}})
	if err != nil {
		t.Fatalf("ApplyBatch 1: %v", err)
	}
	tx2, err := s.ApplyBatch([]protocol.LogEntry{{OpCode: protocol.OpJournalSet, Key: []byte("b"), Value: []byte("2")}})
	if err != nil {
		t.Fatalf("ApplyBatch 2: %v", err)
	}
	if tx2 <= tx1 {
		t.Fatalf("txID did not increase: tx1=%d tx2=%d", tx1, tx2)
	}
}

func TestStore_ReplicateBatch(t *testing.T) {
	s := newTestStore(t)

	entries := []protocol.LogEntry{
		{LogSeq: 100, OpCode: protocol.OpJournalSet, Key: []byte("k1"), Value: []byte("v1")},
		{LogSeq: 101, OpCode: protocol.OpJournalSet, Key: []byte("k2"), Value: []byte("v2")},
	}
	if err := s.ReplicateBatch(entries); err != nil {
		t.Fatalf("ReplicateBatch: %v", err)
	}

	for _, e := range entries {
		val, err := s.Get(string(e.Key))
		if err != nil {
			t.Fatalf("Get(%s): %v", e.Key, err)
		}
		if string(val) != string(e.Value) {
			t.Errorf("Get(%s) = %q, want %q", e.Key, val, e.Value)
		}
	}
}

func TestStore_Stats_TracksKeyCountAndBytes(t *testing.T) {
	s := newTestStore(t)

	if got := s.Stats().KeyCount; got != 0 {
		t.Fatalf("initial KeyCount = %d, want 0", got)
	}

	entries := []protocol.LogEntry{
		{OpCode: protocol.OpJournalSet, Key: []byte("k1"), Value: []byte("v1")},
		{OpCode: protocol.OpJournalSet, Key: []byte("k2"), Value: []byte("v2")},
	}
	if _, err := s.ApplyBatch(entries); err != nil {
		t.Fatalf("ApplyBatch: %v", err)
	}

	stats := s.Stats()
	if stats.KeyCount != 2 {
		t.Errorf("KeyCount = %d, want 2", stats.KeyCount)
	}
	if stats.MemorySizeBytes == 0 {
		t.Errorf("MemorySizeBytes = 0, want > 0 after writes")
	}
	if stats.NextLogSeq == 0 {
		t.Errorf("NextLogSeq = 0, want > 0 after a commit")
	}
}

func TestTransaction_GetSeesOwnUncommittedWrites(t *testing.T) {
	s := newTestStore(t)

	tx := s.NewTransaction(true)
	if err := tx.Put([]byte("k1"), []byte("buffered")); err != nil {
		t.Fatalf("Put: %v", err)
	}

	v, err := tx.Get([]byte("k1"))
	if err != nil {
		t.Fatalf("Get buffered write: %v", err)
	}
	if string(v) != "buffered" {
		t.Errorf("Get buffered write = %q, want %q", v, "buffered")
	}

	if _, err := s.Get("k1"); err != protocol.ErrKeyNotFound {
		t.Fatalf("store should not see uncommitted write, got err=%v", err)
	}

	tx.Discard()
	if _, err := s.Get("k1"); err != protocol.ErrKeyNotFound {
		t.Fatalf("discarded transaction must not persist, got err=%v", err)
	}
}
