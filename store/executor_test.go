package store

import (
	"context"
	"log/slog"
	"testing"

	"emberdb/cluster"
	"emberdb/journal"
	"emberdb/proactor"
	"emberdb/protocol"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	st, err := NewStore(t.TempDir(), slog.Default())
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}

func TestShardExecutor_SetAndDel(t *testing.T) {
	st := newTestStore(t)
	ex := NewShardExecutor(st, nil, 0)

	if err := ex.Execute(context.Background(), 0, [][]byte{[]byte("SET"), []byte("k1"), []byte("v1")}); err != nil {
		t.Fatalf("Execute(SET): %v", err)
	}

	tx := st.NewTransaction(false)
	v, err := tx.Get([]byte("k1"))
	tx.Discard()
	if err != nil {
		t.Fatalf("Get after SET: %v", err)
	}
	if string(v) != "v1" {
		t.Fatalf("Get after SET = %q, want v1", v)
	}

	if err := ex.Execute(context.Background(), 0, [][]byte{[]byte("DEL"), []byte("k1")}); err != nil {
		t.Fatalf("Execute(DEL): %v", err)
	}

	tx2 := st.NewTransaction(false)
	_, err = tx2.Get([]byte("k1"))
	tx2.Discard()
	if err != protocol.ErrKeyNotFound {
		t.Fatalf("Get after DEL = %v, want ErrKeyNotFound", err)
	}
}

func TestShardExecutor_IsGlobalCommand(t *testing.T) {
	ex := NewShardExecutor(newTestStore(t), nil, 0)

	if !ex.IsGlobalCommand([][]byte{[]byte("FLUSHALL")}) {
		t.Fatalf("FLUSHALL should be a global command")
	}
	if ex.IsGlobalCommand([][]byte{[]byte("SET"), []byte("k"), []byte("v")}) {
		t.Fatalf("SET must not be classified as a global command")
	}
	if ex.IsGlobalCommand(nil) {
		t.Fatalf("empty argv must not be a global command")
	}
}

func TestShardExecutor_MemoryBudgetTripsOOM(t *testing.T) {
	st := newTestStore(t)
	ex := NewShardExecutor(st, nil, 0)

	if err := ex.Execute(context.Background(), 0, [][]byte{[]byte("SET"), []byte("k1"), []byte("v1")}); err != nil {
		t.Fatalf("Execute(SET): %v", err)
	}

	ex.SetMemoryBudget(1) // already exceeded after the first write above

	err := ex.Execute(context.Background(), 0, [][]byte{[]byte("SET"), []byte("k2"), []byte("v2")})
	if err != cluster.ErrOutOfMemory {
		t.Fatalf("Execute over budget = %v, want cluster.ErrOutOfMemory", err)
	}
}

func TestShardExecutor_JournalsAfterCommit(t *testing.T) {
	st := newTestStore(t)
	pool := proactor.NewPool(1)
	defer pool.Stop()

	facade := journal.NewFacade(pool, 100, 0)
	pool.RunOnAll(func(sh *proactor.Shard) { facade.StartInThread(sh.ID()) })

	ex := NewShardExecutor(st, facade, 0)
	if err := ex.Execute(context.Background(), 0, [][]byte{[]byte("SET"), []byte("k1"), []byte("v1")}); err != nil {
		t.Fatalf("Execute: %v", err)
	}

	size, err := facade.LSNBufferSize(0)
	if err != nil {
		t.Fatalf("LSNBufferSize: %v", err)
	}
	if size != 1 {
		t.Fatalf("ring size = %d, want 1 after one journaled write", size)
	}
}
