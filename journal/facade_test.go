package journal

import (
	"testing"

	"emberdb/proactor"
)

func TestFacadeStartInThreadAndRecordEntry(t *testing.T) {
	pool := proactor.NewPool(2)
	defer pool.Stop()

	f := NewFacade(pool, 100, 0)
	pool.RunOnAll(func(sh *proactor.Shard) {
		f.StartInThread(sh.ID())
		f.SetFlushMode(sh.ID(), true)
	})

	got, err := f.RecordEntry(0, Entry{Opcode: OpCommand})
	if err != nil {
		t.Fatalf("record entry: %v", err)
	}
	if got.LSN != 1 {
		t.Fatalf("expected lsn 1, got %d", got.LSN)
	}

	if _, err := f.RecordEntry(5, Entry{Opcode: OpCommand}); err != ErrNoSlice {
		t.Fatalf("expected ErrNoSlice for unstarted shard, got %v", err)
	}
}

func TestFacadeCloseResetsAllShards(t *testing.T) {
	pool := proactor.NewPool(3)
	defer pool.Stop()

	f := NewFacade(pool, 100, 0)
	pool.RunOnAll(func(sh *proactor.Shard) {
		f.StartInThread(sh.ID())
		f.SetFlushMode(sh.ID(), true)
	})

	for i := 0; i < pool.Size(); i++ {
		f.RecordEntry(i, Entry{Opcode: OpCommand})
	}

	f.Close()

	for i := 0; i < pool.Size(); i++ {
		if _, err := f.LSNBufferSize(i); err != ErrNoSlice {
			t.Fatalf("shard %d: expected slice cleared after Close, got err=%v", i, err)
		}
	}
}
