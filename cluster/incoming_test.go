package cluster

import (
	"testing"
	"time"
)

func TestIncomingMigration_InitEntersSync(t *testing.T) {
	m := NewIncomingMigration(newRecordingExecutor(), 0, time.Second, func() int64 { return 0 }, testLogger())
	if m.State() != StateConnecting {
		t.Fatalf("fresh migration state = %v, want StateConnecting", m.State())
	}
	m.Init(3)
	if m.State() != StateSync {
		t.Fatalf("state after Init = %v, want StateSync", m.State())
	}
	if got := m.latch.Count(); got != 3 {
		t.Fatalf("latch count = %d, want 3", got)
	}
}

func TestIncomingMigration_GetKeyCountUsesLiveCounterBeforeFinished(t *testing.T) {
	var live int64 = 42
	m := NewIncomingMigration(newRecordingExecutor(), 0, time.Second, func() int64 { return live }, testLogger())
	m.Init(1)

	if got := m.GetKeyCount(); got != 42 {
		t.Fatalf("GetKeyCount() = %d, want 42 (live) before finished", got)
	}

	live = 99
	if got := m.GetKeyCount(); got != 99 {
		t.Fatalf("GetKeyCount() = %d, want 99 (re-read live) before finished", got)
	}
}

func TestIncomingMigration_GetKeyCountCachedAfterFinished(t *testing.T) {
	live := int64(7)
	m := NewIncomingMigration(newRecordingExecutor(), 0, time.Second, func() int64 { return live }, testLogger())
	m.Init(1)

	m.mu.Lock()
	m.state = StateFinished
	m.keysNumber = 7
	m.mu.Unlock()

	live = 1000
	if got := m.GetKeyCount(); got != 7 {
		t.Fatalf("GetKeyCount() = %d, want cached 7, not live 1000", got)
	}
}

func TestIncomingMigration_StopNeverWaitsWhenFatal(t *testing.T) {
	m := NewIncomingMigration(newRecordingExecutor(), 0, 5*time.Second, func() int64 { return 0 }, testLogger())
	m.Init(1)
	m.SetFatal(ErrOutOfMemory)

	start := time.Now()
	m.Stop()
	if elapsed := time.Since(start); elapsed > 200*time.Millisecond {
		t.Fatalf("Stop on a fatal migration took %v, want near-instant", elapsed)
	}
}

func TestIncomingMigration_JoinTimesOutWithoutFlowsDraining(t *testing.T) {
	m := NewIncomingMigration(newRecordingExecutor(), 0, 200*time.Millisecond, func() int64 { return 0 }, testLogger())
	m.Init(1)

	if m.Join(1) {
		t.Fatalf("Join() = true, want false (no flow ever drained)")
	}
	if err := m.ctx.Err(); err != ErrFinalizationTimeout {
		t.Fatalf("ctx.Err() = %v, want ErrFinalizationTimeout", err)
	}
}
