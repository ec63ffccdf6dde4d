package proactor

import (
	"sync/atomic"
	"testing"
	"time"
)

func TestShardRunSerializes(t *testing.T) {
	s := NewShard(0)
	defer s.Stop()

	var counter int64
	var maxConcurrent int64
	var inflight int64

	done := make(chan struct{})
	for i := 0; i < 50; i++ {
		go func() {
			s.Run(func() {
				n := atomic.AddInt64(&inflight, 1)
				if n > atomic.LoadInt64(&maxConcurrent) {
					atomic.StoreInt64(&maxConcurrent, n)
				}
				atomic.AddInt64(&counter, 1)
				time.Sleep(time.Millisecond)
				atomic.AddInt64(&inflight, -1)
			})
		}()
	}
	go func() {
		for atomic.LoadInt64(&counter) < 50 {
			time.Sleep(time.Millisecond)
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for all Run calls to complete")
	}

	if got := atomic.LoadInt64(&maxConcurrent); got != 1 {
		t.Fatalf("expected serialized execution, saw %d concurrent", got)
	}
}

func TestShardSetGetConfinedState(t *testing.T) {
	s := NewShard(0)
	defer s.Stop()

	s.Run(func() { s.Set("x", 42) })

	var got any
	var ok bool
	s.Run(func() { got, ok = s.Get("x") })

	if !ok || got.(int) != 42 {
		t.Fatalf("expected 42, got %v (ok=%v)", got, ok)
	}
}

func TestPoolRunOnAll(t *testing.T) {
	p := NewPool(4)
	defer p.Stop()

	var hits [4]int64
	p.RunOnAll(func(sh *Shard) {
		atomic.AddInt64(&hits[sh.ID()], 1)
	})

	for i, h := range hits {
		if h != 1 {
			t.Errorf("shard %d ran %d times, want 1", i, h)
		}
	}
}

func TestPoolAwaitReturnsResult(t *testing.T) {
	p := NewPool(2)
	defer p.Stop()

	err := p.Await(1, func() error {
		return errBoom
	})
	if err != errBoom {
		t.Fatalf("expected errBoom, got %v", err)
	}
}

var errBoom = &sentinel{"boom"}

type sentinel struct{ msg string }

func (s *sentinel) Error() string { return s.msg }
