// Package proactor implements a minimal goroutine-per-shard scheduler,
// the Go stand-in for the cooperative fiber-scheduling model each shard
// runs under. One Shard pins exactly one goroutine; all state belonging to
// that shard (its journal slice, its migration flows) must only ever be
// touched from inside a closure run on that Shard.
package proactor

import "sync"

// task is a unit of work dispatched to a Shard's goroutine.
type task struct {
	fn   func()
	done chan struct{}
}

// Shard is a single-goroutine execution context. Closures submitted via Run
// or the owning Pool's Await are guaranteed to execute one at a time, in
// submission order, on the same goroutine for the lifetime of the Shard.
type Shard struct {
	id     int
	queue  chan task
	closed chan struct{}
	wg     sync.WaitGroup

	mu   sync.Mutex
	data map[string]any
}

// NewShard starts a Shard's goroutine and returns a handle to it.
func NewShard(id int) *Shard {
	s := &Shard{
		id:     id,
		queue:  make(chan task, 256),
		closed: make(chan struct{}),
		data:   make(map[string]any),
	}
	s.wg.Add(1)
	go s.loop()
	return s
}

// ID returns the shard's index within its Pool.
func (s *Shard) ID() int {
	return s.id
}

func (s *Shard) loop() {
	defer s.wg.Done()
	for {
		select {
		case t := <-s.queue:
			t.fn()
			if t.done != nil {
				close(t.done)
			}
		case <-s.closed:
			// Drain anything already queued so callers blocked on Await
			// never hang because the shard shut down underneath them.
			for {
				select {
				case t := <-s.queue:
					t.fn()
					if t.done != nil {
						close(t.done)
					}
				default:
					return
				}
			}
		}
	}
}

// Run submits fn to the shard's goroutine and blocks until it has run. If
// the shard has been stopped, Run returns without running fn.
func (s *Shard) Run(fn func()) {
	done := make(chan struct{})
	select {
	case s.queue <- task{fn: fn, done: done}:
		<-done
	case <-s.closed:
	}
}

// Stop terminates the shard's goroutine after draining pending work.
func (s *Shard) Stop() {
	close(s.closed)
	s.wg.Wait()
}

// Set stores a value in the shard's thread-confined key/value slot. Callers
// must only invoke this from inside a closure already running on the shard.
func (s *Shard) Set(key string, v any) {
	s.mu.Lock()
	s.data[key] = v
	s.mu.Unlock()
}

// Get retrieves a value previously stored with Set. Like Set, this is only
// safe to call from the shard's own goroutine; it exists (rather than a bare
// map field) so the shard's per-component state (its *journal.Slice, its
// active *cluster.ShardMigrationFlow set) can be attached without every
// package importing every other package.
func (s *Shard) Get(key string) (any, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.data[key]
	return v, ok
}

// Pool is a fixed set of Shards — the "ShardSet" spec.md §6 calls the pool
// abstraction the journal facade depends on to run a closure on every
// scheduler and await completion.
type Pool struct {
	shards []*Shard
}

// NewPool starts n shards.
func NewPool(n int) *Pool {
	p := &Pool{shards: make([]*Shard, n)}
	for i := 0; i < n; i++ {
		p.shards[i] = NewShard(i)
	}
	return p
}

// Size returns the number of shards in the pool.
func (p *Pool) Size() int {
	return len(p.shards)
}

// Shard returns the shard at the given index.
func (p *Pool) Shard(i int) *Shard {
	return p.shards[i]
}

// RunOnAll runs fn on every shard's goroutine and blocks until all of them
// have completed it. fn receives the shard so callers can look up per-shard
// state.
func (p *Pool) RunOnAll(fn func(*Shard)) {
	var wg sync.WaitGroup
	wg.Add(len(p.shards))
	for _, sh := range p.shards {
		sh := sh
		go func() {
			defer wg.Done()
			sh.Run(func() { fn(sh) })
		}()
	}
	wg.Wait()
}

// Await runs fn on the named shard's goroutine and returns its result. This
// is the cross-thread hop for code that must touch another shard's state
// and needs an error back (the server's journal writes and ring reads use it).
func (p *Pool) Await(shardID int, fn func() error) error {
	var err error
	p.shards[shardID].Run(func() { err = fn() })
	return err
}

// Stop shuts down every shard's goroutine.
func (p *Pool) Stop() {
	for _, sh := range p.shards {
		sh.Stop()
	}
}
