package cluster

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"sync"

	"emberdb/journal"
	"emberdb/proactor"
)

// pipeSocket adapts a net.Conn (as produced by net.Pipe) to the Socket
// interface for tests that need to synthesize the sender side of a
// migration stream without a real TLS listener.
type pipeSocket struct {
	conn  net.Conn
	shard *proactor.Shard

	mu     sync.Mutex
	closed bool
}

func newPipeSocket(conn net.Conn, shard *proactor.Shard) *pipeSocket {
	return &pipeSocket{conn: conn, shard: shard}
}

func (p *pipeSocket) Read(b []byte) (int, error)  { return p.conn.Read(b) }
func (p *pipeSocket) Write(b []byte) (int, error) { return p.conn.Write(b) }

func (p *pipeSocket) Shutdown(direction int) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	return p.conn.Close()
}

func (p *pipeSocket) IsOpen() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return !p.closed
}

func (p *pipeSocket) NativeHandle() uintptr { return 0 }

func (p *pipeSocket) Proactor() *proactor.Shard { return p.shard }

// recordingExecutor is a test Executor double that appends every argv it
// is asked to execute, optionally failing on a configured trigger.
type recordingExecutor struct {
	mu       sync.Mutex
	applied  [][][]byte
	oomAfter int // return ErrOutOfMemory once len(applied) reaches this count; 0 disables
	global   map[string]bool
}

func newRecordingExecutor() *recordingExecutor {
	return &recordingExecutor{global: map[string]bool{"FLUSHALL": true}}
}

func (e *recordingExecutor) Execute(ctx context.Context, dbID uint32, argv [][]byte) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.oomAfter > 0 && len(e.applied) >= e.oomAfter {
		return ErrOutOfMemory
	}
	e.applied = append(e.applied, argv)
	return nil
}

func (e *recordingExecutor) IsGlobalCommand(argv [][]byte) bool {
	if len(argv) == 0 {
		return false
	}
	return e.global[string(argv[0])]
}

func (e *recordingExecutor) appliedCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.applied)
}

func writeCommand(t interface{ Fatalf(string, ...any) }, w io.Writer, txID uint64, argv [][]byte) {
	e := journal.Entry{TxID: txID, Opcode: journal.OpCommand, Argv: argv}
	if err := journal.WriteEntry(w, e); err != nil {
		t.Fatalf("writeCommand: %v", err)
	}
}

func writeLSNMarker(t interface{ Fatalf(string, ...any) }, w io.Writer, target uint64) {
	e := journal.Entry{Opcode: journal.OpLSN, LSNMarker: target}
	if err := journal.WriteEntry(w, e); err != nil {
		t.Fatalf("writeLSNMarker: %v", err)
	}
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

var errTest = errors.New("cluster test: sentinel")
