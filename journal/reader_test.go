package journal

import (
	"bytes"
	"testing"
)

func TestReaderShortReadOnEmptyStream(t *testing.T) {
	r := NewReader(bytes.NewReader(nil))
	_, err := r.ReadEntry()
	if err != ErrShortRead {
		t.Fatalf("expected ErrShortRead, got %v", err)
	}
}

func TestReaderMalformedOnTruncatedHeader(t *testing.T) {
	r := NewReader(bytes.NewReader([]byte{0x00, 0x01}))
	_, err := r.ReadEntry()
	if err != ErrMalformed {
		t.Fatalf("expected ErrMalformed, got %v", err)
	}
}

func TestReaderMalformedOnTruncatedBody(t *testing.T) {
	var buf bytes.Buffer
	WriteEntry(&buf, Entry{Opcode: OpCommand, Argv: [][]byte{[]byte("hello")}})
	truncated := buf.Bytes()[:buf.Len()-3]

	r := NewReader(bytes.NewReader(truncated))
	_, err := r.ReadEntry()
	if err != ErrMalformed {
		t.Fatalf("expected ErrMalformed, got %v", err)
	}
}

func TestReaderRoundTripThroughWriteEntry(t *testing.T) {
	var buf bytes.Buffer
	want := Entry{TxID: 3, Opcode: OpCommand, DBID: 2, ShardCnt: 1, Argv: [][]byte{[]byte("GET"), []byte("k")}}
	if err := WriteEntry(&buf, want); err != nil {
		t.Fatalf("write: %v", err)
	}

	r := NewReader(&buf)
	got, err := r.ReadEntry()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if got.TxID != want.TxID || got.Opcode != want.Opcode {
		t.Fatalf("mismatch: got %+v want %+v", got, want)
	}
}
