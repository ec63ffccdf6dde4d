package journal

import (
	"bytes"
	"math/rand"
	"testing"
)

func TestEntryRoundTrip(t *testing.T) {
	slot := uint32(7)
	e := Entry{
		TxID:      42,
		Opcode:    OpCommand,
		DBID:      1,
		ShardCnt:  1,
		Slot:      &slot,
		Argv:      [][]byte{[]byte("SET"), []byte("a"), []byte("1")},
		LSN:       99,
		LSNMarker: 0,
	}

	b := e.Encode()
	got, n, err := Decode(b)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if n != len(b) {
		t.Fatalf("consumed %d, want %d", n, len(b))
	}
	if got.TxID != e.TxID || got.Opcode != e.Opcode || got.DBID != e.DBID || got.LSN != e.LSN {
		t.Fatalf("fields mismatch: got %+v want %+v", got, e)
	}
	if got.Slot == nil || *got.Slot != slot {
		t.Fatalf("slot mismatch: got %v", got.Slot)
	}
	if len(got.Argv) != len(e.Argv) {
		t.Fatalf("argv len mismatch")
	}
	for i := range e.Argv {
		if !bytes.Equal(got.Argv[i], e.Argv[i]) {
			t.Fatalf("argv[%d] mismatch", i)
		}
	}
}

func TestEntryRoundTripNoSlot(t *testing.T) {
	e := Entry{Opcode: OpPing}
	b := e.Encode()
	got, _, err := Decode(b)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.Slot != nil {
		t.Fatalf("expected nil slot, got %v", got.Slot)
	}
}

func TestDecodeRejectsCorruptedCRC(t *testing.T) {
	e := Entry{Opcode: OpCommand, Argv: [][]byte{[]byte("x")}}
	b := e.Encode()
	b[len(b)-1] ^= 0xFF
	if _, _, err := Decode(b); err != ErrMalformed {
		t.Fatalf("expected ErrMalformed, got %v", err)
	}
}

func TestDecodeRejectsTruncated(t *testing.T) {
	e := Entry{Opcode: OpCommand, Argv: [][]byte{[]byte("x")}}
	b := e.Encode()
	if _, _, err := Decode(b[:len(b)-2]); err != ErrMalformed {
		t.Fatalf("expected ErrMalformed, got %v", err)
	}
}

func TestEntryRandomRoundTrip(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	for i := 0; i < 10000; i++ {
		argc := rng.Intn(4)
		argv := make([][]byte, argc)
		for j := range argv {
			argv[j] = make([]byte, rng.Intn(16))
			rng.Read(argv[j])
		}
		e := Entry{
			TxID:     rng.Uint64(),
			Opcode:   Op(rng.Intn(8)),
			DBID:     rng.Uint32(),
			ShardCnt: 1,
			Argv:     argv,
			LSN:      rng.Uint64(),
		}
		b := e.Encode()
		got, _, err := Decode(b)
		if err != nil {
			t.Fatalf("iter %d: decode: %v", i, err)
		}
		if got.TxID != e.TxID || got.Opcode != e.Opcode || len(got.Argv) != len(e.Argv) {
			t.Fatalf("iter %d: mismatch got %+v want %+v", i, got, e)
		}
	}
}
