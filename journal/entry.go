package journal

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"

	"emberdb/protocol"
)

// Op is the closed set of journal entry opcodes.
type Op uint8

const (
	OpNoop Op = iota
	OpSelect
	OpCommand
	OpMultiCommand
	OpExec
	OpPing
	OpLSN
	OpFin
)

func (o Op) String() string {
	switch o {
	case OpNoop:
		return "NOOP"
	case OpSelect:
		return "SELECT"
	case OpCommand:
		return "COMMAND"
	case OpMultiCommand:
		return "MULTI_COMMAND"
	case OpExec:
		return "EXEC"
	case OpPing:
		return "PING"
	case OpLSN:
		return "LSN"
	case OpFin:
		return "FIN"
	default:
		return fmt.Sprintf("Op(%d)", uint8(o))
	}
}

// Entry is the canonical journal record. Slot is a pointer because it is
// only meaningful for migration-relevant entries; nil means "not present",
// matching spec.md's "optional slot identifier".
type Entry struct {
	TxID      uint64
	Opcode    Op
	DBID      uint32
	ShardCnt  uint32
	Slot      *uint32
	Argv      [][]byte
	LSNMarker uint64 // target LSN carried by an OpLSN marker
	LSN       uint64 // assigned by the slice at append time
}

// Encode serializes the entry to a self-delimited, endianness-independent
// record: fixed fields first, then length-prefixed argv elements, then a
// CRC32C (Castagnoli) trailer — the same framing discipline the teacher
// uses for its WAL records and protocol.LogEntry.
func (e Entry) Encode() []byte {
	size := 1 + 8 + 4 + 4 + 1 + 4 + 8 + 8 + 4
	for _, a := range e.Argv {
		size += 4 + len(a)
	}
	buf := make([]byte, size, size+4)

	off := 0
	buf[off] = byte(e.Opcode)
	off++
	binary.BigEndian.PutUint64(buf[off:], e.TxID)
	off += 8
	binary.BigEndian.PutUint32(buf[off:], e.DBID)
	off += 4
	binary.BigEndian.PutUint32(buf[off:], e.ShardCnt)
	off += 4
	if e.Slot != nil {
		buf[off] = 1
		off++
		binary.BigEndian.PutUint32(buf[off:], *e.Slot)
		off += 4
	} else {
		buf[off] = 0
		off++
		binary.BigEndian.PutUint32(buf[off:], 0)
		off += 4
	}
	binary.BigEndian.PutUint64(buf[off:], e.LSN)
	off += 8
	binary.BigEndian.PutUint64(buf[off:], e.LSNMarker)
	off += 8
	binary.BigEndian.PutUint32(buf[off:], uint32(len(e.Argv)))
	off += 4
	for _, a := range e.Argv {
		binary.BigEndian.PutUint32(buf[off:], uint32(len(a)))
		off += 4
		off += copy(buf[off:], a)
	}

	crc := crc32.Checksum(buf, protocol.Crc32Table)
	trailer := make([]byte, 4)
	binary.BigEndian.PutUint32(trailer, crc)
	return append(buf, trailer...)
}

// Decode parses a single encoded entry, returning the number of bytes
// consumed from b. It does not require b to contain exactly one record;
// callers that need framed stream reads should use Reader instead.
func Decode(b []byte) (Entry, int, error) {
	const minFixed = 1 + 8 + 4 + 4 + 1 + 4 + 8 + 8 + 4
	if len(b) < minFixed+4 {
		return Entry{}, 0, ErrMalformed
	}

	var e Entry
	off := 0
	e.Opcode = Op(b[off])
	off++
	e.TxID = binary.BigEndian.Uint64(b[off:])
	off += 8
	e.DBID = binary.BigEndian.Uint32(b[off:])
	off += 4
	e.ShardCnt = binary.BigEndian.Uint32(b[off:])
	off += 4
	slotPresent := b[off]
	off++
	slotVal := binary.BigEndian.Uint32(b[off:])
	off += 4
	if slotPresent != 0 {
		v := slotVal
		e.Slot = &v
	}
	e.LSN = binary.BigEndian.Uint64(b[off:])
	off += 8
	e.LSNMarker = binary.BigEndian.Uint64(b[off:])
	off += 8
	argc := binary.BigEndian.Uint32(b[off:])
	off += 4

	for i := uint32(0); i < argc; i++ {
		if off+4 > len(b) {
			return Entry{}, 0, ErrMalformed
		}
		alen := binary.BigEndian.Uint32(b[off:])
		off += 4
		if alen > protocol.MaxCommandSize || off+int(alen) > len(b) {
			return Entry{}, 0, ErrMalformed
		}
		arg := make([]byte, alen)
		copy(arg, b[off:off+int(alen)])
		e.Argv = append(e.Argv, arg)
		off += int(alen)
	}

	if off+4 > len(b) {
		return Entry{}, 0, ErrMalformed
	}
	wantCRC := binary.BigEndian.Uint32(b[off:])
	gotCRC := crc32.Checksum(b[:off], protocol.Crc32Table)
	off += 4
	if wantCRC != gotCRC {
		return Entry{}, 0, ErrMalformed
	}

	return e, off, nil
}
