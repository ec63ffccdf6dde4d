package journal

import (
	"encoding/binary"
	"fmt"
	"io"

	"emberdb/protocol"
)

// Reader wraps a byte stream producing framed journal entries: a 4-byte
// big-endian length prefix followed by that many bytes of Entry.Encode
// output (fixed fields, length-prefixed argv, CRC32C trailer). This
// mirrors the header-then-payload read loop replication.go's
// ReadReplicaAcks/applyBatch use against the teacher's own wire format.
type Reader struct {
	r io.Reader
}

// NewReader wraps r.
func NewReader(r io.Reader) *Reader {
	return &Reader{r: r}
}

// ReadEntry reads and decodes the next entry. On a clean stream close at
// an entry boundary it returns ErrShortRead. On a framing violation it
// returns ErrMalformed — the caller must abort the stream. Any other
// transport failure is wrapped and returned as-is. ReadEntry records
// nothing on any ExecutionState; callers record the outcome themselves
// since only the caller knows whether the failure is fatal to its loop.
func (r *Reader) ReadEntry() (Entry, error) {
	header := make([]byte, 4)
	n, err := io.ReadFull(r.r, header)
	if err != nil {
		if n == 0 && (err == io.EOF) {
			return Entry{}, ErrShortRead
		}
		if err == io.ErrUnexpectedEOF {
			return Entry{}, ErrMalformed
		}
		return Entry{}, fmt.Errorf("journal: read header: %w", err)
	}

	length := binary.BigEndian.Uint32(header)
	if length == 0 || length > protocol.MaxCommandSize {
		return Entry{}, ErrMalformed
	}

	body := make([]byte, length)
	if _, err := io.ReadFull(r.r, body); err != nil {
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			return Entry{}, ErrMalformed
		}
		return Entry{}, fmt.Errorf("journal: read body: %w", err)
	}

	e, _, err := Decode(body)
	if err != nil {
		return Entry{}, ErrMalformed
	}
	return e, nil
}

// WriteEntry frames and writes e to w — the counterpart to ReadEntry, used
// by producers (and by tests synthesizing the out-of-scope sender side).
func WriteEntry(w io.Writer, e Entry) error {
	body := e.Encode()
	header := make([]byte, 4)
	binary.BigEndian.PutUint32(header, uint32(len(body)))
	if _, err := w.Write(header); err != nil {
		return err
	}
	_, err := w.Write(body)
	return err
}
