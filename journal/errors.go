package journal

import "errors"

var (
	// ErrShortRead is returned when the underlying stream closes cleanly at
	// an entry boundary — not a framing violation, just end of stream.
	ErrShortRead = errors.New("journal: short read at entry boundary")

	// ErrMalformed is returned when the bytes read do not form a valid
	// entry record (length fields out of range, CRC mismatch). Callers
	// must abort the stream on this error; it is not retryable.
	ErrMalformed = errors.New("journal: malformed entry")
)
