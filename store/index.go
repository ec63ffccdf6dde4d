package store

import (
	"fmt"
	"sync/atomic"

	"emberdb/protocol"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/opt"
)

// index is the durable key/value backend for one store partition. It is
// grounded on the teacher's LevelDBIndex (index.go) but holds values
// directly rather than WAL offset/length pointers: this store has no
// separate hand-rolled WAL, since goleveldb already maintains its own
// internal log and manifest for crash durability. Versioning by LSN is
// dropped too — callers never read against a historical snapshot, only
// the latest committed value.
type index struct {
	db          *leveldb.DB
	approxCount int64
	approxBytes int64
}

func openIndex(dir string) (*index, error) {
	opts := &opt.Options{
		Compression:            opt.NoCompression,
		BlockCacheCapacity:     32 * 1024 * 1024,
		OpenFilesCacheCapacity: 50,
		WriteBuffer:            32 * 1024 * 1024,
	}
	db, err := leveldb.OpenFile(dir, opts)
	if err != nil {
		return nil, fmt.Errorf("store: open leveldb index: %w", err)
	}

	idx := &index{db: db}
	iter := db.NewIterator(nil, nil)
	for iter.Next() {
		idx.approxCount++
		idx.approxBytes += int64(len(iter.Key()) + len(iter.Value()))
	}
	iter.Release()
	if err := iter.Error(); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: recover leveldb index: %w", err)
	}
	return idx, nil
}

func (idx *index) Close() error { return idx.db.Close() }

func (idx *index) get(key string) ([]byte, bool) {
	v, err := idx.db.Get([]byte(key), nil)
	if err != nil {
		return nil, false
	}
	out := make([]byte, len(v))
	copy(out, v)
	return out, true
}

// applyBatch writes every op to the index as a single atomic leveldb
// batch, then adjusts the approximate key-count/byte-size counters —
// these are estimates for Stats(), not read back for correctness.
func (idx *index) applyBatch(ops []protocol.LogEntry) error {
	batch := new(leveldb.Batch)
	for _, op := range ops {
		switch op.OpCode {
		case protocol.OpJournalSet:
			batch.Put(op.Key, op.Value)
		case protocol.OpJournalDelete:
			batch.Delete(op.Key)
		}
	}
	if err := idx.db.Write(batch, nil); err != nil {
		return err
	}
	for _, op := range ops {
		switch op.OpCode {
		case protocol.OpJournalSet:
			atomic.AddInt64(&idx.approxCount, 1)
			atomic.AddInt64(&idx.approxBytes, int64(len(op.Key)+len(op.Value)))
		case protocol.OpJournalDelete:
			atomic.AddInt64(&idx.approxCount, -1)
		}
	}
	return nil
}

func (idx *index) len() int64 { return atomic.LoadInt64(&idx.approxCount) }

func (idx *index) sizeBytes() int64 { return atomic.LoadInt64(&idx.approxBytes) }
