package sink

import (
	"context"
	"encoding/binary"
	"fmt"
	"sync/atomic"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/opt"
	"github.com/syndtr/goleveldb/leveldb/util"

	"firestige.xyz/recorder/internal/core"
)

var recordPrefix = []byte("r/")

// LevelDB appends records to a LevelDB database. Keys sort by capture time,
// then by arrival, so a scan replays records in the order they were decoded.
type LevelDB struct {
	db      *leveldb.DB
	path    string
	counter atomic.Uint64
}

func OpenLevelDB(path string) (*LevelDB, error) {
	if path == "" {
		return nil, fmt.Errorf("%w: leveldb sink needs a path", core.ErrConfiguration)
	}
	db, err := leveldb.OpenFile(path, &opt.Options{
		WriteBuffer: 16 * opt.MiB,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: open leveldb %s: %w", core.ErrSink, path, err)
	}
	return &LevelDB{db: db, path: path}, nil
}

func (l *LevelDB) Name() string { return TypeLevelDB }

func (l *LevelDB) key(rec core.Record) []byte {
	k := make([]byte, 0, len(recordPrefix)+16)
	k = append(k, recordPrefix...)
	k = binary.BigEndian.AppendUint64(k, uint64(rec.Time.UnixNano()))
	return binary.BigEndian.AppendUint64(k, l.counter.Add(1))
}

func (l *LevelDB) Put(_ core.StreamID, rec core.Record) error {
	v, err := Marshal(rec)
	if err != nil {
		return err
	}
	if err := l.db.Put(l.key(rec), v, nil); err != nil {
		return fmt.Errorf("%w: leveldb put: %w", core.ErrSink, err)
	}
	return nil
}

func (l *LevelDB) PutBatch(_ context.Context, batch []Entry) error {
	b := new(leveldb.Batch)
	for _, e := range batch {
		v, err := Marshal(e.Record)
		if err != nil {
			return err
		}
		b.Put(l.key(e.Record), v)
	}
	if err := l.db.Write(b, nil); err != nil {
		return fmt.Errorf("%w: leveldb write %d records: %w", core.ErrSink, b.Len(), err)
	}
	return nil
}

// Scan calls fn with every stored document in key order until fn returns
// false.
func (l *LevelDB) Scan(fn func(doc []byte) bool) error {
	it := l.db.NewIterator(util.BytesPrefix(recordPrefix), nil)
	defer it.Release()
	for it.Next() {
		if !fn(it.Value()) {
			break
		}
	}
	return it.Error()
}

func (l *LevelDB) Close() error {
	return l.db.Close()
}
