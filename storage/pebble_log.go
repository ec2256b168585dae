package storage

import (
	"context"
	"encoding/binary"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/pebble"
	"go.uber.org/zap"

	"github.com/maxpert/mswitch/errors"
	"github.com/maxpert/mswitch/interfaces"
)

var (
	pebbleOpPrefix = []byte("op/")
	pebbleOpEnd    = []byte("op0") // first key after the "op/" range
)

// PebbleLogOptions configures a PebbleLog
type PebbleLogOptions struct {
	Dir           string
	Fsync         FsyncMode
	FsyncInterval time.Duration
	Metrics       interfaces.AppendMetrics
	Logger        *zap.Logger
}

// PebbleLog stores operations in a Pebble LSM under big-endian sequence
// keys, so iteration order is append order. Pebble's own commit pipeline
// coalesces concurrent synced writes.
type PebbleLog struct {
	db        *pebble.DB
	writeOpts *pebble.WriteOptions
	metrics   interfaces.AppendMetrics
	logger    *zap.Logger
	dir       string

	next    atomic.Uint64
	appends atomic.Uint64
	closed  atomic.Bool
}

// OpenPebbleLog opens or creates the Pebble database under opts.Dir/pebble
func OpenPebbleLog(opts PebbleLogOptions) (*PebbleLog, error) {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}

	dir := filepath.Join(opts.Dir, "pebble")
	po := &pebble.Options{}
	writeOpts := pebble.NoSync

	switch opts.Fsync {
	case FsyncNever:
	case FsyncInterval:
		interval := opts.FsyncInterval
		if interval <= 0 {
			interval = DefaultFsyncInterval
		}
		po.WALMinSyncInterval = func() time.Duration { return interval }
		writeOpts = pebble.Sync
	default:
		writeOpts = pebble.Sync
	}

	db, err := pebble.Open(dir, po)
	if err != nil {
		return nil, errors.NewStorageUnavailable("open", dir, err)
	}

	l := &PebbleLog{
		db:        db,
		writeOpts: writeOpts,
		metrics:   opts.Metrics,
		logger:    opts.Logger.With(zap.String("backend", BackendPebble), zap.String("dir", dir)),
		dir:       dir,
	}

	last, err := l.lastSequence()
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	l.next.Store(last)

	l.logger.Debug("Opened pebble operation log", zap.Uint64("last_position", last))
	return l, nil
}

func (l *PebbleLog) lastSequence() (uint64, error) {
	iter, err := l.db.NewIter(&pebble.IterOptions{
		LowerBound: pebbleOpPrefix,
		UpperBound: pebbleOpEnd,
	})
	if err != nil {
		return 0, errors.NewStorageUnavailable("open", l.dir, err)
	}
	defer iter.Close()

	if !iter.Last() {
		return 0, iter.Error()
	}
	seq, ok := decodePebbleKey(iter.Key())
	if !ok {
		return 0, errors.NewStorageCorruption("open", l.dir, nil)
	}
	return seq, nil
}

func (l *PebbleLog) Append(ctx context.Context, record []byte) (interfaces.Position, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if l.closed.Load() {
		return 0, interfaces.ErrLogClosed
	}

	seq := l.next.Add(1)
	start := time.Now()
	if err := l.db.Set(pebbleKey(seq), record, l.writeOpts); err != nil {
		if l.metrics != nil {
			l.metrics.RecordLogAppendError(BackendPebble)
		}
		return 0, errors.NewStorageUnavailable("append", l.dir, err)
	}

	l.appends.Add(1)
	if l.metrics != nil {
		l.metrics.RecordLogAppend(BackendPebble)
		if l.writeOpts == pebble.Sync {
			l.metrics.RecordLogFsync(BackendPebble, time.Since(start).Seconds())
		}
	}
	return interfaces.Position(seq), nil
}

func (l *PebbleLog) Replay(ctx context.Context, fn interfaces.ReplayFunc) error {
	iter, err := l.db.NewIter(&pebble.IterOptions{
		LowerBound: pebbleOpPrefix,
		UpperBound: pebbleOpEnd,
	})
	if err != nil {
		return errors.NewStorageUnavailable("replay", l.dir, err)
	}
	defer iter.Close()

	for valid := iter.First(); valid; valid = iter.Next() {
		if err := ctx.Err(); err != nil {
			return err
		}
		seq, ok := decodePebbleKey(iter.Key())
		if !ok {
			return errors.NewStorageCorruption("replay", l.dir, nil)
		}
		// Value is only valid until the iterator moves
		value := append([]byte(nil), iter.Value()...)
		if err := fn(interfaces.Position(seq), value); err != nil {
			return err
		}
	}
	if err := iter.Error(); err != nil {
		return errors.NewStorageUnavailable("replay", l.dir, err)
	}
	return nil
}

func (l *PebbleLog) Close() error {
	if !l.closed.CompareAndSwap(false, true) {
		return nil
	}
	if err := l.db.Flush(); err != nil {
		l.logger.Warn("Pebble flush on close failed", zap.Error(err))
	}
	return l.db.Close()
}

func (l *PebbleLog) Stats() interfaces.LogStats {
	var size int64
	if m := l.db.Metrics(); m != nil {
		size = int64(m.DiskSpaceUsage())
	}
	return interfaces.LogStats{
		Backend:   BackendPebble,
		Appends:   l.appends.Load(),
		LastPos:   interfaces.Position(l.next.Load()),
		SizeBytes: size,
	}
}

func pebbleKey(seq uint64) []byte {
	key := make([]byte, 0, len(pebbleOpPrefix)+8)
	key = append(key, pebbleOpPrefix...)
	return binary.BigEndian.AppendUint64(key, seq)
}

func decodePebbleKey(key []byte) (uint64, bool) {
	if len(key) != len(pebbleOpPrefix)+8 {
		return 0, false
	}
	return binary.BigEndian.Uint64(key[len(pebbleOpPrefix):]), true
}
