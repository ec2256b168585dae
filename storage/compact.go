package storage

import (
	"context"
	"sort"

	"github.com/RoaringBitmap/roaring/roaring64"

	"github.com/maxpert/mswitch/errors"
	"github.com/maxpert/mswitch/interfaces"
	"github.com/maxpert/mswitch/protocol"
)

// CompactStats describes one compaction run
type CompactStats struct {
	RecordsIn  int
	RecordsOut int
	Queues     int
	Entries    uint64
	Acked      uint64
}

type compactQueue struct {
	live    *roaring64.Bitmap
	acked   *roaring64.Bitmap
	records map[int64][]byte
	maxID   int64
	maxSend []byte
}

func newCompactQueue() *compactQueue {
	return &compactQueue{
		live:    roaring64.New(),
		acked:   roaring64.New(),
		records: make(map[int64][]byte),
		maxID:   -1,
	}
}

// Compact reads src and writes the smallest log to dst that replays to the
// same state: one DirectoryAdd per live queue followed by its live sends in
// id order. When the highest id a queue ever saw has been acked, that send
// and its ack are kept so the id high-water mark survives replay.
// dst must be empty; records already in it would be replayed ahead of the
// compacted history.
func Compact(ctx context.Context, src, dst interfaces.OperationLog) (CompactStats, error) {
	var stats CompactStats

	empty, err := isEmptyLog(ctx, dst)
	if err != nil {
		return stats, err
	}
	if !empty {
		return stats, errors.NewStorageError(errors.PreconditionFailed,
			"compaction target already holds records", "compact", "destination", nil)
	}

	queues := make(map[string]*compactQueue)

	err = src.Replay(ctx, func(pos interfaces.Position, record []byte) error {
		stats.RecordsIn++

		op, ok := DecodeOperation(record)
		if !ok {
			return errors.NewCorruptRecord("compact", uint64(pos), nil)
		}

		switch op.Kind {
		case protocol.OpDirectoryAdd:
			if _, exists := queues[op.Queue]; !exists {
				queues[op.Queue] = newCompactQueue()
			}
		case protocol.OpDirectoryRemove:
			delete(queues, op.Queue)
		case protocol.OpSend:
			q, exists := queues[op.Queue]
			if !exists {
				return nil
			}
			if op.ID > q.maxID {
				q.maxID = op.ID
				q.maxSend = record
			}
			if q.live.Contains(uint64(op.ID)) {
				return nil
			}
			q.live.Add(uint64(op.ID))
			q.acked.Remove(uint64(op.ID))
			q.records[op.ID] = record
		case protocol.OpAck:
			q, exists := queues[op.Queue]
			if !exists || op.ID < 0 || !q.live.Contains(uint64(op.ID)) {
				return nil
			}
			q.live.Remove(uint64(op.ID))
			q.acked.Add(uint64(op.ID))
			delete(q.records, op.ID)
		}
		return nil
	})
	if err != nil {
		return stats, err
	}

	names := make([]string, 0, len(queues))
	for name := range queues {
		names = append(names, name)
	}
	sort.Strings(names)

	write := func(record []byte) error {
		if _, err := dst.Append(ctx, record); err != nil {
			return err
		}
		stats.RecordsOut++
		return nil
	}

	for _, name := range names {
		q := queues[name]

		add, err := EncodeOperation(protocol.DirectoryAdd(name))
		if err != nil {
			return stats, err
		}
		if err := write(add); err != nil {
			return stats, err
		}

		it := q.live.Iterator()
		for it.HasNext() {
			if err := write(q.records[int64(it.Next())]); err != nil {
				return stats, err
			}
		}

		if q.maxID >= 0 && !q.live.Contains(uint64(q.maxID)) {
			ack, err := EncodeOperation(protocol.Ack(protocol.MessageID{Queue: name, ID: q.maxID}))
			if err != nil {
				return stats, err
			}
			if err := write(q.maxSend); err != nil {
				return stats, err
			}
			if err := write(ack); err != nil {
				return stats, err
			}
		}

		stats.Queues++
		stats.Entries += q.live.GetCardinality()
		stats.Acked += q.acked.GetCardinality()
	}

	return stats, nil
}

var errStopReplay = errors.NewStorageError(errors.InternalError, "replay stopped", "replay", "", nil)

func isEmptyLog(ctx context.Context, log interfaces.OperationLog) (bool, error) {
	found := false
	err := log.Replay(ctx, func(interfaces.Position, []byte) error {
		found = true
		return errStopReplay
	})
	if found {
		return false, nil
	}
	return err == nil, err
}
