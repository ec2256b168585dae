package storage

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maxpert/mswitch/errors"
	"github.com/maxpert/mswitch/interfaces"
	"github.com/maxpert/mswitch/protocol"
)

func appendOps(t *testing.T, log interfaces.OperationLog, ops ...protocol.Operation) {
	t.Helper()
	for _, op := range ops {
		data, err := EncodeOperation(op)
		require.NoError(t, err)
		_, err = log.Append(context.Background(), data)
		require.NoError(t, err)
	}
}

func decodeAll(t *testing.T, log interfaces.OperationLog) []protocol.Operation {
	t.Helper()
	var ops []protocol.Operation
	err := log.Replay(context.Background(), func(_ interfaces.Position, record []byte) error {
		op, ok := DecodeOperation(record)
		require.True(t, ok)
		ops = append(ops, op)
		return nil
	})
	require.NoError(t, err)
	return ops
}

func mid(queue string, id int64) protocol.MessageID {
	return protocol.MessageID{Queue: queue, ID: id}
}

func TestCompactDropsAckedAndRemoved(t *testing.T) {
	src := NewMemoryLog()
	appendOps(t, src,
		protocol.DirectoryAdd("jobs"),
		protocol.Send(mid("jobs", 0), sampleEntry("a")),
		protocol.Send(mid("jobs", 1), sampleEntry("b")),
		protocol.Send(mid("jobs", 2), sampleEntry("c")),
		protocol.Ack(mid("jobs", 0)),
		protocol.Ack(mid("jobs", 0)),
		protocol.DirectoryAdd("tmp"),
		protocol.Send(mid("tmp", 0), sampleEntry("x")),
		protocol.DirectoryRemove("tmp"),
	)

	dst := NewMemoryLog()
	stats, err := Compact(context.Background(), src, dst)
	require.NoError(t, err)

	assert.Equal(t, 9, stats.RecordsIn)
	assert.Equal(t, 3, stats.RecordsOut)
	assert.Equal(t, 1, stats.Queues)
	assert.Equal(t, uint64(2), stats.Entries)
	assert.Equal(t, uint64(1), stats.Acked)

	ops := decodeAll(t, dst)
	require.Len(t, ops, 3)
	assert.Equal(t, protocol.DirectoryAdd("jobs"), ops[0])
	assert.Equal(t, mid("jobs", 1), ops[1].MessageID())
	assert.Equal(t, mid("jobs", 2), ops[2].MessageID())
}

func TestCompactKeepsHighWaterMark(t *testing.T) {
	src := NewMemoryLog()
	appendOps(t, src,
		protocol.DirectoryAdd("jobs"),
		protocol.Send(mid("jobs", 0), sampleEntry("a")),
		protocol.Send(mid("jobs", 1), sampleEntry("b")),
		protocol.Send(mid("jobs", 2), sampleEntry("c")),
		protocol.Ack(mid("jobs", 2)),
		protocol.Ack(mid("jobs", 1)),
	)

	dst := NewMemoryLog()
	_, err := Compact(context.Background(), src, dst)
	require.NoError(t, err)

	ops := decodeAll(t, dst)
	require.Len(t, ops, 4)
	assert.Equal(t, protocol.OpDirectoryAdd, ops[0].Kind)
	assert.Equal(t, protocol.OpSend, ops[1].Kind)
	assert.Equal(t, int64(0), ops[1].ID)
	// the acked maximum is re-sent and re-acked
	assert.Equal(t, protocol.OpSend, ops[2].Kind)
	assert.Equal(t, int64(2), ops[2].ID)
	assert.Equal(t, protocol.Ack(mid("jobs", 2)), ops[3])
}

func TestCompactResetsRecreatedQueue(t *testing.T) {
	src := NewMemoryLog()
	appendOps(t, src,
		protocol.DirectoryAdd("jobs"),
		protocol.Send(mid("jobs", 5), sampleEntry("old")),
		protocol.DirectoryRemove("jobs"),
		protocol.DirectoryAdd("jobs"),
		protocol.Send(mid("jobs", 0), sampleEntry("new")),
	)

	dst := NewMemoryLog()
	_, err := Compact(context.Background(), src, dst)
	require.NoError(t, err)

	ops := decodeAll(t, dst)
	require.Len(t, ops, 2)
	assert.Equal(t, int64(0), ops[1].ID)
	assert.Equal(t, []byte("new"), ops[1].Entry.Message.Payload)
}

func TestCompactIgnoresSendsToMissingQueues(t *testing.T) {
	src := NewMemoryLog()
	appendOps(t, src,
		protocol.Send(mid("ghost", 0), sampleEntry("lost")),
		protocol.Ack(mid("ghost", 0)),
	)

	dst := NewMemoryLog()
	stats, err := Compact(context.Background(), src, dst)
	require.NoError(t, err)
	assert.Equal(t, 0, stats.RecordsOut)
	assert.Equal(t, 0, dst.Len())
}

func TestCompactFailsOnCorruptRecord(t *testing.T) {
	src := NewMemoryLog()
	appendOps(t, src, protocol.DirectoryAdd("jobs"))
	src.Inject([]byte{0xff, 0x00, 0x13})

	_, err := Compact(context.Background(), src, NewMemoryLog())
	require.Error(t, err)
	assert.True(t, errors.IsCorruption(err))

	var corrupt *errors.CorruptRecordError
	require.ErrorAs(t, err, &corrupt)
	assert.Equal(t, uint64(2), corrupt.Position)
}

func TestCompactRefusesNonEmptyTarget(t *testing.T) {
	src := NewMemoryLog()
	appendOps(t, src, protocol.DirectoryAdd("jobs"))

	dst := NewMemoryLog()
	appendOps(t, dst, protocol.DirectoryAdd("stale"))

	_, err := Compact(context.Background(), src, dst)
	require.Error(t, err)
	assert.Equal(t, errors.PreconditionFailed, errors.GetErrorCode(err))
	assert.Equal(t, 1, dst.Len())
	assert.Equal(t, []protocol.Operation{protocol.DirectoryAdd("stale")}, decodeAll(t, dst))
}
