package interfaces

import (
	"context"
	"errors"
)

// ErrLogClosed is returned by an OperationLog after Close
var ErrLogClosed = errors.New("operation log closed")

// Position identifies a record in an OperationLog. Positions increase in
// append order but need not be dense.
type Position uint64

// ReplayFunc receives every committed record in append order. Returning an
// error stops the replay and the error is returned from Replay.
type ReplayFunc func(pos Position, record []byte) error

// OperationLog is the durable, ordered record store the engine writes every
// mutation to before applying it.
type OperationLog interface {
	// Append durably stores record. When it returns nil the record survives
	// a crash; on error nothing may be assumed about the record.
	Append(ctx context.Context, record []byte) (Position, error)

	// Replay streams every committed record in append order. It is intended
	// to be called once at startup, before any Append.
	Replay(ctx context.Context, fn ReplayFunc) error

	// Close flushes and releases the log
	Close() error
}

// LogStats reports counters shared by all operation log backends
type LogStats struct {
	Backend   string
	Appends   uint64
	LastPos   Position
	SizeBytes int64
}

// StatsProvider is implemented by logs that can report LogStats
type StatsProvider interface {
	Stats() LogStats
}

// AppendMetrics is the hook a log uses to report write activity
type AppendMetrics interface {
	RecordLogAppend(backend string)
	RecordLogAppendError(backend string)
	RecordLogFsync(backend string, seconds float64)
	UpdateLogSize(backend string, bytes float64)
}
