package storage

import (
	"context"
	"sync"

	"github.com/maxpert/mswitch/errors"
	"github.com/maxpert/mswitch/interfaces"
)

// MemoryLog implements OperationLog in memory. Nothing survives the process;
// it exists for tests and for running the switch without durability.
type MemoryLog struct {
	records [][]byte
	mutex   sync.Mutex
	closed  bool
	failErr error
}

// NewMemoryLog creates an empty in-memory log
func NewMemoryLog() *MemoryLog {
	return &MemoryLog{}
}

func (m *MemoryLog) Append(ctx context.Context, record []byte) (interfaces.Position, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	m.mutex.Lock()
	defer m.mutex.Unlock()

	if m.closed {
		return 0, interfaces.ErrLogClosed
	}
	if m.failErr != nil {
		return 0, errors.NewStorageUnavailable("append", BackendMemory, m.failErr)
	}

	// Copy to avoid external modifications
	rec := make([]byte, len(record))
	copy(rec, record)
	m.records = append(m.records, rec)

	return interfaces.Position(len(m.records)), nil
}

func (m *MemoryLog) Replay(ctx context.Context, fn interfaces.ReplayFunc) error {
	m.mutex.Lock()
	records := make([][]byte, len(m.records))
	copy(records, m.records)
	m.mutex.Unlock()

	for i, rec := range records {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := fn(interfaces.Position(i+1), rec); err != nil {
			return err
		}
	}
	return nil
}

func (m *MemoryLog) Close() error {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.closed = true
	return nil
}

// FailAppends makes every following Append fail with cause until called
// again with nil
func (m *MemoryLog) FailAppends(cause error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.failErr = cause
}

// Len returns the number of stored records
func (m *MemoryLog) Len() int {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	return len(m.records)
}

// Inject appends a raw record without validation. Used to simulate damage.
func (m *MemoryLog) Inject(record []byte) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.records = append(m.records, record)
}

func (m *MemoryLog) Stats() interfaces.LogStats {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	var size int64
	for _, rec := range m.records {
		size += int64(len(rec))
	}
	return interfaces.LogStats{
		Backend:   BackendMemory,
		Appends:   uint64(len(m.records)),
		LastPos:   interfaces.Position(len(m.records)),
		SizeBytes: size,
	}
}
