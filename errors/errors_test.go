package errors

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSwitchError(t *testing.T) {
	err := &SwitchError{
		Code:    NotFound,
		Message: "resource not found",
		Op:      "send",
	}

	assert.Equal(t, "switch error 404 in send: resource not found", err.Error())
	assert.Nil(t, err.Unwrap())
}

func TestSwitchErrorWithoutOp(t *testing.T) {
	err := &SwitchError{
		Code:    InternalError,
		Message: "internal failure",
	}

	assert.Equal(t, "switch error 541: internal failure", err.Error())
}

func TestSwitchErrorWithCause(t *testing.T) {
	cause := errors.New("underlying error")
	err := &SwitchError{
		Code:    InternalError,
		Message: "wrapper error",
		Cause:   cause,
	}

	assert.Equal(t, cause, err.Unwrap())
	assert.True(t, errors.Is(err, cause))
}

func TestQueueNotFound(t *testing.T) {
	err := NewQueueNotFound("orders", "send")

	assert.Equal(t, NotFound, err.Code)
	assert.Equal(t, "orders", err.QueueName)
	assert.Equal(t, "send", err.Op)
	assert.Contains(t, err.Error(), "orders")
	assert.True(t, IsNotFound(err))
	assert.True(t, IsQueueError(err))
	assert.False(t, IsStorageError(err))
}

func TestInvalidQueueName(t *testing.T) {
	err := NewInvalidQueueName("", "create")

	assert.Equal(t, InvalidArgument, err.Code)
	assert.False(t, IsNotFound(err))
}

func TestStorageUnavailable(t *testing.T) {
	cause := errors.New("disk full")
	err := NewStorageUnavailable("append", "wal", cause)

	assert.Equal(t, ResourceError, err.Code)
	assert.Equal(t, "append", err.Operation)
	assert.Equal(t, "wal", err.Resource)
	assert.Equal(t, cause, err.Unwrap())
	assert.True(t, IsStorageError(err))
	assert.False(t, IsCorruption(err))
}

func TestStorageCorruption(t *testing.T) {
	err := NewStorageCorruption("read", "segment 3", nil)

	assert.Equal(t, Corruption, err.Code)
	assert.True(t, IsCorruption(err))
}

func TestStorageLocked(t *testing.T) {
	err := NewStorageLocked("/var/lib/mswitch", nil)

	assert.Equal(t, ResourceLocked, err.Code)
	assert.Contains(t, err.Error(), "locked")
}

func TestCorruptRecord(t *testing.T) {
	cause := errors.New("cbor: unexpected EOF")
	err := NewCorruptRecord("pebble", 42, cause)

	assert.Equal(t, uint64(42), err.Position)
	assert.True(t, IsCorruption(err))
	assert.True(t, IsStorageError(err))
	assert.Equal(t, Corruption, GetErrorCode(err))
	assert.True(t, errors.Is(err, cause))

	var storageErr *StorageError
	assert.True(t, errors.As(err, &storageErr))
	assert.Equal(t, "replay", storageErr.Operation)
}

func TestConfigValidationError(t *testing.T) {
	err := NewConfigValidationError("storage", "backend", "unknown backend")

	assert.Equal(t, "storage", err.Section)
	assert.Equal(t, "backend", err.Key)
	assert.Contains(t, err.Message, "unknown backend")
	assert.True(t, IsConfigError(err))
}

func TestWrappedErrors(t *testing.T) {
	base := NewQueueNotFound("jobs", "ack")
	wrapped := fmt.Errorf("engine: %w", base)

	assert.True(t, IsNotFound(wrapped))
	assert.Equal(t, NotFound, GetErrorCode(wrapped))

	var queueErr *QueueError
	assert.True(t, errors.As(wrapped, &queueErr))
	assert.Equal(t, "jobs", queueErr.QueueName)
}

func TestGetErrorCodeOnPlainError(t *testing.T) {
	assert.Equal(t, 0, GetErrorCode(errors.New("plain")))
	assert.False(t, IsNotFound(nil))
}
