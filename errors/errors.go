package errors

import (
	"errors"
	"fmt"
)

// SwitchError is the base error carried by every typed switch failure
type SwitchError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Op      string `json:"op,omitempty"`
	Cause   error  `json:"cause,omitempty"`
}

func (e *SwitchError) Error() string {
	if e.Op != "" {
		return fmt.Sprintf("switch error %d in %s: %s", e.Code, e.Op, e.Message)
	}
	return fmt.Sprintf("switch error %d: %s", e.Code, e.Message)
}

func (e *SwitchError) Unwrap() error {
	return e.Cause
}

func (e *SwitchError) As(target interface{}) bool {
	if switchErr, ok := target.(**SwitchError); ok {
		*switchErr = e
		return true
	}
	return false
}

// Error codes. The numbering follows the HTTP-like scheme used across the
// admin surface so codes can be surfaced to clients unchanged.
const (
	InvalidArgument    = 400
	NotFound           = 404
	ResourceLocked     = 405
	PreconditionFailed = 406
	ResourceError      = 506
	Corruption         = 507
	InternalError      = 541
)

// Queue Errors

// QueueError represents queue-specific errors
type QueueError struct {
	SwitchError
	QueueName string `json:"queue_name"`
}

func NewQueueError(code int, message, queueName, op string) *QueueError {
	return &QueueError{
		SwitchError: SwitchError{
			Code:    code,
			Message: message,
			Op:      op,
		},
		QueueName: queueName,
	}
}

func NewQueueNotFound(queueName, op string) *QueueError {
	return NewQueueError(NotFound, fmt.Sprintf("queue '%s' not found", queueName), queueName, op)
}

func NewInvalidQueueName(queueName, op string) *QueueError {
	return NewQueueError(InvalidArgument, fmt.Sprintf("invalid queue name '%s'", queueName), queueName, op)
}

func (e *QueueError) As(target interface{}) bool {
	if switchErr, ok := target.(**SwitchError); ok {
		*switchErr = &e.SwitchError
		return true
	}
	return false
}

// Storage Errors

// StorageError represents failures of the durable operation log
type StorageError struct {
	SwitchError
	Operation string `json:"operation"`
	Resource  string `json:"resource"`
}

func NewStorageError(code int, message, operation, resource string, cause error) *StorageError {
	return &StorageError{
		SwitchError: SwitchError{
			Code:    code,
			Message: message,
			Op:      operation,
			Cause:   cause,
		},
		Operation: operation,
		Resource:  resource,
	}
}

func NewStorageUnavailable(operation, resource string, cause error) *StorageError {
	message := fmt.Sprintf("storage unavailable for %s on %s", operation, resource)
	return NewStorageError(ResourceError, message, operation, resource, cause)
}

func NewStorageCorruption(operation, resource string, cause error) *StorageError {
	message := fmt.Sprintf("storage corruption detected during %s on %s", operation, resource)
	return NewStorageError(Corruption, message, operation, resource, cause)
}

func NewStorageLocked(resource string, cause error) *StorageError {
	message := fmt.Sprintf("storage %s is locked by another process", resource)
	return NewStorageError(ResourceLocked, message, "open", resource, cause)
}

func (e *StorageError) As(target interface{}) bool {
	if switchErr, ok := target.(**SwitchError); ok {
		*switchErr = &e.SwitchError
		return true
	}
	return false
}

// CorruptRecordError is returned by replay when a log record cannot be decoded.
// Position is the backend-specific sequence of the offending record.
type CorruptRecordError struct {
	StorageError
	Position uint64 `json:"position"`
}

func NewCorruptRecord(resource string, position uint64, cause error) *CorruptRecordError {
	return &CorruptRecordError{
		StorageError: StorageError{
			SwitchError: SwitchError{
				Code:    Corruption,
				Message: fmt.Sprintf("undecodable record at position %d in %s", position, resource),
				Op:      "replay",
				Cause:   cause,
			},
			Operation: "replay",
			Resource:  resource,
		},
		Position: position,
	}
}

func (e *CorruptRecordError) As(target interface{}) bool {
	switch t := target.(type) {
	case **SwitchError:
		*t = &e.SwitchError
		return true
	case **StorageError:
		*t = &e.StorageError
		return true
	}
	return false
}

// Configuration Errors

// ConfigError represents configuration-specific errors
type ConfigError struct {
	SwitchError
	Section string `json:"section"`
	Key     string `json:"key,omitempty"`
}

func NewConfigError(message, section, key string, cause error) *ConfigError {
	return &ConfigError{
		SwitchError: SwitchError{
			Code:    InvalidArgument,
			Message: message,
			Cause:   cause,
		},
		Section: section,
		Key:     key,
	}
}

func NewConfigValidationError(section, key, reason string) *ConfigError {
	message := fmt.Sprintf("configuration validation failed for %s.%s: %s", section, key, reason)
	return NewConfigError(message, section, key, nil)
}

func (e *ConfigError) As(target interface{}) bool {
	if switchErr, ok := target.(**SwitchError); ok {
		*switchErr = &e.SwitchError
		return true
	}
	return false
}

// Helper functions for common error checking

// IsQueueError checks if an error is a QueueError
func IsQueueError(err error) bool {
	var queueErr *QueueError
	return errors.As(err, &queueErr)
}

// IsStorageError checks if an error is a StorageError
func IsStorageError(err error) bool {
	var storageErr *StorageError
	return errors.As(err, &storageErr)
}

// IsCorruption checks if an error indicates damaged persisted data
func IsCorruption(err error) bool {
	var switchErr *SwitchError
	if errors.As(err, &switchErr) {
		return switchErr.Code == Corruption
	}
	return false
}

// IsNotFound checks if an error indicates a resource was not found
func IsNotFound(err error) bool {
	var switchErr *SwitchError
	if errors.As(err, &switchErr) {
		return switchErr.Code == NotFound
	}
	return false
}

// IsConfigError checks if an error is a ConfigError
func IsConfigError(err error) bool {
	var configErr *ConfigError
	return errors.As(err, &configErr)
}

// GetErrorCode returns the code if the error is a SwitchError
func GetErrorCode(err error) int {
	var switchErr *SwitchError
	if errors.As(err, &switchErr) {
		return switchErr.Code
	}
	return 0
}
