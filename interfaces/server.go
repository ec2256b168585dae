package interfaces

import (
	"context"
	"time"
)

// Logger defines the interface for logging operations
type Logger interface {
	Debug(msg string, fields ...LogField)
	Info(msg string, fields ...LogField)
	Warn(msg string, fields ...LogField)
	Error(msg string, fields ...LogField)
	Fatal(msg string, fields ...LogField)

	With(fields ...LogField) Logger
	Sync() error
}

// LogField represents a structured logging field
type LogField struct {
	Key   string
	Value interface{}
}

// Server defines the interface for switch server implementations
type Server interface {
	// Start recovers state and starts serving
	Start(ctx context.Context) error

	// Stop gracefully stops the server
	Stop(ctx context.Context) error

	// Health returns the server health status
	Health() HealthStatus

	// GetStats returns server statistics
	GetStats() *ServerStats
}

// HealthStatus represents server health information
type HealthStatus struct {
	Status    string
	Uptime    time.Duration
	Errors    []string
	Timestamp time.Time
}

// ServerStats provides server statistics
type ServerStats struct {
	Uptime          time.Duration
	Queues          int
	MessagesSent    int64
	MessagesAcked   int64
	MessagesDropped int64
	ReplayedRecords int64
	LogBackend      string
	LogLastPosition Position
}
