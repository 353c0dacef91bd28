package logger

import (
	"context"

	"go.uber.org/zap"
)

// Standard field names for consistent structured logging.
// Use these constants instead of raw strings.
const (
	// Identity
	FieldTxID      = "tx_id"
	FieldBlockID   = "block_id"
	FieldPageID    = "page_id"
	FieldAgentID   = "agent_id"
	FieldUserID    = "user_id"
	FieldRequestID = "request_id"

	// Components
	FieldComponent = "component"
	FieldSymbol    = "symbol"

	// Operations
	FieldOperation = "operation"
	FieldMethod    = "method"
	FieldPath      = "path"
	FieldEvent     = "event"

	// Timing
	FieldDurationMS = "duration_ms"
	FieldDelay      = "delay"

	// Errors
	FieldError     = "error"
	FieldErrorCode = "error_code"

	// Counts
	FieldCount     = "count"
	FieldBatchSize = "batch_size"
	FieldRetries   = "retries"

	// Status
	FieldStatus = "status"
	FieldLeader = "leader"
	FieldOnline = "online"

	// Network
	FieldAddress = "address"
	FieldURL     = "url"
)

type contextKey string

const (
	txIDKey      contextKey = "logger_tx_id"
	agentIDKey   contextKey = "logger_agent_id"
	requestIDKey contextKey = "logger_request_id"
)

// WithTxID adds a transaction ID to the context for logging
func WithTxID(ctx context.Context, txID string) context.Context {
	return context.WithValue(ctx, txIDKey, txID)
}

// WithAgentID adds an agent ID to the context for logging
func WithAgentID(ctx context.Context, agentID string) context.Context {
	return context.WithValue(ctx, agentIDKey, agentID)
}

// WithRequestID adds a request ID to the context for logging
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, requestIDKey, requestID)
}

// FieldsFromContext extracts logging fields from context as key-value pairs
// suitable for Infow/Errorw.
func FieldsFromContext(ctx context.Context) []interface{} {
	var fields []interface{}
	if v, ok := ctx.Value(txIDKey).(string); ok && v != "" {
		fields = append(fields, FieldTxID, v)
	}
	if v, ok := ctx.Value(agentIDKey).(string); ok && v != "" {
		fields = append(fields, FieldAgentID, v)
	}
	if v, ok := ctx.Value(requestIDKey).(string); ok && v != "" {
		fields = append(fields, FieldRequestID, v)
	}
	return fields
}

// FromContext returns base (or the global logger when base is nil) enriched
// with the fields carried by ctx.
func FromContext(ctx context.Context, base *zap.SugaredLogger) *zap.SugaredLogger {
	if base == nil {
		base = Logger
	}
	fields := FieldsFromContext(ctx)
	if len(fields) == 0 {
		return base
	}
	return base.With(fields...)
}

// ComponentLogger returns a named logger for a specific component.
// This is the preferred way to get a logger for dependency injection.
//
// Example:
//
//	log := logger.ComponentLogger("agent")
func ComponentLogger(name string) *zap.SugaredLogger {
	return Logger.Named(name)
}
