package logging

import (
	"context"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

type contextKey string

const (
	loggerKey  contextKey = "logger"
	traceIDKey contextKey = "trace_id"
)

// TraceHeader carries the request trace id
const TraceHeader = "X-Trace-ID"

// GenerateTraceID generates a new trace ID
func GenerateTraceID() string {
	return uuid.New().String()
}

// FromContext retrieves the logger from context
func FromContext(ctx context.Context) *Logger {
	if l, ok := ctx.Value(loggerKey).(*Logger); ok {
		return l
	}
	return Default()
}

// NewContext creates a new context with the logger
func NewContext(ctx context.Context, l *Logger) context.Context {
	return context.WithValue(ctx, loggerKey, l)
}

// TraceIDFromContext returns the trace id stored in ctx, if any
func TraceIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(traceIDKey).(string)
	return id
}

// WithTraceContext adds a trace ID to the context and returns a logger with it
func WithTraceContext(ctx context.Context, traceID string) (context.Context, *Logger) {
	if traceID == "" {
		traceID = GenerateTraceID()
	}
	l := Default().WithTraceID(traceID)
	ctx = context.WithValue(ctx, traceIDKey, traceID)
	return NewContext(ctx, l), l
}

// AccountContext creates a logger for operations on one account
func AccountContext(ctx context.Context, accountID, operation string) *Logger {
	return FromContext(ctx).WithFields(map[string]interface{}{
		"account_id": accountID,
		"operation":  operation,
	}).WithComponent("ledger")
}

// SettlementContext creates a logger for a batch settlement run
func SettlementContext(runID string, threshold time.Duration) *Logger {
	return Default().WithFields(map[string]interface{}{
		"run_id":    runID,
		"threshold": threshold.String(),
	}).WithComponent("settlement")
}

// APIContext creates a logger context for API operations
func APIContext(method, path string, statusCode int) *Logger {
	return Default().WithFields(map[string]interface{}{
		"method":      method,
		"path":        path,
		"status_code": statusCode,
	}).WithComponent("api")
}

// GinMiddleware tags each request with a trace id and logs its outcome.
func GinMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		ctx, _ := WithTraceContext(c.Request.Context(), c.GetHeader(TraceHeader))
		c.Request = c.Request.WithContext(ctx)
		c.Header(TraceHeader, TraceIDFromContext(ctx))

		c.Next()

		l := APIContext(c.Request.Method, c.FullPath(), c.Writer.Status()).
			WithTraceID(TraceIDFromContext(ctx)).
			WithDuration(time.Since(start))
		switch {
		case c.Writer.Status() >= 500:
			l.Error("request failed")
		case c.Writer.Status() >= 400:
			l.Warn("request rejected")
		default:
			l.Debug("request handled")
		}
	}
}
