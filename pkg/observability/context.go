package observability

import (
	"context"
	"net/http"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// Context keys for correlation
type contextKey string

const (
	// RequestIDKey is the context key for request ID
	RequestIDKey contextKey = "request-id"

	// CorrelationIDKey is the context key for correlation ID (spans multiple requests)
	CorrelationIDKey contextKey = "correlation-id"

	// EnvironmentIDKey is the context key for the tenant environment ID
	EnvironmentIDKey contextKey = "vm-id"

	// TenantKey is the context key for the tenant username
	TenantKey contextKey = "tenant"
)

// Header keys for HTTP propagation
const (
	RequestIDHeader     = "X-Request-ID"
	CorrelationIDHeader = "X-Correlation-ID"
)

// WithRequestID adds a request ID to the context
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, RequestIDKey, requestID)
}

// GetRequestID retrieves the request ID from the context
func GetRequestID(ctx context.Context) string {
	if id, ok := ctx.Value(RequestIDKey).(string); ok {
		return id
	}
	return ""
}

// WithCorrelationID adds a correlation ID to the context
func WithCorrelationID(ctx context.Context, correlationID string) context.Context {
	return context.WithValue(ctx, CorrelationIDKey, correlationID)
}

// GetCorrelationID retrieves the correlation ID from the context
func GetCorrelationID(ctx context.Context) string {
	if id, ok := ctx.Value(CorrelationIDKey).(string); ok {
		return id
	}
	return ""
}

// WithEnvironmentID adds a tenant environment ID to the context
func WithEnvironmentID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, EnvironmentIDKey, id)
}

// GetEnvironmentID retrieves the tenant environment ID from the context
func GetEnvironmentID(ctx context.Context) string {
	if id, ok := ctx.Value(EnvironmentIDKey).(string); ok {
		return id
	}
	return ""
}

// WithTenant adds the tenant username to the context
func WithTenant(ctx context.Context, username string) context.Context {
	return context.WithValue(ctx, TenantKey, username)
}

// GetTenant retrieves the tenant username from the context
func GetTenant(ctx context.Context) string {
	if name, ok := ctx.Value(TenantKey).(string); ok {
		return name
	}
	return ""
}

// GenerateRequestID generates a new request ID
func GenerateRequestID() string {
	return uuid.New().String()
}

// ContextLogger returns a logger with correlation IDs from context
func ContextLogger(ctx context.Context, logger *zap.Logger) *zap.Logger {
	fields := []zap.Field{}

	if requestID := GetRequestID(ctx); requestID != "" {
		fields = append(fields, zap.String("request_id", requestID))
	}

	if correlationID := GetCorrelationID(ctx); correlationID != "" {
		fields = append(fields, zap.String("correlation_id", correlationID))
	}

	if id := GetEnvironmentID(ctx); id != "" {
		fields = append(fields, zap.String("vm_id", id))
	}

	if tenant := GetTenant(ctx); tenant != "" {
		fields = append(fields, zap.String("tenant", tenant))
	}

	// Add trace ID if available
	span := trace.SpanFromContext(ctx)
	if span.SpanContext().HasTraceID() {
		fields = append(fields, zap.String("trace_id", span.SpanContext().TraceID().String()))
		fields = append(fields, zap.String("span_id", span.SpanContext().SpanID().String()))
	}

	return logger.With(fields...)
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// CorrelationMiddleware extracts or generates request and correlation IDs,
// echoes the request ID back to the caller and writes one access log line
// per request.
func CorrelationMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()

			requestID := r.Header.Get(RequestIDHeader)
			if requestID == "" {
				requestID = GenerateRequestID()
			}
			ctx = WithRequestID(ctx, requestID)

			correlationID := r.Header.Get(CorrelationIDHeader)
			if correlationID == "" {
				correlationID = requestID
			}
			ctx = WithCorrelationID(ctx, correlationID)

			w.Header().Set(RequestIDHeader, requestID)
			rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

			start := time.Now()
			next.ServeHTTP(rec, r.WithContext(ctx))

			ctxLogger := ContextLogger(ctx, logger)
			fields := []zap.Field{
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", rec.status),
				zap.Duration("duration", time.Since(start)),
			}
			if rec.status >= http.StatusInternalServerError {
				ctxLogger.Warn("HTTP request failed", fields...)
			} else {
				ctxLogger.Info("HTTP request completed", fields...)
			}
		})
	}
}

// InjectCorrelation copies the context's correlation IDs onto an outgoing request
func InjectCorrelation(ctx context.Context, req *http.Request) {
	if requestID := GetRequestID(ctx); requestID != "" {
		req.Header.Set(RequestIDHeader, requestID)
	}
	if correlationID := GetCorrelationID(ctx); correlationID != "" {
		req.Header.Set(CorrelationIDHeader, correlationID)
	}
}
