// Package logging wraps zap for the server: a process logger configured
// once at startup, request-scoped loggers carried in the context, and the
// field names shared across packages.
package logging

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type ctxKey int

const (
	loggerKey ctxKey = iota
	requestIDKey
)

var (
	mu sync.RWMutex
	// base is handed out to callers that log through it directly.
	base *zap.Logger
	// pkg backs the package-level helpers and skips their frame so the
	// caller is the code that called Info, Warn and so on.
	pkg *zap.Logger
)

// Config holds logging configuration.
type Config struct {
	Level      string // debug, info, warn, error
	Format     string // json, console
	OutputPath string // stdout, stderr, or file path
}

// Init builds the process logger from cfg.
func Init(cfg Config) error {
	var level zapcore.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		level = zapcore.InfoLevel
	}

	zc := zap.NewProductionConfig()
	if cfg.Format == "console" {
		zc = zap.NewDevelopmentConfig()
	}
	zc.Level = zap.NewAtomicLevelAt(level)
	if cfg.OutputPath != "" {
		zc.OutputPaths = []string{cfg.OutputPath}
	}

	logger, err := zc.Build(zap.AddStacktrace(zapcore.ErrorLevel))
	if err != nil {
		return err
	}
	set(logger)
	return nil
}

// InitNop discards all output. Used by tests.
func InitNop() {
	set(zap.NewNop())
}

func set(l *zap.Logger) {
	mu.Lock()
	defer mu.Unlock()
	base = l
	pkg = l.WithOptions(zap.AddCallerSkip(1))
}

func loggers() (*zap.Logger, *zap.Logger) {
	mu.RLock()
	b, p := base, pkg
	mu.RUnlock()
	if b != nil {
		return b, p
	}
	l, err := zap.NewProduction()
	if err != nil {
		l = zap.NewNop()
	}
	set(l)
	return loggers()
}

// L returns the process logger.
func L() *zap.Logger {
	b, _ := loggers()
	return b
}

// Sync flushes buffered entries.
func Sync() error {
	return L().Sync()
}

// WithContext returns the request logger stored in ctx, or the process
// logger.
func WithContext(ctx context.Context) *zap.Logger {
	if l, ok := ctx.Value(loggerKey).(*zap.Logger); ok {
		return l
	}
	return L()
}

func withFields(ctx context.Context, fields ...zap.Field) context.Context {
	return context.WithValue(ctx, loggerKey, WithContext(ctx).With(fields...))
}

// WithUser tags the request logger with the authenticated user.
func WithUser(ctx context.Context, userID string) context.Context {
	return withFields(ctx, zap.String("user_id", userID))
}

// RequestID returns the request id set by Middleware.
func RequestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey).(string)
	return id
}

func Debug(msg string, fields ...zap.Field) { _, p := loggers(); p.Debug(msg, fields...) }
func Info(msg string, fields ...zap.Field)  { _, p := loggers(); p.Info(msg, fields...) }
func Warn(msg string, fields ...zap.Field)  { _, p := loggers(); p.Warn(msg, fields...) }
func Error(msg string, fields ...zap.Field) { _, p := loggers(); p.Error(msg, fields...) }

// Fatal logs and exits the process.
func Fatal(msg string, fields ...zap.Field) { _, p := loggers(); p.Fatal(msg, fields...) }

type statusRecorder struct {
	http.ResponseWriter
	status int
	size   int64
}

func (rw *statusRecorder) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *statusRecorder) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	rw.size += int64(n)
	return n, err
}

// Middleware assigns each request an id (the caller's X-Request-ID when it
// is sane), stores a request logger in the context and logs completion.
// Server errors log at warn level.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		id := r.Header.Get("X-Request-ID")
		if id == "" || len(id) > 64 {
			id = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", id)

		ctx := context.WithValue(r.Context(), requestIDKey, id)
		ctx = withFields(ctx, zap.String("request_id", id))
		rw := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rw, r.WithContext(ctx))

		fields := []zap.Field{
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", rw.status),
			zap.Int64("size", rw.size),
			zap.Duration("duration", time.Since(start)),
			zap.String("remote_addr", r.RemoteAddr),
		}
		if rw.status >= http.StatusInternalServerError {
			WithContext(ctx).Warn("request failed", fields...)
			return
		}
		WithContext(ctx).Info("request completed", fields...)
	})
}

func Channel(name string) zap.Field { return zap.String("channel", name) }
func FileKey(key string) zap.Field  { return zap.String("file_key", key) }
func Err(err error) zap.Field       { return zap.Error(err) }

// Token logs only a share token's prefix.
func Token(token string) zap.Field {
	if len(token) > 8 {
		token = token[:8] + "..."
	}
	return zap.String("share_token", token)
}
