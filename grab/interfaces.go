package grab

import "context"

// Logger is the minimal logging abstraction used across modules.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
	With(args ...any) Logger
}

// Config provides typed access to configuration values.
type Config interface {
	GetString(key string) string
	GetInt(key string) int
	GetFloat64(key string) float64
	GetBool(key string) bool
}

// HistoryRepository defines storage operations for download history.
type HistoryRepository interface {
	Create(ctx context.Context, record *DownloadRecord) error
	Recent(ctx context.Context, limit int) ([]*DownloadRecord, error)
	Count(ctx context.Context) (int64, error)
}

// WorkerPool limits concurrency for pipeline runs.
type WorkerPool interface {
	Submit(task func()) error
	SubmitWait(task func() error) error
	SubmitWaitContext(ctx context.Context, task func() error) error
	Shutdown(ctx context.Context) error
	Size() int
}
