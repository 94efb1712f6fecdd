package logger

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"gorm.io/gorm/logger"
)

// slowQueryThreshold flags history-db statements worth a warning.
const slowQueryThreshold = 200 * time.Millisecond

// GormLogger routes gorm's output through the service's slog backend so
// history-db logging lands in the same sinks as everything else.
type GormLogger struct {
	slog  *slog.Logger
	level logger.LogLevel
}

func NewGormLogger(base *slog.Logger, level logger.LogLevel) *GormLogger {
	return &GormLogger{slog: base, level: level}
}

// LogMode returns a copy at the requested level; gorm calls this for
// session-scoped level overrides.
func (g *GormLogger) LogMode(level logger.LogLevel) logger.Interface {
	next := *g
	next.level = level
	return &next
}

func (g *GormLogger) Info(ctx context.Context, msg string, data ...interface{}) {
	if g.level >= logger.Info {
		g.slog.InfoContext(ctx, msg, "data", data)
	}
}

func (g *GormLogger) Warn(ctx context.Context, msg string, data ...interface{}) {
	if g.level >= logger.Warn {
		g.slog.WarnContext(ctx, msg, "data", data)
	}
}

func (g *GormLogger) Error(ctx context.Context, msg string, data ...interface{}) {
	if g.level >= logger.Error {
		g.slog.ErrorContext(ctx, msg, "data", data)
	}
}

// Trace logs one executed statement. Record-not-found is not an error at
// this layer; gorm raises it for every empty lookup.
func (g *GormLogger) Trace(ctx context.Context, begin time.Time, fc func() (string, int64), err error) {
	if g.level <= logger.Silent {
		return
	}

	elapsed := time.Since(begin)
	switch {
	case err != nil && g.level >= logger.Error && !errors.Is(err, logger.ErrRecordNotFound):
		sql, rows := fc()
		g.slog.ErrorContext(ctx, "history db error",
			"error", err, "elapsed", elapsed, "rows", rows, "sql", sql)
	case elapsed > slowQueryThreshold && g.level >= logger.Warn:
		sql, rows := fc()
		g.slog.WarnContext(ctx, "history db slow query",
			"elapsed", elapsed, "rows", rows, "sql", sql)
	case g.level >= logger.Info:
		sql, rows := fc()
		g.slog.InfoContext(ctx, "history db query",
			"elapsed", elapsed, "rows", rows, "sql", sql)
	}
}
