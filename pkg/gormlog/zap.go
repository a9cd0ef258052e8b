package gormlog

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
	"gorm.io/gorm/utils"

	"github.com/fatflowers/chanseller/pkg/logctx"
)

const defaultSlowThreshold = 300 * time.Millisecond

type Options struct {
	// Verbose logs every statement; otherwise only slow ones and errors.
	Verbose bool
	// SlowThreshold of zero uses the default. Ledger transactions hold row
	// locks, so slow statements there delay concurrent webhook handling.
	SlowThreshold time.Duration
}

// ZapLogger implements gorm.io/gorm/logger.Interface. Lines carry the
// request or job trace_id through logctx.FromCtx.
type ZapLogger struct {
	base  *zap.SugaredLogger
	level gormlogger.LogLevel
	slow  time.Duration
}

func New(base *zap.SugaredLogger, opts Options) *ZapLogger {
	z := &ZapLogger{base: base.With("component", "gorm"), level: gormlogger.Warn, slow: opts.SlowThreshold}
	if opts.Verbose {
		z.level = gormlogger.Info
	}
	if z.slow <= 0 {
		z.slow = defaultSlowThreshold
	}
	return z
}

func (z *ZapLogger) LogMode(level gormlogger.LogLevel) gormlogger.Interface {
	cp := *z
	cp.level = level
	return &cp
}

func (z *ZapLogger) Info(ctx context.Context, msg string, data ...interface{}) {
	if z.level >= gormlogger.Info {
		logctx.FromCtx(ctx, z.base).Infow(msg, "args", data)
	}
}

func (z *ZapLogger) Warn(ctx context.Context, msg string, data ...interface{}) {
	if z.level >= gormlogger.Warn {
		logctx.FromCtx(ctx, z.base).Warnw(msg, "args", data)
	}
}

func (z *ZapLogger) Error(ctx context.Context, msg string, data ...interface{}) {
	if z.level >= gormlogger.Error {
		logctx.FromCtx(ctx, z.base).Errorw(msg, "args", data)
	}
}

func (z *ZapLogger) Trace(ctx context.Context, begin time.Time, fc func() (string, int64), err error) {
	if z.level == gormlogger.Silent {
		return
	}
	elapsed := time.Since(begin)
	sql, rows := fc()
	fields := []interface{}{
		"rows", rows,
		"elapsed_ms", elapsed.Milliseconds(),
		"caller", shortCaller(utils.FileWithLineNum()),
		"sql", sql,
	}
	lg := logctx.FromCtx(ctx, z.base)
	switch {
	// not-found and duplicate-key results are handled by callers
	case err != nil && !errors.Is(err, gormlogger.ErrRecordNotFound) && !isDuplicate(err):
		lg.Errorw("gorm_error", append(fields, "err", err)...)
	case elapsed > z.slow:
		lg.Warnw("gorm_slow", fields...)
	case z.level >= gormlogger.Info:
		lg.Debugw("gorm", fields...)
	}
}

func isDuplicate(err error) bool {
	return errors.Is(err, gorm.ErrDuplicatedKey) || strings.Contains(err.Error(), "SQLSTATE 23505")
}

// shortCaller trims build paths to the repo-relative part.
func shortCaller(s string) string {
	p := filepath.ToSlash(s)
	for _, marker := range []string{"/internal/", "/pkg/", "/cmd/"} {
		if i := strings.Index(p, marker); i >= 0 {
			return p[i+1:]
		}
	}
	return filepath.Base(p)
}
