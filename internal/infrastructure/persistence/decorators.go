package persistence

import (
	"context"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	syncerrors "github.com/GAIKONDO/app42-sub006/internal/errors"
	"github.com/GAIKONDO/app42-sub006/internal/infrastructure/observability"
)

// WithLogging logs every storage call. Successful calls log at debug level,
// failures at warn (expected conditions) or error.
func WithLogging(logger *zap.Logger) Decorator {
	logger = observability.OrNop(logger).Named("store")
	return Intercept(func(ctx context.Context, op Operation, table string, call func(context.Context) error) error {
		start := time.Now()
		err := call(ctx)

		fields := []zap.Field{
			zap.String("operation", string(op)),
			zap.Duration("duration", time.Since(start)),
		}
		if table != "" {
			fields = append(fields, zap.String("table", table))
		}

		if err == nil {
			logger.Debug("store call completed", fields...)
			return nil
		}

		level := zapcore.ErrorLevel
		if syncerrors.IsNetwork(err) || syncerrors.IsConflict(err) || syncerrors.IsNotFound(err) {
			level = zapcore.WarnLevel
		}
		fields = append(fields,
			zap.String("error_code", syncerrors.CodeOf(err).String()),
			zap.Error(err),
		)
		if ce := logger.Check(level, "store call failed"); ce != nil {
			ce.Write(fields...)
		}
		return err
	})
}

// WithMetrics records operation counts and latency in the collector.
func WithMetrics(collector *observability.Collector) Decorator {
	if collector == nil {
		return nil
	}
	return Intercept(func(ctx context.Context, op Operation, table string, call func(context.Context) error) error {
		start := time.Now()
		err := call(ctx)
		collector.RecordStoreOperation(string(op), table, err, time.Since(start))
		return err
	})
}
