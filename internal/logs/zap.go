package logs

import (
	"context"

	"go.uber.org/zap"
)

type zapLogger struct {
	sugar *zap.SugaredLogger
}

//NewZapLogger adapts a zap logger to the Logger interface, for hosts that
//already run zap. Caller keeps ownership of the underlying logger.
func NewZapLogger(l *zap.Logger) Logger {
	return &zapLogger{sugar: l.WithOptions(zap.AddCallerSkip(1)).Sugar()}
}

func (l *zapLogger) Debug(ctx context.Context, msg string, args ...interface{}) {
	l.sugar.Debugf(msg, args...)
}

func (l *zapLogger) Info(ctx context.Context, msg string, args ...interface{}) {
	l.sugar.Infof(msg, args...)
}

func (l *zapLogger) Warn(ctx context.Context, msg string, args ...interface{}) {
	l.sugar.Warnf(msg, args...)
}

func (l *zapLogger) Error(ctx context.Context, msg string, args ...interface{}) {
	l.sugar.Errorf(msg, args...)
}
