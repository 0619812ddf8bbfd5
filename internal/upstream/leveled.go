package upstream

import (
	"context"

	"github.com/hashicorp/go-retryablehttp"
	"go.uber.org/zap"

	"github.com/oshokin/netbox-upgrade/internal/logger"
)

// leveledLogger routes retryablehttp messages into the zap logger of the run.
type leveledLogger struct {
	log *zap.SugaredLogger
}

var _ retryablehttp.LeveledLogger = (*leveledLogger)(nil)

func newLeveledLogger(ctx context.Context) *leveledLogger {
	return &leveledLogger{log: logger.FromContext(ctx).Named("http")}
}

func (l *leveledLogger) Error(msg string, kvs ...any) {
	l.log.Errorw(msg, kvs...)
}

// Info is demoted to debug, retryablehttp logs every request at this level.
func (l *leveledLogger) Info(msg string, kvs ...any) {
	l.log.Debugw(msg, kvs...)
}

func (l *leveledLogger) Debug(msg string, kvs ...any) {
	l.log.Debugw(msg, kvs...)
}

func (l *leveledLogger) Warn(msg string, kvs ...any) {
	l.log.Warnw(msg, kvs...)
}
