// Package scopezap reports scope events to a zap logger.
package scopezap

import (
	"go.uber.org/zap"

	"github.com/chenyanchen/scope"
)

// Trace returns hooks that log acquisitions and releases at debug level,
// acquisition failures at warn level and release errors at error level.
func Trace(l *zap.Logger) scope.Trace {
	if l == nil {
		l = zap.NewNop()
	}
	return scope.Trace{
		OnAcquire: func(info scope.AcquireStartInfo) func(scope.AcquireDoneInfo) {
			return func(done scope.AcquireDoneInfo) {
				if done.Error != nil {
					return
				}
				l.Debug("resource acquired",
					zap.String("resource", info.Name),
					zap.Duration("latency", done.Latency),
				)
			}
		},
		OnRelease: func(info scope.ReleaseStartInfo) func(scope.ReleaseDoneInfo) {
			return func(done scope.ReleaseDoneInfo) {
				if done.Error != nil {
					l.Error("resource release failed",
						zap.String("resource", info.Name),
						zap.Duration("latency", done.Latency),
						zap.Error(done.Error),
					)
					return
				}
				l.Debug("resource released",
					zap.String("resource", info.Name),
					zap.Duration("latency", done.Latency),
				)
			}
		},
		OnFailure: func(info scope.FailureInfo) {
			l.Warn("resource not acquired",
				zap.String("resource", info.Name),
				zap.Bool("handled", info.Handled),
				zap.Error(info.Error),
			)
		},
	}
}
