package storage

import (
	"github.com/cockroachdb/pebble"
	"go.uber.org/zap"
)

// pebbleLogger routes Pebble's WAL, flush and compaction messages into zap
type pebbleLogger struct {
	log *zap.SugaredLogger
}

var _ pebble.Logger = pebbleLogger{}

func newPebbleLogger(log *zap.Logger) pebbleLogger {
	if log == nil {
		log = zap.NewNop()
	}
	return pebbleLogger{log: log.Named("pebble").WithOptions(zap.AddCallerSkip(1)).Sugar()}
}

func (l pebbleLogger) Infof(format string, args ...interface{}) {
	l.log.Infof(format, args...)
}

func (l pebbleLogger) Fatalf(format string, args ...interface{}) {
	l.log.Fatalf(format, args...)
}
