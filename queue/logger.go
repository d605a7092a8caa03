package queue

import "go.uber.org/zap"

// badgerLogger routes badger logs to zap
type badgerLogger struct {
	*zap.SugaredLogger
}

func (l badgerLogger) Warningf(format string, args ...interface{}) {
	l.Warnf(format, args...)
}
