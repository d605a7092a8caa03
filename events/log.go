package events

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// LogSink writes events to zap
type LogSink struct {
	log *zap.Logger
}

func NewLogSink(log *zap.Logger) *LogSink {
	return &LogSink{log: log}
}

func (s *LogSink) Emit(e Event) {
	fields := []zap.Field{
		zap.String("event", string(e.Kind)),
		zap.String("session", e.Session),
	}
	if e.Remote != "" {
		fields = append(fields, zap.String("remote", e.Remote))
	}
	if e.MessageID != "" {
		fields = append(fields, zap.String("message_id", e.MessageID))
	}
	if e.From != "" {
		fields = append(fields, zap.String("from", e.From))
	}
	if len(e.To) > 0 {
		fields = append(fields, zap.Strings("to", e.To))
	}
	if e.Reason != "" {
		fields = append(fields, zap.String("reason", e.Reason))
	}
	if e.Phase != "" {
		fields = append(fields, zap.String("phase", e.Phase))
	}
	if e.Code != 0 {
		fields = append(fields, zap.Int("code", e.Code))
	}
	if e.Receipt != nil {
		fields = append(fields, zap.String("path", e.Receipt.Path))
	}
	if e.Domain != "" {
		fields = append(fields, zap.String("domain", e.Domain))
	}
	if e.Size != 0 {
		fields = append(fields, zap.Int64("size", e.Size))
	}

	level := zapcore.InfoLevel
	switch e.Kind {
	case Connected, Disconnected:
		level = zapcore.DebugLevel
	case Rejected, AuthFailed:
		level = zapcore.WarnLevel
	}
	if ce := s.log.Check(level, "smtp event"); ce != nil {
		ce.Write(fields...)
	}
}
