package push

import (
	"github.com/ThreeDotsLabs/watermill"

	"github.com/sipeed/picowidget/pkg/logger"
)

// watermillLogger routes watermill's logs into the component logger.
type watermillLogger struct {
	fields watermill.LogFields
}

// NewWatermillLogger returns a watermill.LoggerAdapter logging under the
// "push" component.
func NewWatermillLogger() watermill.LoggerAdapter {
	return &watermillLogger{}
}

func (l *watermillLogger) merge(fields watermill.LogFields) map[string]interface{} {
	out := make(map[string]interface{}, len(l.fields)+len(fields))
	for k, v := range l.fields {
		out[k] = v
	}
	for k, v := range fields {
		out[k] = v
	}
	return out
}

func (l *watermillLogger) Error(msg string, err error, fields watermill.LogFields) {
	f := l.merge(fields)
	if err != nil {
		f["error"] = err.Error()
	}
	logger.ErrorCF("push", msg, f)
}

func (l *watermillLogger) Info(msg string, fields watermill.LogFields) {
	logger.InfoCF("push", msg, l.merge(fields))
}

func (l *watermillLogger) Debug(msg string, fields watermill.LogFields) {
	logger.DebugCF("push", msg, l.merge(fields))
}

func (l *watermillLogger) Trace(msg string, fields watermill.LogFields) {
	logger.TraceCF("push", msg, l.merge(fields))
}

func (l *watermillLogger) With(fields watermill.LogFields) watermill.LoggerAdapter {
	return &watermillLogger{fields: l.merge(fields)}
}
