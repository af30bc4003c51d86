package logx

import (
	"fmt"
	"os"
	"strings"

	"github.com/sirupsen/logrus"
)

// Logger provides structured key-value logging for all daemon components.
// Call sites pass alternating "key", value pairs after the message, or a
// single map[string]interface{}.
type Logger struct {
	entry *logrus.Entry
}

// NewLogger creates a logger at the given level tagged with a component name
func NewLogger(level, component string) *Logger {
	l := logrus.New()
	l.SetOutput(os.Stderr)
	l.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: "2006-01-02T15:04:05.000Z07:00",
	})
	l.SetLevel(parseLevel(level))

	entry := logrus.NewEntry(l)
	if component != "" {
		entry = entry.WithField("component", component)
	}
	return &Logger{entry: entry}
}

// SetLevel changes the log level at runtime
func (lg *Logger) SetLevel(level string) {
	if lg == nil || lg.entry == nil {
		return
	}
	lg.entry.Logger.SetLevel(parseLevel(level))
}

// SetJSONFormat switches output to JSON lines, for log shippers
func (lg *Logger) SetJSONFormat() {
	lg.entry.Logger.SetFormatter(&logrus.JSONFormatter{})
}

// With returns a derived logger with fields attached to every message
func (lg *Logger) With(keysAndValues ...interface{}) *Logger {
	return &Logger{entry: lg.entry.WithFields(fields(keysAndValues))}
}

// Trace logs at trace level
func (lg *Logger) Trace(msg string, keysAndValues ...interface{}) {
	lg.log(logrus.TraceLevel, msg, keysAndValues)
}

// Debug logs at debug level
func (lg *Logger) Debug(msg string, keysAndValues ...interface{}) {
	lg.log(logrus.DebugLevel, msg, keysAndValues)
}

// Info logs at info level
func (lg *Logger) Info(msg string, keysAndValues ...interface{}) {
	lg.log(logrus.InfoLevel, msg, keysAndValues)
}

// Warn logs at warn level
func (lg *Logger) Warn(msg string, keysAndValues ...interface{}) {
	lg.log(logrus.WarnLevel, msg, keysAndValues)
}

// Error logs at error level
func (lg *Logger) Error(msg string, keysAndValues ...interface{}) {
	lg.log(logrus.ErrorLevel, msg, keysAndValues)
}

func (lg *Logger) log(level logrus.Level, msg string, keysAndValues []interface{}) {
	if lg == nil || lg.entry == nil {
		return
	}
	lg.entry.WithFields(fields(keysAndValues)).Log(level, msg)
}

func fields(keysAndValues []interface{}) logrus.Fields {
	f := logrus.Fields{}
	if len(keysAndValues) == 1 {
		if m, ok := keysAndValues[0].(map[string]interface{}); ok {
			for k, v := range m {
				f[k] = v
			}
			return f
		}
	}
	for i := 0; i+1 < len(keysAndValues); i += 2 {
		key, ok := keysAndValues[i].(string)
		if !ok {
			key = fmt.Sprintf("arg%d", i)
		}
		f[key] = keysAndValues[i+1]
	}
	return f
}

func parseLevel(level string) logrus.Level {
	switch strings.ToLower(level) {
	case "trace":
		return logrus.TraceLevel
	case "debug":
		return logrus.DebugLevel
	case "warn", "warning":
		return logrus.WarnLevel
	case "error":
		return logrus.ErrorLevel
	default:
		return logrus.InfoLevel
	}
}
