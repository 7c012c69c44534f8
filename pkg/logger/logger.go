// Package logger provides structured logging utilities.
package logger

import (
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Output formats.
const (
	FormatJSON    = "json"
	FormatConsole = "console"
)

// Logger is a wrapper around zap.Logger.
type Logger struct {
	*zap.Logger
}

// New creates a JSON logger at the given level.
func New(level string) (*Logger, error) {
	return NewWithFormat(level, FormatJSON)
}

// NewWithFormat creates a logger writing format ("json" or "console") at the
// given level. Unknown levels fall back to info.
func NewWithFormat(level, format string) (*Logger, error) {
	encoder := zapcore.EncoderConfig{
		TimeKey:        "ts",
		LevelKey:       "level",
		NameKey:        "logger",
		CallerKey:      "caller",
		MessageKey:     "msg",
		StacktraceKey:  "stacktrace",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeLevel:    zapcore.LowercaseLevelEncoder,
		EncodeTime:     zapcore.ISO8601TimeEncoder,
		EncodeDuration: zapcore.SecondsDurationEncoder,
		EncodeCaller:   zapcore.ShortCallerEncoder,
	}
	if format == FormatConsole {
		encoder.EncodeLevel = zapcore.CapitalColorLevelEncoder
	} else {
		format = FormatJSON
	}

	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		lvl = zapcore.InfoLevel
	}

	config := zap.Config{
		Level:            zap.NewAtomicLevelAt(lvl),
		Encoding:         format,
		EncoderConfig:    encoder,
		OutputPaths:      []string{"stdout"},
		ErrorOutputPaths: []string{"stderr"},
		InitialFields:    map[string]interface{}{"service": "coach-messaging"},
	}

	logger, err := config.Build()
	if err != nil {
		return nil, err
	}
	return &Logger{Logger: logger}, nil
}

// NewNop returns a logger that discards everything.
func NewNop() *Logger {
	return &Logger{Logger: zap.NewNop()}
}

// With creates a child logger with additional fields.
func (l *Logger) With(fields ...zap.Field) *Logger {
	return &Logger{Logger: l.Logger.With(fields...)}
}

// Named creates a child logger for a component.
func (l *Logger) Named(component string) *Logger {
	return &Logger{Logger: l.Logger.Named(component)}
}

// ForConversation scopes a logger to one conversation.
func (l *Logger) ForConversation(conversationID string) *Logger {
	return l.With(ConversationID(conversationID))
}

// ForUser scopes a logger to the acting user.
func (l *Logger) ForUser(userID string) *Logger {
	return l.With(UserID(userID))
}

// ConversationID is the conversation_id field.
func ConversationID(id string) zap.Field {
	return zap.String("conversation_id", id)
}

// UserID is the user_id field.
func UserID(id string) zap.Field {
	return zap.String("user_id", id)
}

// MessageID is the message_id field.
func MessageID(id string) zap.Field {
	return zap.String("message_id", id)
}

// Global logger instance for convenience.
var global *Logger

func init() {
	format := FormatJSON
	if os.Getenv("ENV") == "development" {
		format = FormatConsole
	}
	global, _ = NewWithFormat(os.Getenv("LOG_LEVEL"), format)
	if global == nil {
		global = NewNop()
	}
}

// Global returns the global logger instance.
func Global() *Logger {
	return global
}

// SetGlobal sets the global logger instance.
func SetGlobal(l *Logger) {
	global = l
}
