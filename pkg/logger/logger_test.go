package logger

import (
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestScopedFields(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	log := (&Logger{Logger: zap.New(core)}).Named("service").ForConversation("c1").ForUser("u1")

	log.Info("message appended", MessageID("m1"))

	entries := logs.All()
	if len(entries) != 1 {
		t.Fatalf("got %d entries", len(entries))
	}
	fields := entries[0].ContextMap()
	for key, want := range map[string]string{"conversation_id": "c1", "user_id": "u1", "message_id": "m1"} {
		if fields[key] != want {
			t.Errorf("%s = %v, want %s", key, fields[key], want)
		}
	}
	if entries[0].LoggerName != "service" {
		t.Errorf("logger name = %q", entries[0].LoggerName)
	}
}

func TestNewWithFormat(t *testing.T) {
	tests := []struct {
		level, format string
		want          zapcore.Level
	}{
		{"debug", FormatJSON, zapcore.DebugLevel},
		{"warn", FormatConsole, zapcore.WarnLevel},
		{"bogus", "xml", zapcore.InfoLevel},
		{"", FormatJSON, zapcore.InfoLevel},
	}
	for _, tt := range tests {
		log, err := NewWithFormat(tt.level, tt.format)
		if err != nil {
			t.Fatalf("NewWithFormat(%q, %q): %v", tt.level, tt.format, err)
		}
		if !log.Core().Enabled(tt.want) || (tt.want > zapcore.DebugLevel && log.Core().Enabled(tt.want-1)) {
			t.Errorf("NewWithFormat(%q) level mismatch, want %v", tt.level, tt.want)
		}
	}
}
