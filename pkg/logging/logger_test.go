package logging

import (
	"testing"

	"github.com/sirupsen/logrus"
)

func TestNewLoggerDefaults(t *testing.T) {
	logger := NewLogger()
	if logger == nil {
		t.Fatal("expected logger instance")
	}
	if _, ok := logger.Formatter.(*logrus.JSONFormatter); !ok {
		t.Fatalf("expected JSON formatter, got %T", logger.Formatter)
	}
}

func TestNewLoggerWithService(t *testing.T) {
	logger := NewLoggerWithService("skywatch")
	if logger == nil {
		t.Fatal("expected logger instance")
	}
}

func TestLogLevelFromEnv(t *testing.T) {
	t.Setenv("LOG_LEVEL", "debug")
	logger := NewLogger()
	if logger.Level != logrus.DebugLevel {
		t.Fatalf("expected debug level, got %v", logger.Level)
	}
}
