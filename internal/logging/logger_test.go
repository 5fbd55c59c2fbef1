package logging

import (
	"testing"

	"github.com/biterate/internal/config"
	"go.uber.org/zap/zapcore"
)

func TestNewHonorsLevel(t *testing.T) {
	tests := []struct {
		name     string
		cfg      config.LoggingConfig
		level    zapcore.Level
		disabled []zapcore.Level
	}{
		{name: "json debug", cfg: config.LoggingConfig{Level: "debug", Format: "json"}, level: zapcore.DebugLevel},
		{name: "text warn", cfg: config.LoggingConfig{Level: "warn", Format: "text"}, level: zapcore.WarnLevel, disabled: []zapcore.Level{zapcore.InfoLevel}},
		{name: "invalid level falls back to info", cfg: config.LoggingConfig{Level: "loud"}, level: zapcore.InfoLevel, disabled: []zapcore.Level{zapcore.DebugLevel}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			logger, err := New(tt.cfg)
			if err != nil {
				t.Fatalf("New returned error: %v", err)
			}
			if !logger.Core().Enabled(tt.level) {
				t.Fatalf("expected level %s to be enabled", tt.level)
			}
			for _, level := range tt.disabled {
				if logger.Core().Enabled(level) {
					t.Fatalf("expected level %s to be disabled", level)
				}
			}
		})
	}
}

func TestComponentHandlesNilLogger(t *testing.T) {
	logger := Component(nil, "pipeline")
	if logger == nil {
		t.Fatal("expected a no-op logger")
	}
	logger.Info("ignored")
}
