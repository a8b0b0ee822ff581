package logger

import (
	"testing"

	"go.uber.org/zap/zapcore"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		input string
		want  *zapcore.Level
	}{
		{input: "debug", want: levelPtr(zapcore.DebugLevel)},
		{input: "info", want: levelPtr(zapcore.InfoLevel)},
		{input: "warn", want: levelPtr(zapcore.WarnLevel)},
		{input: "error", want: levelPtr(zapcore.ErrorLevel)},
		{input: "", want: nil},
		{input: "verbose", want: nil},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got := parseLevel(tt.input)
			if tt.want == nil {
				if got != nil {
					t.Errorf("parseLevel(%q) = %v, want nil", tt.input, *got)
				}
				return
			}
			if got == nil || *got != *tt.want {
				t.Errorf("parseLevel(%q) = %v, want %v", tt.input, got, *tt.want)
			}
		})
	}
}

func TestWithDoesNotPanic(t *testing.T) {
	log := NewNop().With(String("conn_id", "c1"), Bool("viewer", true))
	log.Info("connection opened", Int("n", 1))
	if err := log.Sync(); err != nil {
		t.Logf("sync returned %v (ignored for nop logger)", err)
	}
}

func levelPtr(l zapcore.Level) *zapcore.Level { return &l }
