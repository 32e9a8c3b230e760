package errors

import (
	"bytes"
	stderrors "errors"
	"fmt"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestErrorHandlerExitCodes(t *testing.T) {
	tests := []struct {
		name     string
		report   func(*ErrorHandler)
		wantCode int
		wantLog  string
	}{
		{
			name:     "missing config file",
			report:   func(eh *ErrorHandler) { eh.ConfigError("mop3.toml", fmt.Errorf("open: %w", os.ErrNotExist)) },
			wantCode: ExitConfig,
			wantLog:  "configuration file 'mop3.toml' not found",
		},
		{
			name:     "broken config file",
			report:   func(eh *ErrorHandler) { eh.ConfigError("mop3.toml", stderrors.New("bare keys cannot contain '!'")) },
			wantCode: ExitConfig,
			wantLog:  "failed to parse configuration file 'mop3.toml'",
		},
		{
			name:     "validation",
			report:   func(eh *ErrorHandler) { eh.ValidationError("config", stderrors.New("pop3_port out of range")) },
			wantCode: ExitConfig,
			wantLog:  "invalid configuration - config: pop3_port out of range",
		},
		{
			name:     "fatal",
			report:   func(eh *ErrorHandler) { eh.FatalError("start POP3", stderrors.New("address in use")) },
			wantCode: ExitFailure,
			wantLog:  "FATAL: operation 'start POP3' failed: address in use",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			eh := newErrorHandler(&buf)
			tt.report(eh)
			assert.Equal(t, tt.wantCode, eh.WaitForExit())
			assert.Contains(t, buf.String(), tt.wantLog)
		})
	}
}

func TestFirstErrorWins(t *testing.T) {
	var buf bytes.Buffer
	eh := newErrorHandler(&buf)

	eh.ValidationError("config", stderrors.New("first"))
	eh.FatalError("later", stderrors.New("second"))

	assert.Equal(t, ExitConfig, eh.WaitForExit())
	assert.Contains(t, buf.String(), "second", "every error is still logged")
}

func TestStartupErrorUnwraps(t *testing.T) {
	cause := stderrors.New("boom")
	err := NewStartupError("listen", cause)
	assert.ErrorIs(t, err, cause)
	assert.Equal(t, "operation 'listen' failed: boom", err.Error())
}
