// Package errors reports startup failures of the gateway process and turns
// them into an exit code.
package errors

import (
	"fmt"
	"io"
	"log"
	"os"
)

const (
	ExitOK      = 0
	ExitFailure = 1
	// ExitConfig is used for configuration and validation errors.
	ExitConfig = 2
)

// StartupError names the startup step that failed.
type StartupError struct {
	Operation string
	Err       error
}

func (e *StartupError) Error() string {
	return fmt.Sprintf("operation '%s' failed: %v", e.Operation, e.Err)
}

func (e *StartupError) Unwrap() error {
	return e.Err
}

func NewStartupError(operation string, err error) *StartupError {
	return &StartupError{Operation: operation, Err: err}
}

// ErrorHandler writes to stderr through the standard logger because it runs
// before the structured logger is configured. Only the first reported error
// sets the exit code.
type ErrorHandler struct {
	exitChannel chan int
	logger      *log.Logger
}

func NewErrorHandler() *ErrorHandler {
	return newErrorHandler(os.Stderr)
}

func newErrorHandler(w io.Writer) *ErrorHandler {
	return &ErrorHandler{
		exitChannel: make(chan int, 1),
		logger:      log.New(w, "[MOP3] ", log.LstdFlags),
	}
}

func (eh *ErrorHandler) FatalError(operation string, err error) {
	eh.logger.Printf("FATAL: %v", NewStartupError(operation, err))
	eh.exit(ExitFailure)
}

func (eh *ErrorHandler) ConfigError(configPath string, err error) {
	if os.IsNotExist(err) {
		eh.logger.Printf("ERROR: configuration file '%s' not found: %v", configPath, err)
	} else {
		eh.logger.Printf("ERROR: failed to parse configuration file '%s': %v", configPath, err)
	}
	eh.exit(ExitConfig)
}

func (eh *ErrorHandler) ValidationError(field string, err error) {
	eh.logger.Printf("ERROR: invalid configuration - %s: %v", field, err)
	eh.exit(ExitConfig)
}

func (eh *ErrorHandler) exit(code int) {
	select {
	case eh.exitChannel <- code:
	default:
	}
}

// WaitForExit blocks until an error was reported and returns its exit code.
func (eh *ErrorHandler) WaitForExit() int {
	return <-eh.exitChannel
}
