// Package errors reports startup and runtime failures of the daemon and
// turns them into a process exit code.
package errors

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"time"

	"github.com/migadu/mailroute/logger"
)

// Exit codes returned by mailroute.
const (
	// ExitRuntime covers listeners that fail to start or stop serving.
	ExitRuntime = 1
	// ExitConfig covers an unreadable TOML file, failed validation and a
	// routing document that cannot be read.
	ExitConfig = 2
)

// GracefulError is a failure of one daemon step together with the exit code
// it maps to.
type GracefulError struct {
	Operation string
	Code      int
	Err       error
}

func (g *GracefulError) Error() string {
	return fmt.Sprintf("%s: %v", g.Operation, g.Err)
}

func (g *GracefulError) Unwrap() error {
	return g.Err
}

func NewGracefulError(operation string, code int, err error) *GracefulError {
	return &GracefulError{
		Operation: operation,
		Code:      code,
		Err:       err,
	}
}

// ErrorHandler keeps the first failure reported. Reports go to stderr
// because they may happen before logging is initialized.
type ErrorHandler struct {
	exitChannel chan *GracefulError
	logger      *log.Logger
}

func NewErrorHandler() *ErrorHandler {
	return newErrorHandler(os.Stderr)
}

func newErrorHandler(w io.Writer) *ErrorHandler {
	return &ErrorHandler{
		exitChannel: make(chan *GracefulError, 1),
		logger:      log.New(w, "[mailroute] ", log.LstdFlags),
	}
}

func (eh *ErrorHandler) report(err *GracefulError) {
	select {
	case eh.exitChannel <- err:
	default:
	}
}

// FatalError reports a listener or serve loop failure.
func (eh *ErrorHandler) FatalError(operation string, err error) {
	eh.logger.Printf("FATAL: %s: %v", operation, err)
	eh.report(NewGracefulError(operation, ExitRuntime, err))
}

// ConfigError reports a TOML configuration file that could not be loaded.
func (eh *ErrorHandler) ConfigError(configPath string, err error) {
	if errors.Is(err, os.ErrNotExist) {
		eh.logger.Printf("ERROR: configuration file '%s' not found", configPath)
	} else {
		eh.logger.Printf("ERROR: cannot load configuration file '%s': %v", configPath, err)
	}
	eh.report(NewGracefulError("load "+configPath, ExitConfig, err))
}

// ValidationError reports a configuration value rejected by validation.
func (eh *ErrorHandler) ValidationError(field string, err error) {
	eh.logger.Printf("ERROR: invalid configuration - %s: %v", field, err)
	eh.report(NewGracefulError("validate "+field, ExitConfig, err))
}

// RoutingError reports a routing document that could not be read from its
// file or environment variable. A document that is read but malformed is
// not reported here: the daemon serves it and refuses every recipient.
func (eh *ErrorHandler) RoutingError(source string, err error) {
	eh.logger.Printf("ERROR: routing document from %s is unavailable: %v", source, err)
	eh.report(NewGracefulError("read routing document", ExitConfig, err))
}

// WaitForExit blocks until a failure is reported and returns its exit code.
func (eh *ErrorHandler) WaitForExit() int {
	return (<-eh.exitChannel).Code
}

// WaitForExitWithTimeout is WaitForExit bounded by timeout. The boolean is
// false when nothing was reported in time.
func (eh *ErrorHandler) WaitForExitWithTimeout(timeout time.Duration) (*GracefulError, bool) {
	select {
	case err := <-eh.exitChannel:
		return err, true
	case <-time.After(timeout):
		return nil, false
	}
}

// Shutdown logs why the daemon context ended.
func (eh *ErrorHandler) Shutdown(ctx context.Context) {
	if ctx.Err() == nil {
		logger.Warn("Shutdown requested while the daemon context is still live")
		return
	}
	if cause := context.Cause(ctx); cause != nil && !errors.Is(cause, context.Canceled) {
		logger.Info("Graceful shutdown initiated", "cause", cause)
		return
	}
	logger.Info("Graceful shutdown initiated")
}
