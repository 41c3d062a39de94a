package scans

import (
	"errors"
	"fmt"
)

var (
	// ErrSandboxUnavailable: tool image missing/build failed or docker daemon unreachable.
	ErrSandboxUnavailable = errors.New("sandbox unavailable")
	// ErrToolTimeout: the invocation exceeded its deadline.
	ErrToolTimeout = errors.New("tool timeout")
	// ErrToolExecutionFailed: non-zero exit without usable output.
	ErrToolExecutionFailed = errors.New("tool execution failed")
	// ErrOutputParseFailed: neither structured nor text parsing produced results.
	ErrOutputParseFailed = errors.New("output parse failed")
	// ErrOutputEmpty: output parsed but holds no entities.
	ErrOutputEmpty = errors.New("output empty")
	// ErrNotFound: unknown scan id or target.
	ErrNotFound = errors.New("not found")
	// ErrInvalidTransition: the state machine refused a phase change.
	ErrInvalidTransition = errors.New("invalid phase transition")
	// ErrInvalidTarget: a scan needs an address, an image, or both.
	ErrInvalidTarget = errors.New("invalid target")
)

// ToolError ties an error to the tool that produced it.
type ToolError struct {
	Tool Tool
	Err  error
}

func (e *ToolError) Error() string { return fmt.Sprintf("%s: %v", e.Tool, e.Err) }
func (e *ToolError) Unwrap() error { return e.Err }

// NewToolError wraps err for tool; nil stays nil.
func NewToolError(tool Tool, err error) error {
	if err == nil {
		return nil
	}
	return &ToolError{Tool: tool, Err: err}
}

// Classify returns the error kind recorded on a failed ToolResult.
func Classify(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrSandboxUnavailable):
		return "sandbox_unavailable"
	case errors.Is(err, ErrToolTimeout):
		return "timeout"
	case errors.Is(err, ErrToolExecutionFailed):
		return "execution_failed"
	case errors.Is(err, ErrOutputParseFailed):
		return "parse_failed"
	case errors.Is(err, ErrOutputEmpty):
		return "empty_output"
	default:
		return "error"
	}
}
