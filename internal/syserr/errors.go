// Package syserr defines the error taxonomy shared across the run pipeline.
//
// Every fatal error that escapes a scenario run names the offending resource
// and attribute by display name, not by internal id; constructors therefore
// accept the already-resolved names. Errors are matched with errors.As.
package syserr

import (
	"errors"
	"fmt"
)

// ConfigurationError reports bad or missing time-grid or scenario
// configuration. Fatal, surfaced immediately, never retried.
type ConfigurationError struct {
	Field  string
	Reason string
}

func (e *ConfigurationError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("configuration error: %s", e.Reason)
	}
	return fmt.Sprintf("configuration error: %s: %s", e.Field, e.Reason)
}

// NewConfiguration builds a ConfigurationError for a named setting.
func NewConfiguration(field, format string, args ...any) *ConfigurationError {
	return &ConfigurationError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

// ExpressionSyntaxError reports a user expression that failed to compile.
// Line is 1-based and relative to the user's source, not any wrapper.
type ExpressionSyntaxError struct {
	Source  string
	Message string
	Line    int
}

func (e *ExpressionSyntaxError) Error() string {
	return fmt.Sprintf("syntax error at line %d: %s", e.Line, e.Message)
}

// EvalError reports a failure while evaluating a dataset or executing a user
// expression: missing reference, type mismatch, malformed payload, NaN in a
// timeseries result. ErrClass and Line describe the inner failure when it
// came from inside an expression.
type EvalError struct {
	Resource  string // display name, may be empty if not resolvable
	Attribute string // display name, may be empty
	ErrClass  string
	Line      int
	Detail    string
	Err       error
}

func (e *EvalError) Error() string {
	msg := e.Detail
	if e.ErrClass != "" && e.Line > 0 {
		msg = fmt.Sprintf("%s at line %d: %s", e.ErrClass, e.Line, e.Detail)
	} else if e.ErrClass != "" {
		msg = fmt.Sprintf("%s: %s", e.ErrClass, e.Detail)
	}
	if e.Resource != "" || e.Attribute != "" {
		return fmt.Sprintf("error calculating %s at %s: %s", e.Attribute, e.Resource, msg)
	}
	return msg
}

func (e *EvalError) Unwrap() error { return e.Err }

// NewEval builds an EvalError with a formatted detail message.
func NewEval(format string, args ...any) *EvalError {
	return &EvalError{Detail: fmt.Sprintf(format, args...)}
}

// UnknownReferenceError reports a get() call targeting a key with no known
// type metadata. Fatal; indicates a data-model inconsistency.
type UnknownReferenceError struct {
	Key string
}

func (e *UnknownReferenceError) Error() string {
	return fmt.Sprintf("unknown reference %q: no type metadata for this key", e.Key)
}

// MissingKeyError reports a requested boundary value that was never stored
// and for which no default is derivable (type metadata itself absent).
type MissingKeyError struct {
	Key string
}

func (e *MissingKeyError) Error() string {
	return fmt.Sprintf("no stored value and no derivable default for key %q", e.Key)
}

// CycleError reports a multi-hop reference cycle detected during expression
// evaluation. Direct self-reference is legal (served from the in-progress
// memo); anything longer is not.
type CycleError struct {
	Stack []string
}

func (e *CycleError) Error() string {
	return fmt.Sprintf("reference cycle detected: %v", e.Stack)
}

// StepExecutionError wraps any failure during a solver step, carrying enough
// position information for a user-facing report.
type StepExecutionError struct {
	Step  int // 1-based
	Total int
	Date  string
	Err   error
}

func (e *StepExecutionError) Error() string {
	return fmt.Sprintf("something went wrong at step %d of %d (%s): %v", e.Step, e.Total, e.Date, e.Err)
}

func (e *StepExecutionError) Unwrap() error { return e.Err }

// ErrCanceled is the cooperative cancellation signal. It is not a failure:
// the stepper still flushes partial results before returning it.
var ErrCanceled = errors.New("run canceled")
