package errors

import (
	stderrors "errors"
	"fmt"
	"strings"
)

// ErrorCategory groups failures by the layer of the system that produced them
type ErrorCategory string

const (
	ErrorCategoryInput    ErrorCategory = "input"
	ErrorCategoryRemote   ErrorCategory = "remote"
	ErrorCategoryState    ErrorCategory = "state"
	ErrorCategoryResource ErrorCategory = "resource"
	ErrorCategoryIO       ErrorCategory = "io"
)

// ErrorKind identifies a specific failure that callers may want to match on
type ErrorKind string

const (
	KindUnknown               ErrorKind = ""
	KindInvalidReference      ErrorKind = "InvalidReference"
	KindInvalidConfig         ErrorKind = "InvalidConfig"
	KindPlatformNotFound      ErrorKind = "PlatformNotFound"
	KindDigestMismatch        ErrorKind = "DigestMismatch"
	KindBootloaderPathMissing ErrorKind = "BootloaderPathMissing"
	KindNotFound              ErrorKind = "NotFound"
	KindFormatError           ErrorKind = "FormatError"
	KindIOError               ErrorKind = "IOError"
	KindEmptyImage            ErrorKind = "EmptyImage"
	KindCommandFailed         ErrorKind = "CommandFailed"
	KindCommandNotFound       ErrorKind = "CommandNotFound"
)

// CommandOutput is the captured result of a failed host command
type CommandOutput struct {
	Args     []string `json:"args"`
	ExitCode int      `json:"exit_code"`
	Stdout   string   `json:"stdout,omitempty"`
	Stderr   string   `json:"stderr,omitempty"`
}

func (o *CommandOutput) String() string {
	return fmt.Sprintf("STDOUT: %s; STDERR: %s", strings.TrimSpace(o.Stdout), strings.TrimSpace(o.Stderr))
}

// BuildError is the error type returned by every package in this module
type BuildError struct {
	Category  ErrorCategory  `json:"category"`
	Kind      ErrorKind      `json:"kind,omitempty"`
	Message   string         `json:"message"`
	Cause     error          `json:"-"`
	Operation string         `json:"operation,omitempty"`
	Output    *CommandOutput `json:"output,omitempty"`
	Teardown  error          `json:"-"`
}

// Error implements the error interface
func (e *BuildError) Error() string {
	var b strings.Builder

	tag := string(e.Category)
	if e.Kind != KindUnknown {
		tag += ":" + string(e.Kind)
	}

	if e.Operation != "" {
		fmt.Fprintf(&b, "[%s] %s operation: %s", tag, e.Operation, e.Message)
	} else {
		fmt.Fprintf(&b, "[%s] %s", tag, e.Message)
	}

	if e.Cause != nil {
		fmt.Fprintf(&b, ": %v", e.Cause)
	}
	if e.Output != nil {
		fmt.Fprintf(&b, " (%s)", e.Output)
	}
	if e.Teardown != nil {
		fmt.Fprintf(&b, "; teardown also failed: %v", e.Teardown)
	}
	return b.String()
}

// Unwrap returns the underlying error
func (e *BuildError) Unwrap() error {
	return e.Cause
}

// ErrorBuilder helps construct BuildError instances
type ErrorBuilder struct {
	category  ErrorCategory
	kind      ErrorKind
	message   string
	cause     error
	operation string
	output    *CommandOutput
}

// NewErrorBuilder creates a new error builder
func NewErrorBuilder() *ErrorBuilder {
	return &ErrorBuilder{}
}

// Category sets the error category
func (b *ErrorBuilder) Category(category ErrorCategory) *ErrorBuilder {
	b.category = category
	return b
}

// Kind sets the specific failure kind
func (b *ErrorBuilder) Kind(kind ErrorKind) *ErrorBuilder {
	b.kind = kind
	return b
}

// Message sets the error message
func (b *ErrorBuilder) Message(message string) *ErrorBuilder {
	b.message = message
	return b
}

// Messagef sets the error message with formatting
func (b *ErrorBuilder) Messagef(format string, args ...interface{}) *ErrorBuilder {
	b.message = fmt.Sprintf(format, args...)
	return b
}

// Cause sets the underlying error
func (b *ErrorBuilder) Cause(err error) *ErrorBuilder {
	b.cause = err
	return b
}

// Operation sets the operation context
func (b *ErrorBuilder) Operation(operation string) *ErrorBuilder {
	b.operation = operation
	return b
}

// Output attaches captured command output
func (b *ErrorBuilder) Output(output *CommandOutput) *ErrorBuilder {
	b.output = output
	return b
}

// Build creates the BuildError instance
func (b *ErrorBuilder) Build() *BuildError {
	if b.category == "" {
		b.category = categoryForKind(b.kind)
	}

	return &BuildError{
		Category:  b.category,
		Kind:      b.kind,
		Message:   b.message,
		Cause:     b.cause,
		Operation: b.operation,
		Output:    b.output,
	}
}

func categoryForKind(kind ErrorKind) ErrorCategory {
	switch kind {
	case KindInvalidReference, KindInvalidConfig, KindBootloaderPathMissing:
		return ErrorCategoryInput
	case KindPlatformNotFound, KindDigestMismatch:
		return ErrorCategoryRemote
	case KindNotFound, KindFormatError:
		return ErrorCategoryState
	case KindEmptyImage, KindCommandFailed, KindCommandNotFound:
		return ErrorCategoryResource
	default:
		return ErrorCategoryIO
	}
}

// NewInputError creates an error for malformed user input
func NewInputError(kind ErrorKind, operation, message string) *BuildError {
	return NewErrorBuilder().
		Category(ErrorCategoryInput).
		Kind(kind).
		Operation(operation).
		Message(message).
		Build()
}

// NewRemoteError creates an error for registry failures
func NewRemoteError(kind ErrorKind, operation, message string, cause error) *BuildError {
	return NewErrorBuilder().
		Category(ErrorCategoryRemote).
		Kind(kind).
		Operation(operation).
		Message(message).
		Cause(cause).
		Build()
}

// NewStateError creates an error for local state lookups and decoding
func NewStateError(kind ErrorKind, operation, message string, cause error) *BuildError {
	return NewErrorBuilder().
		Category(ErrorCategoryState).
		Kind(kind).
		Operation(operation).
		Message(message).
		Cause(cause).
		Build()
}

// NewResourceError creates an error for host resources such as loop devices,
// mounts and external commands
func NewResourceError(kind ErrorKind, operation, message string, cause error) *BuildError {
	return NewErrorBuilder().
		Category(ErrorCategoryResource).
		Kind(kind).
		Operation(operation).
		Message(message).
		Cause(cause).
		Build()
}

// NewCommandError creates a resource error carrying the failed command's output
func NewCommandError(operation string, output *CommandOutput, cause error) *BuildError {
	return NewErrorBuilder().
		Category(ErrorCategoryResource).
		Kind(KindCommandFailed).
		Operation(operation).
		Messagef("command %q failed with exit code %d", strings.Join(output.Args, " "), output.ExitCode).
		Output(output).
		Cause(cause).
		Build()
}

// NewIOError creates a filesystem error
func NewIOError(operation, message string, cause error) *BuildError {
	return NewErrorBuilder().
		Category(ErrorCategoryIO).
		Kind(KindIOError).
		Operation(operation).
		Message(message).
		Cause(cause).
		Build()
}

// KindOf returns the kind of the first BuildError in err's chain
func KindOf(err error) ErrorKind {
	var buildErr *BuildError
	if stderrors.As(err, &buildErr) {
		return buildErr.Kind
	}
	return KindUnknown
}

// IsKind reports whether err carries the given kind
func IsKind(err error, kind ErrorKind) bool {
	return err != nil && KindOf(err) == kind
}

// CategoryOf returns the category of the first BuildError in err's chain
func CategoryOf(err error) ErrorCategory {
	var buildErr *BuildError
	if stderrors.As(err, &buildErr) {
		return buildErr.Category
	}
	return ""
}

// WithTeardown attaches a teardown failure to err. The original error is
// always what the caller sees; teardown is reported alongside.
func WithTeardown(err, teardown error) error {
	if teardown == nil {
		return err
	}
	if err == nil {
		return teardown
	}

	if buildErr, ok := err.(*BuildError); ok {
		clone := *buildErr
		clone.Teardown = teardown
		return &clone
	}

	category := CategoryOf(err)
	if category == "" {
		category = ErrorCategoryIO
	}
	return &BuildError{
		Category: category,
		Kind:     KindOf(err),
		Message:  "operation failed",
		Cause:    err,
		Teardown: teardown,
	}
}
