package index

import (
	"errors"
	"fmt"
)

// Common sentinel errors
var (
	ErrInvalidArgument    = errors.New("invalid argument")
	ErrCorruptIndex       = errors.New("corrupt index")
	ErrCorruptTable       = errors.New("corrupt ptable")
	ErrInvalidFileFormat  = errors.New("invalid file format")
	ErrHashMismatch       = errors.New("hash mismatch")
	ErrTimeout            = errors.New("timeout")
	ErrIO                 = errors.New("i/o error")
	ErrFileBeingDeleted   = errors.New("file is being deleted")
	ErrNotInitialized     = errors.New("table index is not initialized")
	ErrAlreadyInitialized = errors.New("table index is already initialized")
	ErrClosed             = errors.New("table index is closed")
)

// IndexError provides structured error information for index operations.
type IndexError struct {
	Op      string // Operation that failed (e.g., "open_ptable", "load_index_map")
	Path    string // File involved, if any
	Cause   error  // Underlying error
	Context string // Additional context
}

// Error implements the error interface.
func (e *IndexError) Error() string {
	switch {
	case e.Path != "" && e.Context != "":
		return fmt.Sprintf("%s %s (%s): %v", e.Op, e.Path, e.Context, e.Cause)
	case e.Path != "":
		return fmt.Sprintf("%s %s: %v", e.Op, e.Path, e.Cause)
	case e.Context != "":
		return fmt.Sprintf("%s (%s): %v", e.Op, e.Context, e.Cause)
	default:
		return fmt.Sprintf("%s: %v", e.Op, e.Cause)
	}
}

// Unwrap returns the underlying cause for error chain support.
func (e *IndexError) Unwrap() error {
	return e.Cause
}

// Is reports whether the target error matches this error or its cause.
func (e *IndexError) Is(target error) bool {
	if target == nil {
		return false
	}
	return errors.Is(e.Cause, target)
}

// ErrorBuilder provides a fluent interface for building IndexErrors.
type ErrorBuilder struct {
	err IndexError
}

// NewError creates a new error builder with the given operation.
func NewError(op string) *ErrorBuilder {
	return &ErrorBuilder{err: IndexError{Op: op}}
}

// Path sets the file the operation was working on.
func (b *ErrorBuilder) Path(path string) *ErrorBuilder {
	b.err.Path = path
	return b
}

// Context sets additional context information.
func (b *ErrorBuilder) Context(ctx string) *ErrorBuilder {
	b.err.Context = ctx
	return b
}

// Contextf sets formatted context information.
func (b *ErrorBuilder) Contextf(format string, args ...any) *ErrorBuilder {
	b.err.Context = fmt.Sprintf(format, args...)
	return b
}

// Cause sets the underlying error cause.
func (b *ErrorBuilder) Cause(err error) *ErrorBuilder {
	b.err.Cause = err
	return b
}

// Err returns the error as an error interface.
func (b *ErrorBuilder) Err() error {
	e := b.err
	return &e
}

// chain joins a sentinel with a more specific cause so both match errors.Is.
type chain struct {
	kind  error
	cause error
}

func (c *chain) Error() string {
	if c.cause == nil {
		return c.kind.Error()
	}
	return fmt.Sprintf("%v: %v", c.kind, c.cause)
}

func (c *chain) Unwrap() []error {
	if c.cause == nil {
		return []error{c.kind}
	}
	return []error{c.kind, c.cause}
}

func wrapKind(kind, cause error) error {
	return &chain{kind: kind, cause: cause}
}

// Convenience functions for common error patterns

func invalidArgument(op, msg string) error {
	return NewError(op).Context(msg).Cause(ErrInvalidArgument).Err()
}

// corruptTable wraps a format or checksum problem in ErrCorruptTable.
func corruptTable(path string, cause error, context string) error {
	return NewError("open_ptable").Path(path).Context(context).Cause(wrapKind(ErrCorruptTable, cause)).Err()
}

// corruptIndex wraps a manifest-level failure in ErrCorruptIndex.
func corruptIndex(path string, cause error, context string) error {
	return NewError("load_index_map").Path(path).Context(context).Cause(wrapKind(ErrCorruptIndex, cause)).Err()
}

// ioError wraps a filesystem failure; the *os.PathError stays reachable.
func ioError(op, path string, cause error) error {
	return NewError(op).Path(path).Cause(wrapKind(ErrIO, cause)).Err()
}

// IsCorruption reports whether err means the index or a table cannot be trusted.
func IsCorruption(err error) bool {
	return errors.Is(err, ErrCorruptIndex) ||
		errors.Is(err, ErrCorruptTable) ||
		errors.Is(err, ErrHashMismatch) ||
		errors.Is(err, ErrInvalidFileFormat)
}

// IsInvalidArgument reports whether err was caused by a bad caller argument.
func IsInvalidArgument(err error) bool {
	return errors.Is(err, ErrInvalidArgument)
}

// IsTimeout reports whether err is a disposal or background timeout.
func IsTimeout(err error) bool {
	return errors.Is(err, ErrTimeout)
}
