package stow

import (
	"errors"
	"fmt"
	"strings"
)

// Error represents a manager operation error with context about the operation
// that failed. It wraps the underlying backend error with the operation name
// and the canonical path involved for better debugging.
type Error struct {
	// Op is the operation that failed (e.g., "put", "ls", "sync")
	Op string

	// Path is the canonical manager path involved (if applicable)
	Path string

	// Err is the underlying error from the backend or another source
	Err error
}

// Error implements the error interface by providing a formatted error message.
func (e *Error) Error() string {
	if e.Path != "" {
		return fmt.Sprintf("stow.%s %s: %v", e.Op, e.Path, e.Err)
	}
	return fmt.Sprintf("stow.%s: %v", e.Op, e.Err)
}

// Unwrap returns the underlying error for error chaining support.
func (e *Error) Unwrap() error {
	return e.Err
}

// WithPath adds path context to an existing error.
func (e *Error) WithPath(path string) *Error {
	e.Path = path
	return e
}

// WithMessage wraps the underlying error with a custom message.
func (e *Error) WithMessage(message string) *Error {
	e.Err = fmt.Errorf("%s: %w", message, e.Err)
	return e
}

// NewError creates a new Error with the given operation and underlying error.
func NewError(op string, err error) *Error {
	return &Error{
		Op:  op,
		Err: err,
	}
}

// NewPathError creates a new Error with path context.
func NewPathError(op, path string, err error) *Error {
	return &Error{
		Op:   op,
		Path: path,
		Err:  err,
	}
}

// Sentinel errors for common manager operation failures.
// These can be used with errors.Is() for error checking.
var (
	// ErrArtefactNotFound indicates that a required path does not resolve to
	// an artefact on the backing storage
	ErrArtefactNotFound = errors.New("stow: artefact not found")

	// ErrArtefactType indicates a File/Directory mismatch where a specific
	// artefact type is required
	ErrArtefactType = errors.New("stow: artefact type mismatch")

	// ErrArtefactNoLongerExists indicates an access on an artefact reference
	// whose backing object has been removed
	ErrArtefactNoLongerExists = errors.New("stow: artefact no longer exists")

	// ErrOperationNotPermitted indicates an operation blocked by a safety
	// check, such as removing a non-empty directory without recursive or
	// replacing an artefact without overwrite
	ErrOperationNotPermitted = errors.New("stow: operation not permitted")

	// ErrPath indicates invalid path algebra input, such as a relative path
	// request between paths with no common root
	ErrPath = errors.New("stow: invalid path")

	// ErrUnknownScheme indicates a connection signature whose scheme has no
	// registered backend
	ErrUnknownScheme = errors.New("stow: unknown scheme")
)

// IsNotFound checks if an error indicates that an artefact was not found.
// This is a convenience function that handles both sentinel errors and
// wrapped errors.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrArtefactNotFound)
}

// IsTypeError checks if an error indicates a File/Directory type mismatch.
func IsTypeError(err error) bool {
	return errors.Is(err, ErrArtefactType)
}

// IsNotPermitted checks if an error indicates the operation was blocked by a
// safety check.
func IsNotPermitted(err error) bool {
	return errors.Is(err, ErrOperationNotPermitted)
}

// BatchError aggregates per-item failures from a batch operation such as a
// recursive move or a directory sync. The operation continues past individual
// failures; the aggregate is returned once the whole batch has been attempted.
type BatchError struct {
	// Op is the batch operation that produced the failures
	Op string

	// Errors holds the individual item failures in completion order
	Errors []error
}

// Error implements the error interface.
func (e *BatchError) Error() string {
	if len(e.Errors) == 1 {
		return fmt.Sprintf("stow.%s: 1 item failed: %v", e.Op, e.Errors[0])
	}
	msgs := make([]string, 0, len(e.Errors))
	for _, err := range e.Errors {
		msgs = append(msgs, err.Error())
	}
	return fmt.Sprintf("stow.%s: %d items failed: %s", e.Op, len(e.Errors), strings.Join(msgs, "; "))
}

// Unwrap exposes the individual failures to errors.Is and errors.As.
func (e *BatchError) Unwrap() []error {
	return e.Errors
}

// append records an item failure. Nil errors are ignored so call sites can
// pass results through unconditionally.
func (e *BatchError) append(err error) {
	if err != nil {
		e.Errors = append(e.Errors, err)
	}
}

// orNil returns the aggregate if any failures were recorded, nil otherwise.
func (e *BatchError) orNil() error {
	if len(e.Errors) == 0 {
		return nil
	}
	return e
}
