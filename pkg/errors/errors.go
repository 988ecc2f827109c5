package errors

import (
	"errors"
	"fmt"
)

// ErrorType classifies checkpoint failures
type ErrorType string

const (
	// ErrorTypeNotFound means no record exists for the hash/format; callers treat it as "no prior state"
	ErrorTypeNotFound ErrorType = "not_found"
	// ErrorTypeCorrupted covers bad magic, malformed text, empty files and info hash mismatches
	ErrorTypeCorrupted ErrorType = "corrupted"
	// ErrorTypeVersion means the record was written by an unsupported format version
	ErrorTypeVersion ErrorType = "version"
	// ErrorTypeCheckpoint is the general failure: I/O, missing codec support, disabled checkpointing
	ErrorTypeCheckpoint ErrorType = "checkpoint"
)

// Error is a typed checkpoint error
type Error struct {
	Type     ErrorType
	Message  string
	InfoHash string
	Err      error
}

func (e *Error) Error() string {
	msg := string(e.Type) + " error"
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.InfoHash != "" {
		msg += fmt.Sprintf(" (info_hash %s)", e.InfoHash)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap returns the underlying cause
func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches sentinel errors by type, so errors.Is(err, ErrCorrupted) works on any corrupted error
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Message == "" && t.InfoHash == "" && t.Err == nil && t.Type == e.Type
}

// Sentinels for errors.Is checks
var (
	ErrNotFound   = &Error{Type: ErrorTypeNotFound}
	ErrCorrupted  = &Error{Type: ErrorTypeCorrupted}
	ErrVersion    = &Error{Type: ErrorTypeVersion}
	ErrCheckpoint = &Error{Type: ErrorTypeCheckpoint}
)

// NotFound builds a not-found error for a hash
func NotFound(infoHash, message string) *Error {
	return &Error{Type: ErrorTypeNotFound, Message: message, InfoHash: infoHash}
}

// Corrupted builds a corrupted-record error
func Corrupted(message string, err error) *Error {
	return &Error{Type: ErrorTypeCorrupted, Message: message, Err: err}
}

// Version builds a version mismatch error
func Version(found, supported string) *Error {
	return &Error{
		Type:    ErrorTypeVersion,
		Message: fmt.Sprintf("unsupported checkpoint version %q (supported %q)", found, supported),
	}
}

// Checkpoint builds a general checkpoint error
func Checkpoint(message string, err error) *Error {
	return &Error{Type: ErrorTypeCheckpoint, Message: message, Err: err}
}

// Wrap keeps typed errors as they are and wraps anything else into a general
// checkpoint error carrying the given context
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	var typed *Error
	if errors.As(err, &typed) {
		return err
	}
	return Checkpoint(message, err)
}

// WithInfoHash returns a copy of a typed error annotated with the info hash
func WithInfoHash(err error, infoHash string) error {
	var typed *Error
	if !errors.As(err, &typed) {
		return err
	}
	cp := *typed
	if cp.InfoHash == "" {
		cp.InfoHash = infoHash
	}
	return &cp
}

// TypeOf reports the ErrorType of err, or "" for untyped errors
func TypeOf(err error) ErrorType {
	var typed *Error
	if errors.As(err, &typed) {
		return typed.Type
	}
	return ""
}

// IsRetryable checks if an error type should be retried
func IsRetryable(errorType ErrorType) bool {
	switch errorType {
	case ErrorTypeCheckpoint:
		return true
	case ErrorTypeNotFound, ErrorTypeCorrupted, ErrorTypeVersion:
		return false
	default:
		return false
	}
}
