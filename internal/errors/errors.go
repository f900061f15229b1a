// Package errors provides the error taxonomy of the ingestion pipeline.
package errors

import (
	"context"
	"errors"
	"fmt"
)

// Standard sentinel errors
var (
	ErrTransport     = errors.New("transport error")
	ErrParse         = errors.New("malformed response")
	ErrNotFound      = errors.New("data not found")
	ErrValidation    = errors.New("validation failed")
	ErrConflict      = errors.New("constraint violation")
	ErrStorage       = errors.New("storage error")
	ErrConfigInvalid = errors.New("invalid configuration")
)

// TransportError represents a network or HTTP level failure talking to the provider.
type TransportError struct {
	Op         string
	URL        string
	StatusCode int
	Retryable  bool
	Err        error
}

func (e *TransportError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("transport error [%s] %s: status %d", e.Op, e.URL, e.StatusCode)
	}
	return fmt.Sprintf("transport error [%s] %s: %v", e.Op, e.URL, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

func (e *TransportError) Is(target error) bool {
	return target == ErrTransport
}

// NewTransportError creates a new TransportError.
func NewTransportError(op, url string, statusCode int, retryable bool, err error) *TransportError {
	return &TransportError{
		Op:         op,
		URL:        url,
		StatusCode: statusCode,
		Retryable:  retryable,
		Err:        err,
	}
}

// ParseError represents a response that could not be decoded.
type ParseError struct {
	Op     string
	Ticker string
	Err    error
}

func (e *ParseError) Error() string {
	if e.Ticker != "" {
		return fmt.Sprintf("parse error [%s] %s: %v", e.Op, e.Ticker, e.Err)
	}
	return fmt.Sprintf("parse error [%s]: %v", e.Op, e.Err)
}

func (e *ParseError) Unwrap() error {
	return e.Err
}

func (e *ParseError) Is(target error) bool {
	return target == ErrParse
}

// NewParseError creates a new ParseError.
func NewParseError(op, ticker string, err error) *ParseError {
	return &ParseError{
		Op:     op,
		Ticker: ticker,
		Err:    err,
	}
}

// NotFoundError is returned when the provider or the store holds no data for a ticker.
type NotFoundError struct {
	Resource string
	Ticker   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found for %s", e.Resource, e.Ticker)
}

func (e *NotFoundError) Is(target error) bool {
	return target == ErrNotFound
}

// NewNotFoundError creates a new NotFoundError.
func NewNotFoundError(resource, ticker string) *NotFoundError {
	return &NotFoundError{
		Resource: resource,
		Ticker:   ticker,
	}
}

// ValidationError represents a malformed domain record.
type ValidationError struct {
	Ticker  string
	Field   string
	Value   interface{}
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error: %s %s (%v): %s", e.Ticker, e.Field, e.Value, e.Message)
}

func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation
}

// NewValidationError creates a new ValidationError.
func NewValidationError(ticker, field string, value interface{}, message string) *ValidationError {
	return &ValidationError{
		Ticker:  ticker,
		Field:   field,
		Value:   value,
		Message: message,
	}
}

// ConflictError represents a unique or referential constraint violation.
type ConflictError struct {
	Table string
	Err   error
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("conflict on %s: %v", e.Table, e.Err)
}

func (e *ConflictError) Unwrap() error {
	return e.Err
}

func (e *ConflictError) Is(target error) bool {
	return target == ErrConflict
}

// NewConflictError creates a new ConflictError.
func NewConflictError(table string, err error) *ConflictError {
	return &ConflictError{
		Table: table,
		Err:   err,
	}
}

// StorageError represents any other persistence failure.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage error [%s]: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

func (e *StorageError) Is(target error) bool {
	return target == ErrStorage
}

// NewStorageError creates a new StorageError.
func NewStorageError(op string, err error) *StorageError {
	return &StorageError{
		Op:  op,
		Err: err,
	}
}

// IsRetryable reports whether err is a transient transport failure worth retrying.
// Context cancellation is never retryable.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var te *TransportError
	if errors.As(err, &te) {
		return te.Retryable
	}
	return false
}

// Wrap wraps an error with additional context.
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}

// Wrapf wraps an error with formatted context.
func Wrapf(err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), err)
}

// Is reports whether any error in err's chain matches target.
func Is(err, target error) bool {
	return errors.Is(err, target)
}

// As finds the first error in err's chain that matches target.
func As(err error, target interface{}) bool {
	return errors.As(err, target)
}

// New returns an error that formats as the given text.
func New(text string) error {
	return errors.New(text)
}
