package metadata

import (
	"errors"
	"fmt"
)

// Sentinels for errors.Is checks against the typed errors below.
var (
	ErrConnection           = errors.New("connection failed")
	ErrUnsupportedBackend   = errors.New("unsupported backend")
	ErrUnsupportedOperation = errors.New("unsupported operation")
	ErrFetchFailed          = errors.New("fetch failed")
	ErrRegistryUnavailable  = errors.New("schema registry unavailable")
	ErrSerialization        = errors.New("serialization failed")
	ErrNotFound             = errors.New("not found")
	ErrConflict             = errors.New("conflict")
	ErrStore                = errors.New("store failure")
)

// ConnectionError is returned when a backend handle cannot be established.
type ConnectionError struct {
	Kind    BackendKind
	Address string
	Err     error
}

func (e ConnectionError) Error() string {
	return fmt.Sprintf("connect to %s at %s: %v", e.Kind, e.Address, e.Err)
}

func (e ConnectionError) Unwrap() []error { return []error{ErrConnection, e.Err} }

// UnsupportedBackendError carries the rejected kind string.
type UnsupportedBackendError struct {
	Value string
}

func (e UnsupportedBackendError) Error() string {
	return fmt.Sprintf("unsupported backend kind %q (supported: %s)", e.Value, supportedKinds())
}

func (e UnsupportedBackendError) Unwrap() error { return ErrUnsupportedBackend }

// UnsupportedOperationError is returned when a backend kind cannot serve an operation,
// e.g. listing tables on a streaming source.
type UnsupportedOperationError struct {
	Kind BackendKind
	Op   string
}

func (e UnsupportedOperationError) Error() string {
	return fmt.Sprintf("operation %s is not supported for %s sources", e.Op, e.Kind)
}

func (e UnsupportedOperationError) Unwrap() error { return ErrUnsupportedOperation }

// FetchError wraps a backend failure with the operation and source it came from.
type FetchError struct {
	Op       string
	SourceID int64
	Err      error
}

func (e FetchError) Error() string {
	return fmt.Sprintf("%s on source %d: %v", e.Op, e.SourceID, e.Err)
}

func (e FetchError) Unwrap() []error { return []error{ErrFetchFailed, e.Err} }

type RegistryError struct {
	URL string
	Err error
}

func (e RegistryError) Error() string {
	if e.URL == "" {
		return fmt.Sprintf("schema registry: %v", e.Err)
	}
	return fmt.Sprintf("schema registry %s: %v", e.URL, e.Err)
}

func (e RegistryError) Unwrap() []error { return []error{ErrRegistryUnavailable, e.Err} }

// SerializationError covers both directions; Op is "encode" or "decode".
type SerializationError struct {
	Op  string
	Err error
}

func (e SerializationError) Error() string {
	return fmt.Sprintf("%s cache payload: %v", e.Op, e.Err)
}

func (e SerializationError) Unwrap() []error { return []error{ErrSerialization, e.Err} }

type NotFoundError struct {
	Entity string
	ID     int64
}

func (e NotFoundError) Error() string {
	return fmt.Sprintf("%s %d not found", e.Entity, e.ID)
}

func (e NotFoundError) Unwrap() error { return ErrNotFound }

// ConflictError is returned when a write would break a uniqueness rule.
type ConflictError struct {
	Entity string
	Field  string
	Value  string
}

func (e ConflictError) Error() string {
	return fmt.Sprintf("%s with %s %q already exists", e.Entity, e.Field, e.Value)
}

func (e ConflictError) Unwrap() error { return ErrConflict }

// StoreError wraps a persistent store failure.
type StoreError struct {
	Op  string
	Err error
}

func (e StoreError) Error() string {
	return fmt.Sprintf("store %s: %v", e.Op, e.Err)
}

func (e StoreError) Unwrap() []error { return []error{ErrStore, e.Err} }
