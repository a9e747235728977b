package domain

import (
	"errors"
	"fmt"
)

// Sentinel errors.
var (
	ErrUnknownPlatform = errors.New("unknown platform")
	ErrEmptyField      = errors.New("empty field")
	ErrInvalidRange    = errors.New("value out of range")
	ErrNotFound        = errors.New("not found")

	// ErrMalformedItem marks a single upstream item that could not be
	// normalised. Collectors report it per item and keep going.
	ErrMalformedItem = errors.New("malformed upstream item")
)

// ErrorKind classifies a pipeline failure.
type ErrorKind string

// Collection failure kinds.
const (
	KindAuth      ErrorKind = "AUTH"
	KindQuota     ErrorKind = "QUOTA"
	KindTransient ErrorKind = "TRANSIENT"
	KindFormat    ErrorKind = "FORMAT"
)

// Enrichment failure kinds.
const (
	KindTimeout   ErrorKind = "TIMEOUT"
	KindRateLimit ErrorKind = "RATE_LIMIT"
	KindParse     ErrorKind = "PARSE"
	KindUpstream  ErrorKind = "UPSTREAM"
)

// Store failure kinds.
const (
	KindConflict     ErrorKind = "CONFLICT"
	KindLeaseExpired ErrorKind = "LEASE_EXPIRED"
)

// CollectionError is a platform-level collection failure.
type CollectionError struct {
	Platform Platform
	Kind     ErrorKind
	Err      error
}

func (e *CollectionError) Error() string {
	return fmt.Sprintf("collect %s: %s: %v", e.Platform, e.Kind, e.Err)
}

func (e *CollectionError) Unwrap() error { return e.Err }

// NewCollectionError creates a CollectionError.
func NewCollectionError(p Platform, kind ErrorKind, err error) *CollectionError {
	return &CollectionError{Platform: p, Kind: kind, Err: err}
}

// EnrichmentError is a per-record enrichment failure.
type EnrichmentError struct {
	Kind ErrorKind
	Err  error
}

func (e *EnrichmentError) Error() string {
	return fmt.Sprintf("enrich: %s: %v", e.Kind, e.Err)
}

func (e *EnrichmentError) Unwrap() error { return e.Err }

// NewEnrichmentError creates an EnrichmentError.
func NewEnrichmentError(kind ErrorKind, err error) *EnrichmentError {
	return &EnrichmentError{Kind: kind, Err: err}
}

// StoreError is a conflict or lost lease reported by the raw record store.
type StoreError struct {
	Kind     ErrorKind
	RecordID string
	Err      error
}

func (e *StoreError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("store: %s: record %s", e.Kind, e.RecordID)
	}
	return fmt.Sprintf("store: %s: record %s: %v", e.Kind, e.RecordID, e.Err)
}

func (e *StoreError) Unwrap() error { return e.Err }

// NewStoreError creates a StoreError.
func NewStoreError(kind ErrorKind, recordID string, err error) *StoreError {
	return &StoreError{Kind: kind, RecordID: recordID, Err: err}
}

// KindOf returns the kind of the first typed pipeline error in err's chain.
func KindOf(err error) (ErrorKind, bool) {
	var ce *CollectionError
	if errors.As(err, &ce) {
		return ce.Kind, true
	}
	var ee *EnrichmentError
	if errors.As(err, &ee) {
		return ee.Kind, true
	}
	var se *StoreError
	if errors.As(err, &se) {
		return se.Kind, true
	}
	return "", false
}

// IsKind reports whether err carries a typed pipeline error of the given kind.
func IsKind(err error, kind ErrorKind) bool {
	k, ok := KindOf(err)
	return ok && k == kind
}

// ValidationError wraps a sentinel with context.
type ValidationError struct {
	Field   string
	Value   string
	Wrapped error
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation: %s: %s (value=%q)", e.Wrapped, e.Field, e.Value)
}

func (e *ValidationError) Unwrap() error { return e.Wrapped }

// NewValidationError creates a ValidationError.
func NewValidationError(field, value string, wrapped error) *ValidationError {
	return &ValidationError{Field: field, Value: value, Wrapped: wrapped}
}

// IsCollectionKind reports whether err is a CollectionError of the given kind.
func IsCollectionKind(err error, kind ErrorKind) bool {
	var ce *CollectionError
	return errors.As(err, &ce) && ce.Kind == kind
}

// IsEnrichmentKind reports whether err is an EnrichmentError of the given kind.
func IsEnrichmentKind(err error, kind ErrorKind) bool {
	var ee *EnrichmentError
	return errors.As(err, &ee) && ee.Kind == kind
}

// IsStoreKind reports whether err is a StoreError of the given kind.
func IsStoreKind(err error, kind ErrorKind) bool {
	var se *StoreError
	return errors.As(err, &se) && se.Kind == kind
}
