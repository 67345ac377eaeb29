package cardbase

import (
	"errors"
	"fmt"
)

// ErrorKind identifies the category of a failure surfaced by the backend.
type ErrorKind string

const (
	KindSchemaInvalid         ErrorKind = "schema_invalid"
	KindLimitInvalid          ErrorKind = "limit_invalid"
	KindAlreadyExists         ErrorKind = "already_exists"
	KindSlugTooLong           ErrorKind = "slug_too_long"
	KindVersionMissing        ErrorKind = "version_missing"
	KindIdentifierTypeMissing ErrorKind = "identifier_type_missing"
	KindQueryTimeout          ErrorKind = "query_timeout"
	KindRegexInvalid          ErrorKind = "regex_invalid"
	KindValidation            ErrorKind = "validation"
	KindConnection            ErrorKind = "connection"
	KindStore                 ErrorKind = "store"
)

// Error codes returned alongside the kind.
const (
	ErrCodeSchemaInvalid         = "SCHEMA_INVALID"
	ErrCodeUnsupportedKeyword    = "UNSUPPORTED_KEYWORD"
	ErrCodeLimitInvalid          = "LIMIT_INVALID"
	ErrCodeAlreadyExists         = "ELEMENT_ALREADY_EXISTS"
	ErrCodeSlugTooLong           = "SLUG_TOO_LONG"
	ErrCodeVersionMissing        = "VERSION_MISSING"
	ErrCodeIdentifierTypeMissing = "IDENTIFIER_TYPE_MISSING"
	ErrCodeQueryTimeout          = "QUERY_TIMEOUT"
	ErrCodeRegexInvalid          = "INVALID_REGEX"
	ErrCodeValidationFailed      = "VALIDATION_FAILED"
	ErrCodeConnectionFailed      = "CONNECTION_FAILED"
	ErrCodeStoreFailed           = "STORE_ERROR"
)

// Error is the single error type returned across the public API.
type Error struct {
	Kind    ErrorKind      `json:"kind"`
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Field   string         `json:"field,omitempty"`
	Details map[string]any `json:"details,omitempty"`
	Cause   error          `json:"-"`
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("[%s:%s] %s", e.Kind, e.Code, e.Message)
	if e.Field != "" {
		msg = fmt.Sprintf("[%s:%s] field '%s': %s", e.Kind, e.Code, e.Field, e.Message)
	}
	if e.Cause != nil {
		return msg + ": " + e.Cause.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// WithDetail adds a single detail to the error
func (e *Error) WithDetail(key string, value any) *Error {
	if e.Details == nil {
		e.Details = make(map[string]any)
	}
	e.Details[key] = value
	return e
}

// WithCause adds a cause to the error
func (e *Error) WithCause(cause error) *Error {
	e.Cause = cause
	return e
}

// WithField adds field context to the error
func (e *Error) WithField(field string) *Error {
	e.Field = field
	return e
}

// ============================================================================
// Constructors
// ============================================================================

// NewError creates an error of the given kind.
func NewError(kind ErrorKind, code, message string) *Error {
	return &Error{
		Kind:    kind,
		Code:    code,
		Message: message,
	}
}

// NewSchemaInvalidError reports a query schema that cannot be compiled.
func NewSchemaInvalidError(message string) *Error {
	return NewError(KindSchemaInvalid, ErrCodeSchemaInvalid, message)
}

// NewUnsupportedKeywordError reports a schema keyword the compiler does not translate.
func NewUnsupportedKeywordError(keyword, path string) *Error {
	return &Error{
		Kind:    KindSchemaInvalid,
		Code:    ErrCodeUnsupportedKeyword,
		Message: fmt.Sprintf("unsupported schema keyword %q", keyword),
		Field:   path,
		Details: map[string]any{"keyword": keyword},
	}
}

// NewLimitInvalidError reports a limit outside [0, max].
func NewLimitInvalidError(limit any, max int) *Error {
	return &Error{
		Kind:    KindLimitInvalid,
		Code:    ErrCodeLimitInvalid,
		Message: fmt.Sprintf("query limit must be an integer between 0 and %d, got %v", max, limit),
		Details: map[string]any{"limit": limit, "max": max},
	}
}

// NewAlreadyExistsError reports a duplicate id or (slug, version).
func NewAlreadyExistsError(slug string, cause error) *Error {
	return &Error{
		Kind:    KindAlreadyExists,
		Code:    ErrCodeAlreadyExists,
		Message: fmt.Sprintf("element already exists: %s", slug),
		Details: map[string]any{"slug": slug},
		Cause:   cause,
	}
}

// NewSlugTooLongError reports a slug longer than the column allows.
func NewSlugTooLongError(slug string, max int) *Error {
	return &Error{
		Kind:    KindSlugTooLong,
		Code:    ErrCodeSlugTooLong,
		Message: fmt.Sprintf("slug exceeds %d characters", max),
		Field:   "slug",
		Details: map[string]any{"length": len(slug), "max": max},
	}
}

// NewVersionMissingError reports a slug lookup without an explicit version.
func NewVersionMissingError(slug string) *Error {
	return &Error{
		Kind:    KindVersionMissing,
		Code:    ErrCodeVersionMissing,
		Message: fmt.Sprintf("slug %q must carry an explicit version (slug@version)", slug),
		Field:   "slug",
	}
}

// NewIdentifierTypeMissingError reports a point lookup without a type hint.
func NewIdentifierTypeMissingError(identifier string) *Error {
	return &Error{
		Kind:    KindIdentifierTypeMissing,
		Code:    ErrCodeIdentifierTypeMissing,
		Message: fmt.Sprintf("no type given when fetching %q", identifier),
		Field:   "type",
	}
}

// NewQueryTimeoutError reports a statement that exceeded its timeout.
func NewQueryTimeoutError(cause error) *Error {
	return &Error{
		Kind:    KindQueryTimeout,
		Code:    ErrCodeQueryTimeout,
		Message: "query timed out",
		Cause:   cause,
	}
}

// NewRegexInvalidError reports a pattern rejected by the database.
func NewRegexInvalidError(cause error) *Error {
	return &Error{
		Kind:    KindRegexInvalid,
		Code:    ErrCodeRegexInvalid,
		Message: "invalid regular expression in query",
		Cause:   cause,
	}
}

// NewValidationError reports card data rejected by its type schema.
func NewValidationError(field, message string) *Error {
	return &Error{
		Kind:    KindValidation,
		Code:    ErrCodeValidationFailed,
		Message: message,
		Field:   field,
	}
}

// NewConnectionError reports a failure to reach the database.
func NewConnectionError(message string, cause error) *Error {
	return &Error{
		Kind:    KindConnection,
		Code:    ErrCodeConnectionFailed,
		Message: message,
		Cause:   cause,
	}
}

// NewStoreError wraps any other backend failure.
func NewStoreError(message string, cause error) *Error {
	return &Error{
		Kind:    KindStore,
		Code:    ErrCodeStoreFailed,
		Message: message,
		Cause:   cause,
	}
}

// ============================================================================
// Error checking utilities
// ============================================================================

// KindOf returns the kind of the first *Error in the chain, or "" if none.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind ErrorKind) bool {
	return err != nil && KindOf(err) == kind
}

// IsSchemaInvalidError checks if an error is a schema compilation error
func IsSchemaInvalidError(err error) bool {
	return IsKind(err, KindSchemaInvalid)
}

// IsLimitInvalidError checks if an error is an invalid limit error
func IsLimitInvalidError(err error) bool {
	return IsKind(err, KindLimitInvalid)
}

// IsAlreadyExistsError checks if an error is a duplicate element error
func IsAlreadyExistsError(err error) bool {
	return IsKind(err, KindAlreadyExists)
}

// IsQueryTimeoutError checks if an error is a statement timeout
func IsQueryTimeoutError(err error) bool {
	return IsKind(err, KindQueryTimeout)
}
